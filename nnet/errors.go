package nnet

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch is returned when an input or parameter array does not have the shape the network was built for.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrCheckpointUnavailable is returned when loading a checkpoint which has never been saved.
	ErrCheckpointUnavailable = errors.New("checkpoint unavailable")
)

func shapeError(context string, got, expect []int) error {
	return errors.Wrapf(ErrShapeMismatch, "%s: got %v expecting %v", context, got, expect)
}

// Set random number seed, or random seed if seed <= 0
func SetSeed(seed int64) *rand.Rand {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	fmt.Println("random seed =", seed)
	return rand.New(rand.NewSource(seed))
}

// Exit in case of error
func CheckErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
