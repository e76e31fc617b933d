package nnet

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jnb666/resnet/stats"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Decision is the outcome of comparing the validation accuracy for an epoch with the best so far.
type Decision int

const (
	Improved Decision = iota
	WithinThreshold
	Regressed
)

func (d Decision) String() string {
	switch d {
	case Improved:
		return "improved"
	case WithinThreshold:
		return "within threshold"
	case Regressed:
		return "regressed"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// TrainingState tracks the best validation accuracy and the number of consecutive epochs without improvement.
type TrainingState struct {
	BestAccuracy float64
	BestEpoch    int
	NonImproving int
	Checkpoint   string
	Saved        bool
}

// Update the state with the accuracy for the latest epoch. If the accuracy is better than the best so far
// the counter is reset, if it is below threshold*best the counter is incremented, else it is unchanged.
func (s *TrainingState) Update(epoch int, accuracy, threshold float64) Decision {
	switch {
	case accuracy > s.BestAccuracy:
		s.BestAccuracy = accuracy
		s.BestEpoch = epoch
		s.NonImproving = 0
		return Improved
	case accuracy < threshold*s.BestAccuracy:
		s.NonImproving++
		return Regressed
	default:
		return WithinThreshold
	}
}

// Stop returns true if the patience limit has been reached.
func (s *TrainingState) Stop(patience int) bool {
	return s.NonImproving >= patience
}

// Training statistics for one epoch
type Stats struct {
	Epoch        int
	Loss         float64
	Accuracy     float64
	Best         float64
	NonImproving int
	Decision     Decision
	EarlyStop    bool
	Elapsed      time.Duration
}

func (s Stats) String() string {
	str := fmt.Sprintf("epoch %3d: loss =%8.5f  accuracy =%6.2f%%  best =%6.2f%%  [%d] %s",
		s.Epoch, s.Loss, s.Accuracy, s.Best, s.NonImproving, s.Decision)
	if s.EarlyStop {
		str += " - stop"
	}
	return str
}

// Progress within a training epoch
type Progress struct {
	Epoch, Epochs  int
	Batch, Batches int
	Loss           float64
}

// Observer is notified of training progress, the calls are made from the training goroutine.
type Observer interface {
	BatchDone(p Progress)
	EpochDone(s Stats)
}

// Trainer runs the training loop: each epoch trains on all of the batches, evaluates the validation
// accuracy, saves a checkpoint if it has improved and stops early if there is no further improvement.
type Trainer struct {
	Net       *Network
	Train     *Dataset
	Valid     Validator
	Opt       Optimizer
	Store     CheckpointStore
	State     TrainingState
	Stats     []Stats
	observers []Observer
	stop      *atomic.Bool
	epoch     *atomic.Int64
	best      *atomic.Float64
}

// NewTrainer creates a new trainer with an optimizer from the network config and a console logger.
func NewTrainer(net *Network, train *Dataset, valid Validator, store CheckpointStore) *Trainer {
	t := &Trainer{
		Net:   net,
		Train: train,
		Valid: valid,
		Opt:   NewOptimizer(net.queue, net.Config),
		Store: store,
		State: TrainingState{Checkpoint: net.Config.Checkpoint},
		stop:  atomic.NewBool(false),
		epoch: atomic.NewInt64(0),
		best:  atomic.NewFloat64(0),
	}
	t.AddObserver(NewLogger(net.Config))
	return t
}

// Register an observer to be notified of progress.
func (t *Trainer) AddObserver(o Observer) {
	t.observers = append(t.observers, o)
}

// Stop requests that training ends after the current epoch, it is safe to call from any goroutine.
func (t *Trainer) Stop() { t.stop.Store(true) }

// Stopped returns true if a stop has been requested.
func (t *Trainer) Stopped() bool { return t.stop.Load() }

// Epoch returns the last completed epoch, it is safe to call from any goroutine.
func (t *Trainer) Epoch() int { return int(t.epoch.Load()) }

// BestAccuracy returns the best validation accuracy so far, it is safe to call from any goroutine.
func (t *Trainer) BestAccuracy() float64 { return t.best.Load() }

// Run the training loop for up to MaxEpoch epochs. It returns early if the non-improving count reaches
// Patience, if Stop is called or if the context is cancelled. Any error aborts the run.
func (t *Trainer) Run(ctx context.Context) error {
	conf := t.Net.Config
	start := time.Now()
	for epoch := 1; epoch <= conf.MaxEpoch; epoch++ {
		if err := ctx.Err(); err != nil {
			log.Printf("training aborted after %s", time.Since(start).Round(10*time.Millisecond))
			return errors.Wrapf(err, "training aborted before epoch %d", epoch)
		}
		if t.Stopped() {
			log.Printf("training stopped before epoch %d", epoch)
			break
		}
		loss, err := t.TrainEpoch(epoch)
		if err != nil {
			return err
		}
		acc, err := t.Valid.Validate(t.Net, epoch)
		if err != nil {
			return errors.Wrapf(err, "validation for epoch %d", epoch)
		}
		decision := t.State.Update(epoch, acc, conf.Threshold)
		if decision == Improved {
			if err := t.Store.Save(t.State.Checkpoint, t.Net.Checkpoint(epoch, acc)); err != nil {
				return err
			}
			t.State.Saved = true
		}
		s := Stats{
			Epoch:        epoch,
			Loss:         loss,
			Accuracy:     acc,
			Best:         t.State.BestAccuracy,
			NonImproving: t.State.NonImproving,
			Decision:     decision,
			EarlyStop:    t.State.Stop(conf.Patience),
			Elapsed:      time.Since(start),
		}
		t.Stats = append(t.Stats, s)
		t.epoch.Store(int64(epoch))
		t.best.Store(t.State.BestAccuracy)
		for _, o := range t.observers {
			o.EpochDone(s)
		}
		if s.EarlyStop {
			log.Printf("early stopping: no improvement for %d epochs", t.State.NonImproving)
			break
		}
	}
	log.Printf("training took %s", time.Since(start).Round(10*time.Millisecond))
	return nil
}

// Perform one training epoch on dataset, returns the average loss over the batches.
func (t *Trainer) TrainEpoch(epoch int) (float64, error) {
	net, dset := t.Net, t.Train
	params := net.Params()
	net.SetTraining(true)
	dset.NextEpoch()
	var total float64
	for batch := 0; batch < dset.Batches; batch++ {
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			fmt.Printf("== train batch %d ==\n", batch)
		}
		x, _, yOneHot := dset.NextBatch()
		if _, err := net.Fprop(x); err != nil {
			return 0, err
		}
		loss, err := net.Loss(yOneHot)
		if err != nil {
			return 0, errors.Wrapf(err, "epoch %d batch %d", epoch, batch+1)
		}
		total += loss
		t.Opt.ZeroGrad(params)
		net.Bprop()
		t.Opt.Update(params)
		p := Progress{Epoch: epoch, Epochs: net.MaxEpoch, Batch: batch + 1, Batches: dset.Batches, Loss: loss}
		for _, o := range t.observers {
			o.BatchDone(p)
		}
	}
	net.queue.Finish()
	return total / float64(dset.Batches), nil
}

// Test loads the best checkpoint saved by this run and returns the accuracy on the given dataset.
func (t *Trainer) Test(dset *Dataset) (float64, error) {
	if !t.State.Saved {
		return 0, errors.Wrap(ErrCheckpointUnavailable, t.State.Checkpoint)
	}
	start := time.Now()
	ck, err := t.Store.Load(t.State.Checkpoint)
	if err != nil {
		return 0, err
	}
	if err = t.Net.Restore(ck); err != nil {
		return 0, err
	}
	log.Printf("loaded %s", ck)
	acc, err := NewEvaluator(t.Net.queue).Accuracy(t.Net, dset)
	if err != nil {
		return 0, err
	}
	log.Printf("test accuracy: %.2f%%", acc)
	log.Printf("testing took %s", time.Since(start).Round(10*time.Millisecond))
	return acc, nil
}

// number of batches for smoothed loss average
const emaN = 20

type logger struct {
	logEvery int
	loss     stats.EMA
}

// NewLogger returns an observer which logs progress every LogEvery batches and the stats for each epoch.
func NewLogger(conf Config) Observer {
	return &logger{logEvery: conf.LogEvery}
}

func (l *logger) BatchDone(p Progress) {
	l.loss = stats.EMA(l.loss.Add(p.Loss, emaN))
	if l.logEvery > 0 && (p.Batch%l.logEvery == 0 || p.Batch == p.Batches) {
		log.Printf("epoch [%d/%d], step [%d/%d] loss: %.5f  avg: %.5f", p.Epoch, p.Epochs, p.Batch, p.Batches, p.Loss, float64(l.loss))
	}
}

func (l *logger) EpochDone(s Stats) {
	log.Printf("validation accuracy for epoch %d: %.2f%%  best: %.2f%%  non-improving: %d",
		s.Epoch, s.Accuracy, s.Best, s.NonImproving)
}
