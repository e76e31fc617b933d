package nnet

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Saved copy of a parameter or state array
type ParamData struct {
	Name string
	Dims []int
	Data []float32
}

// Checkpoint is a snapshot of the network parameters with the epoch and validation accuracy when it was taken.
type Checkpoint struct {
	Epoch    int
	Accuracy float64
	Params   []ParamData
}

// CheckpointStore persists checkpoints keyed by a path like handle.
type CheckpointStore interface {
	Save(handle string, ck *Checkpoint) error
	Load(handle string) (*Checkpoint, error)
}

// FileStore saves checkpoints as gob encoded files under Dir.
type FileStore struct {
	Dir string
}

func (s FileStore) path(handle string) string {
	if filepath.IsAbs(handle) || s.Dir == "" {
		return handle
	}
	return filepath.Join(s.Dir, handle)
}

// Save checkpoint to a temporary file and rename it so any existing checkpoint is replaced atomically.
func (s FileStore) Save(handle string, ck *Checkpoint) error {
	file := s.path(handle)
	tmp := filepath.Join(filepath.Dir(file), "."+filepath.Base(file))
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	if err = gob.NewEncoder(f).Encode(ck); err != nil {
		f.Close()
		return errors.Wrap(err, "save checkpoint")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	return errors.Wrap(os.Rename(tmp, file), "save checkpoint")
}

// Load checkpoint from file, returns ErrCheckpointUnavailable if it has not been saved.
func (s FileStore) Load(handle string) (*Checkpoint, error) {
	file := s.path(handle)
	f, err := os.Open(file)
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrCheckpointUnavailable, file)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load checkpoint")
	}
	defer f.Close()
	ck := new(Checkpoint)
	if err = gob.NewDecoder(f).Decode(ck); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", file)
	}
	return ck, nil
}

// MemStore keeps encoded checkpoints in memory.
type MemStore struct {
	data map[string][]byte
	sync.Mutex
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Save(handle string, ck *Checkpoint) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ck); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	s.Lock()
	s.data[handle] = buf.Bytes()
	s.Unlock()
	return nil
}

func (s *MemStore) Load(handle string) (*Checkpoint, error) {
	s.Lock()
	data, ok := s.data[handle]
	s.Unlock()
	if !ok {
		return nil, errors.Wrap(ErrCheckpointUnavailable, handle)
	}
	ck := new(Checkpoint)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(ck); err != nil {
		return nil, errors.Wrap(err, "decode checkpoint")
	}
	return ck, nil
}

func (ck *Checkpoint) String() string {
	return fmt.Sprintf("checkpoint epoch %d accuracy %.2f%% with %d arrays", ck.Epoch, ck.Accuracy, len(ck.Params))
}
