// Package web has a web based monitor for network training.
package web

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jnb666/resnet/nnet"
	"github.com/jnb666/resnet/stats"
	"github.com/pkg/errors"
)

// ErrRunning is returned if training is started while a run is in progress.
var ErrRunning = errors.New("training is already running")

// Monitor records the progress of a training run and notifies connected websocket clients at the end of each epoch.
// It implements the nnet.Observer interface.
type Monitor struct {
	Model     string
	Stats     []nnet.Stats
	Progress  nnet.Progress
	EpochTime stats.Average
	trainer   *nnet.Trainer
	loss      stats.EMA
	conns     map[*websocket.Conn]bool
	running   bool
	err       error
	done      chan struct{}
	sync.Mutex
}

// Create a new monitor and register it with the trainer.
func NewMonitor(model string, trainer *nnet.Trainer) *Monitor {
	m := &Monitor{Model: model, trainer: trainer, conns: map[*websocket.Conn]bool{}}
	trainer.AddObserver(m)
	return m
}

// Config returns the network config for the current run
func (m *Monitor) Config() nnet.Config {
	return m.trainer.Net.Config
}

// Start training in the background. The done channel is closed when the run completes.
func (m *Monitor) Start(ctx context.Context) (done <-chan struct{}, err error) {
	m.Lock()
	defer m.Unlock()
	if m.running {
		return nil, ErrRunning
	}
	m.running = true
	m.err = nil
	m.done = make(chan struct{})
	go func() {
		err := m.trainer.Run(ctx)
		if err != nil {
			log.Println("training error:", err)
		}
		m.Lock()
		m.running = false
		m.err = err
		close(m.done)
		m.Unlock()
		m.notify("done")
	}()
	return m.done, nil
}

// Stop training at the end of the current epoch
func (m *Monitor) Stop() {
	log.Println("stop requested")
	m.trainer.Stop()
}

// Running returns true if training is in progress
func (m *Monitor) Running() bool {
	m.Lock()
	defer m.Unlock()
	return m.running
}

// Err returns the error from the last completed run, if any
func (m *Monitor) Err() error {
	m.Lock()
	defer m.Unlock()
	return m.err
}

func (m *Monitor) BatchDone(p nnet.Progress) {
	m.Lock()
	m.Progress = p
	m.Progress.Loss = m.loss.Add(p.Loss, emaBatches)
	m.loss = stats.EMA(m.Progress.Loss)
	m.Unlock()
}

func (m *Monitor) EpochDone(s nnet.Stats) {
	m.Lock()
	elapsed := s.Elapsed
	if n := len(m.Stats); n > 0 {
		elapsed -= m.Stats[n-1].Elapsed
	}
	m.EpochTime.Add(elapsed.Seconds())
	m.Stats = append(m.Stats, s)
	m.Unlock()
	m.notify(fmt.Sprintf("%d:%.2f", s.Epoch, s.Accuracy))
}

// Snapshot returns a copy of the epoch stats
func (m *Monitor) Snapshot() []nnet.Stats {
	m.Lock()
	defer m.Unlock()
	return append([]nnet.Stats{}, m.Stats...)
}

func (m *Monitor) addConn(c *websocket.Conn) {
	m.Lock()
	m.conns[c] = true
	m.Unlock()
}

func (m *Monitor) removeConn(c *websocket.Conn) {
	m.Lock()
	delete(m.conns, c)
	m.Unlock()
	c.Close()
}

// send message to all websocket clients, writes are serialised by the lock
func (m *Monitor) notify(msg string) {
	m.Lock()
	defer m.Unlock()
	for c := range m.conns {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			log.Println("error writing to websocket:", err)
			delete(m.conns, c)
			c.Close()
		}
	}
}

const (
	emaBatches = 20
	writeWait  = 10 * time.Second
)
