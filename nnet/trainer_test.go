package nnet

import (
	"bytes"
	"context"
	"log"
	"math"
	"math/rand"
	"os"
	"strings"
	"testing"

	"github.com/jnb666/resnet/num"
	"github.com/pkg/errors"
)

func TestTrainingState(t *testing.T) {
	tests := []struct {
		acc      []float64
		patience int
		best     []float64
		count    []int
		decision []Decision
		epochs   int
	}{
		{
			acc:      []float64{50, 50, 48, 47, 46, 45},
			patience: 3,
			best:     []float64{50, 50, 50, 50, 50},
			count:    []int{0, 0, 1, 2, 3},
			decision: []Decision{Improved, WithinThreshold, Regressed, Regressed, Regressed},
			epochs:   5,
		},
		{
			acc:      []float64{50, 49.5, 40, 49.5, 51, 30},
			patience: 5,
			best:     []float64{50, 50, 50, 50, 51, 51},
			count:    []int{0, 0, 1, 1, 0, 1},
			decision: []Decision{Improved, WithinThreshold, Regressed, WithinThreshold, Improved, Regressed},
			epochs:   6,
		},
	}
	for _, test := range tests {
		var s TrainingState
		epochs := 0
		for i, acc := range test.acc {
			epochs++
			d := s.Update(i+1, acc, 0.98)
			if d != test.decision[i] || s.BestAccuracy != test.best[i] || s.NonImproving != test.count[i] {
				t.Errorf("epoch %d: got %s %g %d expect %s %g %d", i+1, d, s.BestAccuracy, s.NonImproving,
					test.decision[i], test.best[i], test.count[i])
			}
			if s.Stop(test.patience) {
				break
			}
		}
		if epochs != test.epochs {
			t.Error("epochs got", epochs, "expect", test.epochs)
		}
	}
}

// validator which returns a fixed sequence of accuracies
type seqValidator []float64

func (v seqValidator) Validate(net *Network, epoch int) (float64, error) {
	if epoch > len(v) {
		return v[len(v)-1], nil
	}
	return v[epoch-1], nil
}

// observer which checks the saved checkpoint always matches the best accuracy so far
type checkObserver struct {
	t       *testing.T
	store   CheckpointStore
	handle  string
	max     float64
	batches int
}

func (o *checkObserver) BatchDone(p Progress) { o.batches++ }

func (o *checkObserver) EpochDone(s Stats) {
	o.max = math.Max(o.max, s.Accuracy)
	if s.Best != o.max {
		o.t.Error("epoch", s.Epoch, "best got", s.Best, "expect", o.max)
	}
	ck, err := o.store.Load(o.handle)
	if err != nil {
		o.t.Fatal(err)
	}
	if ck.Accuracy != s.Best {
		o.t.Error("epoch", s.Epoch, "checkpoint accuracy got", ck.Accuracy, "expect", s.Best)
	}
}

func testData(rng *rand.Rand, samples, classes int, shape []int) Data {
	labels := make([]int32, samples)
	inputs := make([]float32, samples*num.Prod(shape))
	for i := range labels {
		labels[i] = int32(i % classes)
	}
	for i := range inputs {
		inputs[i] = float32(rng.NormFloat64())
	}
	return NewData(classes, shape, labels, inputs)
}

func newTestTrainer(t *testing.T, valid Validator) (*Trainer, *MemStore) {
	q := newQueue()
	rng := rand.New(rand.NewSource(10))
	conf := testConfig(2, [NumStages]int{1, 1, 1, 1})
	conf.Classes = 4
	conf.Patience = 3
	net := New(q, conf, []int{3, 4, 4})
	net.InitWeights(rng)
	train := NewDataset(q.Dev(), testData(rng, 20, 4, []int{3, 4, 4}), conf.TrainBatch, 0, true, rng)
	store := NewMemStore()
	return NewTrainer(net, train, valid, store), store
}

func TestTrainerEarlyStop(t *testing.T) {
	tr, store := newTestTrainer(t, seqValidator{50, 50, 48, 47, 46, 45})
	obs := &checkObserver{t: t, store: store, handle: tr.State.Checkpoint}
	tr.AddObserver(obs)
	if err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(tr.Stats) != 5 || !tr.Stats[4].EarlyStop {
		t.Fatal("expect early stop after 5 epochs, got", len(tr.Stats))
	}
	for _, s := range tr.Stats {
		t.Log(s)
	}
	if obs.batches != 5*tr.Train.Batches {
		t.Error("batches got", obs.batches, "expect", 5*tr.Train.Batches)
	}
	if tr.State.BestEpoch != 1 || tr.State.NonImproving != 3 || !tr.State.Saved {
		t.Errorf("got state %+v", tr.State)
	}
	if tr.Epoch() != 5 || tr.BestAccuracy() != 50 {
		t.Error("got", tr.Epoch(), tr.BestAccuracy(), "expect", 5, 50)
	}
	ck, err := store.Load(tr.State.Checkpoint)
	if err != nil {
		t.Fatal(err)
	}
	if ck.Epoch != 1 || ck.Accuracy != 50 {
		t.Error("checkpoint got", ck.Epoch, ck.Accuracy, "expect", 1, 50)
	}
	// test should use the weights from epoch 1, not from the end of training
	last := tr.Net.Checkpoint(5, 45)
	if sameParams(last, ck) {
		t.Fatal("expect weights to change after epoch 1")
	}
	test := NewDataset(tr.Net.queue.Dev(), testData(rand.New(rand.NewSource(3)), 16, 4, []int{3, 4, 4}), 8, 0, false, nil)
	acc, err := tr.Test(test)
	if err != nil {
		t.Fatal(err)
	}
	if !sameParams(tr.Net.Checkpoint(1, 50), ck) {
		t.Error("network weights do not match the epoch 1 checkpoint")
	}
	net := New(newQueue(), tr.Net.Config, []int{3, 4, 4})
	if err = net.Restore(ck); err != nil {
		t.Fatal(err)
	}
	expect, err := NewEvaluator(net.queue).Accuracy(net, test)
	if err != nil {
		t.Fatal(err)
	}
	if acc != expect {
		t.Error("test accuracy got", acc, "expect", expect)
	}
}

func sameParams(a, b *Checkpoint) bool {
	if len(a.Params) != len(b.Params) {
		return false
	}
	for i, p := range a.Params {
		q := b.Params[i]
		if p.Name != q.Name || len(p.Data) != len(q.Data) {
			return false
		}
		for j, v := range p.Data {
			if v != q.Data[j] {
				return false
			}
		}
	}
	return true
}

func TestStaleCheckpoint(t *testing.T) {
	store := FileStore{Dir: t.TempDir()}
	test := NewDataset(newQueue().Dev(), testData(rand.New(rand.NewSource(4)), 8, 4, []int{3, 4, 4}), 8, 0, false, nil)

	// earlier run leaves a checkpoint on disk
	tr, _ := newTestTrainer(t, seqValidator{70})
	tr.Store = store
	tr.Net.MaxEpoch = 1
	if err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Test(test); err != nil {
		t.Fatal(err)
	}

	// new run which never improves must not pick it up
	tr2, _ := newTestTrainer(t, seqValidator{0})
	tr2.Store = store
	tr2.Net.MaxEpoch = 2
	if err := tr2.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr2.State.Saved {
		t.Fatal("expect no checkpoint saved")
	}
	if ck, err := store.Load(tr2.State.Checkpoint); err != nil || ck.Accuracy != 70 {
		t.Fatal("expect earlier checkpoint in store, got", ck, err)
	}
	if _, err := tr2.Test(test); errors.Cause(err) != ErrCheckpointUnavailable {
		t.Error("got", err, "expect", ErrCheckpointUnavailable)
	}
}

func TestTrainerMaxEpoch(t *testing.T) {
	tr, _ := newTestTrainer(t, seqValidator{10, 20, 30, 40})
	tr.Net.MaxEpoch = 4
	if err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(tr.Stats) != 4 || tr.Stats[3].EarlyStop || tr.State.BestEpoch != 4 {
		t.Error("expect 4 epochs with best at end, got", tr.Stats)
	}
}

func TestTrainerStop(t *testing.T) {
	tr, _ := newTestTrainer(t, seqValidator{50})
	tr.Stop()
	if err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(tr.Stats) != 0 {
		t.Error("expect no epochs, got", len(tr.Stats))
	}
	test := NewDataset(tr.Net.queue.Dev(), testData(rand.New(rand.NewSource(1)), 8, 4, []int{3, 4, 4}), 8, 0, false, nil)
	if _, err := tr.Test(test); errors.Cause(err) != ErrCheckpointUnavailable {
		t.Error("got", err, "expect", ErrCheckpointUnavailable)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr2, _ := newTestTrainer(t, seqValidator{50})
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	if err := tr2.Run(ctx); errors.Cause(err) != context.Canceled {
		t.Error("got", err, "expect", context.Canceled)
	}
	if !strings.Contains(buf.String(), "training aborted after") {
		t.Error("expect elapsed time to be logged, got", buf.String())
	}
}

func TestTrainLoss(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(11))
	conf := testConfig(4, [NumStages]int{1, 1, 1, 1})
	conf.Classes = 4
	conf.Eta = 0.01
	net := New(q, conf, []int{3, 4, 4})
	net.InitWeights(rng)
	data := testData(rng, 16, 4, []int{3, 4, 4})
	train := NewDataset(q.Dev(), data, 16, 0, false, rng)
	tr := NewTrainer(net, train, seqValidator{0}, NewMemStore())
	first, err := tr.TrainEpoch(1)
	if err != nil {
		t.Fatal(err)
	}
	var loss float64
	for epoch := 2; epoch <= 30; epoch++ {
		if loss, err = tr.TrainEpoch(epoch); err != nil {
			t.Fatal(err)
		}
	}
	t.Logf("loss %.4f => %.4f", first, loss)
	if loss >= first {
		t.Error("loss did not decrease: got", loss, "initial", first)
	}
	test := NewDataset(q.Dev(), data, 5, 0, false, rng)
	acc, err := NewEvaluator(q).Accuracy(net, test)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("train accuracy %.2f%%", acc)
}

func TestEvaluator(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(12))
	conf := testConfig(2, [NumStages]int{1, 1, 1, 1})
	conf.Classes = 4
	net := New(q, conf, []int{3, 4, 4})
	net.InitWeights(rng)
	fc := net.Head[1].(*linear)
	q.Call(num.Fill(fc.w, 0), num.Write(fc.b, []float32{0, 0, 1, 0}))
	tests := []struct {
		label  int32
		expect float64
	}{
		{2, 100}, {1, 0}, {0, 0},
	}
	for _, test := range tests {
		d := testData(rng, 25, 4, []int{3, 4, 4}).(data)
		for i := range d.Labels {
			d.Labels[i] = test.label
		}
		dset := NewDataset(q.Dev(), d, 10, 0, false, rng)
		net.SetTraining(true)
		acc, err := NewEvaluator(q).Accuracy(net, dset)
		if err != nil {
			t.Fatal(err)
		}
		if acc != test.expect {
			t.Error("label", test.label, "got", acc, "expect", test.expect)
		}
		if net.Training() {
			t.Error("expect network left in inference mode")
		}
	}
}

func TestOptimizer(t *testing.T) {
	q := newQueue()
	newParam := func() []Param {
		p := Param{Name: "p", Value: q.NewArray(num.Float32, 2), Grad: q.NewArray(num.Float32, 2)}
		q.Call(num.Fill(p.Value, 1), num.Fill(p.Grad, 2))
		return []Param{p}
	}
	tests := []struct {
		opt    Optimizer
		steps  int
		expect float64
	}{
		{NewSGD(q, 0.1, 0, 0), 1, 0.8},
		{NewSGD(q, 0.1, 0.9, 0), 2, 0.42},
		{NewAdam(q, 0.1, 0), 1, 0.9},
		{NewAdam(q, 0.1, 0), 2, 0.8},
	}
	for i, test := range tests {
		params := newParam()
		for step := 0; step < test.steps; step++ {
			test.opt.Update(params)
		}
		for _, v := range read(q, params[0].Value) {
			if math.Abs(float64(v)-test.expect) > 1e-5 {
				t.Error("test", i, "got", v, "expect", test.expect)
			}
		}
		test.opt.ZeroGrad(params)
		for _, v := range read(q, params[0].Grad) {
			if v != 0 {
				t.Error("test", i, "grad not cleared:", v)
			}
		}
	}
}
