package nnet

import (
	"math"
	"math/rand"
	"testing"

	"github.com/jnb666/resnet/num"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
)

func newQueue() num.Queue {
	return num.NewDevice().NewQueue(2)
}

func testConfig(width int, blocks [NumStages]int) Config {
	c := DefaultConfig()
	c.Width = width
	c.BlockCounts = blocks
	c.LogEvery = 0
	c.TrainBatch = 8
	c.TestBatch = 8
	return c
}

func randArray(q num.Queue, rng *rand.Rand, dims ...int) num.Array {
	a := q.NewArray(num.Float32, dims...)
	data := make([]float32, a.Size())
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	q.Call(num.Write(a, data))
	return a
}

func read(q num.Queue, a num.Array) []float32 {
	data := make([]float32, a.Size())
	q.Call(num.Read(a, data)).Finish()
	return data
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func TestBlockShape(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(1))
	tests := []struct {
		nin, nout, stride, size int
		proj                    bool
	}{
		{4, 4, 1, 6, false},
		{4, 8, 1, 6, true},
		{4, 8, 2, 6, true},
		{4, 4, 2, 7, true},
		{3, 6, 3, 7, true},
	}
	for _, test := range tests {
		b := NewResidualBlock(q, []int{test.nin, test.size, test.size}, test.nout, test.stride)
		b.InitParams(rng, false)
		if b.Projection() != test.proj {
			t.Error(b.ToString(), "projection got", b.Projection(), "expect", test.proj)
		}
		outSize := ceilDiv(test.size, test.stride)
		expect := []int{3, test.nout, outSize, outSize}
		for _, train := range []bool{true, false} {
			y := b.Fprop(randArray(q, rng, 3, test.nin, test.size, test.size), train)
			if !num.SameShape(y.Dims(), expect) {
				t.Error(b.ToString(), "got", y.Dims(), "expect", expect)
			}
		}
	}
}

func TestIdentitySkip(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(2))
	b := NewResidualBlock(q, []int{4, 5, 5}, 4, 1)
	if b.Projection() {
		t.Fatal("expect identity skip path")
	}
	b.InitParams(rng, true)
	bn2 := b.main[4].(*batchNorm)
	q.Call(num.Fill(bn2.gamma, 0), num.Fill(bn2.beta, 0))
	x := randArray(q, rng, 2, 4, 5, 5)
	in := read(q, x)
	for _, train := range []bool{false, true} {
		got := read(q, b.Fprop(x, train))
		for i, v := range in {
			if expect := float32(math.Max(float64(v), 0)); got[i] != expect {
				t.Fatalf("train=%v: output %d got %g expect %g", train, i, got[i], expect)
			}
		}
	}
	// with the main path zeroed the input gradient is the relu gradient of the skip path
	grad := randArray(q, rng, 2, 4, 5, 5)
	g := read(q, grad)
	dx := read(q, b.Bprop(grad))
	for i, v := range in {
		expect := g[i]
		if v <= 0 {
			expect = 0
		}
		if dx[i] != expect {
			t.Fatalf("input gradient %d got %g expect %g", i, dx[i], expect)
		}
	}
}

func TestStageShape(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(3))
	for count := 1; count <= 3; count++ {
		for _, stride := range []int{1, 2} {
			for _, size := range []int{5, 8} {
				s := NewStage(q, []int{2, size, size}, 4, count, stride)
				s.InitParams(rng, false)
				if len(s.Blocks) != count {
					t.Error("blocks got", len(s.Blocks), "expect", count)
				}
				for i, b := range s.Blocks[1:] {
					if b.Stride != 1 || b.Nin != 4 || b.Projection() {
						t.Error("block", i+1, "should preserve shape:", b.ToString())
					}
				}
				out := ceilDiv(size, stride)
				y := s.Fprop(randArray(q, rng, 2, 2, size, size), true)
				if expect := []int{2, 4, out, out}; !num.SameShape(y.Dims(), expect) {
					t.Error(s.ToString(), "got", y.Dims(), "expect", expect)
				}
			}
		}
	}
}

func TestNetworkShape(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(4))
	net := New(q, testConfig(2, [NumStages]int{2, 2, 2, 2}), []int{3, 8, 8})
	net.InitWeights(rng)
	t.Log(net)
	widths := []int{2, 4, 8, 16}
	for i, s := range net.Stages {
		if s.OutShape()[0] != widths[i] {
			t.Error("stage", i+1, "width got", s.OutShape()[0], "expect", widths[i])
		}
	}
	for _, n := range []int{1, 8, 128} {
		for _, train := range []bool{true, false} {
			net.SetTraining(train)
			y, err := net.Fprop(randArray(q, rng, n, 3, 8, 8))
			if err != nil {
				t.Fatal(err)
			}
			if expect := []int{n, 10}; !num.SameShape(y.Dims(), expect) {
				t.Error("got", y.Dims(), "expect", expect)
			}
		}
	}
}

func TestShapeMismatch(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(5))
	net := New(q, testConfig(2, [NumStages]int{1, 1, 1, 1}), []int{3, 8, 8})
	net.InitWeights(rng)
	_, err := net.Fprop(randArray(q, rng, 2, 1, 8, 8))
	if errors.Cause(err) != ErrShapeMismatch {
		t.Error("got", err, "expect", ErrShapeMismatch)
	}
	defer func() {
		r := recover()
		if err, ok := r.(error); !ok || errors.Cause(err) != ErrShapeMismatch {
			t.Error("got panic", r, "expect", ErrShapeMismatch)
		}
	}()
	b := NewResidualBlock(q, []int{4, 4, 4}, 8, 2)
	b.Fprop(randArray(q, rng, 1, 2, 4, 4), false)
}

func TestCheckpoint(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(6))
	conf := testConfig(2, [NumStages]int{1, 1, 1, 1})
	net := New(q, conf, []int{3, 8, 8})
	net.InitWeights(rand.New(rand.NewSource(1)))
	x := randArray(q, rng, 4, 3, 8, 8)
	net.SetTraining(true)
	if _, err := net.Fprop(x); err != nil {
		t.Fatal(err)
	}
	net.SetTraining(false)
	y, _ := net.Fprop(x)
	y1 := read(q, y)

	store := FileStore{Dir: t.TempDir()}
	if _, err := store.Load(conf.Checkpoint); errors.Cause(err) != ErrCheckpointUnavailable {
		t.Fatal("got", err, "expect", ErrCheckpointUnavailable)
	}
	if err := store.Save(conf.Checkpoint, net.Checkpoint(3, 42.5)); err != nil {
		t.Fatal(err)
	}
	ck, err := store.Load(conf.Checkpoint)
	if err != nil {
		t.Fatal(err)
	}
	t.Log(ck)
	if ck.Epoch != 3 || ck.Accuracy != 42.5 {
		t.Error("got", ck.Epoch, ck.Accuracy, "expect", 3, 42.5)
	}
	net2 := New(q, conf, []int{3, 8, 8})
	net2.InitWeights(rand.New(rand.NewSource(2)))
	if err = net2.Restore(ck); err != nil {
		t.Fatal(err)
	}
	y, _ = net2.Fprop(x)
	y2 := read(q, y)
	for i := range y1 {
		if y1[i] != y2[i] {
			t.Fatalf("output %d got %g expect %g", i, y2[i], y1[i])
		}
	}
	conf.Width = 4
	net3 := New(q, conf, []int{3, 8, 8})
	if err = net3.Restore(ck); errors.Cause(err) != ErrShapeMismatch {
		t.Error("got", err, "expect", ErrShapeMismatch)
	}
}

func TestMemStore(t *testing.T) {
	store := NewMemStore()
	if _, err := store.Load("x"); errors.Cause(err) != ErrCheckpointUnavailable {
		t.Error("got", err, "expect", ErrCheckpointUnavailable)
	}
	ck := &Checkpoint{Epoch: 2, Accuracy: 50, Params: []ParamData{{Name: "a", Dims: []int{2}, Data: []float32{1, 2}}}}
	if err := store.Save("x", ck); err != nil {
		t.Fatal(err)
	}
	ck.Accuracy = 60
	res, err := store.Load("x")
	if err != nil {
		t.Fatal(err)
	}
	if res.Accuracy != 50 || res.Params[0].Data[1] != 2 {
		t.Error("got", res, "expect saved copy")
	}
}

func TestLinearGradient(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(7))
	l := Linear{Nout: 3}.New(q, []int{5}).(*linear)
	l.InitParams(rng, false)
	x := randArray(q, rng, 4, 5)
	r := randArray(q, rng, 4, 3)
	loss := func() float64 {
		return dot(read(q, l.Fprop(x, true)), read(q, r))
	}
	loss()
	q.Call(num.Fill(l.dw, 0), num.Fill(l.db, 0))
	dx := l.Bprop(r)
	gradCheck(t, q, "x", x, dx, loss)
	gradCheck(t, q, "W", l.w, l.dw, loss)
	gradCheck(t, q, "B", l.b, l.db, loss)
}

func TestLoss(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(8))
	conf := testConfig(2, [NumStages]int{1, 1, 1, 1})
	conf.Classes = 3
	net := New(q, conf, []int{3, 4, 4})
	net.InitWeights(rng)
	fc := net.Head[1].(*linear)
	q.Call(num.Fill(fc.w, 0), num.Fill(fc.b, 0))
	if _, err := net.Fprop(randArray(q, rng, 2, 3, 4, 4)); err != nil {
		t.Fatal(err)
	}
	y := q.NewArray(num.Float32, 2, 3)
	q.Call(num.Write(y, []float32{1, 0, 0, 0, 0, 1}))
	loss, err := net.Loss(y)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(loss-math.Log(3)) > 1e-5 {
		t.Error("got", loss, "expect", math.Log(3))
	}
	grad := read(q, net.inputGrad)
	expect := []float64{-1.0 / 3, 1.0 / 6, 1.0 / 6, 1.0 / 6, 1.0 / 6, -1.0 / 3}
	for i, v := range expect {
		if math.Abs(float64(grad[i])-v) > 1e-6 {
			t.Error("grad got", grad, "expect", expect)
			break
		}
	}
	q.Call(num.Write(fc.b, []float32{float32(math.Inf(1)), 0, 0}))
	net.Fprop(randArray(q, rng, 2, 3, 4, 4))
	if _, err = net.Loss(y); err == nil {
		t.Error("expect non-finite loss error")
	}
}

func gradCheck(t *testing.T, q num.Queue, name string, arr, grad num.Array, loss func() float64) {
	x0 := read(q, arr)
	x := make([]float64, len(x0))
	for i, v := range x0 {
		x[i] = float64(v)
	}
	buf := make([]float32, len(x0))
	f := func(x []float64) float64 {
		for i, v := range x {
			buf[i] = float32(v)
		}
		q.Call(num.Write(arr, buf))
		return loss()
	}
	expect := fd.Gradient(nil, f, x, &fd.Settings{Formula: fd.Central, Step: 1e-2})
	q.Call(num.Write(arr, x0))
	got := read(q, grad)
	for i := range expect {
		if math.Abs(float64(got[i])-expect[i]) > 1e-2*(1+math.Abs(expect[i])) {
			t.Errorf("%s gradient %d: got %g expect %g", name, i, got[i], expect[i])
		}
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
