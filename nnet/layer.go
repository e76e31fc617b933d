package nnet

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/jnb666/resnet/num"
)

// Layer interface type represents one layer of the neural net.
// Shapes exclude the leading batch dimension, output arrays are reallocated if the batch size changes.
type Layer interface {
	InShape() []int
	OutShape() []int
	Fprop(in num.Array, train bool) num.Array
	Bprop(grad num.Array) num.Array
	ToString() string
}

// ParamLayer is a layer with learned parameters
type ParamLayer interface {
	Layer
	InitParams(rng *rand.Rand, normal bool)
	Params() []Param
}

// StateLayer is a layer with non-learned state which must be saved with the weights
type StateLayer interface {
	State() []Param
}

// ConfigLayer is the definition of a layer which is used to construct it.
type ConfigLayer interface {
	New(q num.Queue, inShape []int) Layer
	ToString() string
}

// Param is a named parameter array with its accumulated gradient. Grad is nil for state variables.
type Param struct {
	Name  string
	Value num.Array
	Grad  num.Array
}

func prefixed(prefix string, params []Param) []Param {
	res := make([]Param, len(params))
	for i, p := range params {
		res[i] = Param{Name: prefix + "." + p.Name, Value: p.Value, Grad: p.Grad}
	}
	return res
}

// Convolutional layer without bias, implements ParamLayer interface.
// If NoInputGrad is set then the gradient is not propagated back to the input.
type Conv struct {
	Nfeats, Size, Stride, Pad int
	NoInputGrad               bool
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %dx%d /%d %d", c.Size, c.Size, c.Stride, c.Nfeats)
}

func (c Conv) New(q num.Queue, inShape []int) Layer {
	if len(inShape) != 3 {
		panic(fmt.Sprintf("Conv: expect 3 dimensional input, got %v", inShape))
	}
	l := &conv{Conv: c}
	l.layer = num.NewConvLayer(inShape[0], inShape[1], inShape[2], c.Nfeats, c.Size, c.Stride, c.Pad)
	l.layerBase = newLayerBase(q, inShape, l.layer.OutShape(1)[1:])
	l.w = q.NewArray(num.Float32, l.layer.FilterShape()...)
	l.dw = q.NewArray(num.Float32, l.layer.FilterShape()...)
	return l
}

// Batch normalisation layer, implements ParamLayer and StateLayer interface.
type BatchNorm struct{}

func (c BatchNorm) ToString() string { return "batchNorm" }

func (c BatchNorm) New(q num.Queue, inShape []int) Layer {
	l := &batchNorm{layer: num.NewBatchNormLayer(inShape[0])}
	l.layerBase = newLayerBase(q, inShape, inShape)
	for _, arr := range []*num.Array{&l.gamma, &l.beta, &l.dGamma, &l.dBeta, &l.runMean, &l.runVar} {
		*arr = q.NewArray(num.Float32, inShape[0])
	}
	return l
}

// Rectified linear activation layer.
type Activation struct {
	Atype string
}

func (c Activation) ToString() string { return "activation " + c.Atype }

func (c Activation) New(q num.Queue, inShape []int) Layer {
	if c.Atype != "relu" {
		panic(fmt.Sprintf("activation type %s invalid", c.Atype))
	}
	return &activation{Activation: c, layerBase: newLayerBase(q, inShape, inShape)}
}

// Global average pooling layer, output is flattened to [batch, channels].
type Pool struct{}

func (c Pool) ToString() string { return "avgPool" }

func (c Pool) New(q num.Queue, inShape []int) Layer {
	if len(inShape) != 3 {
		panic(fmt.Sprintf("Pool: expect 3 dimensional input, got %v", inShape))
	}
	return &pool{layerBase: newLayerBase(q, inShape, inShape[:1])}
}

// Linear fully connected layer, implements ParamLayer interface.
type Linear struct {
	Nout int
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %d", c.Nout)
}

func (c Linear) New(q num.Queue, inShape []int) Layer {
	if len(inShape) != 1 {
		panic(fmt.Sprintf("Linear: expect 1 dimensional input, got %v", inShape))
	}
	l := &linear{Linear: c, layerBase: newLayerBase(q, inShape, []int{c.Nout})}
	l.w = q.NewArray(num.Float32, inShape[0], c.Nout)
	l.dw = q.NewArray(num.Float32, inShape[0], c.Nout)
	l.b = q.NewArray(num.Float32, c.Nout)
	l.db = q.NewArray(num.Float32, c.Nout)
	return l
}

// convolution layer implementation
type conv struct {
	Conv
	layerBase
	layer *num.ConvLayer
	w, dw num.Array
}

func (l *conv) Fprop(in num.Array, train bool) num.Array {
	l.queue.Call(num.ConvFprop(l.layer, in, l.w, l.output(in)))
	return l.dst
}

func (l *conv) Bprop(grad num.Array) num.Array {
	l.queue.Call(num.ConvBpropFilter(l.layer, l.src, grad, l.dw))
	if l.NoInputGrad {
		return nil
	}
	l.queue.Call(num.ConvBpropData(l.layer, grad, l.w, l.inputGrad()))
	return l.dsrc
}

func (l *conv) InitParams(rng *rand.Rand, normal bool) {
	initWeights(l.queue, l.w, l.layer.Channels*l.Size*l.Size, rng, normal)
}

func (l *conv) Params() []Param {
	return []Param{{Name: "W", Value: l.w, Grad: l.dw}}
}

// batch normalisation implementation
type batchNorm struct {
	BatchNorm
	layerBase
	layer                      *num.BatchNormLayer
	gamma, beta, dGamma, dBeta num.Array
	runMean, runVar            num.Array
	trained                    bool
}

func (l *batchNorm) Fprop(in num.Array, train bool) num.Array {
	l.trained = train
	l.queue.Call(num.BatchNormFprop(l.layer, in, l.gamma, l.beta, l.runMean, l.runVar, l.output(in), train))
	return l.dst
}

func (l *batchNorm) Bprop(grad num.Array) num.Array {
	if !l.trained {
		panic("batchNorm: backward pass requires training mode forward pass")
	}
	l.queue.Call(num.BatchNormBprop(l.layer, l.src, grad, l.gamma, l.inputGrad(), l.dGamma, l.dBeta))
	return l.dsrc
}

func (l *batchNorm) InitParams(rng *rand.Rand, normal bool) {
	l.queue.Call(
		num.Fill(l.gamma, 1),
		num.Fill(l.beta, 0),
		num.Fill(l.runMean, 0),
		num.Fill(l.runVar, 1),
	)
}

func (l *batchNorm) Params() []Param {
	return []Param{
		{Name: "G", Value: l.gamma, Grad: l.dGamma},
		{Name: "B", Value: l.beta, Grad: l.dBeta},
	}
}

func (l *batchNorm) State() []Param {
	return []Param{{Name: "mean", Value: l.runMean}, {Name: "var", Value: l.runVar}}
}

// activation layer
type activation struct {
	Activation
	layerBase
}

func (l *activation) Fprop(in num.Array, train bool) num.Array {
	l.queue.Call(num.Relu(in, l.output(in)))
	return l.dst
}

func (l *activation) Bprop(grad num.Array) num.Array {
	l.queue.Call(num.ReluD(l.src, grad, l.inputGrad()))
	return l.dsrc
}

// global average pool layer
type pool struct {
	Pool
	layerBase
}

func (l *pool) Fprop(in num.Array, train bool) num.Array {
	l.queue.Call(num.PoolFprop(in, l.output(in)))
	return l.dst
}

func (l *pool) Bprop(grad num.Array) num.Array {
	l.queue.Call(num.PoolBprop(grad, l.inputGrad()))
	return l.dsrc
}

// linear layer implementation
type linear struct {
	Linear
	layerBase
	w, b   num.Array
	dw, db num.Array
}

func (l *linear) Fprop(in num.Array, train bool) num.Array {
	dst := l.output(in)
	l.queue.Call(
		num.Copy(dst, l.b),
		num.Gemm(1, 1, in, l.w, dst, num.NoTrans, num.NoTrans),
	)
	return dst
}

func (l *linear) Bprop(grad num.Array) num.Array {
	l.queue.Call(
		num.Gemm(1, 1, l.src, grad, l.dw, num.Trans, num.NoTrans),
		num.SumRows(grad, l.db, 1),
		num.Gemm(1, 0, grad, l.w, l.inputGrad(), num.NoTrans, num.Trans),
	)
	return l.dsrc
}

func (l *linear) InitParams(rng *rand.Rand, normal bool) {
	nin := l.inShape[0]
	initWeights(l.queue, l.w, nin, rng, normal)
	initWeights(l.queue, l.b, nin, rng, false)
}

func (l *linear) Params() []Param {
	return []Param{
		{Name: "W", Value: l.w, Grad: l.dw},
		{Name: "B", Value: l.b, Grad: l.db},
	}
}

// Weights are uniform in range +-1/sqrt(fanIn) or He normal with stddev sqrt(2/fanIn)
func initWeights(q num.Queue, w num.Array, fanIn int, rng *rand.Rand, normal bool) {
	weights := make([]float32, w.Size())
	for i := range weights {
		if normal {
			weights[i] = float32(rng.NormFloat64() * math.Sqrt(2/float64(fanIn)))
		} else {
			weights[i] = float32((2*rng.Float64() - 1) / math.Sqrt(float64(fanIn)))
		}
	}
	q.Call(num.Write(w, weights))
}

// common layer fields: the input from the last forward pass, output and input gradient arrays
type layerBase struct {
	queue    num.Queue
	inShape  []int
	outShape []int
	src      num.Array
	dst      num.Array
	dsrc     num.Array
}

func newLayerBase(q num.Queue, inShape, outShape []int) layerBase {
	return layerBase{queue: q, inShape: inShape, outShape: outShape}
}

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

// save input and get output array for this batch size
func (l *layerBase) output(in num.Array) num.Array {
	l.src = in
	l.dst = batchArray(l.queue, l.dst, in.Dims()[0], l.outShape)
	return l.dst
}

// get input gradient array for the batch size of the last forward pass
func (l *layerBase) inputGrad() num.Array {
	l.dsrc = batchArray(l.queue, l.dsrc, l.src.Dims()[0], l.inShape)
	return l.dsrc
}

// allocate new array if the batch size has changed
func batchArray(q num.Queue, arr num.Array, batch int, shape []int) num.Array {
	if arr != nil && arr.Dims()[0] == batch {
		return arr
	}
	num.Release(arr)
	return q.NewArray(num.Float32, append([]int{batch}, shape...)...)
}
