package nnet

import (
	"fmt"
	"math/rand"

	"github.com/jnb666/resnet/num"
)

// ResidualBlock applies two 3x3 convolutions with batch normalisation and adds the result to the skip path.
// The skip path is the identity if the shape is unchanged, else a 1x1 convolution with the block stride.
type ResidualBlock struct {
	Nin, Nout, Stride int
	layerBase
	main      []Layer
	proj      []Layer
	sum, grad num.Array
}

var (
	mainNames = []string{"conv1", "bn1", "relu", "conv2", "bn2"}
	projNames = []string{"proj_conv", "proj_bn"}
)

// NewResidualBlock creates a block with input shape [nin, height, width] and nout output channels.
func NewResidualBlock(q num.Queue, inShape []int, nout, stride int) *ResidualBlock {
	if len(inShape) != 3 {
		panic(fmt.Sprintf("ResidualBlock: expect 3 dimensional input, got %v", inShape))
	}
	if stride < 1 {
		stride = 1
	}
	b := &ResidualBlock{Nin: inShape[0], Nout: nout, Stride: stride}
	b.main = buildLayers(q, inShape,
		Conv{Nfeats: nout, Size: 3, Stride: stride, Pad: 1},
		BatchNorm{},
		Activation{Atype: "relu"},
		Conv{Nfeats: nout, Size: 3, Stride: 1, Pad: 1},
		BatchNorm{},
	)
	outShape := b.main[len(b.main)-1].OutShape()
	if !num.SameShape(inShape, outShape) {
		b.proj = buildLayers(q, inShape,
			Conv{Nfeats: nout, Size: 1, Stride: stride},
			BatchNorm{},
		)
		if projShape := b.proj[1].OutShape(); !num.SameShape(projShape, outShape) {
			panic(shapeError("ResidualBlock projection", projShape, outShape))
		}
	}
	b.layerBase = newLayerBase(q, inShape, outShape)
	return b
}

// Projection returns true if the skip path is a 1x1 convolution rather than the identity.
func (b *ResidualBlock) Projection() bool { return b.proj != nil }

func (b *ResidualBlock) ToString() string {
	s := fmt.Sprintf("block %d => %d /%d", b.Nin, b.Nout, b.Stride)
	if b.proj != nil {
		s += " proj"
	}
	return s
}

// Fprop computes relu(bn2(conv2(relu(bn1(conv1(x))))) + skip(x)).
func (b *ResidualBlock) Fprop(in num.Array, train bool) num.Array {
	if dims := in.Dims(); len(dims) != 4 || !num.SameShape(dims[1:], b.inShape) {
		panic(shapeError("ResidualBlock", dims, append([]int{-1}, b.inShape...)))
	}
	main := fpropLayers(b.main, in, train)
	skip := in
	if b.proj != nil {
		skip = fpropLayers(b.proj, in, train)
	}
	b.sum = batchArray(b.queue, b.sum, in.Dims()[0], b.outShape)
	b.queue.Call(
		num.Copy(b.sum, main),
		num.Axpy(1, skip, b.sum),
		num.Relu(b.sum, b.output(in)),
	)
	return b.dst
}

// Bprop propagates the gradient through both paths and sums the results at the block input.
func (b *ResidualBlock) Bprop(grad num.Array) num.Array {
	b.grad = batchArray(b.queue, b.grad, grad.Dims()[0], b.outShape)
	b.queue.Call(num.ReluD(b.sum, grad, b.grad))
	dmain := bpropLayers(b.main, b.grad)
	dskip := b.grad
	if b.proj != nil {
		dskip = bpropLayers(b.proj, b.grad)
	}
	dsrc := b.inputGrad()
	b.queue.Call(
		num.Copy(dsrc, dmain),
		num.Axpy(1, dskip, dsrc),
	)
	return dsrc
}

func (b *ResidualBlock) InitParams(rng *rand.Rand, normal bool) {
	initLayers(b.main, rng, normal)
	initLayers(b.proj, rng, normal)
}

func (b *ResidualBlock) Params() []Param {
	return append(layerParams(mainNames, b.main), layerParams(projNames, b.proj)...)
}

func (b *ResidualBlock) State() []Param {
	return append(layerState(mainNames, b.main), layerState(projNames, b.proj)...)
}

// Stage is a sequence of residual blocks where only the first block may change the stride or width.
type Stage struct {
	Blocks []*ResidualBlock
}

// NewStage creates count blocks, the first maps the input to nout channels with the given stride.
func NewStage(q num.Queue, inShape []int, nout, count, stride int) *Stage {
	if count < 1 {
		panic(fmt.Sprintf("Stage: block count must be positive, got %d", count))
	}
	s := &Stage{}
	shape := inShape
	for i := 0; i < count; i++ {
		b := NewResidualBlock(q, shape, nout, stride)
		s.Blocks = append(s.Blocks, b)
		shape, stride = b.OutShape(), 1
	}
	return s
}

func (s *Stage) InShape() []int { return s.Blocks[0].InShape() }

func (s *Stage) OutShape() []int { return s.Blocks[len(s.Blocks)-1].OutShape() }

func (s *Stage) ToString() string {
	first := s.Blocks[0]
	return fmt.Sprintf("stage %d => %d /%d x%d", first.Nin, first.Nout, first.Stride, len(s.Blocks))
}

func (s *Stage) Fprop(in num.Array, train bool) num.Array {
	for _, b := range s.Blocks {
		in = b.Fprop(in, train)
	}
	return in
}

func (s *Stage) Bprop(grad num.Array) num.Array {
	for i := len(s.Blocks) - 1; i >= 0; i-- {
		grad = s.Blocks[i].Bprop(grad)
	}
	return grad
}

func (s *Stage) InitParams(rng *rand.Rand, normal bool) {
	for _, b := range s.Blocks {
		b.InitParams(rng, normal)
	}
}

func (s *Stage) Params() (p []Param) {
	for i, b := range s.Blocks {
		p = append(p, prefixed(fmt.Sprintf("block%d", i), b.Params())...)
	}
	return p
}

func (s *Stage) State() (p []Param) {
	for i, b := range s.Blocks {
		p = append(p, prefixed(fmt.Sprintf("block%d", i), b.State())...)
	}
	return p
}

// construct a chain of layers, each taking the output shape of the previous one
func buildLayers(q num.Queue, inShape []int, configs ...ConfigLayer) []Layer {
	layers := make([]Layer, len(configs))
	shape := inShape
	for i, c := range configs {
		layers[i] = c.New(q, shape)
		shape = layers[i].OutShape()
	}
	return layers
}

func fpropLayers(layers []Layer, in num.Array, train bool) num.Array {
	for _, l := range layers {
		in = l.Fprop(in, train)
	}
	return in
}

func bpropLayers(layers []Layer, grad num.Array) num.Array {
	for i := len(layers) - 1; i >= 0 && grad != nil; i-- {
		grad = layers[i].Bprop(grad)
	}
	return grad
}

func initLayers(layers []Layer, rng *rand.Rand, normal bool) {
	for _, l := range layers {
		if pl, ok := l.(ParamLayer); ok {
			pl.InitParams(rng, normal)
		}
	}
}

func layerParams(names []string, layers []Layer) (p []Param) {
	for i, l := range layers {
		if pl, ok := l.(ParamLayer); ok {
			p = append(p, prefixed(names[i], pl.Params())...)
		}
	}
	return p
}

func layerState(names []string, layers []Layer) (p []Param) {
	for i, l := range layers {
		if sl, ok := l.(StateLayer); ok {
			p = append(p, prefixed(names[i], sl.State())...)
		}
	}
	return p
}
