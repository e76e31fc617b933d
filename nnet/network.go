// Package nnet contains routines for constructing, training and testing residual neural networks.
package nnet

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/jnb666/resnet/num"
	"github.com/pkg/errors"
)

// Network type represents a residual network: a stem convolution, four stages of residual blocks,
// global average pooling and a linear classifier.
type Network struct {
	Config
	Stem      []Layer
	Stages    [NumStages]*Stage
	Head      []Layer
	queue     num.Queue
	inShape   []int
	training  bool
	logits    num.Array
	losses    num.Array
	batchLoss num.Array
	inputGrad num.Array
}

var (
	stemNames = []string{"stem_conv", "stem_bn", "stem_relu"}
	headNames = []string{"pool", "fc"}
)

// New function creates a new network for input images of shape [channels, height, width].
// Stage i has Width<<i channels and BlockCounts[i] blocks, all but the first stage halve the resolution.
func New(q num.Queue, conf Config, inShape []int) *Network {
	if len(inShape) != 3 {
		panic(fmt.Sprintf("Network: expect 3 dimensional input, got %v", inShape))
	}
	n := &Network{Config: conf, queue: q, inShape: inShape}
	n.Stem = buildLayers(q, inShape,
		Conv{Nfeats: conf.Width, Size: 3, Stride: 1, Pad: 1, NoInputGrad: true},
		BatchNorm{},
		Activation{Atype: "relu"},
	)
	shape := n.Stem[len(n.Stem)-1].OutShape()
	for i := range n.Stages {
		stride := 2
		if i == 0 {
			stride = 1
		}
		n.Stages[i] = NewStage(q, shape, conf.Width<<uint(i), conf.BlockCounts[i], stride)
		shape = n.Stages[i].OutShape()
	}
	n.Head = buildLayers(q, shape, Pool{}, Linear{Nout: conf.Classes})
	n.batchLoss = q.NewArray(num.Float32)
	return n
}

// Layers returns the top level layers in order: stem, stages and head.
func (n *Network) Layers() []Layer {
	layers := append([]Layer{}, n.Stem...)
	for _, s := range n.Stages {
		layers = append(layers, s)
	}
	return append(layers, n.Head...)
}

// Initialise network weights using a uniform or normal distribution scaled by fan in.
func (n *Network) InitWeights(rng *rand.Rand) {
	for _, layer := range n.Layers() {
		if l, ok := layer.(ParamLayer); ok {
			l.InitParams(rng, n.NormalWeights)
		}
	}
	if n.DebugLevel >= 2 {
		n.PrintWeights()
	}
}

// Set training or inference mode, in training mode batch normalisation uses the batch statistics.
func (n *Network) SetTraining(on bool) { n.training = on }

func (n *Network) Training() bool { return n.training }

// Learned parameters with their gradients
func (n *Network) Params() []Param {
	p := layerParams(stemNames, n.Stem)
	for i, s := range n.Stages {
		p = append(p, prefixed(fmt.Sprintf("stage%d", i+1), s.Params())...)
	}
	return append(p, layerParams(headNames, n.Head)...)
}

// Batch normalisation running statistics
func (n *Network) State() []Param {
	p := layerState(stemNames, n.Stem)
	for i, s := range n.Stages {
		p = append(p, prefixed(fmt.Sprintf("stage%d", i+1), s.State())...)
	}
	return p
}

// Feed forward the input to get the unnormalised class scores of shape [batch, classes].
func (n *Network) Fprop(input num.Array) (num.Array, error) {
	dims := input.Dims()
	if len(dims) != 4 || !num.SameShape(dims[1:], n.inShape) {
		return nil, shapeError("network input", dims, append([]int{-1}, n.inShape...))
	}
	pred := input
	for i, layer := range n.Layers() {
		pred = layer.Fprop(pred, n.training)
		if n.DebugLevel >= 3 {
			fmt.Printf("layer %d output\n%s", i, pred.String(n.queue))
		}
	}
	n.logits = pred
	return pred, nil
}

// Predict output classes given input data
func (n *Network) Predict(input, classes num.Array) error {
	yPred, err := n.Fprop(input)
	if err != nil {
		return err
	}
	if n.DebugLevel >= 2 {
		fmt.Printf("yPred\n%s", yPred.String(n.queue))
	}
	n.queue.Call(num.Unhot(yPred, classes))
	return nil
}

// Loss returns the mean softmax cross entropy loss of the last forward pass against the one hot labels
// and sets the gradient used for the next backward pass.
func (n *Network) Loss(yOneHot num.Array) (float64, error) {
	if n.logits == nil {
		return 0, errors.New("Loss called before forward pass")
	}
	if !num.SameShape(yOneHot.Dims(), n.logits.Dims()) {
		return 0, shapeError("loss labels", yOneHot.Dims(), n.logits.Dims())
	}
	batch := yOneHot.Dims()[0]
	n.losses = batchArray(n.queue, n.losses, batch, nil)
	n.inputGrad = batchArray(n.queue, n.inputGrad, batch, []int{n.Classes})
	finite := true
	loss := []float32{0}
	n.queue.Call(
		num.SoftmaxLoss(n.logits, yOneHot, n.losses),
		num.Finite(n.losses, &finite),
		num.Sum(n.losses, n.batchLoss, 1/float32(batch)),
		num.SoftmaxGrad(n.logits, yOneHot, n.inputGrad),
		num.Read(n.batchLoss, loss),
	).Finish()
	if !finite {
		return float64(loss[0]), errors.New("non-finite loss")
	}
	return float64(loss[0]), nil
}

// Back propagate the loss gradient through the network, gradients are accumulated into each parameter.
func (n *Network) Bprop() {
	grad := n.inputGrad
	layers := n.Layers()
	for i := len(layers) - 1; i >= 0 && grad != nil; i-- {
		grad = layers[i].Bprop(grad)
		if n.DebugLevel >= 3 && grad != nil {
			fmt.Printf("layer %d bprop output:\n%s", i, grad.String(n.queue))
		}
	}
}

// Checkpoint copies the current parameters and state to a new checkpoint.
func (n *Network) Checkpoint(epoch int, accuracy float64) *Checkpoint {
	ck := &Checkpoint{Epoch: epoch, Accuracy: accuracy}
	for _, p := range append(n.Params(), n.State()...) {
		data := make([]float32, p.Value.Size())
		n.queue.Call(num.Read(p.Value, data))
		ck.Params = append(ck.Params, ParamData{Name: p.Name, Dims: p.Value.Dims(), Data: data})
	}
	n.queue.Finish()
	return ck
}

// Restore parameters and state from a checkpoint.
func (n *Network) Restore(ck *Checkpoint) error {
	saved := make(map[string]ParamData)
	for _, p := range ck.Params {
		saved[p.Name] = p
	}
	for _, p := range append(n.Params(), n.State()...) {
		data, ok := saved[p.Name]
		if !ok {
			return errors.Errorf("restore: parameter %s not found in checkpoint", p.Name)
		}
		if !num.SameShape(data.Dims, p.Value.Dims()) || len(data.Data) != p.Value.Size() {
			return shapeError("restore "+p.Name, data.Dims, p.Value.Dims())
		}
		n.queue.Call(num.Write(p.Value, data.Data))
	}
	n.queue.Finish()
	return nil
}

// Print network description
func (n *Network) String() string {
	var s []string
	shape := n.inShape
	count := 0
	for i, layer := range n.Layers() {
		s = append(s, fmt.Sprintf("%2d: %-28s %v => %v", i, layer.ToString(), shape, layer.OutShape()))
		shape = layer.OutShape()
	}
	for _, p := range n.Params() {
		count += p.Value.Size()
	}
	s = append(s, fmt.Sprintf("parameters: %d", count))
	return fmt.Sprintf("%s\n== Network ==\n%s", n.Config, strings.Join(s, "\n"))
}

// Print network weights
func (n *Network) PrintWeights() {
	for _, p := range n.Params() {
		fmt.Printf("== %s ==\n%s", p.Name, p.Value.String(n.queue))
	}
}
