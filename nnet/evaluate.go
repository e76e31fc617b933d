package nnet

import (
	"github.com/jnb666/resnet/num"
)

// Classifier is a model which predicts the class labels for a batch of input data.
type Classifier interface {
	SetTraining(on bool)
	Predict(input, classes num.Array) error
}

// Evaluator calculates the classification accuracy of a model over a complete data set.
type Evaluator struct {
	queue    num.Queue
	classes  num.Array
	diffs    num.Array
	batchErr num.Array
}

func NewEvaluator(q num.Queue) *Evaluator {
	return &Evaluator{queue: q, batchErr: q.NewArray(num.Float32)}
}

// Accuracy runs the model in inference mode over every batch and returns the percentage of correct predictions.
// The model is left in inference mode.
func (e *Evaluator) Accuracy(model Classifier, dset *Dataset) (float64, error) {
	model.SetTraining(false)
	dset.NextEpoch()
	wrong, total := 0, 0
	count := []float32{0}
	for batch := 0; batch < dset.Batches; batch++ {
		x, y, _ := dset.NextBatch()
		n := y.Dims()[0]
		e.alloc(n)
		if err := model.Predict(x, e.classes); err != nil {
			return 0, err
		}
		e.queue.Call(
			num.Neq(e.classes, y, e.diffs),
			num.Sum(e.diffs, e.batchErr, 1),
			num.Read(e.batchErr, count),
		).Finish()
		wrong += int(count[0])
		total += n
	}
	if total == 0 {
		return 0, nil
	}
	return 100 * float64(total-wrong) / float64(total), nil
}

func (e *Evaluator) alloc(n int) {
	if e.classes == nil || e.classes.Dims()[0] != n {
		num.Release(e.classes, e.diffs)
		e.classes = e.queue.NewArray(num.Int32, n)
		e.diffs = e.queue.NewArray(num.Int32, n)
	}
}

// Validator evaluates the network after each training epoch and returns the accuracy in percent.
type Validator interface {
	Validate(net *Network, epoch int) (float64, error)
}

// Validation is a Validator which calculates the accuracy on a held out data set.
type Validation struct {
	*Evaluator
	Data *Dataset
}

func (v Validation) Validate(net *Network, epoch int) (float64, error) {
	return v.Accuracy(net, v.Data)
}
