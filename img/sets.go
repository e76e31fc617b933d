package img

import (
	"log"
	"math/rand"

	"github.com/jnb666/resnet/nnet"
	"github.com/jnb666/resnet/num"
	"github.com/pkg/errors"
)

// Sets holds the batched training, validation and test data.
type Sets struct {
	Train, Valid, Test *nnet.Dataset
}

// LoadSets reads the data set named in the config and creates a batched dataset for each split.
// Training images are normalised and distorted as per the config, validation and test images are only normalised.
func LoadSets(dev num.Device, conf nnet.Config, rng *rand.Rand) (*Sets, error) {
	data, err := nnet.LoadData(conf.DataDir, conf.DataSet)
	if err != nil {
		return nil, err
	}
	train, err := wrap(data["train"], conf.Normalise, conf.Distort, rng)
	if err != nil {
		return nil, errors.Wrap(err, "train data")
	}
	valid, err := wrap(data["valid"], conf.Normalise, false, rng)
	if err != nil {
		return nil, errors.Wrap(err, "validation data")
	}
	test, err := wrap(data["test"], conf.Normalise, false, rng)
	if err != nil {
		return nil, errors.Wrap(err, "test data")
	}
	s := &Sets{
		Train: nnet.NewDataset(dev, train, conf.TrainBatch, conf.MaxSamples, conf.Shuffle, rng),
		Valid: nnet.NewDataset(dev, valid, conf.TestBatch, conf.MaxSamples, false, rng),
		Test:  nnet.NewDataset(dev, test, conf.TestBatch, conf.MaxSamples, false, rng),
	}
	log.Printf("loaded %s: train=%d valid=%d test=%d samples", conf.DataSet, s.Train.Samples, s.Valid.Samples, s.Test.Samples)
	return s, nil
}

// Release the allocated buffers
func (s *Sets) Release() {
	s.Train.Release()
	s.Valid.Release()
	s.Test.Release()
}

// wrap image data in a transformer, other data types are used unchanged
func wrap(d nnet.Data, normalise, distort bool, rng *rand.Rand) (nnet.Data, error) {
	data, ok := d.(*Data)
	if !ok || data.Len() == 0 {
		return d, nil
	}
	trans := data.Images[0].TransformType(normalise, distort)
	if trans == NoTrans {
		return d, nil
	}
	return NewTransformer(data, trans, rng)
}
