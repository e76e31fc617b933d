package nnet

import (
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/jnb666/resnet/num"
	"github.com/pkg/errors"
)

// Names of the data splits
var DataTypes = []string{"train", "test", "valid"}

func init() {
	gob.Register(data{})
}

// Data interface type represents the raw data for a training or test set
type Data interface {
	Len() int
	Classes() []string
	Shape() []int
	Label(index []int, label []int32)
	Input(index []int, buf []float32)
}

// Dataset type encapsulates a set of training, test or validation data split into batches.
// The next batch is loaded in the background while the current one is processed.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	queue     num.Queue
	nfeat     int
	xBuffer   []float32
	yBuffer   []int32
	x, y, y1H [2]num.Array
	indexes   []int
	shuffle   bool
	buf       int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct with given batch size and maxSamples. If shuffle is set then the order is
// randomised at the start of each epoch, else samples are always returned in the same order.
func NewDataset(dev num.Device, data Data, batchSize, maxSamples int, shuffle bool, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), shuffle: shuffle, rng: rng}
	if maxSamples > 0 && d.Samples > maxSamples {
		d.Samples = maxSamples
	}
	if batchSize == 0 || batchSize > d.Samples {
		d.BatchSize = d.Samples
	} else {
		d.BatchSize = batchSize
	}
	d.Batches = d.Samples / d.BatchSize
	if d.Samples%d.BatchSize != 0 {
		d.Batches++
	}
	d.nfeat = num.Prod(data.Shape())
	d.xBuffer = make([]float32, d.nfeat*d.BatchSize)
	d.yBuffer = make([]int32, d.BatchSize)
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	d.queue = dev.NewQueue(1)
	return d
}

// release allocated buffers
func (d *Dataset) Release() {
	d.Wait()
	for i := range d.x {
		num.Release(d.x[i], d.y[i], d.y1H[i])
	}
}

// kick off load of next batch of data in background, the final batch may be smaller than BatchSize
func (d *Dataset) loadBatch(batch, buf int) {
	start := batch * d.BatchSize
	end := start + d.BatchSize
	if end > d.Samples {
		end = d.Samples
	}
	d.Add(1)
	go func() {
		n := end - start
		if d.x[buf] == nil || d.x[buf].Dims()[0] != n {
			num.Release(d.x[buf], d.y[buf], d.y1H[buf])
			d.x[buf] = d.queue.NewArray(num.Float32, append([]int{n}, d.Shape()...)...)
			d.y[buf] = d.queue.NewArray(num.Int32, n)
			d.y1H[buf] = d.queue.NewArray(num.Float32, n, len(d.Classes()))
		}
		d.Input(d.indexes[start:end], d.xBuffer[:n*d.nfeat])
		d.Label(d.indexes[start:end], d.yBuffer[:n])
		d.queue.Call(
			num.Write(d.x[buf], d.xBuffer[:n*d.nfeat]),
			num.Write(d.y[buf], d.yBuffer[:n]),
			num.Onehot(d.y[buf], d.y1H[buf], len(d.Classes())),
		)
		d.queue.Finish()
		d.Done()
	}()
}

// Get next batch of data: input images, labels and one hot encoded labels.
func (d *Dataset) NextBatch() (x, y, yOneHot num.Array) {
	d.Wait()
	x, y, yOneHot = d.x[d.buf], d.y[d.buf], d.y1H[d.buf]
	d.batch = (d.batch + 1) % d.Batches
	d.buf = (d.buf + 1) % 2
	d.loadBatch(d.batch, d.buf)
	return
}

// Called at start of each epoch, shuffles the data if enabled and loads the first batch
func (d *Dataset) NextEpoch() {
	d.Wait()
	if d.shuffle {
		d.indexes = d.rng.Perm(d.Samples)
	}
	d.batch = 0
	d.loadBatch(d.batch, d.buf)
}

// Number of output classes
func (d *Dataset) NumClasses() int { return len(d.Classes()) }

// Load data splits from disk given the data directory and name prefix.
// If there is no validation set then the test set is used for validation.
func LoadData(dir, name string) (d map[string]Data, err error) {
	d = make(map[string]Data)
	for _, key := range DataTypes {
		file := filepath.Join(dir, name+"_"+key+".dat")
		if !FileExists(file) {
			continue
		}
		if d[key], err = LoadDataFile(file); err != nil {
			return nil, err
		}
	}
	if d["train"] == nil || d["test"] == nil {
		return nil, errors.Errorf("%s: train and test data not found in %s", name, dir)
	}
	if d["valid"] == nil {
		d["valid"] = d["test"]
	}
	return d, nil
}

// Decode data from file in gob format
func LoadDataFile(file string) (Data, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, errors.Wrap(err, "load data")
	}
	defer f.Close()
	fmt.Printf("loading data from %s:\t", filepath.Base(file))
	var d Data
	if err = gob.NewDecoder(f).Decode(&d); err != nil {
		return nil, errors.Wrapf(err, "decode %s", file)
	}
	fmt.Println(append(d.Shape(), d.Len()))
	return d, nil
}

// Encode in gob format and save to file
func SaveDataFile(d Data, file string) error {
	f, err := os.Create(file)
	if err != nil {
		return errors.Wrap(err, "save data")
	}
	fmt.Println("saving data to", file)
	if err = gob.NewEncoder(f).Encode(&d); err != nil {
		f.Close()
		return errors.Wrap(err, "save data")
	}
	return f.Close()
}

// Check if file exists
func FileExists(file string) bool {
	_, err := os.Stat(file)
	return err == nil
}

type data struct {
	Class  []string
	Dims   []int
	Labels []int32
	Inputs []float32
}

// NewData function creates a new data set which implements the Data interface
func NewData(nclasses int, shape []int, labels []int32, inputs []float32) Data {
	classes := make([]string, nclasses)
	for i := range classes {
		classes[i] = strconv.Itoa(i)
	}
	return data{Class: classes, Dims: shape, Labels: labels, Inputs: inputs}
}

func (d data) Len() int { return len(d.Labels) }

func (d data) Classes() []string { return d.Class }

func (d data) Shape() []int { return d.Dims }

func (d data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

func (d data) Input(index []int, buf []float32) {
	nfeat := num.Prod(d.Dims)
	for i, ix := range index {
		copy(buf[i*nfeat:], d.Inputs[ix*nfeat:(ix+1)*nfeat])
	}
}
