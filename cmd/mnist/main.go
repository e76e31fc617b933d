// Convert the MNIST digit images to the gob encoded data format.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"path/filepath"

	"github.com/jnb666/resnet/img"
	"github.com/jnb666/resnet/nnet"
	"github.com/petar/GoMNIST"
)

var classes = []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}

func main() {
	dataDir := flag.String("dir", "data", "output data directory")
	srcDir := flag.String("src", "data/mnist", "directory with the gzipped MNIST files")
	valid := flag.Int("valid", 10000, "number of training images to hold back for validation")
	flag.Parse()

	trainSet, testSet, err := GoMNIST.Load(*srcDir)
	nnet.CheckErr(err)
	train, test := convert(trainSet), convert(testSet)

	mean, std := img.GetStats(train.Images)
	fmt.Printf("mean = %.4f  stddev = %.4f\n", mean, std)

	sets := map[string]*img.Data{"test": test}
	if *valid > 0 && *valid < train.Len() {
		n := train.Len() - *valid
		sets["valid"] = train.Slice(n, train.Len())
		sets["train"] = train.Slice(0, n)
	} else {
		sets["train"] = train
	}
	for name, d := range sets {
		d.Mean, d.StdDev = mean, std
		file := filepath.Join(*dataDir, "mnist_"+name+".dat")
		nnet.CheckErr(nnet.SaveDataFile(d, file))
		fmt.Printf("saved %d %s images to %s\n", d.Len(), name, file)
	}
}

func convert(s *GoMNIST.Set) *img.Data {
	images := make([]img.Image, len(s.Images))
	labels := make([]int32, len(s.Labels))
	for i, raw := range s.Images {
		m := img.NewGray(s.NCol, s.NRow)
		for j, pix := range raw {
			m.Set(j%s.NCol, j/s.NCol, color.Gray{Y: pix})
		}
		images[i] = m
		labels[i] = int32(s.Labels[i])
	}
	fmt.Printf("read %d %dx%d images\n", len(images), s.NCol, s.NRow)
	return img.NewData(classes, labels, images)
}
