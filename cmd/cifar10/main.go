// Convert the CIFAR-10 binary batches to the gob encoded data format.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jnb666/resnet/img"
	"github.com/jnb666/resnet/nnet"
	"github.com/pkg/errors"
)

const (
	imageWidth  = 32
	imageHeight = 32
	imageSize   = imageWidth * imageHeight
	imageBytes  = imageSize*3 + 1
)

func main() {
	dataDir := flag.String("dir", "data", "output data directory")
	srcDir := flag.String("src", "data/cifar-10-batches-bin", "directory with the CIFAR-10 binary files")
	valid := flag.Int("valid", 0, "number of training images to hold back for validation")
	calcStats := flag.Bool("stats", false, "calculate channel mean and stddev rather than using the standard values")
	flag.Parse()

	classes, err := readClasses(filepath.Join(*srcDir, "batches.meta.txt"))
	nnet.CheckErr(err)

	train, err := loadBatch(filepath.Join(*srcDir, "data_batch_1.bin"), classes)
	nnet.CheckErr(err)
	for i := 2; i <= 5; i++ {
		d, err := loadBatch(filepath.Join(*srcDir, fmt.Sprintf("data_batch_%d.bin", i)), classes)
		nnet.CheckErr(err)
		train.Labels = append(train.Labels, d.Labels...)
		train.Images = append(train.Images, d.Images...)
	}
	test, err := loadBatch(filepath.Join(*srcDir, "test_batch.bin"), classes)
	nnet.CheckErr(err)

	mean, std := img.CIFARMean, img.CIFARStdDev
	if *calcStats {
		mean, std = img.GetStats(train.Images)
	}
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
		file := filepath.Join(*dataDir, "cifar10_"+name+".dat")
		nnet.CheckErr(nnet.SaveDataFile(d, file))
		fmt.Printf("saved %d %s images to %s\n", d.Len(), name, file)
	}
}

// load batch of cifar-10 images and labels in binary format
func loadBatch(file string, classes []string) (*img.Data, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	labels := make([]int32, 0, 10000)
	images := make([]img.Image, 0, 10000)
	bytes := make([]uint8, imageBytes)
	for {
		_, err := io.ReadFull(r, bytes)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error reading from %s", file)
		}
		labels = append(labels, int32(bytes[0]))
		m := img.NewRGB(imageWidth, imageHeight)
		for j := 0; j < imageSize; j++ {
			col := color.NRGBA{R: bytes[1+j], G: bytes[1+imageSize+j], B: bytes[1+imageSize*2+j], A: 255}
			m.Set(j%imageWidth, j/imageWidth, col)
		}
		images = append(images, m)
	}
	if len(images) == 0 {
		return nil, errors.Errorf("no images found in %s", file)
	}
	fmt.Printf("read %d images from %s\n", len(labels), file)
	return img.NewData(classes, labels, images), nil
}

// load class descriptions from file
func readClasses(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	classes := []string{}
	for s.Scan() {
		if line := strings.TrimSpace(s.Text()); line != "" {
			classes = append(classes, line)
		}
	}
	return classes, s.Err()
}
