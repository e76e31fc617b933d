package img

import (
	"encoding/gob"
	"fmt"

	"github.com/jnb666/resnet/stats"
)

// Channel mean and standard deviation of the CIFAR-10 training images
var (
	CIFARMean   = []float32{0.4914, 0.4822, 0.4465}
	CIFARStdDev = []float32{0.247, 0.243, 0.261}
)

func init() {
	gob.Register(&Data{})
	gob.Register(&GrayImage{})
	gob.Register(&RGBImage{})
}

// Image data set which implements the nnet.Data interface
type Data struct {
	DataHead
	Images []Image
}

type DataHead struct {
	Class  []string
	Dims   []int
	Labels []int32
	Mean   []float32
	StdDev []float32
}

// Create a new image set, all of the images should be the same size
func NewData(classes []string, labels []int32, images []Image) *Data {
	src := images[0]
	b := src.Bounds()
	dims := []int{src.Channels(), b.Dy(), b.Dx()}
	return &Data{
		DataHead: DataHead{Class: classes, Dims: dims, Labels: labels},
		Images:   images,
	}
}

// Len function returns number of images
func (d *Data) Len() int { return len(d.Labels) }

// Classes functions number of differerent label values
func (d *Data) Classes() []string { return d.Class }

// Shape returns channels, height, width
func (d *Data) Shape() []int { return d.Dims }

// Label returns classification for given images
func (d *Data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

// Input returns the unmodified pixel data in buf array
func (d *Data) Input(index []int, buf []float32) {
	nfeat := d.nfeat()
	for i, ix := range index {
		copy(buf[i*nfeat:(i+1)*nfeat], d.Images[ix].Pixels(-1))
	}
}

// Image returns given image number
func (d *Data) Image(ix int) Image {
	return d.Images[ix]
}

// Slice returns images from start to end
func (d *Data) Slice(start, end int) *Data {
	data := *d
	data.Labels = append([]int32{}, d.Labels[start:end]...)
	data.Images = append([]Image{}, d.Images[start:end]...)
	return &data
}

func (d *Data) nfeat() int {
	n := 1
	for _, d := range d.Dims {
		n *= d
	}
	return n
}

func (d *Data) String() string {
	return fmt.Sprintf("%d images %v classes=%d", d.Len(), d.Dims, len(d.Class))
}

// Calculate mean and stddev from set of images
func GetStats(imgList ...[]Image) (mean, std []float32) {
	channels := imgList[0][0].Channels()
	stat := make([]*stats.Average, channels)
	for i := range stat {
		stat[i] = new(stats.Average)
	}
	for _, images := range imgList {
		for _, img := range images {
			for ch, s := range stat {
				for _, val := range img.Pixels(ch) {
					s.Add(float64(val))
				}
			}
		}
	}
	mean = make([]float32, channels)
	std = make([]float32, channels)
	for i, s := range stat {
		mean[i] = float32(s.Mean)
		std[i] = float32(s.StdDev)
	}
	fmt.Printf("mean = %.4f stddev = %.4f\n", mean, std)
	return mean, std
}
