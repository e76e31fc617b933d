package img

import (
	"math/rand"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Types of image transformations
type TransType int

const NoTrans TransType = 0

const (
	HorizFlip TransType = 1 << iota
	Crop
	Normalise
)

var RGBTrans = HorizFlip | Crop

var transTypeNames = map[TransType]string{
	HorizFlip: "HorizFlip",
	Crop:      "Crop",
	Normalise: "Normalise",
}

func (t TransType) String() string {
	if t == NoTrans {
		return "None"
	}
	s := []string{}
	for key, name := range transTypeNames {
		if t&key != 0 {
			s = append(s, name)
		}
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

// Number of pixels of reflected padding added to each edge before a random crop
var CropPadding = 4

// Transformer wraps an image data set and applies the transformations to each image as it is loaded.
// It implements the nnet.Data interface.
type Transformer struct {
	*Data
	Trans TransType
	w, h  int
	rng   []*rand.Rand
}

// Create a new transformer object which applies a sequence of image transformations.
// If normalisation is enabled the data set should have the channel mean and standard deviation set.
func NewTransformer(data *Data, trans TransType, rng *rand.Rand) (*Transformer, error) {
	if trans&Normalise != 0 && (len(data.Mean) != data.Dims[0] || len(data.StdDev) != data.Dims[0]) {
		return nil, errors.New("error applying normalisation - missing mean and stddev")
	}
	threads := runtime.GOMAXPROCS(0)
	b := data.Images[0].Bounds()
	t := &Transformer{Data: data, Trans: trans, w: b.Dx(), h: b.Dy()}
	for i := 0; i < threads; i++ {
		t.rng = append(t.rng, rand.New(rand.NewSource(rng.Int63())))
	}
	return t, nil
}

// Input returns the transformed images in buf array
func (t *Transformer) Input(index []int, buf []float32) {
	if t.Trans == NoTrans {
		t.Data.Input(index, buf)
		return
	}
	nfeat := t.nfeat()
	for i, m := range t.TransformBatch(index, nil) {
		copy(buf[i*nfeat:(i+1)*nfeat], m.Pixels(-1))
	}
}

// Transform a batch of images in parallel
func (t *Transformer) TransformBatch(index []int, dst []Image) []Image {
	if dst == nil {
		dst = make([]Image, len(index))
	}
	var wg sync.WaitGroup
	queue := make(chan int, len(t.rng))
	for thread := range t.rng {
		wg.Add(1)
		go func(thread int) {
			for i := range queue {
				dst[i] = t.Transform(t.Images[index[i]], thread)
			}
			wg.Done()
		}(thread)
	}
	for i := range index {
		queue <- i
	}
	close(queue)
	wg.Wait()
	return dst
}

// Perform one or more image transforms: normalise, random horizontal flip then random crop with reflected padding.
func (t *Transformer) Transform(img Image, thread int) Image {
	rng := t.rng[thread]
	if t.Trans&Normalise != 0 {
		img = t.normalise(img)
	}
	if t.Trans&HorizFlip != 0 && rng.Float64() >= 0.5 {
		img = transform(img, func(x, y int) (int, int) { return t.w - x - 1, y })
	}
	if t.Trans&Crop != 0 {
		ox := rng.Intn(2*CropPadding+1) - CropPadding
		oy := rng.Intn(2*CropPadding+1) - CropPadding
		if ox != 0 || oy != 0 {
			img = transform(img, func(x, y int) (int, int) { return reflect(x+ox, t.w), reflect(y+oy, t.h) })
		}
	}
	return img
}

func (t *Transformer) normalise(src Image) Image {
	dst := NewImageLike(src)
	for ch := 0; ch < src.Channels(); ch++ {
		pix := dst.Pixels(ch)
		mean, std := t.Mean[ch], t.StdDev[ch]
		for i, val := range src.Pixels(ch) {
			pix[i] = (val - mean) / std
		}
	}
	return dst
}

// copy pixel planes from src to dst using fn to map each destination coordinate to the source
func transform(src Image, fn func(x, y int) (int, int)) Image {
	dst := NewImageLike(src)
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	for ch := 0; ch < src.Channels(); ch++ {
		in, out := src.Pixels(ch), dst.Pixels(ch)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				sx, sy := fn(x, y)
				out[x+y*w] = in[sx+sy*w]
			}
		}
	}
	return dst
}

// reflect coordinate about the image edge without repeating the edge pixel
func reflect(x, dx int) int {
	if x < 0 {
		return -x
	}
	if x >= dx {
		return 2*(dx-1) - x
	}
	return x
}
