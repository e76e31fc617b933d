package num

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ConvLayer holds the geometry and per thread workspace for a 2d convolution with square kernel and no bias.
// Input is [batch, channels, height, width], filter is [feats, channels, size, size].
type ConvLayer struct {
	Channels, Height, Width  int
	Feats, Size, Stride, Pad int
	OutHeight, OutWidth      int
	work                     [][]float32
	dwork                    [][]float32
	sync.Mutex
}

// NewConvLayer calculates the output size for the convolution
func NewConvLayer(channels, height, width, nFeats, size, stride, pad int) *ConvLayer {
	if stride < 1 {
		stride = 1
	}
	l := &ConvLayer{Channels: channels, Height: height, Width: width, Feats: nFeats, Size: size, Stride: stride, Pad: pad}
	l.OutHeight = (height+2*pad-size)/stride + 1
	l.OutWidth = (width+2*pad-size)/stride + 1
	if l.OutHeight < 1 || l.OutWidth < 1 {
		panic(fmt.Sprintf("ConvLayer: input %dx%d too small for kernel size %d", height, width, size))
	}
	return l
}

// InShape returns the input dimensions for the given batch size
func (l *ConvLayer) InShape(batch int) []int {
	return []int{batch, l.Channels, l.Height, l.Width}
}

// OutShape returns the output dimensions for the given batch size
func (l *ConvLayer) OutShape(batch int) []int {
	return []int{batch, l.Feats, l.OutHeight, l.OutWidth}
}

// FilterShape returns the weight dimensions
func (l *ConvLayer) FilterShape() []int {
	return []int{l.Feats, l.Channels, l.Size, l.Size}
}

func (l *ConvLayer) colRows() int { return l.Channels * l.Size * l.Size }

func (l *ConvLayer) colCols() int { return l.OutHeight * l.OutWidth }

// per worker im2col buffer
func (l *ConvLayer) workspace(threads int) [][]float32 {
	l.Lock()
	defer l.Unlock()
	for len(l.work) < threads {
		l.work = append(l.work, make([]float32, l.colRows()*l.colCols()))
	}
	return l.work
}

// per worker filter gradient accumulator
func (l *ConvLayer) filterWorkspace(threads int) [][]float32 {
	l.Lock()
	defer l.Unlock()
	for len(l.dwork) < threads {
		l.dwork = append(l.dwork, make([]float32, l.Feats*l.colRows()))
	}
	return l.dwork
}

func (l *ConvLayer) checkInput(name string, x Array) int {
	dims := x.Dims()
	if len(dims) != 4 || dims[1] != l.Channels || dims[2] != l.Height || dims[3] != l.Width {
		panic(fmt.Sprintf("%s: input shape %v does not match layer %v", name, dims, l.InShape(-1)))
	}
	return dims[0]
}

// unroll input patches for one sample into col matrix of shape [channels*size*size, outHeight*outWidth]
func (l *ConvLayer) im2col(x, col []float32) {
	k, s, p := l.Size, l.Stride, l.Pad
	ohw := l.colCols()
	for c := 0; c < l.Channels; c++ {
		plane := x[c*l.Height*l.Width : (c+1)*l.Height*l.Width]
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := col[((c*k+kh)*k+kw)*ohw:]
				for oh := 0; oh < l.OutHeight; oh++ {
					ih := oh*s + kh - p
					for ow := 0; ow < l.OutWidth; ow++ {
						iw := ow*s + kw - p
						if ih >= 0 && ih < l.Height && iw >= 0 && iw < l.Width {
							row[oh*l.OutWidth+ow] = plane[ih*l.Width+iw]
						} else {
							row[oh*l.OutWidth+ow] = 0
						}
					}
				}
			}
		}
	}
}

// accumulate col matrix back into the input gradient for one sample
func (l *ConvLayer) col2im(col, dx []float32) {
	k, s, p := l.Size, l.Stride, l.Pad
	ohw := l.colCols()
	for i := range dx {
		dx[i] = 0
	}
	for c := 0; c < l.Channels; c++ {
		plane := dx[c*l.Height*l.Width : (c+1)*l.Height*l.Width]
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := col[((c*k+kh)*k+kw)*ohw:]
				for oh := 0; oh < l.OutHeight; oh++ {
					ih := oh*s + kh - p
					if ih < 0 || ih >= l.Height {
						continue
					}
					for ow := 0; ow < l.OutWidth; ow++ {
						iw := ow*s + kw - p
						if iw >= 0 && iw < l.Width {
							plane[ih*l.Width+iw] += row[oh*l.OutWidth+ow]
						}
					}
				}
			}
		}
	}
}

// Convolution forward propagation: y <- conv(x, w)
func ConvFprop(l *ConvLayer, x, w, y Array) Function {
	n := l.checkInput("ConvFprop", x)
	if !SameShape(y.Dims(), l.OutShape(n)) || !SameShape(w.Dims(), l.FilterShape()) {
		panic(fmt.Sprintf("ConvFprop: invalid shapes filter=%v output=%v", w.Dims(), y.Dims()))
	}
	return newFunc("conv_fprop", func(threads int) {
		xd, wd, yd := f32(x), f32(w), f32(y)
		insize, outsize := Prod(x.Dims()[1:]), Prod(y.Dims()[1:])
		rows, cols := l.colRows(), l.colCols()
		work := l.workspace(threads)
		parallel(threads, n, func(worker, i int) {
			col := work[worker]
			l.im2col(xd[i*insize:(i+1)*insize], col)
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
				general(l.Feats, rows, wd),
				general(rows, cols, col),
				0,
				general(l.Feats, cols, yd[i*outsize:(i+1)*outsize]),
			)
		})
	})
}

// Convolution backward propagation of gradient to the input: dx <- conv_transpose(dy, w)
func ConvBpropData(l *ConvLayer, dy, w, dx Array) Function {
	n := l.checkInput("ConvBpropData", dx)
	if !SameShape(dy.Dims(), l.OutShape(n)) {
		panic(fmt.Sprintf("ConvBpropData: invalid gradient shape %v", dy.Dims()))
	}
	return newFunc("conv_bprop_data", func(threads int) {
		dyd, wd, dxd := f32(dy), f32(w), f32(dx)
		insize, outsize := Prod(dx.Dims()[1:]), Prod(dy.Dims()[1:])
		rows, cols := l.colRows(), l.colCols()
		work := l.workspace(threads)
		parallel(threads, n, func(worker, i int) {
			col := work[worker]
			blas32.Gemm(blas.Trans, blas.NoTrans, 1,
				general(l.Feats, rows, wd),
				general(l.Feats, cols, dyd[i*outsize:(i+1)*outsize]),
				0,
				general(rows, cols, col),
			)
			l.col2im(col, dxd[i*insize:(i+1)*insize])
		})
	})
}

// Convolution backward propagation of gradient to the filter weights: dw <- dw + sum_batch(dy x im2col(x)^T)
func ConvBpropFilter(l *ConvLayer, x, dy, dw Array) Function {
	n := l.checkInput("ConvBpropFilter", x)
	if !SameShape(dy.Dims(), l.OutShape(n)) || !SameShape(dw.Dims(), l.FilterShape()) {
		panic(fmt.Sprintf("ConvBpropFilter: invalid shapes grad=%v filter=%v", dy.Dims(), dw.Dims()))
	}
	return newFunc("conv_bprop_filter", func(threads int) {
		xd, dyd, dwd := f32(x), f32(dy), f32(dw)
		insize, outsize := Prod(x.Dims()[1:]), Prod(dy.Dims()[1:])
		rows, cols := l.colRows(), l.colCols()
		if threads > n {
			threads = n
		}
		work := l.workspace(threads)
		acc := l.filterWorkspace(threads)
		for _, a := range acc[:threads] {
			for i := range a {
				a[i] = 0
			}
		}
		parallel(threads, n, func(worker, i int) {
			col := work[worker]
			l.im2col(xd[i*insize:(i+1)*insize], col)
			blas32.Gemm(blas.NoTrans, blas.Trans, 1,
				general(l.Feats, cols, dyd[i*outsize:(i+1)*outsize]),
				general(rows, cols, col),
				1,
				general(l.Feats, rows, acc[worker]),
			)
		})
		for _, a := range acc[:threads] {
			blas32.Axpy(1, vector(a), vector(dwd))
		}
	})
}

// BatchNormLayer holds the settings and saved batch statistics for batch normalisation over the channel dimension.
type BatchNormLayer struct {
	Channels int
	Epsilon  float64
	Momentum float64
	mean     []float64
	invStd   []float64
}

// NewBatchNormLayer creates a new layer with default epsilon 1e-5 and running average momentum 0.1
func NewBatchNormLayer(channels int) *BatchNormLayer {
	return &BatchNormLayer{
		Channels: channels,
		Epsilon:  1e-5,
		Momentum: 0.1,
		mean:     make([]float64, channels),
		invStd:   make([]float64, channels),
	}
}

// input is [batch, channels, ...] - returns batch, spatial size
func (l *BatchNormLayer) geometry(name string, x Array) (int, int) {
	dims := x.Dims()
	if len(dims) < 2 || dims[1] != l.Channels {
		panic(fmt.Sprintf("%s: input shape %v invalid for %d channels", name, dims, l.Channels))
	}
	return dims[0], Prod(dims[2:])
}

// Batch normalisation forward propagation. In training mode the batch statistics are used and the running
// mean and variance are updated, else the running statistics are used to normalise the input.
func BatchNormFprop(l *BatchNormLayer, x, gamma, beta, runMean, runVar, y Array, train bool) Function {
	n, hw := l.geometry("BatchNormFprop", x)
	checkSameShape("BatchNormFprop", x, y)
	checkSameShape("BatchNormFprop", gamma, beta, runMean, runVar)
	if gamma.Size() != l.Channels {
		panic("BatchNormFprop: parameter size must match channels")
	}
	desc := "batchnorm_fprop"
	if !train {
		desc = "batchnorm_infer"
	}
	return newFunc(desc, func(threads int) {
		xd, yd := f32(x), f32(y)
		g, b, rm, rv := f32(gamma), f32(beta), f32(runMean), f32(runVar)
		m := float64(n * hw)
		parallel(threads, l.Channels, func(_, c int) {
			var mean, invStd float64
			if train {
				var sum float64
				for i := 0; i < n; i++ {
					for _, v := range xd[(i*l.Channels+c)*hw : (i*l.Channels+c+1)*hw] {
						sum += float64(v)
					}
				}
				mean = sum / m
				var ss float64
				for i := 0; i < n; i++ {
					for _, v := range xd[(i*l.Channels+c)*hw : (i*l.Channels+c+1)*hw] {
						ss += (float64(v) - mean) * (float64(v) - mean)
					}
				}
				variance := ss / m
				invStd = 1 / math.Sqrt(variance+l.Epsilon)
				l.mean[c], l.invStd[c] = mean, invStd
				unbiased := variance
				if m > 1 {
					unbiased = ss / (m - 1)
				}
				rm[c] = float32((1-l.Momentum)*float64(rm[c]) + l.Momentum*mean)
				rv[c] = float32((1-l.Momentum)*float64(rv[c]) + l.Momentum*unbiased)
			} else {
				mean = float64(rm[c])
				invStd = 1 / math.Sqrt(float64(rv[c])+l.Epsilon)
			}
			scale := float64(g[c]) * invStd
			shift := float64(b[c]) - mean*scale
			for i := 0; i < n; i++ {
				off := (i*l.Channels + c) * hw
				for j, v := range xd[off : off+hw] {
					yd[off+j] = float32(float64(v)*scale + shift)
				}
			}
		})
	})
}

// Batch normalisation backward propagation using the statistics saved from the last training mode forward pass.
// Gradients for gamma and beta are accumulated into dGamma and dBeta.
func BatchNormBprop(l *BatchNormLayer, x, dy, gamma, dx, dGamma, dBeta Array) Function {
	n, hw := l.geometry("BatchNormBprop", x)
	checkSameShape("BatchNormBprop", x, dy, dx)
	checkSameShape("BatchNormBprop", gamma, dGamma, dBeta)
	return newFunc("batchnorm_bprop", func(threads int) {
		xd, dyd, dxd := f32(x), f32(dy), f32(dx)
		g, dg, db := f32(gamma), f32(dGamma), f32(dBeta)
		m := float64(n * hw)
		parallel(threads, l.Channels, func(_, c int) {
			mean, invStd := l.mean[c], l.invStd[c]
			var sumDy, sumDyXhat float64
			for i := 0; i < n; i++ {
				off := (i*l.Channels + c) * hw
				for j, v := range xd[off : off+hw] {
					d := float64(dyd[off+j])
					sumDy += d
					sumDyXhat += d * (float64(v) - mean) * invStd
				}
			}
			db[c] += float32(sumDy)
			dg[c] += float32(sumDyXhat)
			scale := float64(g[c]) * invStd / m
			for i := 0; i < n; i++ {
				off := (i*l.Channels + c) * hw
				for j, v := range xd[off : off+hw] {
					xhat := (float64(v) - mean) * invStd
					dxd[off+j] = float32(scale * (m*float64(dyd[off+j]) - sumDy - xhat*sumDyXhat))
				}
			}
		})
	})
}

// Global average pooling forward propagation: [batch, channels, height, width] => [batch, channels]
func PoolFprop(x, y Array) Function {
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 4 || len(ydim) != 2 || xdim[0] != ydim[0] || xdim[1] != ydim[1] {
		panic(fmt.Sprintf("PoolFprop: invalid shapes %v => %v", xdim, ydim))
	}
	return newFunc("pool_fprop", func(int) {
		xd, yd := f32(x), f32(y)
		hw := xdim[2] * xdim[3]
		for i := range yd {
			var sum float64
			for _, v := range xd[i*hw : (i+1)*hw] {
				sum += float64(v)
			}
			yd[i] = float32(sum / float64(hw))
		}
	})
}

// Global average pooling backward propagation: gradient is spread evenly over the pooled region
func PoolBprop(dy, dx Array) Function {
	xdim, ydim := dx.Dims(), dy.Dims()
	if len(xdim) != 4 || len(ydim) != 2 || xdim[0] != ydim[0] || xdim[1] != ydim[1] {
		panic(fmt.Sprintf("PoolBprop: invalid shapes %v => %v", ydim, xdim))
	}
	return newFunc("pool_bprop", func(int) {
		dyd, dxd := f32(dy), f32(dx)
		hw := xdim[2] * xdim[3]
		for i, g := range dyd {
			v := g / float32(hw)
			for j := i * hw; j < (i+1)*hw; j++ {
				dxd[j] = v
			}
		}
	})
}
