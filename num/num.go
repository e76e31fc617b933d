// Package num contains numeric Array processing routines such as optimised matix multiplication,
// convolution and batch normalisation kernels.
package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Data type of an element of the array
type DataType int

const (
	Int32 DataType = iota
	Float32
)

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

func (t TransType) blas() blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// Read data from array into a slice.
func Read(a Array, data interface{}) Function {
	return newFunc("read", func(int) {
		switch d := data.(type) {
		case []float32:
			copy(d, f32(a))
		case []int32:
			copy(d, i32(a))
		default:
			panic(fmt.Sprintf("Read: invalid slice type %T", data))
		}
	})
}

// Write data from a slice into the given array.
func Write(a Array, data interface{}) Function {
	return newFunc("write", func(int) {
		switch d := data.(type) {
		case []float32:
			copy(f32(a), d)
		case []int32:
			copy(i32(a), d)
		default:
			panic(fmt.Sprintf("Write: invalid slice type %T", data))
		}
	})
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return newFunc("fill", func(int) {
		if a.Dtype() == Int32 {
			d := i32(a)
			for i := range d {
				d[i] = int32(scalar)
			}
			return
		}
		d := f32(a)
		for i := range d {
			d[i] = scalar
		}
	})
}

// Copy from src to dst, broadcast vector to matrix if needed, vector is tiled row wise
func Copy(dst, src Array) Function {
	if src.Dtype() != dst.Dtype() {
		panic("Copy: arguments must be same type")
	}
	ddim, sdim := dst.Dims(), src.Dims()
	switch {
	case SameShape(ddim, sdim) || (len(sdim) != len(ddim) && Prod(sdim) == Prod(ddim)):
		return newFunc("copy", func(int) {
			if src.Dtype() == Int32 {
				copy(i32(dst), i32(src))
			} else {
				copy(f32(dst), f32(src))
			}
		})
	case len(sdim) == 1 && len(ddim) == 2 && sdim[0] == ddim[1]:
		return newFunc("tile", func(int) {
			s, d := f32(src), f32(dst)
			for row := 0; row < ddim[0]; row++ {
				copy(d[row*ddim[1]:], s)
			}
		})
	default:
		panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
	}
}

// Element wise != comparison
func Neq(x, y, res Array) Function {
	if x.Dtype() != Int32 || y.Dtype() != Int32 || res.Dtype() != Int32 {
		panic("Neq: incorrect datatype")
	}
	if !SameShape(x.Dims(), res.Dims()) || !SameShape(y.Dims(), res.Dims()) {
		panic("Neq: arrays must be same shape")
	}
	return newFunc("neq", func(int) {
		xd, yd, rd := i32(x), i32(y), i32(res)
		for i := range rd {
			if xd[i] != yd[i] {
				rd[i] = 1
			} else {
				rd[i] = 0
			}
		}
	})
}

// Convert labels to one hot representation with shape [batch, classes]
func Onehot(x, y Array, classes int) Function {
	if x.Dtype() != Int32 || y.Dtype() != Float32 {
		panic("Onehot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 1 || len(ydim) != 2 || xdim[0] != ydim[0] || ydim[1] != classes {
		panic("Onehot: invalid array shape")
	}
	return newFunc("onehot", func(int) {
		xd, yd := i32(x), f32(y)
		for i := range yd {
			yd[i] = 0
		}
		for i, label := range xd {
			if label < 0 || int(label) >= classes {
				panic(fmt.Sprintf("Onehot: label %d out of range", label))
			}
			yd[i*classes+int(label)] = 1
		}
	})
}

// Convert from OneHot format or class scores back to labels by taking the index of the max value in each row
func Unhot(x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Int32 {
		panic("Unhot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[0] != ydim[0] {
		panic("Unhot: invalid array shape")
	}
	return newFunc("unhot", func(int) {
		xd, yd := f32(x), i32(y)
		k := xdim[1]
		for row := range yd {
			best := 0
			for col := 1; col < k; col++ {
				if xd[row*k+col] > xd[row*k+best] {
					best = col
				}
			}
			yd[row] = int32(best)
		}
	})
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	if x.Dtype() != Float32 {
		panic("Scale: dtype must by Float32")
	}
	return newFunc("scale", func(int) {
		blas32.Scal(alpha, vector(f32(x)))
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Axpy: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic(fmt.Sprintf("Axpy: arrays must be same size %v %v", x.Dims(), y.Dims()))
	}
	return newFunc("axpy", func(int) {
		blas32.Axpy(alpha, vector(f32(x)), vector(f32(y)))
	})
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if len(total.Dims()) != 0 || total.Dtype() != Float32 {
		panic("Sum: result type should be float32 scalar")
	}
	return newFunc("sum", func(int) {
		var sum float64
		if a.Dtype() == Int32 {
			for _, v := range i32(a) {
				sum += float64(v)
			}
		} else {
			for _, v := range f32(a) {
				sum += float64(v)
			}
		}
		f32(total)[0] = float32(sum) * scale
	})
}

// Sum over the rows of matrix x: y <- sum(x[i,:]) + beta*y
func SumRows(x, y Array, beta float32) Function {
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[1] != ydim[0] {
		panic("SumRows: invalid array shape")
	}
	return newFunc("sum_rows", func(int) {
		xd, yd := f32(x), f32(y)
		for j := range yd {
			yd[j] *= beta
		}
		for i := 0; i < xdim[0]; i++ {
			row := xd[i*xdim[1] : (i+1)*xdim[1]]
			for j, v := range row {
				yd[j] += v
			}
		}
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	if mA.Dtype() != Float32 || mB.Dtype() != Float32 || mC.Dtype() != Float32 {
		panic("Gemm: dtype must by Float32")
	}
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	return newFunc("gemm", func(int) {
		blas32.Gemm(aTrans.blas(), bTrans.blas(), alpha,
			general(adim[0], adim[1], f32(mA)),
			general(bdim[0], bdim[1], f32(mB)),
			beta,
			general(cdim[0], cdim[1], f32(mC)),
		)
	})
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	checkSameShape("Relu", x, y)
	return newFunc("relu", func(int) {
		xd, yd := f32(x), f32(y)
		for i, v := range xd {
			if v > 0 {
				yd[i] = v
			} else {
				yd[i] = 0
			}
		}
	})
}

// Relu derivative: y = grad where x > 0 else 0
func ReluD(x, grad, y Array) Function {
	checkSameShape("ReluD", x, grad, y)
	return newFunc("relu_d", func(int) {
		xd, gd, yd := f32(x), f32(grad), f32(y)
		for i, v := range xd {
			if v > 0 {
				yd[i] = gd[i]
			} else {
				yd[i] = 0
			}
		}
	})
}

// Softmax activation function applied to each row of a [batch, classes] matrix
func Softmax(x, res Array) Function {
	xdim := checkMatrix("Softmax", x, res)
	return newFunc("softmax", func(int) {
		xd, rd := f32(x), f32(res)
		k := xdim[1]
		for row := 0; row < xdim[0]; row++ {
			softmax(xd[row*k:(row+1)*k], rd[row*k:(row+1)*k])
		}
	})
}

// Softmax cross entropy loss for each row given the unnormalised class scores x and one hot labels y.
func SoftmaxLoss(x, y, res Array) Function {
	xdim := checkMatrix("SoftmaxLoss", x, y)
	if rdim := res.Dims(); len(rdim) != 1 || rdim[0] != xdim[0] {
		panic("SoftmaxLoss: result should be vector with one entry per row")
	}
	return newFunc("softmax_loss", func(int) {
		xd, yd, rd := f32(x), f32(y), f32(res)
		k := xdim[1]
		for row := range rd {
			xr, yr := xd[row*k:(row+1)*k], yd[row*k:(row+1)*k]
			lse := logSumExp(xr)
			var loss float64
			for j, t := range yr {
				if t != 0 {
					loss += float64(t) * (lse - float64(xr[j]))
				}
			}
			rd[row] = float32(loss)
		}
	})
}

// Gradient of the mean softmax cross entropy loss with respect to the class scores: (softmax(x) - y) / batch
func SoftmaxGrad(x, y, dx Array) Function {
	xdim := checkMatrix("SoftmaxGrad", x, y, dx)
	return newFunc("softmax_grad", func(int) {
		xd, yd, dd := f32(x), f32(y), f32(dx)
		k := xdim[1]
		scale := 1 / float32(xdim[0])
		for row := 0; row < xdim[0]; row++ {
			out := dd[row*k : (row+1)*k]
			softmax(xd[row*k:(row+1)*k], out)
			for j := range out {
				out[j] = (out[j] - yd[row*k+j]) * scale
			}
		}
	})
}

func softmax(x, y []float32) {
	max := x[0]
	for _, v := range x[1:] {
		if v > max {
			max = v
		}
	}
	var sum float64
	for j, v := range x {
		e := math.Exp(float64(v - max))
		y[j] = float32(e)
		sum += e
	}
	for j := range y {
		y[j] = float32(float64(y[j]) / sum)
	}
}

func logSumExp(x []float32) float64 {
	max := x[0]
	for _, v := range x[1:] {
		if v > max {
			max = v
		}
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v - max))
	}
	return float64(max) + math.Log(sum)
}

func checkSameShape(name string, arr ...Array) {
	for _, a := range arr {
		if a.Dtype() != Float32 {
			panic(name + ": dtype must by Float32")
		}
		if !SameShape(a.Dims(), arr[0].Dims()) {
			panic(fmt.Sprintf("%s: arrays must be same shape %v %v", name, a.Dims(), arr[0].Dims()))
		}
	}
}

func checkMatrix(name string, arr ...Array) []int {
	checkSameShape(name, arr...)
	dims := arr[0].Dims()
	if len(dims) != 2 {
		panic(name + ": arrays must be 2d")
	}
	return dims
}

func vector(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Data: data, Inc: 1}
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// Adam optimiser update step for weights w given gradient g and first and second moment estimates m and v.
// step is the 1 based update count used for bias correction.
func AdamUpdate(w, g, m, v Array, eta, beta1, beta2, epsilon float64, step int) Function {
	checkSameShape("AdamUpdate", w, g, m, v)
	return newFunc("adam_update", func(int) {
		wd, gd, md, vd := f32(w), f32(g), f32(m), f32(v)
		c1 := 1 - math.Pow(beta1, float64(step))
		c2 := 1 - math.Pow(beta2, float64(step))
		for i, grad := range gd {
			gv := float64(grad)
			mv := beta1*float64(md[i]) + (1-beta1)*gv
			vv := beta2*float64(vd[i]) + (1-beta2)*gv*gv
			md[i], vd[i] = float32(mv), float32(vv)
			wd[i] -= float32(eta * (mv / c1) / (math.Sqrt(vv/c2) + epsilon))
		}
	})
}

// Check that all values are finite, sets ok to false if any NaN or Inf values are found.
func Finite(x Array, ok *bool) Function {
	return newFunc("finite", func(int) {
		*ok = true
		for _, v := range f32(x) {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				*ok = false
				return
			}
		}
	})
}
