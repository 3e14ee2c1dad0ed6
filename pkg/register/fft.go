package register

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// fft2D computes the 2-D discrete Fourier transform of a rows x cols grid
// stored row-major. Correlation in the frequency domain turns the O(N^4)
// sliding-window product into three transforms and a pointwise multiply.
func fft2D(data []complex128, rows, cols int) []complex128 {
	rowFFT := fourier.NewCmplxFFT(cols)
	colFFT := fourier.NewCmplxFFT(rows)

	out := make([]complex128, rows*cols)
	copy(out, data)

	buf := make([]complex128, cols)
	for i := 0; i < rows; i++ {
		rowFFT.Coefficients(buf, out[i*cols:(i+1)*cols])
		copy(out[i*cols:(i+1)*cols], buf)
	}

	col := make([]complex128, rows)
	colOut := make([]complex128, rows)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			col[i] = out[i*cols+j]
		}
		colFFT.Coefficients(colOut, col)
		for i := 0; i < rows; i++ {
			out[i*cols+j] = colOut[i]
		}
	}
	return out
}

// ifft2D computes the unnormalised inverse 2-D transform; the caller divides
// by rows*cols to recover the sequence.
func ifft2D(data []complex128, rows, cols int) []complex128 {
	rowFFT := fourier.NewCmplxFFT(cols)
	colFFT := fourier.NewCmplxFFT(rows)

	out := make([]complex128, rows*cols)
	copy(out, data)

	buf := make([]complex128, cols)
	for i := 0; i < rows; i++ {
		rowFFT.Sequence(buf, out[i*cols:(i+1)*cols])
		copy(out[i*cols:(i+1)*cols], buf)
	}

	col := make([]complex128, rows)
	colOut := make([]complex128, rows)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			col[i] = out[i*cols+j]
		}
		colFFT.Sequence(colOut, col)
		for i := 0; i < rows; i++ {
			out[i*cols+j] = colOut[i]
		}
	}
	return out
}
