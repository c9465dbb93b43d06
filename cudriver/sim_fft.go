package cudriver

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/asuszko/gocu-interface/dtypes"
)

// simFFT is the reference transform-library handle, backed by gonum's
// fourier package.
type simFFT struct {
	ctx       *simContext
	stream    Stream
	destroyed bool
}

// NewFFT implements Context.
func (ctx *simContext) NewFFT(s Stream) (FFT, error) {
	if err := ctx.checkStream(s); err != nil {
		return nil, err
	}
	return &simFFT{ctx: ctx, stream: s}, nil
}

// Destroy implements FFT.
func (f *simFFT) Destroy() error {
	if f.destroyed {
		return errors.New("fft handle already destroyed")
	}
	f.destroyed = true
	return nil
}

// Plan1D implements FFT.
func (f *simFFT) Plan1D(n, batch int, dtype dtypes.DType) (FFTPlan, error) {
	if f.destroyed {
		return nil, errors.New("fft handle already destroyed")
	}
	if n <= 0 || batch <= 0 {
		return nil, errors.Errorf("invalid plan geometry n=%d batch=%d", n, batch)
	}
	if !dtype.IsComplex() {
		return nil, errors.Errorf("1D plans are complex-to-complex, got %s", dtype)
	}
	return &simFFTPlan{
		fft:   f,
		cfft:  fourier.NewCmplxFFT(n),
		n:     n,
		batch: batch,
		dtype: dtype,
	}, nil
}

type simFFTPlan struct {
	fft       *simFFT
	cfft      *fourier.CmplxFFT
	n, batch  int
	dtype     dtypes.DType
	destroyed bool
}

// Destroy implements FFTPlan.
func (p *simFFTPlan) Destroy() error {
	if p.destroyed {
		return errors.New("fft plan already destroyed")
	}
	p.destroyed = true
	return nil
}

// Forward implements FFTPlan.
func (p *simFFTPlan) Forward(dst, src Ptr) error {
	return p.exec(dst, src, true)
}

// Inverse implements FFTPlan. Unnormalized, as native transform libraries
// are: the caller divides by n to recover the sequence.
func (p *simFFTPlan) Inverse(dst, src Ptr) error {
	return p.exec(dst, src, false)
}

func (p *simFFTPlan) exec(dst, src Ptr, forward bool) error {
	if p.destroyed {
		return errors.New("fft plan already destroyed")
	}
	nbytes := p.n * p.batch * p.dtype.Size()
	srcWindow, err := p.fft.ctx.resolve(src, nbytes)
	if err != nil {
		return err
	}
	dstWindow, err := p.fft.ctx.resolve(dst, nbytes)
	if err != nil {
		return err
	}
	return p.fft.ctx.enqueue(p.fft.stream, func() error {
		in := make([]complex128, p.n)
		out := make([]complex128, p.n)
		for b := 0; b < p.batch; b++ {
			p.load(srcWindow, b, in)
			if forward {
				p.cfft.Coefficients(out, in)
			} else {
				p.cfft.Sequence(out, in)
			}
			p.store(dstWindow, b, out)
		}
		return nil
	})
}

func (p *simFFTPlan) load(window []byte, batch int, dst []complex128) {
	switch p.dtype {
	case dtypes.Complex64:
		src := dtypes.BytesToSlice[complex64](window)[batch*p.n : (batch+1)*p.n]
		for i, v := range src {
			dst[i] = complex128(v)
		}
	case dtypes.Complex128:
		copy(dst, dtypes.BytesToSlice[complex128](window)[batch*p.n:(batch+1)*p.n])
	}
}

func (p *simFFTPlan) store(window []byte, batch int, src []complex128) {
	switch p.dtype {
	case dtypes.Complex64:
		dst := dtypes.BytesToSlice[complex64](window)[batch*p.n : (batch+1)*p.n]
		for i, v := range src {
			dst[i] = complex64(v)
		}
	case dtypes.Complex128:
		copy(dtypes.BytesToSlice[complex128](window)[batch*p.n:(batch+1)*p.n], src)
	}
}
