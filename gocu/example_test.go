package gocu_test

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/asuszko/gocu-interface/cudriver"
	"github.com/asuszko/gocu-interface/dtypes"
	"github.com/asuszko/gocu-interface/gocu"
)

// Scale a signal on a stream, read it back asynchronously through pinned
// host memory, and reduce it on the host.
func Example() {
	dev, err := gocu.NewDevice(cudriver.NewSimDriver(1), 0, 1)
	if err != nil {
		panic(err)
	}
	defer func() { _ = dev.Close() }()

	signal := []float32{3, -4, 12, -5}
	out := make([]float32, len(signal))
	if err = dev.RequireStreamable(dtypes.SliceToBytes(out)); err != nil {
		panic(err)
	}

	s := dev.Stream(0)
	p, err := s.Malloc([]int{len(signal)}, dtypes.Float32, gocu.FillValues(signal))
	if err != nil {
		panic(err)
	}
	defer func() { _ = p.Release() }()

	if err = p.MulScalar(2); err != nil {
		panic(err)
	}
	if err = p.ToHostAsync(dtypes.SliceToBytes(out), nil); err != nil {
		panic(err)
	}
	if err = s.Synchronize(); err != nil {
		panic(err)
	}

	var sumSq float32
	for _, v := range out {
		sumSq += v * v
	}
	fmt.Printf("norm = %g\n", math32.Sqrt(sumSq))
	// Output:
	// norm = 27.856777
}
