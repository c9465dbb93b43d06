package gocu

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asuszko/gocu-interface/cudriver"
)

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func must1[T any](value T, err error) T {
	must(err)
	return value
}

// testDevice builds a Device on the CPU reference driver and hooks its
// release into the test cleanup.
func testDevice(t *testing.T, nStreams int, options ...Option) *Device {
	t.Helper()
	dev := must1(NewDevice(cudriver.NewSimDriver(2), 0, nStreams, options...))
	t.Cleanup(func() { must(dev.Close()) })
	return dev
}

// requireUsagePanic asserts fn panics with a *UsageError.
func requireUsagePanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a usage panic")
		require.IsType(t, &UsageError{}, r)
	}()
	fn()
}
