// Package gocu manages accelerator compute resources: device contexts,
// streams, device and unified memory handles, pinned host buffers and
// per-queue BLAS/FFT library handles.
//
// The entry point is NewDevice (or NewDevices for a set), which acquires
// a context, creates the requested streams and returns a Device that
// owns everything until Close. Memory is allocated as typed, shaped
// handles:
//
//	dev, err := gocu.NewDevice(drv, 0, 2)
//	...
//	a, err := dev.Malloc([]int{768, 512}, dtypes.Complex64, gocu.FillScalar(3+5i), nil)
//	...
//	defer a.Release()
//
// Handles carry in-place elementwise arithmetic, transpose and
// conjugation, synchronous and asynchronous copies, and feed the Blas
// and FFT handles of their device or stream. Asynchronous transfers
// require page-locked host memory; Device.HostPin and
// Device.RequireStreamable manage the pinned registry and Close drains
// it.
//
// The driver behind a Device is the cudriver.Driver capability
// interface. The cudriver package ships a CPU reference driver so the
// resource-management semantics run and test anywhere; a cgo-backed
// CUDA driver plugs in behind the same interface.
//
// Recoverable failures wrap the sentinel errors in this package and
// match with errors.Is. Programmer errors (releasing a handle twice,
// using a closed device) panic with a *UsageError.
package gocu
