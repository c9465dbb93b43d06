// Package cudriver defines the native driver capability set the gocu core
// depends on: context lifecycle, device and managed memory, synchronous and
// stream-qualified copies, host page-locking, streams, and the elementwise,
// transpose and conjugate compute kernels, plus the per-queue dense linear
// algebra (BLAS) and transform (FFT) library handles.
//
// Every call is bound to a Context value, so the caller never depends on an
// implicit thread-local "current context": Push/Pop still exist because the
// underlying drivers keep that state, and their balance invariants are
// enforced, but no operation in this API dispatches through it.
//
// The package also ships a CPU-backed reference implementation (NewSimDriver)
// that honors the same ordering and lifetime rules in-process. It backs the
// test suite and development on hosts without a GPU.
package cudriver

import (
	"github.com/asuszko/gocu-interface/dtypes"
)

// Ptr is an opaque device address. The zero value is the null pointer.
type Ptr struct {
	addr uintptr
}

// IsNil reports whether the pointer is the null device pointer.
func (p Ptr) IsNil() bool { return p.addr == 0 }

// MakePtr wraps a raw device address. Drivers outside this package use
// it to hand back their native addresses as Ptr values.
func MakePtr(addr uintptr) Ptr { return Ptr{addr: addr} }

// Uintptr returns the raw device address.
func (p Ptr) Uintptr() uintptr { return p.addr }

// BinaryOp selects the in-place elementwise kernel.
type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
)

// String implements fmt.Stringer.
func (op BinaryOp) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	case OpDiv:
		return "div"
	}
	return "BinaryOp(unknown)"
}

// Properties is the read-only identity report of one logical device.
type Properties struct {
	Name                string
	TotalMemory         uint64
	MultiProcessorCount int
}

// Driver is the entry point of a driver implementation.
type Driver interface {
	// DeviceCount returns the number of logical devices available.
	DeviceCount() (int, error)

	// CreateContext acquires a native context for the given device id.
	CreateContext(device int) (Context, error)
}

// Context is a driver execution context bound to one device. All memory and
// kernel capabilities hang off it. A nil Stream argument on the *Async and
// kernel calls targets the default (null) queue, which executes
// synchronously with respect to the host.
type Context interface {
	// Device returns the logical device id the context is bound to.
	Device() int

	// Push makes this context the thread-current one.
	Push() error
	// Pop restores the previously current context. Push/Pop must balance.
	Pop() error
	// Destroy releases the native context. It fails if the context is
	// still pushed, and on any call after the first.
	Destroy() error

	Properties() (Properties, error)
	// MemInfo reports system-wide free and total device memory in bytes.
	// Free is below total even with no allocations from this process.
	MemInfo() (free, total uint64, err error)
	// Reset drops the device's global state, including all allocations
	// and streams created through this context.
	Reset() error
	// Synchronize blocks until all work on all queues of this context
	// has completed.
	Synchronize() error

	Malloc(nbytes int) (Ptr, error)
	// MallocManaged allocates unified memory and returns the host-visible
	// byte view over the same storage.
	MallocManaged(nbytes int) (Ptr, []byte, error)
	// MallocPointerArray allocates a device pointer table whose i-th entry
	// addresses base + i*stride, for batched library calls.
	MallocPointerArray(base Ptr, stride, count int) (Ptr, error)
	Free(p Ptr) error

	MemcpyH2D(dst Ptr, src []byte) error
	MemcpyD2H(dst []byte, src Ptr) error
	MemcpyD2D(dst, src Ptr, nbytes int) error
	// Memcpy3D copies an extent of [x, y, z] elements of elemSize bytes.
	Memcpy3D(dst, src Ptr, extent [3]int, elemSize int) error
	Memset(p Ptr, value byte, nbytes int) error

	MemcpyH2DAsync(dst Ptr, src []byte, s Stream) error
	MemcpyD2HAsync(dst []byte, src Ptr, s Stream) error
	MemcpyD2DAsync(dst, src Ptr, nbytes int, s Stream) error
	MemsetAsync(p Ptr, value byte, nbytes int, s Stream) error

	// PinHost page-locks the buffer. Pinning an already pinned buffer is
	// an error, as is unpinning one the driver does not know about.
	PinHost(buf []byte) error
	UnpinHost(buf []byte) error

	CreateStream() (Stream, error)

	// Elementwise runs dst[i] op= src[i] over n elements of dtype.
	Elementwise(op BinaryOp, dst, src Ptr, n int, dtype dtypes.DType, s Stream) error
	// ElementwiseScalar runs dst[i] op= v over n elements, with v encoded
	// as the raw bytes of one dtype element.
	ElementwiseScalar(op BinaryOp, dst Ptr, scalar []byte, n int, dtype dtypes.DType, s Stream) error
	// Conjugate negates the imaginary components in place. Complex dtypes
	// only.
	Conjugate(p Ptr, n int, dtype dtypes.DType, s Stream) error
	// Transpose repermutes a rows x cols matrix in place.
	Transpose(p Ptr, rows, cols int, dtype dtypes.DType, s Stream) error

	// NewBlas creates a dense linear algebra handle bound to the queue.
	NewBlas(s Stream) (Blas, error)
	// NewFFT creates a transform library handle bound to the queue.
	NewFFT(s Stream) (FFT, error)
}

// Stream is an ordered asynchronous execution queue. Work submitted to one
// Stream runs in submission order; across Streams there is no order.
type Stream interface {
	// Synchronize blocks the host until all enqueued work has completed.
	Synchronize() error
	// Destroy releases the queue. The caller synchronizes first; the
	// reference driver drains pending work, a native one may not.
	Destroy() error
}

// Blas is a dense-linear-algebra handle bound to one queue. Scalars are
// passed as the raw bytes of one dtype element. Matrices are row-major.
type Blas interface {
	Axpy(n int, alpha []byte, x Ptr, incx int, y Ptr, incy int, dtype dtypes.DType) error
	Scal(n int, alpha []byte, x Ptr, incx int, dtype dtypes.DType) error
	// Nrm2 returns the Euclidean norm. It synchronizes the queue: the
	// result travels back to the host.
	Nrm2(n int, x Ptr, incx int, dtype dtypes.DType) (float64, error)
	Gemm(transA, transB bool, m, n, k int, alpha []byte, a Ptr, lda int, b Ptr, ldb int, beta []byte, c Ptr, ldc int, dtype dtypes.DType) error
	// GemmBatched multiplies batch square n x n matrices addressed by
	// device pointer tables (see Context.MallocPointerArray).
	GemmBatched(transA, transB bool, n int, alpha []byte, aTable, bTable Ptr, beta []byte, cTable Ptr, batch int, dtype dtypes.DType) error
	Destroy() error
}

// FFT is a transform-library handle bound to one queue.
type FFT interface {
	// Plan1D prepares batch transforms of length n over a complex dtype.
	Plan1D(n, batch int, dtype dtypes.DType) (FFTPlan, error)
	Destroy() error
}

// FFTPlan executes planned transforms. Both directions are unnormalized:
// Forward then Inverse scales the data by n.
type FFTPlan interface {
	Forward(dst, src Ptr) error
	Inverse(dst, src Ptr) error
	Destroy() error
}
