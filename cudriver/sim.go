package cudriver

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	simDeviceMemory  = 4 << 30
	simMemoryReserve = 64 << 20 // claimed by the "driver" itself, so free < total always
	simAddrAlign     = 256
	simPtrSize       = 8 // device pointer width in the pointer tables
)

// SimDriver is the CPU-backed reference driver. It implements the full
// capability set in-process: allocations live in host memory, streams are
// single worker goroutines draining an ordered task queue, and the compute
// kernels and library handles run on the CPU (gonum-backed).
type SimDriver struct {
	mu       sync.Mutex
	devices  []*simDevice
	nextAddr uintptr

	// Thread-current context stack, as a native driver would keep per
	// host thread. The capability API never dispatches through it, but
	// its balance invariants are enforced.
	current []*simContext
}

type simDevice struct {
	id        int
	allocated uint64
	allocs    map[uintptr]*simAlloc
}

type simAlloc struct {
	base uintptr
	data []byte
}

// NewSimDriver creates a reference driver exposing numDevices logical
// devices, each with its own address space.
func NewSimDriver(numDevices int) *SimDriver {
	if numDevices < 1 {
		numDevices = 1
	}
	drv := &SimDriver{nextAddr: 0x1000}
	for id := 0; id < numDevices; id++ {
		drv.devices = append(drv.devices, &simDevice{
			id:     id,
			allocs: make(map[uintptr]*simAlloc),
		})
	}
	return drv
}

// DeviceCount implements Driver.
func (drv *SimDriver) DeviceCount() (int, error) {
	return len(drv.devices), nil
}

// CreateContext implements Driver.
func (drv *SimDriver) CreateContext(device int) (Context, error) {
	drv.mu.Lock()
	defer drv.mu.Unlock()
	if device < 0 || device >= len(drv.devices) {
		return nil, errors.Errorf("invalid device ordinal %d (have %d devices)", device, len(drv.devices))
	}
	return &simContext{
		drv:    drv,
		dev:    drv.devices[device],
		pinned: make(map[*byte]int),
	}, nil
}

type simContext struct {
	drv       *SimDriver
	dev       *simDevice
	destroyed bool
	streams   []*simStream
	pinned    map[*byte]int
}

func (ctx *simContext) Device() int { return ctx.dev.id }

func (ctx *simContext) checkAlive() error {
	if ctx.destroyed {
		return errors.Errorf("context for device %d already destroyed", ctx.dev.id)
	}
	return nil
}

// Push implements Context.
func (ctx *simContext) Push() error {
	ctx.drv.mu.Lock()
	defer ctx.drv.mu.Unlock()
	if err := ctx.checkAlive(); err != nil {
		return err
	}
	ctx.drv.current = append(ctx.drv.current, ctx)
	return nil
}

// Pop implements Context.
func (ctx *simContext) Pop() error {
	ctx.drv.mu.Lock()
	defer ctx.drv.mu.Unlock()
	stack := ctx.drv.current
	if len(stack) == 0 {
		return errors.Errorf("context stack underflow popping device %d", ctx.dev.id)
	}
	if stack[len(stack)-1] != ctx {
		return errors.Errorf("unbalanced pop: device %d context is not the current one", ctx.dev.id)
	}
	ctx.drv.current = stack[:len(stack)-1]
	return nil
}

// Destroy implements Context.
func (ctx *simContext) Destroy() error {
	ctx.drv.mu.Lock()
	if err := ctx.checkAlive(); err != nil {
		ctx.drv.mu.Unlock()
		return err
	}
	for _, cur := range ctx.drv.current {
		if cur == ctx {
			ctx.drv.mu.Unlock()
			return errors.Errorf("destroying device %d context while it is pushed", ctx.dev.id)
		}
	}
	ctx.destroyed = true
	streams := ctx.streams
	ctx.streams = nil
	ctx.drv.mu.Unlock()

	for _, s := range streams {
		if !s.closed {
			_ = s.Destroy()
		}
	}
	ctx.drv.mu.Lock()
	defer ctx.drv.mu.Unlock()
	for base := range ctx.dev.allocs {
		delete(ctx.dev.allocs, base)
	}
	ctx.dev.allocated = 0
	return nil
}

// Properties implements Context.
func (ctx *simContext) Properties() (Properties, error) {
	if err := ctx.checkAlive(); err != nil {
		return Properties{}, err
	}
	return Properties{
		Name:                fmt.Sprintf("gocu CPU reference device %d", ctx.dev.id),
		TotalMemory:         simDeviceMemory,
		MultiProcessorCount: runtime.NumCPU(),
	}, nil
}

// MemInfo implements Context.
func (ctx *simContext) MemInfo() (free, total uint64, err error) {
	ctx.drv.mu.Lock()
	defer ctx.drv.mu.Unlock()
	if err = ctx.checkAlive(); err != nil {
		return 0, 0, err
	}
	total = simDeviceMemory
	used := ctx.dev.allocated + simMemoryReserve
	if used > total {
		return 0, total, nil
	}
	return total - used, total, nil
}

// Reset implements Context.
func (ctx *simContext) Reset() error {
	ctx.drv.mu.Lock()
	if err := ctx.checkAlive(); err != nil {
		ctx.drv.mu.Unlock()
		return err
	}
	streams := ctx.streams
	ctx.streams = nil
	for base := range ctx.dev.allocs {
		delete(ctx.dev.allocs, base)
	}
	ctx.dev.allocated = 0
	ctx.drv.mu.Unlock()

	for _, s := range streams {
		if !s.closed {
			_ = s.Destroy()
		}
	}
	return nil
}

// Synchronize implements Context.
func (ctx *simContext) Synchronize() error {
	ctx.drv.mu.Lock()
	if err := ctx.checkAlive(); err != nil {
		ctx.drv.mu.Unlock()
		return err
	}
	streams := append([]*simStream(nil), ctx.streams...)
	ctx.drv.mu.Unlock()

	for _, s := range streams {
		if s.closed {
			continue
		}
		if err := s.Synchronize(); err != nil {
			return err
		}
	}
	return nil
}

// Malloc implements Context.
func (ctx *simContext) Malloc(nbytes int) (Ptr, error) {
	ctx.drv.mu.Lock()
	defer ctx.drv.mu.Unlock()
	return ctx.mallocLocked(nbytes)
}

func (ctx *simContext) mallocLocked(nbytes int) (Ptr, error) {
	if err := ctx.checkAlive(); err != nil {
		return Ptr{}, err
	}
	if nbytes <= 0 {
		return Ptr{}, errors.Errorf("invalid allocation size %d bytes", nbytes)
	}
	if ctx.dev.allocated+uint64(nbytes) > simDeviceMemory-simMemoryReserve {
		return Ptr{}, errors.Errorf("out of device memory allocating %d bytes on device %d", nbytes, ctx.dev.id)
	}
	a := &simAlloc{base: ctx.drv.nextAddr, data: make([]byte, nbytes)}
	span := (uintptr(nbytes) + simAddrAlign - 1) &^ uintptr(simAddrAlign-1)
	ctx.drv.nextAddr += span
	ctx.dev.allocs[a.base] = a
	ctx.dev.allocated += uint64(nbytes)
	return Ptr{addr: a.base}, nil
}

// MallocManaged implements Context. In the reference driver all memory is
// host memory, so the unified view is simply the allocation's bytes.
func (ctx *simContext) MallocManaged(nbytes int) (Ptr, []byte, error) {
	ctx.drv.mu.Lock()
	defer ctx.drv.mu.Unlock()
	p, err := ctx.mallocLocked(nbytes)
	if err != nil {
		return Ptr{}, nil, err
	}
	return p, ctx.dev.allocs[p.addr].data, nil
}

// MallocPointerArray implements Context.
func (ctx *simContext) MallocPointerArray(base Ptr, stride, count int) (Ptr, error) {
	ctx.drv.mu.Lock()
	defer ctx.drv.mu.Unlock()
	if stride <= 0 || count <= 0 {
		return Ptr{}, errors.Errorf("invalid pointer array geometry: stride=%d count=%d", stride, count)
	}
	if _, err := ctx.resolveLocked(base, stride*count); err != nil {
		return Ptr{}, errors.WithMessage(err, "pointer array exceeds its base allocation")
	}
	table, err := ctx.mallocLocked(count * simPtrSize)
	if err != nil {
		return Ptr{}, err
	}
	data := ctx.dev.allocs[table.addr].data
	for i := 0; i < count; i++ {
		addr := base.addr + uintptr(i*stride)
		putUintptr(data[i*simPtrSize:], addr)
	}
	return table, nil
}

// Free implements Context.
func (ctx *simContext) Free(p Ptr) error {
	ctx.drv.mu.Lock()
	defer ctx.drv.mu.Unlock()
	if err := ctx.checkAlive(); err != nil {
		return err
	}
	a, ok := ctx.dev.allocs[p.addr]
	if !ok {
		return errors.Errorf("free of unknown device pointer %#x on device %d", p.addr, ctx.dev.id)
	}
	delete(ctx.dev.allocs, p.addr)
	ctx.dev.allocated -= uint64(len(a.data))
	return nil
}

// resolveLocked returns the nbytes-long byte window at p, which may point
// into the interior of an allocation (pointer-table entries do).
func (ctx *simContext) resolveLocked(p Ptr, nbytes int) ([]byte, error) {
	if err := ctx.checkAlive(); err != nil {
		return nil, err
	}
	if a, ok := ctx.dev.allocs[p.addr]; ok {
		if nbytes > len(a.data) {
			return nil, errors.Errorf("access of %d bytes overruns %d-byte allocation at %#x", nbytes, len(a.data), p.addr)
		}
		return a.data[:nbytes], nil
	}
	for base, a := range ctx.dev.allocs {
		if p.addr > base && p.addr < base+uintptr(len(a.data)) {
			off := int(p.addr - base)
			if off+nbytes > len(a.data) {
				return nil, errors.Errorf("access of %d bytes at %#x overruns allocation at %#x", nbytes, p.addr, base)
			}
			return a.data[off : off+nbytes], nil
		}
	}
	return nil, errors.Errorf("invalid device pointer %#x on device %d", p.addr, ctx.dev.id)
}

func (ctx *simContext) resolve(p Ptr, nbytes int) ([]byte, error) {
	ctx.drv.mu.Lock()
	defer ctx.drv.mu.Unlock()
	return ctx.resolveLocked(p, nbytes)
}

// MemcpyH2D implements Context.
func (ctx *simContext) MemcpyH2D(dst Ptr, src []byte) error {
	window, err := ctx.resolve(dst, len(src))
	if err != nil {
		return err
	}
	copy(window, src)
	return nil
}

// MemcpyD2H implements Context.
func (ctx *simContext) MemcpyD2H(dst []byte, src Ptr) error {
	window, err := ctx.resolve(src, len(dst))
	if err != nil {
		return err
	}
	copy(dst, window)
	return nil
}

// MemcpyD2D implements Context.
func (ctx *simContext) MemcpyD2D(dst, src Ptr, nbytes int) error {
	srcWindow, err := ctx.resolve(src, nbytes)
	if err != nil {
		return err
	}
	dstWindow, err := ctx.resolve(dst, nbytes)
	if err != nil {
		return err
	}
	copy(dstWindow, srcWindow)
	return nil
}

// Memcpy3D implements Context. The reference driver keeps allocations
// dense, so an extent copy is a contiguous copy of x*y*z elements.
func (ctx *simContext) Memcpy3D(dst, src Ptr, extent [3]int, elemSize int) error {
	nbytes := elemSize
	for _, dim := range extent {
		if dim <= 0 {
			return errors.Errorf("invalid extent %v", extent)
		}
		nbytes *= dim
	}
	return ctx.MemcpyD2D(dst, src, nbytes)
}

// Memset implements Context.
func (ctx *simContext) Memset(p Ptr, value byte, nbytes int) error {
	window, err := ctx.resolve(p, nbytes)
	if err != nil {
		return err
	}
	for i := range window {
		window[i] = value
	}
	return nil
}

// MemcpyH2DAsync implements Context.
func (ctx *simContext) MemcpyH2DAsync(dst Ptr, src []byte, s Stream) error {
	window, err := ctx.resolve(dst, len(src))
	if err != nil {
		return err
	}
	return ctx.enqueue(s, func() error {
		copy(window, src)
		return nil
	})
}

// MemcpyD2HAsync implements Context.
func (ctx *simContext) MemcpyD2HAsync(dst []byte, src Ptr, s Stream) error {
	window, err := ctx.resolve(src, len(dst))
	if err != nil {
		return err
	}
	return ctx.enqueue(s, func() error {
		copy(dst, window)
		return nil
	})
}

// MemcpyD2DAsync implements Context.
func (ctx *simContext) MemcpyD2DAsync(dst, src Ptr, nbytes int, s Stream) error {
	srcWindow, err := ctx.resolve(src, nbytes)
	if err != nil {
		return err
	}
	dstWindow, err := ctx.resolve(dst, nbytes)
	if err != nil {
		return err
	}
	return ctx.enqueue(s, func() error {
		copy(dstWindow, srcWindow)
		return nil
	})
}

// MemsetAsync implements Context.
func (ctx *simContext) MemsetAsync(p Ptr, value byte, nbytes int, s Stream) error {
	window, err := ctx.resolve(p, nbytes)
	if err != nil {
		return err
	}
	return ctx.enqueue(s, func() error {
		for i := range window {
			window[i] = value
		}
		return nil
	})
}

// PinHost implements Context.
func (ctx *simContext) PinHost(buf []byte) error {
	ctx.drv.mu.Lock()
	defer ctx.drv.mu.Unlock()
	if err := ctx.checkAlive(); err != nil {
		return err
	}
	if len(buf) == 0 {
		return errors.New("cannot pin an empty host buffer")
	}
	key := unsafe.SliceData(buf)
	if _, ok := ctx.pinned[key]; ok {
		return errors.Errorf("host buffer %p is already pinned", key)
	}
	ctx.pinned[key] = len(buf)
	return nil
}

// UnpinHost implements Context.
func (ctx *simContext) UnpinHost(buf []byte) error {
	ctx.drv.mu.Lock()
	defer ctx.drv.mu.Unlock()
	if err := ctx.checkAlive(); err != nil {
		return err
	}
	if len(buf) == 0 {
		return errors.New("cannot unpin an empty host buffer")
	}
	key := unsafe.SliceData(buf)
	if _, ok := ctx.pinned[key]; !ok {
		return errors.Errorf("host buffer %p is not pinned", key)
	}
	delete(ctx.pinned, key)
	return nil
}

func putUintptr(dst []byte, v uintptr) {
	*(*uintptr)(unsafe.Pointer(unsafe.SliceData(dst))) = v
}

func getUintptr(src []byte) uintptr {
	return *(*uintptr)(unsafe.Pointer(unsafe.SliceData(src)))
}
