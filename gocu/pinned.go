package gocu

import (
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/asuszko/gocu-interface/cudriver"
)

// pinnedRegistry tracks the host buffers a Device has page-locked, keyed
// by buffer identity (the address of the first byte, never value
// equality), so unlock is symmetric and async copies can be gated on
// actually-pinned memory.
type pinnedRegistry struct {
	ctx     cudriver.Context
	entries []pinnedEntry
}

type pinnedEntry struct {
	key *byte
	buf []byte
}

func newPinnedRegistry(ctx cudriver.Context) *pinnedRegistry {
	return &pinnedRegistry{ctx: ctx}
}

// pin page-locks buf[:nbytes] and records it. nbytes <= 0 pins the whole
// buffer. Pinning a buffer that is already registered is idempotent: the
// condition is logged and the existing entry stands.
func (r *pinnedRegistry) pin(buf []byte, nbytes int) error {
	if len(buf) == 0 {
		return errors.WithMessage(ErrConfiguration, "cannot pin an empty host buffer")
	}
	if nbytes <= 0 || nbytes > len(buf) {
		nbytes = len(buf)
	}
	key := unsafe.SliceData(buf)
	if r.find(key) >= 0 {
		klog.Warningf("Host buffer %p is already pinned, keeping the existing registration", key)
		return nil
	}
	if err := r.ctx.PinHost(buf[:nbytes]); err != nil {
		return errors.WithMessage(err, "page-locking host buffer")
	}
	r.entries = append(r.entries, pinnedEntry{key: key, buf: buf[:nbytes]})
	return nil
}

// unpin removes the first entry whose identity matches buf. A buffer that
// was never pinned is reported and skipped, never fatal: teardown paths
// must keep going.
func (r *pinnedRegistry) unpin(buf []byte) {
	if len(buf) == 0 {
		klog.Warning("Unpin of an empty host buffer ignored")
		return
	}
	i := r.find(unsafe.SliceData(buf))
	if i < 0 {
		klog.Warningf("Host buffer %p not found in pinned registry", unsafe.SliceData(buf))
		return
	}
	if err := r.ctx.UnpinHost(r.entries[i].buf); err != nil {
		klog.Errorf("Failed to unpin host buffer: %v", err)
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
}

// unpinAll drains the registry in registration order. Idempotent once the
// registry is empty.
func (r *pinnedRegistry) unpinAll() {
	for len(r.entries) > 0 {
		r.unpin(r.entries[0].buf)
	}
}

func (r *pinnedRegistry) isPinned(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	return r.find(unsafe.SliceData(buf)) >= 0
}

func (r *pinnedRegistry) find(key *byte) int {
	for i, e := range r.entries {
		if e.key == key {
			return i
		}
	}
	return -1
}

func (r *pinnedRegistry) len() int { return len(r.entries) }
