package gocu

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/asuszko/gocu-interface/cudriver"
)

// Context owns one device's driver execution context. General use of the
// package never touches it directly: the Device pushes and pops around its
// own operations. It is exported for the advanced multi-GPU cases where a
// caller must control which context is thread-current.
type Context struct {
	deviceID  int
	ctx       cudriver.Context
	pushDepth int
	destroyed bool
}

// newContext acquires a native context for the given logical device id.
func newContext(drv cudriver.Driver, deviceID int) (*Context, error) {
	ctx, err := drv.CreateContext(deviceID)
	if err != nil {
		return nil, errors.WithMessagef(ErrDeviceUnavailable, "creating context for device %d: %v", deviceID, err)
	}
	return &Context{deviceID: deviceID, ctx: ctx}, nil
}

// DeviceID returns the logical device id the context is bound to.
func (c *Context) DeviceID() int { return c.deviceID }

// Driver returns the underlying driver context, for capability calls the
// core does not wrap.
func (c *Context) Driver() cudriver.Context { return c.ctx }

func (c *Context) checkAlive() {
	if c.destroyed {
		usagePanic("operation on destroyed context of device %d", c.deviceID)
	}
}

// Push makes this context the thread-current one. Every Push must be
// balanced by a Pop before the context is destroyed; prefer Invoke, which
// cannot leave the stack unbalanced.
func (c *Context) Push() error {
	c.checkAlive()
	if err := c.ctx.Push(); err != nil {
		return errors.WithMessagef(err, "pushing context of device %d", c.deviceID)
	}
	c.pushDepth++
	return nil
}

// Pop restores the previously current context.
func (c *Context) Pop() error {
	c.checkAlive()
	if err := c.ctx.Pop(); err != nil {
		return errors.WithMessagef(err, "popping context of device %d", c.deviceID)
	}
	c.pushDepth--
	return nil
}

// Invoke runs fn with this context current, and restores the previous one
// on every exit path, panics included. A cross-device call sequenced
// through Invoke cannot leave the context stack unbalanced.
func (c *Context) Invoke(fn func() error) error {
	if err := c.Push(); err != nil {
		return err
	}
	defer func() {
		if err := c.Pop(); err != nil {
			klog.Errorf("Failed to pop context of device %d: %v", c.deviceID, err)
		}
	}()
	return fn()
}

// Destroy releases the native context. Destroying twice, or destroying
// while the context is still pushed, is a usage error and panics.
func (c *Context) Destroy() error {
	c.checkAlive()
	if c.pushDepth > 0 {
		usagePanic("destroying context of device %d while pushed (depth %d)", c.deviceID, c.pushDepth)
	}
	c.destroyed = true
	if err := c.ctx.Destroy(); err != nil {
		return errors.WithMessagef(err, "destroying context of device %d", c.deviceID)
	}
	return nil
}
