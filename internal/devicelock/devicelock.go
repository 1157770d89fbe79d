// Package devicelock provides per-device serialization for session-engine
// operations, so that two messages from the same device are never processed
// concurrently while messages from distinct devices proceed in parallel.
package devicelock

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// deviceGuard is one device's serialization slot plus a reference count so
// the registry can garbage-collect entries nobody holds.
type deviceGuard struct {
	mu   sync.Mutex
	refs int
}

// Registry hands out a per-device-MAC mutex on demand: each device gets
// its own serialized lane rather than every operation sharing one lock.
type Registry struct {
	mu     sync.Mutex
	guards map[string]*deviceGuard
	logger logrus.FieldLogger
}

// New creates an empty lock registry.
func New(logger logrus.FieldLogger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		guards: make(map[string]*deviceGuard),
		logger: logger.WithField("component", "device-lock"),
	}
}

func (r *Registry) acquire(deviceMAC string) *deviceGuard {
	r.mu.Lock()
	g, ok := r.guards[deviceMAC]
	if !ok {
		g = &deviceGuard{}
		r.guards[deviceMAC] = g
	}
	g.refs++
	r.mu.Unlock()
	return g
}

func (r *Registry) release(deviceMAC string, g *deviceGuard) {
	r.mu.Lock()
	g.refs--
	if g.refs == 0 {
		delete(r.guards, deviceMAC)
	}
	r.mu.Unlock()
}

// WithDevice runs fn with exclusive access to deviceMAC's lane. It recovers
// panics inside fn so that one device's handler fault can't take the
// registry's bookkeeping down with it.
func (r *Registry) WithDevice(ctx context.Context, deviceMAC string, opName string, fn func(ctx context.Context) error) (err error) {
	g := r.acquire(deviceMAC)
	defer r.release(deviceMAC, g)

	lockCh := make(chan struct{})
	go func() {
		g.mu.Lock()
		close(lockCh)
	}()

	select {
	case <-lockCh:
	case <-ctx.Done():
		// The background goroutine above is still blocked on g.mu.Lock() and
		// will eventually acquire it; nothing else frees it from this call
		// stack. Hand off its release to a detached goroutine so the lane
		// isn't wedged forever once it does.
		go func() {
			<-lockCh
			g.mu.Unlock()
		}()
		return fmt.Errorf("context cancelled while waiting for device lock %s: %w", deviceMAC, ctx.Err())
	}
	defer g.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			r.logger.WithFields(logrus.Fields{
				"device_mac": deviceMAC,
				"operation":  opName,
				"panic":      rec,
				"stack":      string(stack),
			}).Error("recovered from panic in device-serialized operation")
			err = fmt.Errorf("panic in operation %s for device %s: %v", opName, deviceMAC, rec)
		}
	}()

	return fn(ctx)
}

// ActiveDevices reports how many devices currently hold or are waiting on a
// lane, for the health/debug surface.
func (r *Registry) ActiveDevices() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.guards)
}
