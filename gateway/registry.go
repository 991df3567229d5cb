package gateway

import (
	"sync"

	"github.com/fleetlink/fleetlink/protocol"
)

// Writer is a downlink capable of carrying bytes to a device.
type Writer interface {
	Write(data []byte) error
	Close() error
}

// Handle is a device's live session in the registry.  Writes are
// serialised by the handle's own lock.
type Handle struct {
	DeviceID int64
	Codec    protocol.Codec

	mu     sync.Mutex
	out    Writer
	closed bool
}

// Send writes bytes down the session.
func (h *Handle) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errClosed
	}
	return h.out.Write(data)
}

func (h *Handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.out.Close()
	}
}

// Registry maps device ids to live session handles.  A device has at
// most one: attaching a new session atomically evicts and closes the
// old one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]*Handle
	watchers []func(deviceID int64)
}

// NewRegistry builds an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: map[int64]*Handle{}}
}

// Notify registers a callback invoked after every attach, outside the
// registry lock.  The command dispatcher uses this to flush pending
// commands on device contact.
func (r *Registry) Notify(fn func(deviceID int64)) {
	r.mu.Lock()
	r.watchers = append(r.watchers, fn)
	r.mu.Unlock()
}

// Attach installs a session for a device, evicting any previous one.
func (r *Registry) Attach(deviceID int64, codec protocol.Codec, out Writer) *Handle {
	h := &Handle{DeviceID: deviceID, Codec: codec, out: out}

	r.mu.Lock()
	old := r.sessions[deviceID]
	r.sessions[deviceID] = h
	watchers := r.watchers
	r.mu.Unlock()

	if old != nil {
		old.close()
	}
	for _, fn := range watchers {
		fn(deviceID)
	}
	return h
}

// Detach removes a session, but only if it is still the current one;
// an evicted session detaching late must not remove its successor.
func (r *Registry) Detach(deviceID int64, h *Handle) {
	r.mu.Lock()
	if r.sessions[deviceID] == h {
		delete(r.sessions, deviceID)
	}
	r.mu.Unlock()
	h.close()
}

// Handle returns the live session for a device, or nil.
func (r *Registry) Handle(deviceID int64) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[deviceID]
}

// Evict closes and removes a device's session, called on device delete.
func (r *Registry) Evict(deviceID int64) {
	r.mu.Lock()
	h := r.sessions[deviceID]
	delete(r.sessions, deviceID)
	r.mu.Unlock()
	if h != nil {
		h.close()
	}
}

// Close shuts every live session, part of process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		handles = append(handles, h)
	}
	r.sessions = map[int64]*Handle{}
	r.mu.Unlock()
	for _, h := range handles {
		h.close()
	}
}
