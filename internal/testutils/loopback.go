package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/srg/snoozy/internal/ipc"
)

// LoopbackPeer is an in-process stand-in for one end of an ipc.Peer. Calls and
// events are delivered synchronously to the other end after a JSON round trip,
// so handlers observe exactly what they would receive over the wire.
type LoopbackPeer struct {
	other *LoopbackPeer

	mu       sync.RWMutex
	handlers map[string]ipc.Handler
	events   map[string]ipc.EventHandler
	closed   bool
}

// NewLoopback returns two connected ends.
func NewLoopback() (*LoopbackPeer, *LoopbackPeer) {
	a := &LoopbackPeer{handlers: map[string]ipc.Handler{}, events: map[string]ipc.EventHandler{}}
	b := &LoopbackPeer{handlers: map[string]ipc.Handler{}, events: map[string]ipc.EventHandler{}}
	a.other, b.other = b, a
	return a, b
}

func (p *LoopbackPeer) Handle(method string, h ipc.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method] = h
}

func (p *LoopbackPeer) OnEvent(method string, h ipc.EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[method] = h
}

// Close makes further calls and events fail with ipc.ErrClosed on both ends.
func (p *LoopbackPeer) Close() error {
	for _, end := range []*LoopbackPeer{p, p.other} {
		end.mu.Lock()
		end.closed = true
		end.mu.Unlock()
	}
	return nil
}

func (p *LoopbackPeer) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *LoopbackPeer) Call(ctx context.Context, method string, params, result any) error {
	if p.isClosed() {
		return fmt.Errorf("%s: %w", method, ipc.ErrClosed)
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return err
	}

	p.other.mu.RLock()
	h, ok := p.other.handlers[method]
	p.other.mu.RUnlock()
	if !ok {
		return &ipc.RemoteError{Method: method, Code: ipc.CodeMethodNotFound, Message: "method not found"}
	}

	out, err := h(ctx, payload)
	if err != nil {
		re := &ipc.RemoteError{Method: method, Message: err.Error()}
		var coded *ipc.CodedError
		if errors.As(err, &coded) {
			re.Code = coded.Code
		}
		return re
	}
	if result == nil || out == nil {
		return nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

func (p *LoopbackPeer) Emit(_ context.Context, method string, payload any) error {
	if p.isClosed() {
		return ipc.ErrClosed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.other.mu.RLock()
	h, ok := p.other.events[method]
	p.other.mu.RUnlock()
	if ok {
		h(raw)
	}
	return nil
}
