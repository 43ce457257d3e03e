package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/snoozy/internal/groutine"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	sendQueueSize = 64
	writeTimeout  = 5 * time.Second

	// A full day log travels in a single log.content response.
	readLimit = 8 << 20
)

// Handler serves one request method. The returned value is marshalled as the
// response payload.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// EventHandler receives one event. It runs on the read loop.
type EventHandler func(payload json.RawMessage)

// Registrar is the server half of a Peer.
type Registrar interface {
	Handle(method string, h Handler)
	OnEvent(method string, h EventHandler)
}

// Caller is the client half of a Peer.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
	Emit(ctx context.Context, method string, payload any) error
}

// Peer is one end of a websocket RPC channel.
type Peer struct {
	ws     *websocket.Conn
	name   string
	logger *logrus.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler
	events     map[string]EventHandler

	pendingMu sync.Mutex
	pending   map[uint64]chan Frame
	nextID    atomic.Uint64

	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewPeer wraps an established websocket. Call Run or Start to begin serving.
func NewPeer(ws *websocket.Conn, name string, logger *logrus.Logger) *Peer {
	if logger == nil {
		logger = logrus.New()
	}
	ws.SetReadLimit(readLimit)
	return &Peer{
		ws:       ws,
		name:     name,
		logger:   logger,
		handlers: make(map[string]Handler),
		events:   make(map[string]EventHandler),
		pending:  make(map[uint64]chan Frame),
		sendCh:   make(chan Frame, sendQueueSize),
		done:     make(chan struct{}),
	}
}

// Dial connects to a websocket endpoint and returns a started Peer.
func Dial(ctx context.Context, url, name string, logger *logrus.Logger, register func(Registrar)) (*Peer, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	p := NewPeer(ws, name, logger)
	if register != nil {
		register(p)
	}
	p.Start(context.Background())
	return p, nil
}

// Accept upgrades an HTTP request from a local origin into a Peer. The caller
// registers handlers and then calls Run.
func Accept(w http.ResponseWriter, r *http.Request, name string, logger *logrus.Logger) (*Peer, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	return NewPeer(ws, name, logger), nil
}

// Handle registers a request handler. Registering after Run has started is allowed.
func (p *Peer) Handle(method string, h Handler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[method] = h
}

// OnEvent registers an event handler.
func (p *Peer) OnEvent(method string, h EventHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.events[method] = h
}

// Start runs the peer in a background goroutine.
func (p *Peer) Start(ctx context.Context) {
	groutine.Go(ctx, "ipc-"+p.name, func(ctx context.Context) {
		_ = p.Run(ctx)
	})
}

// Run serves the connection until it closes or ctx is cancelled.
func (p *Peer) Run(ctx context.Context) error {
	groutine.Go(ctx, "ipc-"+p.name+"-writer", func(context.Context) {
		p.writeLoop()
	})

	err := p.readLoop(ctx)
	p.shutdown(err)
	return p.Err()
}

// Done is closed once the peer has shut down.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Err returns the reason the peer shut down, nil for a local Close.
func (p *Peer) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Close shuts the peer down and fails every pending call with ErrClosed.
func (p *Peer) Close() error {
	p.shutdown(nil)
	return nil
}

// Call sends a request and waits for its response. A failed remote handler
// yields *RemoteError.
func (p *Peer) Call(ctx context.Context, method string, params, result any) error {
	payload, err := marshalPayload(params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	id := p.nextID.Add(1)
	respCh := make(chan Frame, 1)

	p.pendingMu.Lock()
	p.pending[id] = respCh
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	if err := p.send(ctx, Frame{Type: FrameRequest, ID: id, Method: method, Payload: payload}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return &RemoteError{Method: method, Code: resp.Code, Message: resp.Error}
		}
		if result != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, result); err != nil {
				return fmt.Errorf("%s: decode response: %w", method, err)
			}
		}
		return nil
	case <-p.done:
		return fmt.Errorf("%s: %w", method, ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Emit sends an event. Events from one goroutine arrive in order.
func (p *Peer) Emit(ctx context.Context, method string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return p.send(ctx, Frame{Type: FrameEvent, Method: method, Payload: raw})
}

func (p *Peer) send(ctx context.Context, f Frame) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.sendCh <- f:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Peer) readLoop(ctx context.Context) error {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, p.ws, &frame); err != nil {
			select {
			case <-p.done:
				return nil
			default:
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		switch frame.Type {
		case FrameRequest:
			groutine.Go(ctx, "ipc-"+p.name+"-"+frame.Method, func(ctx context.Context) {
				p.dispatch(ctx, frame)
			})
		case FrameResponse:
			p.pendingMu.Lock()
			ch, ok := p.pending[frame.ID]
			p.pendingMu.Unlock()
			if ok {
				select {
				case ch <- frame:
				default:
					p.logger.WithFields(logrus.Fields{"peer": p.name, "id": frame.ID}).Warn("Dropping duplicate response")
				}
			} else {
				p.logger.WithFields(logrus.Fields{"peer": p.name, "id": frame.ID}).Debug("Dropping response for unknown call")
			}
		case FrameEvent:
			p.handlersMu.RLock()
			h, ok := p.events[frame.Method]
			p.handlersMu.RUnlock()
			if ok {
				h(frame.Payload)
			}
		default:
			p.logger.WithFields(logrus.Fields{"peer": p.name, "type": frame.Type}).Warn("Ignoring frame of unknown type")
		}
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, p.ws, frame)
			cancel()
			if err != nil {
				p.shutdown(fmt.Errorf("write %s: %w", frame.Method, err))
				return
			}
		}
	}
}

func (p *Peer) dispatch(ctx context.Context, req Frame) {
	p.handlersMu.RLock()
	h, ok := p.handlers[req.Method]
	p.handlersMu.RUnlock()

	resp := Frame{Type: FrameResponse, ID: req.ID}
	if !ok {
		resp.Error = fmt.Sprintf("method %q not found", req.Method)
		resp.Code = CodeMethodNotFound
	} else {
		result, err := h(ctx, req.Payload)
		if err == nil {
			resp.Payload, err = marshalPayload(result)
		}
		if err != nil {
			resp.Error = err.Error()
			var coded *CodedError
			if errors.As(err, &coded) {
				resp.Code = coded.Code
			}
			p.logger.WithFields(logrus.Fields{
				"peer":   p.name,
				"method": req.Method,
				"code":   resp.Code,
			}).WithError(err).Debug("Request failed")
		}
	}

	if err := p.send(context.Background(), resp); err != nil {
		p.logger.WithFields(logrus.Fields{"peer": p.name, "method": req.Method}).WithError(err).Debug("Dropping response")
	}
}

func (p *Peer) shutdown(cause error) {
	p.closeOnce.Do(func() {
		p.errMu.Lock()
		p.err = cause
		p.errMu.Unlock()
		close(p.done)

		status, reason := websocket.StatusNormalClosure, ""
		if cause != nil {
			status, reason = websocket.StatusInternalError, "peer error"
			p.logger.WithFields(logrus.Fields{"peer": p.name}).WithError(cause).Debug("IPC peer closed")
		}
		_ = p.ws.Close(status, reason)
	})
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
