// Package webbt is the Web Bluetooth transport. The process serves a small
// relay page; a browser opening it lends its Bluetooth stack to this process
// over a websocket.
package webbt

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/snoozy/internal/device"
	"github.com/srg/snoozy/internal/groutine"
	"github.com/srg/snoozy/internal/ipc"
)

//go:embed assets/index.html
var indexHTML []byte

//go:embed assets/relay.js
var relayJS []byte

// page is what the relay needs from a connected browser.
type page interface {
	ipc.Caller
	Close() error
}

// Relay serves the relay page and implements device.Transport through it.
type Relay struct {
	logger *logrus.Logger
	engine *gin.Engine

	mu       sync.Mutex
	page     page
	attached chan struct{} // closed while a page is attached

	subs *hashmap.Map[string, *pageSub]
}

type pageSub struct {
	deviceID     string
	onData       func([]byte)
	onDisconnect func(error)
}

var _ device.Transport = (*Relay)(nil)

func NewRelay(logger *logrus.Logger) *Relay {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Relay{
		logger:   logger,
		attached: make(chan struct{}),
		subs:     hashmap.New[string, *pageSub](),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestID())
	engine.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
	})
	engine.GET("/relay.js", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/javascript; charset=utf-8", relayJS)
	})
	engine.GET("/ws", r.serveWS)
	r.engine = engine
	return r
}

// requestID tags every request so relay logs can be correlated with the page console.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("RequestID", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// Handler returns the HTTP surface: the page, its script and the websocket.
func (r *Relay) Handler() http.Handler { return r.engine }

func (r *Relay) serveWS(c *gin.Context) {
	peer, err := ipc.Accept(c.Writer, c.Request, "webbt", r.logger)
	if err != nil {
		r.logger.WithError(err).Warn("Relay page websocket rejected")
		return
	}
	r.register(peer)
	r.attach(peer)
	r.logger.WithField("request_id", c.GetString("RequestID")).Info("Web Bluetooth page attached")

	err = peer.Run(c.Request.Context())
	r.detach(peer)
	r.logger.WithError(err).Info("Web Bluetooth page detached")
}

// Attach installs p as the current page. Used by tests that drive the relay
// without a browser.
func (r *Relay) Attach(p page, reg ipc.Registrar) {
	r.register(reg)
	r.attach(p)
}

// Detach forgets p; every subscription it carried is reported lost.
func (r *Relay) Detach(p page) { r.detach(p) }

func (r *Relay) attach(p page) {
	r.mu.Lock()
	prev := r.page
	r.page = p
	select {
	case <-r.attached:
	default:
		close(r.attached)
	}
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("Replacing previous relay page")
		r.dropAll(fmt.Errorf("%w: relay page replaced", device.ErrDisconnected))
		_ = prev.Close()
	}
}

func (r *Relay) detach(p page) {
	r.mu.Lock()
	if r.page != p {
		r.mu.Unlock()
		return
	}
	r.page = nil
	r.attached = make(chan struct{})
	r.mu.Unlock()
	r.dropAll(fmt.Errorf("%w: relay page closed", device.ErrDisconnected))
}

func (r *Relay) current() (page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.page == nil {
		return nil, fmt.Errorf("%w: no Web Bluetooth page is open", device.ErrCapabilityUnavailable)
	}
	return r.page, nil
}

// WaitPage blocks until a browser has opened the relay page.
func (r *Relay) WaitPage(ctx context.Context) error {
	r.mu.Lock()
	ch := r.attached
	r.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) register(reg ipc.Registrar) {
	reg.OnEvent(EventValue, func(payload json.RawMessage) {
		var ev valueEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			r.logger.WithError(err).Warn("Bad value event")
			return
		}
		sub, ok := r.subs.Get(ev.SubscriptionID)
		if !ok {
			return
		}
		data, err := decodeValue(ev.Value)
		if err != nil {
			r.logger.WithError(err).Warn("Dropping undecodable value")
			return
		}
		sub.onData(data)
	})

	reg.OnEvent(EventDisconnected, func(payload json.RawMessage) {
		var ev disconnectedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			r.logger.WithError(err).Warn("Bad disconnect event")
			return
		}
		r.dropDevice(ev.DeviceID, fmt.Errorf("%w: gatt server disconnected", device.ErrDisconnected))
	})
}

func (r *Relay) dropDevice(id string, cause error) {
	r.subs.Range(func(subID string, sub *pageSub) bool {
		if sub.deviceID == id {
			r.subs.Del(subID)
			r.notifyLost(sub, cause)
		}
		return true
	})
}

func (r *Relay) dropAll(cause error) {
	r.subs.Range(func(subID string, sub *pageSub) bool {
		r.subs.Del(subID)
		r.notifyLost(sub, cause)
		return true
	})
}

// notifyLost runs off the read loop so the callback may call back into the page.
func (r *Relay) notifyLost(sub *pageSub, cause error) {
	groutine.Go(context.Background(), "webbt-disconnect", func(context.Context) {
		sub.onDisconnect(cause)
	})
}
