package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/snoozy/internal/device"
	"github.com/srg/snoozy/internal/device/bridge"
	"github.com/srg/snoozy/internal/device/goble"
	"github.com/srg/snoozy/internal/device/webbt"
	"github.com/srg/snoozy/internal/groutine"
	"github.com/srg/snoozy/internal/ipc"
	"github.com/srg/snoozy/internal/logstore"
	"github.com/srg/snoozy/pkg/config"
)

// env is everything one command run needs. Exactly one transport and one
// backend are chosen from the config.
type env struct {
	cfg    *config.Config
	logger *logrus.Logger
	out    io.Writer

	// peer is the host connection, shared by the bridge transport and the host backend.
	peer    *ipc.Peer
	closers []func()
}

// Factories are package variables so tests can substitute fakes.
var (
	newTransport = openTransport
	newBackend   = openBackend
)

func newEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}
	// Configuration validated - don't show usage on runtime errors
	cmd.SilenceUsage = true
	return &env{cfg: cfg, logger: logger, out: cmd.OutOrStdout()}, nil
}

func (e *env) onClose(fn func()) { e.closers = append(e.closers, fn) }

// Close releases resources in reverse acquisition order.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// hostPeer dials the host once per run.
func (e *env) hostPeer(ctx context.Context) (*ipc.Peer, error) {
	if e.peer != nil {
		return e.peer, nil
	}
	peer, err := ipc.Dial(ctx, e.cfg.HostURL(), "snoozy", e.logger, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to host at %s: %w", e.cfg.HostAddr, err)
	}
	e.peer = peer
	e.onClose(func() { _ = peer.Close() })
	return peer, nil
}

func (e *env) log(ctx context.Context) (*logstore.Log, logstore.Backend, error) {
	backend, err := newBackend(ctx, e)
	if err != nil {
		return nil, nil, err
	}
	return logstore.New(backend, e.logger), backend, nil
}

func openTransport(ctx context.Context, e *env) (device.Transport, error) {
	switch e.cfg.Transport {
	case config.TransportNative:
		return goble.New(e.logger), nil

	case config.TransportBridge:
		if e.peer != nil {
			return nil, errors.New("bridge transport must be opened before the host backend")
		}
		t, peer, err := bridge.Dial(ctx, e.cfg.HostURL(), e.logger)
		if err != nil {
			return nil, err
		}
		e.peer = peer
		e.onClose(func() { _ = peer.Close() })
		return t, nil

	case config.TransportWebBT:
		relay := webbt.NewRelay(e.logger)
		listener, err := net.Listen("tcp", e.cfg.RelayAddr)
		if err != nil {
			return nil, fmt.Errorf("relay listen: %w", err)
		}
		srv := &http.Server{Handler: relay.Handler(), ReadHeaderTimeout: 10 * time.Second}
		groutine.Go(context.Background(), "relay-http", func(context.Context) {
			if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.WithError(err).Error("Relay server stopped")
			}
		})
		e.onClose(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
		fmt.Fprintf(e.out, "Open http://%s in a browser with Web Bluetooth to continue.\n", listener.Addr())
		return relay, nil
	}
	return nil, fmt.Errorf("unknown transport %q", e.cfg.Transport)
}

func openBackend(ctx context.Context, e *env) (logstore.Backend, error) {
	switch e.cfg.Storage {
	case config.StorageFile:
		return logstore.NewFileBackend(e.cfg.DataDir, e.cfg.ExportDir, e.logger)

	case config.StorageKV:
		if err := os.MkdirAll(filepath.Dir(e.cfg.KVPath), 0o755); err != nil {
			return nil, fmt.Errorf("create kv dir: %w", err)
		}
		kv, err := logstore.OpenSQLiteKV(e.cfg.KVPath)
		if err != nil {
			return nil, err
		}
		e.onClose(func() { _ = kv.Close() })
		return logstore.NewKVBackend(kv, e.cfg.ExportDir), nil

	case config.StorageHost:
		peer, err := e.hostPeer(ctx)
		if err != nil {
			return nil, err
		}
		return logstore.NewHostBackend(peer), nil
	}
	return nil, fmt.Errorf("unknown storage %q", e.cfg.Storage)
}

// pageWaiter is implemented by transports that need a browser page first.
type pageWaiter interface {
	WaitPage(ctx context.Context) error
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
