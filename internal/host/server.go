// Package host is the long-running process that owns the Bluetooth radio and
// the day logs. Clients reach both through one websocket IPC endpoint; the
// logs are also readable over plain HTTP.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/snoozy/internal/device"
	"github.com/srg/snoozy/internal/device/bridge"
	"github.com/srg/snoozy/internal/groutine"
	"github.com/srg/snoozy/internal/history"
	"github.com/srg/snoozy/internal/ipc"
	"github.com/srg/snoozy/internal/logstore"
)

const shutdownTimeout = 5 * time.Second

// Server wires the transport and the log backend to the HTTP surface.
type Server struct {
	transport device.Transport
	backend   logstore.Backend
	log       *logstore.Log
	logger    *logrus.Logger
	engine    *gin.Engine

	// base bounds every IPC session; Close cancels it.
	base   context.Context
	cancel context.CancelFunc

	clients   atomic.Int64
	boundAddr atomic.Value // string
}

func New(transport device.Transport, backend logstore.Backend, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		transport: transport,
		backend:   backend,
		log:       logstore.New(backend, logger),
		logger:    logger,
	}
	s.base, s.cancel = context.WithCancel(context.Background())

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())

	router.GET("/healthz", s.health)
	router.GET("/ipc", s.serveIPC)

	api := router.Group("/api")
	{
		api.GET("/days/:day", s.dayContent)
		api.GET("/days/:day/summary", s.daySummary)
	}
	s.engine = router
	return s
}

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

func (s *Server) Handler() http.Handler { return s.engine }

// Addr returns the address Start bound to, or "" before Start.
func (s *Server) Addr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("host listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())

	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	groutine.Go(ctx, "host-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.Close()
		_ = srv.Shutdown(shutdownCtx)
	})

	s.logger.WithFields(logrus.Fields{
		"addr":      s.Addr(),
		"transport": s.transport.Kind(),
	}).Info("Host started")

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("host serve: %w", err)
	}
	return nil
}

// Close ends every IPC session. Devices those clients held are released.
func (s *Server) Close() {
	s.cancel()
}

type healthResponse struct {
	Status    string `json:"status"`
	Transport string `json:"transport"`
	Bluetooth bool   `json:"bluetooth"`
	Clients   int64  `json:"clients"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Transport: string(s.transport.Kind()),
		Bluetooth: s.transport.IsAvailable(c.Request.Context()),
		Clients:   s.clients.Load(),
	})
}

// serveIPC runs one client connection. Whatever the client left connected is
// released when it goes away.
func (s *Server) serveIPC(c *gin.Context) {
	peer, err := ipc.Accept(c.Writer, c.Request, "host", s.logger)
	if err != nil {
		s.logger.WithError(err).Warn("IPC upgrade rejected")
		return
	}

	bridgeSrv := bridge.Serve(peer, peer, s.transport, s.logger)
	logstore.Serve(peer, s.backend)

	n := s.clients.Add(1)
	log := s.logger.WithFields(logrus.Fields{"request_id": c.GetString("RequestID"), "clients": n})
	log.Info("IPC client connected")

	err = peer.Run(s.base)

	bridgeSrv.Close()
	s.clients.Add(-1)
	log.WithError(err).Info("IPC client disconnected")
}

func (s *Server) parseDay(c *gin.Context) (logstore.Day, bool) {
	day, err := logstore.ParseDay(c.Param("day"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return day, true
}

func (s *Server) dayContent(c *gin.Context) {
	day, ok := s.parseDay(c)
	if !ok {
		return
	}
	content, err := s.log.ReadContent(c.Request.Context(), day)
	switch {
	case errors.Is(err, logstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no data for " + day.String()})
	case err != nil:
		s.logger.WithField("day", day).WithError(err).Error("Failed to read day log")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read log"})
	default:
		c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", logstore.SuggestedName(day)))
		c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(content))
	}
}

type summaryResponse struct {
	Selected logstore.Day          `json:"selected"`
	Days     []history.DaySummary `json:"days"`
}

func (s *Server) daySummary(c *gin.Context) {
	day, ok := s.parseDay(c)
	if !ok {
		return
	}
	days, err := history.Window(c.Request.Context(), s.log, day)
	if err != nil {
		s.logger.WithField("day", day).WithError(err).Error("Failed to summarize days")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read log"})
		return
	}
	c.JSON(http.StatusOK, summaryResponse{Selected: day, Days: days})
}
