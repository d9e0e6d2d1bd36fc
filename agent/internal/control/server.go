// Package control serves a small local HTTP API for operating the agent.
package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"snapstream/agent/internal/agent"
	"snapstream/agent/internal/capture"
	"snapstream/agent/internal/journal"
	"snapstream/agent/internal/state"
)

// Controller is the subset of *agent.Agent the API drives.
type Controller interface {
	Status() agent.Status
	ToggleTransmission() state.Snapshot
	ToggleMode() state.Snapshot
	CaptureNow(ctx context.Context) (capture.Result, error)
	Pause() error
	Resume() error
	RecentEvents(limit int) ([]journal.Event, error)
}

type Server struct {
	ctrl   Controller
	log    zerolog.Logger
	engine *gin.Engine
	srv    *http.Server
}

func New(ctrl Controller, log zerolog.Logger) *Server {
	s := &Server{ctrl: ctrl, log: log}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.GET("/status", s.getStatus)
	v1.POST("/transmission/toggle", s.toggleTransmission)
	v1.POST("/mode/toggle", s.toggleMode)
	v1.POST("/capture", s.capture)
	v1.POST("/lifecycle/pause", s.pause)
	v1.POST("/lifecycle/resume", s.resume)
	v1.GET("/events", s.listEvents)

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on addr and serves in the background. Listen errors are
// returned directly.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("control server stopped")
		}
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("control API listening")
	return ln.Addr(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("control request")
	}
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) toggleTransmission(c *gin.Context) {
	snap := s.ctrl.ToggleTransmission()
	c.JSON(http.StatusOK, snapshotBody(snap))
}

func (s *Server) toggleMode(c *gin.Context) {
	snap := s.ctrl.ToggleMode()
	c.JSON(http.StatusOK, snapshotBody(snap))
}

func (s *Server) capture(c *gin.Context) {
	res, err := s.ctrl.CaptureNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if res.Err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": res.Err.Error()})
		return
	}
	if !res.Queued {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "publish queue full", "bytes": res.Bytes})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "bytes": res.Bytes})
}

func (s *Server) pause(c *gin.Context) {
	if err := s.ctrl.Pause(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) resume(c *gin.Context) {
	if err := s.ctrl.Resume(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) listEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	events, err := s.ctrl.RecentEvents(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	c.JSON(http.StatusOK, events)
}

func snapshotBody(s state.Snapshot) gin.H {
	return gin.H{
		"mode":         s.Mode.String(),
		"transmitting": s.Transmitting,
		"auto_capture": s.AutoCaptureAllowed(),
	}
}
