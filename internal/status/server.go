// Package status serves an HTTP view of the Manager: a JSON snapshot of
// the activity state at /status, Prometheus metrics at /metrics and a
// session reset at POST /session/reset.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pulse/internal/activity"
	"pulse/internal/config"
)

// DefaultAddr is where `pulse serve` exposes the status endpoint.
const DefaultAddr = "127.0.0.1:9464"

// Source is the part of ingest.Manager the status server reads.
type Source interface {
	State() activity.State
	Preferences() config.Preferences
	Running() bool
	ListenPort() int
	NextSessionReset() (time.Time, bool)
	ResetSession()
}

// Snapshot is the /status response body.
type Snapshot struct {
	Active        bool       `json:"active"`
	Source        string     `json:"source"`
	DisplayName   string     `json:"display_name"`
	ToolCall      *string    `json:"tool_call"`
	TokenCount    int        `json:"token_count"`
	SessionTokens int        `json:"session_tokens"`
	LastActivity  *time.Time `json:"last_activity"`

	Listening bool       `json:"listening"`
	Port      uint16     `json:"port"`
	Enabled   bool       `json:"enabled"`
	NextReset *time.Time `json:"next_session_reset,omitempty"`
}

// NewSnapshot renders src. Absent values (no tool call, no activity yet)
// are null rather than empty.
func NewSnapshot(src Source) Snapshot {
	st := src.State()
	prefs := src.Preferences()

	snap := Snapshot{
		Active:        st.Active,
		Source:        st.Source.String(),
		DisplayName:   st.Source.DisplayName(),
		TokenCount:    st.TokenCount,
		SessionTokens: st.SessionTokens,
		Listening:     src.Running(),
		Port:          prefs.Port,
		Enabled:       prefs.Enabled,
	}
	if st.HasToolCall {
		tool := st.ToolCall
		snap.ToolCall = &tool
	}
	if !st.LastActivity.IsZero() {
		last := st.LastActivity
		snap.LastActivity = &last
	}
	if port := src.ListenPort(); port != 0 {
		snap.Port = uint16(port)
	}
	if next, ok := src.NextSessionReset(); ok {
		snap.NextReset = &next
	}
	return snap
}

// NewRouter builds the gin engine. A nil gatherer serves the default
// Prometheus registry.
func NewRouter(src Source, gatherer prometheus.Gatherer, logger *zap.Logger) *gin.Engine {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, NewSnapshot(src))
	})
	router.POST("/session/reset", func(c *gin.Context) {
		src.ResetSession()
		c.JSON(http.StatusOK, NewSnapshot(src))
	})
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("status request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

// Server runs the router on its own listener.
type Server struct {
	Addr string

	srv    *http.Server
	logger *zap.Logger
	done   chan error
}

// Start listens on addr (e.g. "127.0.0.1:9464") and serves in the
// background.
func Start(addr string, router http.Handler, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("status listen %s: %w", addr, err)
	}
	s := &Server{
		Addr:   ln.Addr().String(),
		srv:    &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
		done:   make(chan error, 1),
	}
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			logger.Error("status server stopped", zap.Error(err))
		}
		s.done <- err
	}()
	logger.Info("status server started", zap.String("addr", s.Addr))
	return s, nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.done
}
