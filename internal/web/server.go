package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cjeanneret/docscan/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, broadcaster *StatusBroadcaster, deps Deps) (*Server, error) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("web: failed to sub static fs: %w", err)
	}
	return &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, deps, subFS),
	}, nil
}

// Handlers returns the request handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Router returns a gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	return newRouter(s.handlers)
}

func newRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.CustomRecovery(HandlePanics()))
	r.Use(RequestLogger())

	r.GET("/", h.ServeIndex)
	r.StaticFS("/static", http.FS(h.staticFS))
	r.POST("/scan", h.HandleScan)
	r.POST("/run", h.HandleRun)
	r.GET("/state", h.HandleState)
	r.GET("/jobs", h.HandleJobs)
	r.GET("/results/:name", h.HandleResult)
	r.GET("/status/stream", h.HandleStatusStream)
	return r
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully and waits for background jobs.
func (s *Server) Run(ctx context.Context) error {
	s.handlers.SetJobContext(ctx)
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts end with ctx so SSE streams return on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.handlers.Wait()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
}

func jsonString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
