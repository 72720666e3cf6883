package web

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cjeanneret/docscan/internal/capture"
	"github.com/cjeanneret/docscan/internal/debug"
	"github.com/cjeanneret/docscan/internal/imagestore"
	"github.com/cjeanneret/docscan/internal/ledger"
	"github.com/cjeanneret/docscan/internal/logic/workflow"
)

// MaxUploadBytes caps the size of an image posted to /scan.
const MaxUploadBytes = 32 << 20

// Orchestrator is the part of workflow.Orchestrator the handlers use.
// Jobs are reserved before the request is answered so that two requests
// cannot both be accepted.
type Orchestrator interface {
	Reserve() (workflow.Reservation, error)
	Busy() bool
	State() workflow.State
	Current() *workflow.Job
	Last() *workflow.Job
}

// JobHistory lists finished jobs.
type JobHistory interface {
	RecentJobs(ctx context.Context, limit int) ([]ledger.JobRecord, error)
}

// ResultFiles resolves downloaded results by name.
type ResultFiles interface {
	Open(name string) (imagestore.LocalFile, error)
}

// Deps are the collaborators of Handlers. Scanner and History may be nil.
type Deps struct {
	Orchestrator Orchestrator
	Scanner      workflow.Scanner
	History      JobHistory
	Results      ResultFiles
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	deps        Deps
	staticFS    fs.FS

	ctxMu  sync.RWMutex
	jobCtx context.Context
	jobs   sync.WaitGroup
}

// NewHandlers creates handlers with the given dependencies.
// If deps.Scanner is nil, POST /run will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, deps Deps, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		deps:        deps,
		staticFS:    staticFS,
		jobCtx:      context.Background(),
	}
}

// SetJobContext sets the context background jobs run with (the server lifetime).
func (h *Handlers) SetJobContext(ctx context.Context) {
	h.ctxMu.Lock()
	defer h.ctxMu.Unlock()
	h.jobCtx = ctx
}

// Wait blocks until background jobs started by the handlers have finished.
func (h *Handlers) Wait() {
	h.jobs.Wait()
}

func (h *Handlers) startJob(run func(ctx context.Context) (*workflow.Job, error)) {
	h.ctxMu.RLock()
	ctx := h.jobCtx
	h.ctxMu.RUnlock()

	h.jobs.Add(1)
	go func() {
		defer h.jobs.Done()
		job, err := run(ctx)
		switch {
		case err == nil:
		case errors.Is(err, workflow.ErrCaptureCancelled):
			h.Broadcaster.Broadcast("info", "Scan cancelled")
		case errors.Is(err, workflow.ErrBusy):
			h.Broadcaster.Broadcast("warn", "A scan is already in progress")
		case job == nil:
			// Failed before a job started; job failures are published by the observer.
			h.Broadcaster.Publish(StatusEvent{Level: "error", Kind: KindError, Msg: "Scan failed: " + err.Error()})
			debug.Error(err)
		}
	}()
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(c *gin.Context) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		c.String(http.StatusNotFound, "not found")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

// HandleScan handles POST /scan: the page uploads a captured image (multipart field "image").
// A missing or empty file is a cancelled capture.
func (h *Handlers) HandleScan(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes)

	fh, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			debug.Info("Capture cancelled (no image posted)")
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if fh.Size == 0 {
		debug.Info("Capture cancelled (empty image)")
		c.Status(http.StatusNoContent)
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	img, err := capture.Decode(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.deps.Orchestrator.Reserve()
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "scan already in progress"})
		return
	}
	h.startJob(func(ctx context.Context) (*workflow.Job, error) {
		return res.Run(ctx, img)
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

// HandleRun handles POST /run: the configured scanner command is started.
func (h *Handlers) HandleRun(c *gin.Context) {
	if h.deps.Scanner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scanner not configured"})
		return
	}
	res, err := h.deps.Orchestrator.Reserve()
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "scan already in progress"})
		return
	}
	h.startJob(func(ctx context.Context) (*workflow.Job, error) {
		return res.Capture(ctx, h.deps.Scanner)
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

// JobView is the JSON form of a job.
type JobView struct {
	ID         string     `json:"id"`
	State      string     `json:"state"`
	CaptureKey string     `json:"capture_key,omitempty"`
	ResultKey  string     `json:"result_key,omitempty"`
	ResultURL  string     `json:"result_url,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func viewJob(j *workflow.Job) *JobView {
	if j == nil {
		return nil
	}
	v := &JobView{
		ID:         j.ID,
		State:      j.State.String(),
		CaptureKey: j.CaptureKey,
		ResultKey:  j.ResultKey,
		StartedAt:  j.StartedAt,
	}
	if j.LocalResult.Name != "" {
		v.ResultURL = ResultURL(j.LocalResult.Name)
	}
	if !j.FinishedAt.IsZero() {
		finished := j.FinishedAt
		v.FinishedAt = &finished
		v.Outcome = j.Outcome()
		if j.Err != nil {
			v.Error = j.Err.Error()
		}
	}
	return v
}

// HandleState handles GET /state.
func (h *Handlers) HandleState(c *gin.Context) {
	s := h.deps.Orchestrator.State()
	c.JSON(http.StatusOK, gin.H{
		"state":   s.String(),
		"mode":    s.Mode(),
		"busy":    h.deps.Orchestrator.Busy(),
		"scanner": h.deps.Scanner != nil,
		"job":     viewJob(h.deps.Orchestrator.Current()),
		"last":    viewJob(h.deps.Orchestrator.Last()),
	})
}

// HandleJobs handles GET /jobs?limit=N.
func (h *Handlers) HandleJobs(c *gin.Context) {
	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		limit = n
	}
	if h.deps.History == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []ledger.JobRecord{}})
		return
	}
	jobs, err := h.deps.History.RecentJobs(c.Request.Context(), limit)
	if err != nil {
		debug.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read job history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// HandleResult handles GET /results/:name.
func (h *Handlers) HandleResult(c *gin.Context) {
	name := c.Param("name")
	if err := imagestore.ValidateName(name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f, err := h.deps.Results.Open(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.File(f.Path)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(c *gin.Context) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(": connected\n\n"))
	// Bring the page in sync with the current state.
	if data, err := jsonString(stateEvent("", h.deps.Orchestrator.State())); err == nil {
		w.Write([]byte("data: " + data + "\n\n"))
	}
	w.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			w.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			w.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}
