package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/docscan/internal/logic/workflow"
)

// Event kinds.
const (
	KindLog   = "log"
	KindState = "state"
	KindDone  = "done"
	KindError = "error"
	KindOpen  = "open"
)

// StatusEvent represents a single status message for SSE.
type StatusEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
	Kind  string `json:"kind,omitempty"`
	State string `json:"state,omitempty"`
	Mode  string `json:"mode,omitempty"`
	URL   string `json:"url,omitempty"`
	Job   string `json:"job,omitempty"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients.
// It also observes the orchestrator so that pages follow the job.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of subscribed clients.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish sends evt to all subscribed clients. Slow clients may miss messages.
func (b *StatusBroadcaster) Publish(evt StatusEvent) {
	if evt.Time == "" {
		evt.Time = time.Now().Format(time.RFC3339)
	}
	if evt.Kind == "" {
		evt.Kind = KindLog
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// Broadcast sends a log line: {"t":"...","l":"info","msg":"...","kind":"log"}.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.Publish(StatusEvent{Level: level, Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// StateChanged implements workflow.Observer.
func (b *StatusBroadcaster) StateChanged(job workflow.Job, state workflow.State) {
	b.Publish(stateEvent(job.ID, state))
}

// JobFinished implements workflow.Observer.
func (b *StatusBroadcaster) JobFinished(job workflow.Job) {
	if job.Err != nil {
		b.Publish(StatusEvent{Level: "error", Kind: KindError, Job: job.ID, Msg: "Scan failed: " + job.Err.Error()})
		return
	}
	b.Publish(StatusEvent{Level: "info", Kind: KindDone, Job: job.ID, Msg: "Document ready: " + job.ResultKey})
}

func stateEvent(jobID string, state workflow.State) StatusEvent {
	return StatusEvent{
		Level: "info",
		Kind:  KindState,
		Job:   jobID,
		State: state.String(),
		Mode:  string(state.Mode()),
		Msg:   state.String(),
	}
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.BroadcastMsg(msg)
	}
	return len(p), nil
}
