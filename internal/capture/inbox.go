package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cjeanneret/docscan/internal/debug"
	"github.com/cjeanneret/docscan/internal/logic/workflow"
)

// JobRunner processes one captured image.
type JobRunner interface {
	Run(ctx context.Context, img image.Image) (*workflow.Job, error)
}

// Suffixes given to inbox files that could not be processed.
const (
	RejectedSuffix = ".rejected" // not a decodable image
	FailedSuffix   = ".failed"   // the job failed; drop the file again to retry
)

// InboxConfig configures an Inbox.
type InboxConfig struct {
	Dir        string
	Debounce   time.Duration // coalesce write bursts (default 500ms)
	RetryDelay time.Duration // wait between attempts while a job is in flight (default 1s)
}

// Inbox watches a directory where an external scanner application drops
// images. Each file is run through the orchestrator once and removed.
type Inbox struct {
	cfg    InboxConfig
	runner JobRunner
}

// NewInbox creates the watched directory if needed.
func NewInbox(cfg InboxConfig, runner JobRunner) (*Inbox, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("inbox dir is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}
	return &Inbox{cfg: cfg, runner: runner}, nil
}

// Run watches the inbox until ctx is cancelled. Files already present are
// processed first.
func (in *Inbox) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(in.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", in.cfg.Dir, err)
	}
	debug.Info("Watching inbox %s", in.cfg.Dir)

	ready := make(chan string, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for path := range ready {
			in.process(ctx, path)
		}
	}()
	defer func() {
		close(ready)
		<-done
	}()

	pending := map[string]time.Time{}
	initial, err := in.scan()
	if err != nil {
		return err
	}
	for _, p := range initial {
		pending[p] = time.Time{}
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !Supported(e.Name) || e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			debug.Trace("inbox event %s %s", e.Op, e.Name)
			pending[e.Name] = time.Now()
			timer.Reset(in.cfg.Debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			debug.Logger().Error().Err(err).Str("dir", in.cfg.Dir).Msg("inbox watcher error")
		case <-timer.C:
			now := time.Now()
			var next time.Duration
			for p, last := range pending {
				if wait := in.cfg.Debounce - now.Sub(last); wait > 0 {
					if next == 0 || wait < next {
						next = wait
					}
					continue
				}
				delete(pending, p)
				select {
				case ready <- p:
				case <-ctx.Done():
					return nil
				}
			}
			if next > 0 {
				timer.Reset(next)
			}
		}
	}
}

// scan lists the images already waiting in the inbox, oldest name first.
func (in *Inbox) scan() ([]string, error) {
	entries, err := os.ReadDir(in.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && Supported(e.Name()) {
			out = append(out, filepath.Join(in.cfg.Dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (in *Inbox) process(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := os.Stat(path); err != nil {
		// Already handled or moved away.
		return
	}

	img, err := DecodeFile(path)
	if err != nil {
		debug.Logger().Error().Str("file", path).Err(err).Msg("inbox file rejected")
		in.rename(path, RejectedSuffix)
		return
	}

	for {
		job, err := in.runner.Run(ctx, img)
		switch {
		case errors.Is(err, workflow.ErrBusy):
			debug.Verbose("Inbox: busy, retrying %s in %v", filepath.Base(path), in.cfg.RetryDelay)
			select {
			case <-time.After(in.cfg.RetryDelay):
				continue
			case <-ctx.Done():
				return
			}
		case err != nil:
			id := ""
			if job != nil {
				id = job.ID
			}
			debug.Logger().Error().Str("file", path).Str("job", id).Err(err).Msg("inbox job failed")
			in.rename(path, FailedSuffix)
			return
		default:
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				debug.Error(fmt.Errorf("remove inbox file: %w", err))
			}
			debug.Live("Inbox: %s processed as job %s", filepath.Base(path), job.ID)
			return
		}
	}
}

func (in *Inbox) rename(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		debug.Error(fmt.Errorf("rename inbox file: %w", err))
	}
}
