package workflow

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/docscan/internal/debug"
	"github.com/cjeanneret/docscan/internal/imagestore"
	"github.com/cjeanneret/docscan/internal/ledger"
	"github.com/cjeanneret/docscan/internal/processing"
	"github.com/cjeanneret/docscan/internal/storage"
	"github.com/cjeanneret/docscan/internal/viewer"
)

// ImageStore is the local cache directory.
type ImageStore interface {
	Save(ctx context.Context, img image.Image) (imagestore.LocalFile, error)
	ResultPath(key string) (string, error)
	Remove(f imagestore.LocalFile) error
	Dir() string
}

// Invoker triggers the remote processing of an uploaded key.
type Invoker interface {
	Invoke(ctx context.Context, key string) (string, error)
}

// Ledger remembers remote keys until they are deleted.
type Ledger interface {
	Track(ctx context.Context, jobID, key, role string) error
	Resolve(ctx context.Context, key string) error
	Pending(ctx context.Context) ([]ledger.Object, error)
	Finish(ctx context.Context, r ledger.JobRecord, deleted []string) error
}

// Scanner produces a captured image; nil means cancelled.
type Scanner interface {
	Scan(ctx context.Context) (image.Image, error)
}

// Deps are the collaborators of an Orchestrator. Ledger and Viewer may be nil.
type Deps struct {
	Images  ImageStore
	Store   storage.ObjectStore
	Invoker Invoker
	Viewer  viewer.Viewer
	Ledger  Ledger
}

// Options tune the orchestrator.
type Options struct {
	KeepCaptures   bool          // keep the saved JPEG after the job
	CleanupTimeout time.Duration // budget of each remote delete (default 30s)
}

// Orchestrator runs one job at a time through
// save → upload → process → download → open → clean.
type Orchestrator struct {
	deps Deps
	opts Options

	mu      sync.Mutex
	running bool
	state   State
	current *Job
	last    *Job

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates an idle orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 30 * time.Second
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// AddObserver registers an observer for state changes and finished jobs.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.observers = append(o.observers, obs)
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Busy reports whether a job (or a sweep) holds the orchestrator.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Current returns a copy of the job in flight, or nil.
func (o *Orchestrator) Current() *Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return nil
	}
	j := *o.current
	return &j
}

// Last returns a copy of the most recently finished job, or nil.
func (o *Orchestrator) Last() *Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return nil
	}
	j := *o.last
	return &j
}

// Run processes a captured image. A nil image returns ErrCaptureCancelled
// without any side effect; a job in flight returns ErrBusy.
func (o *Orchestrator) Run(ctx context.Context, img image.Image) (*Job, error) {
	if img == nil {
		debug.Info("Capture cancelled")
		return nil, ErrCaptureCancelled
	}
	res, err := o.Reserve()
	if err != nil {
		return nil, err
	}
	return res.Run(ctx, img)
}

// Capture reserves the orchestrator, runs the scanner and processes its image.
// Nothing is scanned while a job is in flight.
func (o *Orchestrator) Capture(ctx context.Context, sc Scanner) (*Job, error) {
	res, err := o.Reserve()
	if err != nil {
		return nil, err
	}
	return res.Capture(ctx, sc)
}

// Reservation holds an idle orchestrator for one job. The holder ends it with
// exactly one call to Run, Capture or Release.
type Reservation interface {
	Run(ctx context.Context, img image.Image) (*Job, error)
	Capture(ctx context.Context, sc Scanner) (*Job, error)
	Release()
}

// Reserve marks the orchestrator busy until the returned reservation ends.
// It returns ErrBusy when a job or a sweep already holds it.
func (o *Orchestrator) Reserve() (Reservation, error) {
	if !o.acquire() {
		return nil, ErrBusy
	}
	return &reservation{o: o}, nil
}

type reservation struct {
	o    *Orchestrator
	used atomic.Bool
}

func (r *reservation) Run(ctx context.Context, img image.Image) (*Job, error) {
	if !r.used.CompareAndSwap(false, true) {
		return nil, ErrReservationUsed
	}
	if img == nil {
		r.o.release()
		debug.Info("Capture cancelled")
		return nil, ErrCaptureCancelled
	}
	return r.o.run(ctx, img)
}

func (r *reservation) Capture(ctx context.Context, sc Scanner) (*Job, error) {
	if !r.used.CompareAndSwap(false, true) {
		return nil, ErrReservationUsed
	}
	img, err := sc.Scan(ctx)
	if err != nil {
		r.o.release()
		return nil, fmt.Errorf("scan: %w", err)
	}
	if img == nil {
		r.o.release()
		debug.Info("Capture cancelled")
		return nil, ErrCaptureCancelled
	}
	return r.o.run(ctx, img)
}

// Release gives the orchestrator back when no job was started. It is a no-op
// once Run or Capture has been called.
func (r *reservation) Release() {
	if r.used.CompareAndSwap(false, true) {
		r.o.release()
	}
}

func (o *Orchestrator) acquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
}

func (o *Orchestrator) run(ctx context.Context, img image.Image) (*Job, error) {
	job := &Job{ID: uuid.New().String(), StartedAt: time.Now()}
	o.mu.Lock()
	o.current = job
	o.mu.Unlock()

	debug.Section("Job " + job.ID)

	r := &jobRun{o: o, id: job.ID}
	err := r.execute(ctx, img)
	return r.finish(ctx, err), err
}

// jobRun holds the per-job bookkeeping of remote keys and cleanup tasks.
type jobRun struct {
	o  *Orchestrator
	id string

	captureKey   string
	uploaded     bool
	resultKey    string
	localCapture imagestore.LocalFile
	localResult  imagestore.LocalFile

	cleanup   errgroup.Group
	scheduled map[string]bool

	mu       sync.Mutex
	resolved []string
}

func (r *jobRun) execute(ctx context.Context, img image.Image) error {
	o := r.o

	// Saving
	o.transition(Saving)
	debug.Step(1, "saving capture")
	local, err := o.deps.Images.Save(ctx, img)
	if err != nil {
		return &StageError{Stage: Saving, Err: ensure(err, imagestore.ErrLocalWrite)}
	}
	r.localCapture = local
	r.captureKey = filepath.Base(local.Path)
	o.update(func(j *Job) {
		j.LocalCapture = local
		j.CaptureKey = r.captureKey
	})

	// Uploading
	o.transition(Uploading)
	debug.Step(2, "uploading "+r.captureKey)
	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.Track(ctx, r.id, r.captureKey, ledger.RoleUpload); err != nil {
			return &StageError{Stage: Uploading, Key: r.captureKey, Err: ensure(err, storage.ErrUpload)}
		}
	}
	key, err := o.deps.Store.Upload(ctx, local.Path)
	if err != nil {
		// Nothing reached the bucket.
		r.markResolved(r.captureKey)
		return &StageError{Stage: Uploading, Key: r.captureKey, Err: ensure(err, storage.ErrUpload)}
	}
	r.uploaded = true
	if key != r.captureKey {
		debug.Verbose("Store returned key %s for %s", key, r.captureKey)
		if o.deps.Ledger != nil {
			if err := o.deps.Ledger.Track(ctx, r.id, key, ledger.RoleUpload); err != nil {
				debug.Error(fmt.Errorf("ledger: %w", err))
			}
		}
		// Nothing was stored under the provisional key.
		r.markResolved(r.captureKey)
		r.captureKey = key
		o.update(func(j *Job) { j.CaptureKey = key })
	}

	// Processing
	o.transition(Processing)
	debug.Step(3, "processing "+r.captureKey)
	resultKey, err := o.deps.Invoker.Invoke(ctx, r.captureKey)
	if err != nil {
		return &StageError{Stage: Processing, Key: r.captureKey, Err: ensure(err, processing.ErrProcessing)}
	}
	r.resultKey = resultKey
	o.update(func(j *Job) { j.ResultKey = resultKey })
	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.Track(ctx, r.id, resultKey, ledger.RoleResult); err != nil {
			debug.Error(fmt.Errorf("ledger: %w", err))
		}
	}
	if resultKey != r.captureKey {
		r.scheduleDelete(ctx, r.captureKey)
	}

	// Downloading
	o.transition(Downloading)
	debug.Step(4, "downloading "+resultKey)
	dest, err := o.deps.Images.ResultPath(resultKey)
	if err != nil {
		return &StageError{Stage: Downloading, Key: resultKey, Err: ensure(err, storage.ErrDownload)}
	}
	path, err := o.deps.Store.Download(ctx, resultKey, dest)
	if err != nil {
		return &StageError{Stage: Downloading, Key: resultKey, Err: ensure(err, storage.ErrDownload)}
	}
	result := imagestore.LocalFile{Path: path, Name: filepath.Base(path)}
	r.localResult = result
	o.update(func(j *Job) { j.LocalResult = result })

	// Opening
	o.transition(Opening)
	debug.Step(5, "opening "+result.Name)
	if o.deps.Viewer != nil {
		if err := o.deps.Viewer.Open(ctx, result.Path, viewer.Options{CachePath: o.deps.Images.Dir()}); err != nil {
			debug.Logger().Error().Str("job", r.id).Str("file", result.Path).Err(err).Msg("viewer failed")
		}
	}
	r.scheduleDelete(ctx, resultKey)
	return nil
}

// scheduleDelete starts the delete of key as a cleanup task. The task does not
// inherit the job's cancellation so that remote objects are removed even when
// the caller gave up.
func (r *jobRun) scheduleDelete(ctx context.Context, key string) {
	if r.scheduled == nil {
		r.scheduled = make(map[string]bool)
	}
	if key == "" || r.scheduled[key] {
		return
	}
	r.scheduled[key] = true

	base := context.WithoutCancel(ctx)
	r.cleanup.Go(func() error {
		dctx, cancel := context.WithTimeout(base, r.o.opts.CleanupTimeout)
		defer cancel()
		if err := r.o.deps.Store.Delete(dctx, key); err != nil {
			err = ensure(err, storage.ErrDelete)
			debug.Logger().Error().Str("job", r.id).Str("key", key).Err(err).Msg("cleanup delete failed")
			return err
		}
		r.markResolved(key)
		return nil
	})
}

func (r *jobRun) markResolved(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, key)
}

// finish runs on every exit path once the job has started.
func (r *jobRun) finish(ctx context.Context, runErr error) *Job {
	o := r.o
	o.transition(Cleaning)

	if r.uploaded {
		r.scheduleDelete(ctx, r.captureKey)
	}
	if r.resultKey != "" {
		r.scheduleDelete(ctx, r.resultKey)
	}
	if err := r.cleanup.Wait(); err != nil {
		debug.Info("Cleanup incomplete for job %s, pending keys will be swept later", r.id)
	}

	// A result downloaded under the capture's name has replaced it on disk.
	if !o.opts.KeepCaptures && r.localCapture.Path != "" && r.localCapture.Path != r.localResult.Path {
		if err := o.deps.Images.Remove(r.localCapture); err != nil {
			debug.Error(err)
		}
	}

	o.mu.Lock()
	job := o.current
	job.FinishedAt = time.Now()
	job.Err = runErr
	snap := *job
	o.mu.Unlock()

	if o.deps.Ledger != nil {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CleanupTimeout)
		r.mu.Lock()
		resolved := append([]string(nil), r.resolved...)
		r.mu.Unlock()
		rec := ledger.JobRecord{
			ID:         snap.ID,
			CaptureKey: snap.CaptureKey,
			ResultKey:  snap.ResultKey,
			Outcome:    snap.Outcome(),
			StartedAt:  snap.StartedAt,
			FinishedAt: snap.FinishedAt,
		}
		if runErr != nil {
			rec.Error = runErr.Error()
		}
		if err := o.deps.Ledger.Finish(lctx, rec, resolved); err != nil {
			debug.Error(fmt.Errorf("ledger: %w", err))
		}
		cancel()
	}

	if runErr != nil {
		debug.Logger().Error().Str("job", snap.ID).Err(runErr).Msg("job failed")
	} else {
		debug.Info("Job %s done: %s -> %s (%v)", snap.ID, snap.CaptureKey, snap.ResultKey,
			snap.FinishedAt.Sub(snap.StartedAt).Round(time.Millisecond))
	}
	o.notifyFinished(snap)

	o.mu.Lock()
	from := o.state
	o.state = Idle
	job.State = Idle
	snap = *job
	o.last = job
	o.current = nil
	o.running = false
	o.mu.Unlock()

	debug.Transition(snap.ID, from.String(), Idle.String())
	o.notifyState(snap, Idle)
	return &snap
}

// Sweep deletes every key the ledger still lists as pending, typically left
// behind by a process that was killed mid-job. It returns how many were deleted.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	if o.deps.Ledger == nil {
		return 0, nil
	}
	if !o.acquire() {
		return 0, ErrBusy
	}
	defer o.release()

	pending, err := o.deps.Ledger.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	deleted := 0
	var errs []error
	for _, obj := range pending {
		if err := o.deps.Store.Delete(ctx, obj.Key); err != nil {
			err = ensure(err, storage.ErrDelete)
			debug.Logger().Error().Str("key", obj.Key).Str("job", obj.JobID).Err(err).Msg("sweep delete failed")
			errs = append(errs, err)
			continue
		}
		if err := o.deps.Ledger.Resolve(ctx, obj.Key); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		debug.Info("Swept %d orphaned remote object(s)", deleted)
	}
	return deleted, errors.Join(errs...)
}

func (o *Orchestrator) transition(s State) {
	o.mu.Lock()
	from := o.state
	o.state = s
	o.current.State = s
	snap := *o.current
	o.mu.Unlock()

	debug.Transition(snap.ID, from.String(), s.String())
	o.notifyState(snap, s)
}

func (o *Orchestrator) update(fn func(j *Job)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o.current)
}

func (o *Orchestrator) notifyState(job Job, s State) {
	o.obsMu.RLock()
	defer o.obsMu.RUnlock()
	for _, obs := range o.observers {
		obs.StateChanged(job, s)
	}
}

func (o *Orchestrator) notifyFinished(job Job) {
	o.obsMu.RLock()
	defer o.obsMu.RUnlock()
	for _, obs := range o.observers {
		obs.JobFinished(job)
	}
}
