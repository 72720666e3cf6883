package viewer

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cjeanneret/docscan/internal/debug"
)

// Options is passed along with the document to open.
type Options struct {
	CachePath string // directory the viewer may use for its own cache
}

// Viewer opens a local document for display. Open must not wait for the
// viewer to exit.
type Viewer interface {
	Open(ctx context.Context, path string, opts Options) error
}

// DefaultCommand is used when no viewer command is configured.
var DefaultCommand = []string{"xdg-open", "{file}"}

// Starter launches a process without waiting for it. Tests stub it.
type Starter interface {
	Start(name string, args ...string) error
}

type execStarter struct{}

func (execStarter) Start(name string, args ...string) error {
	// Not bound to the job context: the viewer outlives the job.
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			debug.Verbose("viewer %s exited: %v", name, err)
		}
	}()
	return nil
}

// CommandViewer runs a command line with {file} and {cache} placeholders.
type CommandViewer struct {
	argv    []string
	starter Starter
}

// NewCommandViewer returns a viewer for argv; an empty argv means DefaultCommand.
func NewCommandViewer(argv []string) (*CommandViewer, error) {
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	if strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("viewer command is empty")
	}
	return &CommandViewer{argv: append([]string(nil), argv...), starter: execStarter{}}, nil
}

// WithStarter replaces the process launcher.
func (v *CommandViewer) WithStarter(s Starter) *CommandViewer {
	v.starter = s
	return v
}

// Args expands the placeholders for path and opts.
func (v *CommandViewer) Args(path string, opts Options) []string {
	r := strings.NewReplacer("{file}", path, "{cache}", opts.CachePath)
	out := make([]string, len(v.argv))
	for i, a := range v.argv {
		out[i] = r.Replace(a)
	}
	return out
}

func (v *CommandViewer) Open(ctx context.Context, path string, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	args := v.Args(path, opts)
	debug.Verbose("Opening viewer: %s", strings.Join(args, " "))
	if err := v.starter.Start(args[0], args[1:]...); err != nil {
		return fmt.Errorf("start viewer %s: %w", args[0], err)
	}
	return nil
}

// Multi opens the document in every viewer and joins their errors.
type Multi []Viewer

func (m Multi) Open(ctx context.Context, path string, opts Options) error {
	var errs []error
	for _, v := range m {
		if v == nil {
			continue
		}
		if err := v.Open(ctx, path, opts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
