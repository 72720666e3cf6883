package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os/exec"
	"strings"
	"time"

	"github.com/cjeanneret/docscan/internal/debug"
)

// Scanner produces one captured image. A nil image with a nil error means the
// user cancelled the capture.
type Scanner interface {
	Scan(ctx context.Context) (image.Image, error)
}

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	log := debug.Logger()
	if err != nil {
		log.Error().Str("cmd", name).Str("args", strings.Join(args, " ")).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Str("stderr", truncate(errb.String(), 8<<10)).Err(err).Msg("exec failed")
	} else {
		log.Debug().Str("cmd", name).Str("args", strings.Join(args, " ")).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Int("stdout_bytes", out.Len()).Msg("exec ok")
	}
	return out.Bytes(), errb.Bytes(), err
}

// CommandScanner runs a scanner command that writes the image to stdout,
// e.g. scanimage --format=png.
type CommandScanner struct {
	argv   []string
	runner Runner
}

// NewCommandScanner returns a scanner for argv.
func NewCommandScanner(argv []string) (*CommandScanner, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("scanner command is empty")
	}
	return &CommandScanner{argv: append([]string(nil), argv...), runner: execRunner{}}, nil
}

// WithRunner replaces the command runner.
func (s *CommandScanner) WithRunner(r Runner) *CommandScanner {
	s.runner = r
	return s
}

func (s *CommandScanner) Scan(ctx context.Context) (image.Image, error) {
	debug.Live("Scanning: %s", strings.Join(s.argv, " "))
	stdout, stderr, err := s.runner.Run(ctx, s.argv[0], s.argv[1:]...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exitErr *exec.ExitError
		if len(stdout) == 0 && errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			debug.Info("Scan cancelled")
			return nil, nil
		}
		return nil, fmt.Errorf("scanner %s: %w: %s", s.argv[0], err, truncate(strings.TrimSpace(string(stderr)), 512))
	}
	if len(bytes.TrimSpace(stdout)) == 0 {
		debug.Info("Scan cancelled (no image)")
		return nil, nil
	}
	return Decode(bytes.NewReader(stdout))
}

// ImageScanner hands out a fixed image once. It backs the one-shot -image mode.
type ImageScanner struct {
	Path string
}

func (s ImageScanner) Scan(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return DecodeFile(s.Path)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
