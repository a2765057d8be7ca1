// Package transcoder runs ffmpeg as the black-box encoder behind core.Transcoder.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

var commandContext = exec.CommandContext

// stderrTail bounds how much diagnostic output is kept per run.
const stderrTail = 16 * 1024

// ToolError carries the exit status and stderr tail of a failed run.
type ToolError struct {
	Binary   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Binary, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + lastLine(e.Stderr)
	}
	return msg
}

// Diagnostics returns the captured stderr tail.
func (e *ToolError) Diagnostics() string { return e.Stderr }

func (e *ToolError) Unwrap() []error { return []error{domain.ErrExternalTool, e.Err} }

type FFmpeg struct {
	binary string
	log    zerolog.Logger
}

type Option func(*FFmpeg)

func WithBinary(binary string) Option {
	return func(f *FFmpeg) {
		if strings.TrimSpace(binary) != "" {
			f.binary = binary
		}
	}
}

func New(opts ...Option) *FFmpeg {
	f := &FFmpeg{binary: "ffmpeg", log: log.With().Str("module", "adapters.transcoder").Logger()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Args renders spec as an ffmpeg argument list.
func Args(spec core.TranscodeSpec) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	for _, in := range spec.Inputs {
		args = append(args, "-i", in)
	}
	if spec.FilterComplex != "" {
		args = append(args, "-filter_complex", spec.FilterComplex)
	}
	for _, m := range spec.Maps {
		args = append(args, "-map", m)
	}
	p := spec.Profile
	if p.VideoCodec != "" {
		args = append(args, "-c:v", p.VideoCodec)
	}
	if p.VideoBitrate != "" {
		args = append(args, "-b:v", p.VideoBitrate)
	}
	if spec.NoAudio {
		args = append(args, "-an")
	} else {
		if p.AudioCodec != "" {
			args = append(args, "-c:a", p.AudioCodec)
		}
		if p.AudioBitrate != "" {
			args = append(args, "-b:a", p.AudioBitrate)
		}
	}
	if spec.Shortest {
		args = append(args, "-shortest")
	}
	if p.Format != "" {
		args = append(args, "-f", p.Format)
	}
	return append(args, spec.Output)
}

func (f *FFmpeg) Transcode(ctx context.Context, spec core.TranscodeSpec) error {
	if len(spec.Inputs) == 0 {
		return domain.Wrap(domain.ErrValidation, "transcoder", "transcode", "no inputs", nil)
	}
	if spec.Output == "" {
		return domain.Wrap(domain.ErrValidation, "transcoder", "transcode", "no output", nil)
	}

	args := Args(spec)
	tail := &tailBuffer{limit: stderrTail}
	cmd := commandContext(ctx, f.binary, args...) //nolint:gosec
	cmd.Stdout = io.Discard
	cmd.Stderr = tail

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)
	if err == nil {
		f.log.Info().Int("inputs", len(spec.Inputs)).Str("output", spec.Output).Dur("elapsed", elapsed).Msg("transcode finished")
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("transcode canceled: %w", ctxErr)
	}

	toolErr := &ToolError{Binary: f.binary, ExitCode: -1, Stderr: strings.TrimSpace(tail.String()), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		toolErr.ExitCode = exitErr.ExitCode()
	}
	f.log.Error().Err(err).Int("exit_code", toolErr.ExitCode).Str("stderr", toolErr.Stderr).
		Strs("args", args).Msg("transcode failed")
	return toolErr
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
