package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

var trackProfile = core.Profile{VideoCodec: "libvpx", VideoBitrate: "1M", AudioCodec: "libopus", AudioBitrate: "96k", Format: "webm"}

func TestArgsSingleInputProfile(t *testing.T) {
	args := Args(core.TranscodeSpec{Inputs: []string{"/w/raw.webm"}, Profile: trackProfile, Output: "/w/out.webm"})
	require.Equal(t, []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", "/w/raw.webm",
		"-c:v", "libvpx", "-b:v", "1M",
		"-c:a", "libopus", "-b:a", "96k",
		"-f", "webm",
		"/w/out.webm",
	}, args)
}

func TestArgsGraphWithoutAudio(t *testing.T) {
	args := Args(core.TranscodeSpec{
		Inputs:        []string{"a.webm", "b.webm"},
		FilterComplex: "[0:v][1:v]hstack[v_out]",
		Maps:          []string{"[v_out]"},
		NoAudio:       true,
		Profile:       trackProfile,
		Shortest:      true,
		Output:        "out.webm",
	})
	joined := strings.Join(args, " ")
	require.Contains(t, joined, "-i a.webm -i b.webm -filter_complex [0:v][1:v]hstack[v_out] -map [v_out]")
	require.Contains(t, joined, "-an -shortest -f webm out.webm")
	require.NotContains(t, joined, "libopus")
}

func helperCommand(mode string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "FFMPEG_HELPER_MODE="+mode)
		return cmd
	}
}

func TestTranscodeSuccess(t *testing.T) {
	original := commandContext
	commandContext = helperCommand("success")
	t.Cleanup(func() { commandContext = original })

	err := New().Transcode(context.Background(), core.TranscodeSpec{Inputs: []string{"in"}, Output: "out", Profile: trackProfile})
	require.NoError(t, err)
}

func TestTranscodeFailureCapturesDiagnostics(t *testing.T) {
	req := require.New(t)
	original := commandContext
	commandContext = helperCommand("fail")
	t.Cleanup(func() { commandContext = original })

	err := New(WithBinary("/opt/ffmpeg")).Transcode(context.Background(), core.TranscodeSpec{Inputs: []string{"in"}, Output: "out"})
	req.Error(err)
	req.ErrorIs(err, domain.ErrExternalTool)
	req.True(domain.Retryable(err))

	var toolErr *ToolError
	req.True(errors.As(err, &toolErr))
	req.Equal(3, toolErr.ExitCode)
	req.Contains(toolErr.Stderr, "Invalid data found when processing input")
	req.Contains(err.Error(), "/opt/ffmpeg exited with code 3")

	detail := domain.ErrorDetail(fmt.Errorf("reassemble: %w", err))
	req.Contains(detail, "[in] frame=0")
	req.Contains(detail, "in: Invalid data found when processing input")
}

func TestTranscodeValidatesSpec(t *testing.T) {
	err := New().Transcode(context.Background(), core.TranscodeSpec{Output: "out"})
	require.ErrorIs(t, err, domain.ErrValidation)
	err = New().Transcode(context.Background(), core.TranscodeSpec{Inputs: []string{"in"}})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestTailBufferKeepsEnd(t *testing.T) {
	tb := &tailBuffer{limit: 8}
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("ab"))
	require.Equal(t, "456789ab", tb.String())
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("FFMPEG_HELPER_MODE") {
	case "fail":
		fmt.Fprintln(os.Stderr, "[in] frame=0")
		fmt.Fprintln(os.Stderr, "in: Invalid data found when processing input")
		os.Exit(3)
	default:
		os.Exit(0)
	}
}
