package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFile_DefaultsWhenMissing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "badger", cfg.Storage.Backend)
	require.Equal(t, filepath.Join("data", "queue.db"), filepath.Clean(cfg.Queue.Path))
	require.Equal(t, 54*time.Second, cfg.Signal.PingPeriod)
	require.Equal(t, 1280, cfg.Merge.Canvas.W)
	require.Equal(t, "webm", cfg.Transcoder.Track.Format)
	require.True(t, cfg.Recording.AwaitStop)
	require.True(t, cfg.Recording.DeleteChunks)
	require.False(t, cfg.UsesAWS())
}

func TestLoadFile_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	body := "mode: debug\nport: 9000\nqueue:\n  max_attempts: 2\nmerge:\n  frame_rate: 25\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("STUDIO_WORKERS_MERGE", "3")
	t.Setenv("STUDIO_STORAGE_BACKEND", "s3")
	t.Setenv("STUDIO_STORAGE_BUCKET", "recordings")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Mode)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, 2, cfg.Queue.MaxAttempts)
	require.Equal(t, 25, cfg.Merge.FrameRate)
	require.Equal(t, 3, cfg.Workers.Merge)
	require.Equal(t, "recordings", cfg.Storage.Bucket)
	require.True(t, cfg.UsesAWS())
}

func TestValidate(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	bad := *cfg
	bad.Storage.Backend = "s3"
	bad.Sessions.Backend = "postgres"
	bad.Merge.Canvas.W = 100
	err = bad.Validate()
	require.ErrorContains(t, err, "storage.bucket")
	require.ErrorContains(t, err, "sessions.backend")
	require.ErrorContains(t, err, "canvas")
}
