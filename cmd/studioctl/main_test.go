package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/studio/internal/adapters/jobqueue"
	"github.com/dkeye/studio/internal/domain"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dir+"\n"), 0o644))
	return path, filepath.Join(dir, "queue.db")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestJobsAndRetry(t *testing.T) {
	cfgPath, queuePath := writeConfig(t)
	ctx := context.Background()

	store, err := jobqueue.Open(queuePath, 3)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, domain.JobMergeConference, "merge:studio:s1", domain.MergePayload{Room: "studio", Session: "s1"})
	require.NoError(t, err)
	job, err := store.Claim(ctx, domain.JobMergeConference)
	require.NoError(t, err)
	require.NotNil(t, job)
	_, err = store.Fail(ctx, job.Key, errors.New("ffmpeg exited with code 1"), false, 0)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := execute(t, "--config", cfgPath, "jobs", "--status", "dead")
	require.NoError(t, err)
	require.Contains(t, out, "merge:studio:s1")
	require.Contains(t, out, "ffmpeg exited with code 1")

	out, err = execute(t, "--config", cfgPath, "retry", "merge:studio:s1")
	require.NoError(t, err)
	require.Contains(t, out, "queued for retry")

	out, err = execute(t, "--config", cfgPath, "jobs", "--status", "dead")
	require.NoError(t, err)
	require.Contains(t, out, "No jobs")

	_, err = execute(t, "--config", cfgPath, "retry", "merge:studio:s1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = execute(t, "--config", cfgPath, "jobs", "--status", "bogus")
	require.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/conferences/studio/s1/status" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"roomId":"studio","sessionId":"s1","state":"stopped","totalTracks":2,"readyTracks":1,` +
			`"readyForMerge":false,"tracks":[{"trackId":"t1","isReady":true},{"trackId":"t2","isReady":false}]}`))
	}))
	defer srv.Close()

	out, err := execute(t, "--config", cfgPath, "--server", srv.URL, "status", "studio", "s1")
	require.NoError(t, err)
	require.Contains(t, out, "1/2 tracks ready")
	require.Contains(t, out, "t2")

	out, err = execute(t, "--config", cfgPath, "--server", srv.URL, "status", "studio", "missing")
	require.NoError(t, err)
	require.Contains(t, out, "Session not found")
}
