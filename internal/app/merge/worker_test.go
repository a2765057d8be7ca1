package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/dkeye/studio/internal/mocks"
)

type fakeSessions struct {
	tracks []domain.Track
	saved  []domain.MergedArtifact
}

func (f *fakeSessions) Tracks(context.Context, domain.RoomID, domain.SessionID) ([]domain.Track, error) {
	return f.tracks, nil
}

func (f *fakeSessions) SaveMergedArtifact(_ context.Context, a domain.MergedArtifact) error {
	f.saved = append(f.saved, a)
	return nil
}

type fakeSink struct{ got []domain.MergedArtifact }

func (f *fakeSink) ArtifactMerged(a domain.MergedArtifact) { f.got = append(f.got, a) }

type workerFixture struct {
	store    *mocks.MockObjectStore
	tx       *mocks.MockTranscoder
	sessions *fakeSessions
	sink     *fakeSink
	scratch  string
	worker   *Worker
}

func newWorkerFixture(t *testing.T, tracks ...domain.Track) *workerFixture {
	ctrl := gomock.NewController(t)
	f := &workerFixture{
		store:    mocks.NewMockObjectStore(ctrl),
		tx:       mocks.NewMockTranscoder(ctrl),
		sessions: &fakeSessions{tracks: tracks},
		sink:     &fakeSink{},
		scratch:  t.TempDir(),
	}
	f.worker = New(f.store, f.tx, f.sessions, f.sink, Options{
		ScratchDir:       f.scratch,
		Profile:          core.Profile{VideoCodec: "libvpx", VideoBitrate: "2M", AudioCodec: "libopus", AudioBitrate: "128k", Format: "webm"},
		MinArtifactBytes: 16,
	})
	return f
}

func mergeJob(t *testing.T, audio domain.TrackID) domain.Job {
	t.Helper()
	p := domain.MergePayload{Room: "r", Session: "s", AudioSource: audio}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return domain.Job{Key: p.Key(), Kind: domain.JobMergeConference, Payload: b}
}

func (f *workerFixture) expectDownloads() {
	f.store.EXPECT().Get(gomock.Any(), gomock.Any()).Times(len(f.sessions.tracks)).
		DoAndReturn(func(_ context.Context, key string) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(key)), nil
		})
}

func writeOutput(spec core.TranscodeSpec) error {
	return os.WriteFile(spec.Output, bytes.Repeat([]byte("m"), 128), 0o644)
}

func TestMergeSelectsHostAudio(t *testing.T) {
	req := require.New(t)
	f := newWorkerFixture(t, track("b", 1000, 9000), track("a", 0, 10000), track("c", 3000, 7000))
	f.expectDownloads()

	f.tx.EXPECT().Transcode(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, spec core.TranscodeSpec) error {
		req.Len(spec.Inputs, 3)
		first, err := os.ReadFile(spec.Inputs[0])
		req.NoError(err)
		req.Equal("final_videos/r/s/a.webm", string(first))
		req.Equal([]string{"[v_out]", "2:a"}, spec.Maps)
		req.False(spec.NoAudio)
		req.True(spec.Shortest)
		req.Contains(spec.FilterComplex, "d=10.000")
		req.Contains(spec.FilterComplex, "[tmp1][v2]overlay=400:360")
		return writeOutput(spec)
	})
	f.store.EXPECT().Put(gomock.Any(), "final_conference_videos/r/conference_s_merged.webm", gomock.Any(), int64(128), "video/webm").Return(nil)

	req.NoError(f.worker.Handle(context.Background(), mergeJob(t, "c")))
	req.Len(f.sessions.saved, 1)
	req.Equal(domain.TrackID("c"), f.sessions.saved[0].AudioSource)
	req.Equal(int64(128), f.sessions.saved[0].Size)
	req.Equal(f.sessions.saved, f.sink.got)

	entries, err := os.ReadDir(f.scratch)
	req.NoError(err)
	req.Empty(entries)
}

func TestMergeWithoutAudioSourceIsDegradedNotFailed(t *testing.T) {
	req := require.New(t)
	f := newWorkerFixture(t, track("a", 0, 5000), track("b", 0, 5000))
	f.expectDownloads()
	f.tx.EXPECT().Transcode(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, spec core.TranscodeSpec) error {
		req.True(spec.NoAudio)
		req.Equal([]string{"[v_out]"}, spec.Maps)
		return writeOutput(spec)
	})
	f.store.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	req.NoError(f.worker.Handle(context.Background(), mergeJob(t, "ghost")))
	req.Len(f.sessions.saved, 1)
	req.Empty(f.sessions.saved[0].AudioSource)
}

func TestMergeTranscoderFailureSurfacesNothing(t *testing.T) {
	req := require.New(t)
	f := newWorkerFixture(t, track("a", 0, 5000))
	f.expectDownloads()
	f.tx.EXPECT().Transcode(gomock.Any(), gomock.Any()).Return(errors.New("exit status 1"))

	err := f.worker.Handle(context.Background(), mergeJob(t, "a"))
	req.ErrorIs(err, domain.ErrExternalTool)
	req.True(domain.Retryable(err))
	req.Empty(f.sessions.saved)
	req.Empty(f.sink.got)
}

func TestMergeRefusesPendingTracks(t *testing.T) {
	pending := track("b", 0, 5000)
	pending.ArtifactKey = ""
	f := newWorkerFixture(t, track("a", 0, 5000), pending)

	err := f.worker.Handle(context.Background(), mergeJob(t, "a"))
	require.ErrorIs(t, err, domain.ErrNotReady)
	require.False(t, domain.Retryable(err))
}

func TestMergeUndersizedOutput(t *testing.T) {
	f := newWorkerFixture(t, track("a", 0, 5000))
	f.expectDownloads()
	f.tx.EXPECT().Transcode(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, spec core.TranscodeSpec) error {
		return os.WriteFile(spec.Output, []byte("x"), 0o644)
	})
	err := f.worker.Handle(context.Background(), mergeJob(t, "a"))
	require.ErrorIs(t, err, domain.ErrArtifactTooSmall)
	require.Empty(t, f.sessions.saved)
}
