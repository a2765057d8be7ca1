//go:generate go run go.uber.org/mock/mockgen -source=pipeline_iface.go -destination=../mocks/mock_pipeline.go -package=mocks
package core

import (
	"context"
	"io"
	"time"

	"github.com/dkeye/studio/internal/domain"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore persists binary blobs by key.
// Get on a missing key returns an error matching domain.ErrNotFound.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns every object under prefix sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// JobQueue dispatches work idempotently by key.
// Enqueue reports false when a job with the same key already exists.
type JobQueue interface {
	Enqueue(ctx context.Context, kind domain.JobKind, key string, payload any) (bool, error)
}

// Profile is a fixed set of output encoding parameters.
type Profile struct {
	VideoCodec   string `mapstructure:"video_codec"`
	VideoBitrate string `mapstructure:"video_bitrate"`
	AudioCodec   string `mapstructure:"audio_codec"`
	AudioBitrate string `mapstructure:"audio_bitrate"`
	Format       string `mapstructure:"format"`
}

// TranscodeSpec is one invocation of the external encoder.
type TranscodeSpec struct {
	Inputs        []string
	FilterComplex string
	Maps          []string
	NoAudio       bool
	Profile       Profile
	Shortest      bool
	Output        string
}

// Transcoder runs the external encoder as a black box.
type Transcoder interface {
	Transcode(ctx context.Context, spec TranscodeSpec) error
}
