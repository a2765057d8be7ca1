package app

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

// CheckArtifactSize rejects an encoder output at or below floor bytes.
func CheckArtifactSize(stage, path string, floor int64) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, domain.Wrap(domain.ErrExternalTool, stage, "stat artifact", path, err)
	}
	if info.Size() <= floor {
		return info.Size(), domain.Wrap(domain.ErrExternalTool, stage, "validate artifact",
			fmt.Sprintf("%s <= %s", humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(floor))), domain.ErrArtifactTooSmall)
	}
	return info.Size(), nil
}

// UploadArtifact streams a local file into the object store.
func UploadArtifact(ctx context.Context, store core.ObjectStore, stage, path, key string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return domain.Wrap(domain.ErrTransient, stage, "open artifact", path, err)
	}
	defer f.Close()
	if err := store.Put(ctx, key, f, size, "video/webm"); err != nil {
		return domain.Wrap(domain.ErrTransient, stage, "upload artifact", key, err)
	}
	return nil
}
