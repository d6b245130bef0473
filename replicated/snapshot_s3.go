package replicated

import (
	"context"
	log "log/slog"
	"os"
	"path/filepath"

	"github.com/sharedcode/tcoord/aws_s3"
)

// S3Mirror best-effort-copies the primary local snapshot file to an S3 bucket after
// every successful local save, as a secondary off-host copy (SPEC_FULL.md §2 "domain
// stack", gated on Config.SnapshotS3Bucket). A mirror failure never fails the local
// save: the local directories remain the primary source of truth for Load.
type S3Mirror struct {
	bucket    *aws_s3.Bucket
	localPath string
}

// NewS3Mirror wraps bucket to mirror the snapshot file at localPath (the primary,
// non-erasure-coded snapshot directory's copy).
func NewS3Mirror(bucket *aws_s3.Bucket, localPath string) *S3Mirror {
	return &S3Mirror{bucket: bucket, localPath: localPath}
}

// MirrorAfterSave uploads the local snapshot file under key, logging (not failing)
// on error.
func (m *S3Mirror) MirrorAfterSave(ctx context.Context, key string) {
	data, err := os.ReadFile(m.localPath)
	if err != nil {
		log.Warn("replicated: s3 mirror: failed to read local snapshot", "path", m.localPath, "error", err)
		return
	}
	if err := m.bucket.PutObject(ctx, key, data); err != nil {
		log.Warn("replicated: s3 mirror: upload failed", "key", key, "error", err)
	}
}

// RestoreIfLocalMissing downloads the mirrored snapshot into localPath when no local
// copy exists, e.g. a fresh node joining a replicated group with every local
// snapshot directory empty.
func (m *S3Mirror) RestoreIfLocalMissing(ctx context.Context, key string) error {
	if _, err := os.Stat(m.localPath); err == nil {
		return nil
	}
	data, err := m.bucket.GetObject(ctx, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.localPath, data, 0o644)
}
