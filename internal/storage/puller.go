package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// Puller fetches one segment's data from deep storage into a local
// directory, returning the number of bytes written.
type Puller interface {
	Pull(ctx context.Context, loadSpec map[string]any, destDir string) (int64, error)
}

// LocalPuller reads segments from a deep storage that is itself a local
// filesystem path, as described by a loadSpec of type "local".
type LocalPuller struct{}

// NewLocalPuller creates a puller for local deep storage.
func NewLocalPuller() *LocalPuller {
	return &LocalPuller{}
}

// Pull copies the file or directory named by loadSpec's "path" into destDir.
func (p *LocalPuller) Pull(ctx context.Context, loadSpec map[string]any, destDir string) (int64, error) {
	srcPath, ok := loadSpec["path"].(string)
	if !ok || srcPath == "" {
		return 0, errors.New("local loadSpec missing path")
	}

	info, err := os.Stat(srcPath)
	if err != nil {
		return 0, errors.Wrapf(err, "deep storage path %s unreadable", srcPath)
	}

	if info.IsDir() {
		return p.copyDir(ctx, srcPath, destDir)
	}
	return p.copyFile(ctx, srcPath, filepath.Join(destDir, filepath.Base(srcPath)))
}

func (p *LocalPuller) copyDir(ctx context.Context, src, dest string) (int64, error) {
	var total int64

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}

		n, err := p.copyFile(ctx, path, target)
		total += n
		return err
	})
	if err != nil {
		return total, errors.Wrapf(err, "failed to copy %s", src)
	}
	return total, nil
}

func (p *LocalPuller) copyFile(ctx context.Context, src, dest string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	cerr := out.Close()
	if err != nil {
		return n, err
	}
	return n, cerr
}
