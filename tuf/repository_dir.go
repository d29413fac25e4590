package tuf

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

// dirRepository is a Repository backed by a second local directory acting
// as the mirror: it models the teacher's local-filesystem transport,
// generalized to the four-role TUF layout and to the same length-ceiling
// and atomic-cache discipline the HTTP transport uses. Useful for airgapped
// distribution and for driving the engine in tests without a server.
type dirRepository struct {
	*dirCache
	eventLogger

	sourceDir        string
	maxRootSize      int64
	maxTimestampSize int64
}

// NewDirRepository constructs a Repository that serves files copied from
// sourceDir and caches accepted files under cacheDir.
func NewDirRepository(cacheDir, sourceDir string, settings Settings, logger log.Logger) (Repository, error) {
	cache, err := newDirCache(cacheDir)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(sourceDir)
	if err != nil {
		return nil, errors.Wrap(err, "source directory validation failed")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("source path %q must be a directory", sourceDir)
	}
	full := settings.withDefaults()
	return &dirRepository{
		dirCache:         cache,
		eventLogger:      newEventLogger(logger),
		sourceDir:        sourceDir,
		maxRootSize:      full.MaxRootSize,
		maxTimestampSize: full.MaxTimestampSize,
	}, nil
}

// WithRemote implements Repository.WithRemote over sourceDir. The length
// ceiling is enforced with an io.LimitReader one byte past the allowed
// size, so an oversized source file is detected without ever being fully
// buffered in memory.
func (r *dirRepository) WithRemote(ctx context.Context, file RemoteFile, fn func(tmpPath string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcPath := filepath.Join(r.sourceDir, filepath.FromSlash(file.remoteFilename()))
	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return errNotFound
		}
		return errors.Wrapf(err, "opening source file %q", srcPath)
	}
	defer src.Close()

	ceiling := remoteFileCeiling(file, r.maxRootSize, r.maxTimestampSize)

	tmp, err := ioutil.TempFile(r.dir, ".download-*")
	if err != nil {
		return errors.Wrap(err, "creating temp file for download")
	}
	tmpPath := tmp.Name()

	limited := &io.LimitedReader{R: src, N: ceiling + 1}
	n, copyErr := io.Copy(tmp, limited)
	closeErr := tmp.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(copyErr, "copying %q", srcPath)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return errors.Wrap(closeErr, "closing downloaded temp file")
	}
	if n > ceiling {
		os.Remove(tmpPath)
		return verrf(KindEndlessData, role(filepath.Base(file.remoteFilename())), nil, "source file exceeds %d byte ceiling", ceiling)
	}

	return r.dirCache.finalizeDownload(file, tmpPath, fn)
}
