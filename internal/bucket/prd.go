package bucket

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"ewocclassif/internal/logging"
)

// UploadResult summarises an upload.
type UploadResult struct {
	Count int
	Bytes int64
	// Dir is the destination, s3://<bucket>/<prefix>.
	Dir string
}

// PrdBucket is the EWoC product bucket.
type PrdBucket struct {
	store       Store
	name        string
	concurrency int
}

// NewPrdBucket wraps the product bucket called name. concurrency bounds the
// parallel transfers of one upload or download.
func NewPrdBucket(store Store, name string, concurrency int) *PrdBucket {
	if concurrency < 1 {
		concurrency = 1
	}
	return &PrdBucket{store: store, name: name, concurrency: concurrency}
}

// Name returns the bucket name.
func (b *PrdBucket) Name() string { return b.name }

// Root returns s3://<bucket>/<prefix>.
func (b *PrdBucket) Root(prefix string) string { return URI(b.name, prefix) }

// Upload sends every file below dir to <prefix>/<relative path>. A missing
// dir uploads nothing.
func (b *PrdBucket) Upload(ctx context.Context, dir, prefix string) (UploadResult, error) {
	prefix = strings.Trim(prefix, "/")
	res := UploadResult{Dir: b.Root(prefix)}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logging.BucketWarn("Nothing to upload: %s does not exist", dir)
		return res, nil
	}

	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	timer := logging.StartTimer(logging.CategoryBucket, "upload "+dir)
	var count, bytes atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, file := range files {
		g.Go(func() error {
			rel, err := filepath.Rel(dir, file)
			if err != nil {
				return err
			}
			key := path.Join(prefix, filepath.ToSlash(rel))
			n, err := b.store.Upload(gctx, b.name, key, file)
			if err != nil {
				return err
			}
			logging.BucketDebug("Uploaded %s to %s", file, URI(b.name, key))
			count.Add(1)
			bytes.Add(n)
			return nil
		})
	}
	err = g.Wait()
	timer.Stop()

	res.Count = int(count.Load())
	res.Bytes = bytes.Load()
	if err != nil {
		return res, err
	}
	logging.Bucket("Uploaded %d files (%d bytes) from %s to %s", res.Count, res.Bytes, dir, res.Dir)
	return res, nil
}

// DownloadPrefix mirrors every key below prefix into dir, keeping the
// relative layout. It returns the number of downloaded files.
func (b *PrdBucket) DownloadPrefix(ctx context.Context, prefix, dir string) (int, error) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	objects, err := b.store.List(ctx, b.name, prefix, true)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}

	var count atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, obj := range objects {
		if obj.IsDir() {
			continue
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		if !filepath.IsLocal(rel) {
			logging.BucketWarn("Skipping key outside of %s: %s", prefix, obj.Key)
			continue
		}
		key := obj.Key
		dest := filepath.Join(dir, filepath.FromSlash(rel))
		g.Go(func() error {
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			if err := b.store.Download(gctx, b.name, key, dest); err != nil {
				return err
			}
			count.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(count.Load()), err
	}
	logging.Bucket("Downloaded %d files from %s to %s", count.Load(), URI(b.name, prefix), dir)
	return int(count.Load()), nil
}
