package storage

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/objectkit/bleepstore/internal/uid"
)

// LocalBackend implements StorageBackend against the local filesystem.
// Objects live at <RootDir>/<bucket>/<key>; multipart parts live at
// <RootDir>/.parts/<uploadID>/<partNumber>, zero-padded to 5 digits.
type LocalBackend struct {
	// RootDir is the base directory under which all bucket and object data
	// is stored.
	RootDir string
}

// NewLocalBackend creates a new LocalBackend rooted at the given directory,
// creating both the root and its .tmp staging directory if absent.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	if err := os.MkdirAll(filepath.Join(rootDir, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes every file under .tmp. Called at startup: anything
// still there is a write that was interrupted mid-flight by a prior crash,
// since a completed write always renames its temp file away.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *LocalBackend) objectPath(bucket, key string) string {
	return filepath.Join(b.RootDir, bucket, key)
}

func (b *LocalBackend) partsDir(uploadID string) string {
	return filepath.Join(b.RootDir, ".parts", uploadID)
}

func (b *LocalBackend) partPath(uploadID string, partNumber int) string {
	return filepath.Join(b.partsDir(uploadID), fmt.Sprintf("%05d", partNumber))
}

// tempPath returns a fresh, collision-free path under .tmp for a write in
// progress.
func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, ".tmp", "tmp-"+uid.New())
}

// fsyncDir opens dir and fsyncs it, making a prior rename into (or within) it
// durable. Without this, a crash can leave the rename visible in the
// directory entry cache but lost from disk on some filesystems.
func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening directory %q for sync: %w", dir, err)
	}
	defer f.Close()
	return f.Sync()
}

// writeAtomic runs fill against a fresh temp file, then durably publishes it
// at finalPath: fsync the file, rename over finalPath, fsync finalPath's
// parent directory. Every mutating filesystem operation in this backend
// (object writes, part writes, part assembly) funnels through here so the
// tmp-fsync-rename-fsync sequence is implemented exactly once.
func (b *LocalBackend) writeAtomic(finalPath string, fill func(*os.File) (int64, error)) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return 0, fmt.Errorf("creating parent directory for %q: %w", finalPath, err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	n, fillErr := fill(tmpFile)
	if fillErr != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fillErr
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming temp file into place: %w", err)
	}
	if err := fsyncDir(filepath.Dir(finalPath)); err != nil {
		return 0, fmt.Errorf("syncing parent directory of %q: %w", finalPath, err)
	}

	return n, nil
}

// PutObject writes object data using the atomic write pattern and returns
// the bytes written and the MD5-hex ETag.
func (b *LocalBackend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	h := md5.New()
	n, err := b.writeAtomic(b.objectPath(bucket, key), func(f *os.File) (int64, error) {
		return io.Copy(f, io.TeeReader(reader, h))
	})
	if err != nil {
		return 0, "", fmt.Errorf("writing object %q/%q: %w", bucket, key, err)
	}
	return n, quotedHex(h.Sum(nil)), nil
}

// GetObject opens the object file for reading. The ETag return is always
// empty; the metadata store, not the blob backend, is the source of truth
// for ETags on local storage. The caller must close the returned stream.
func (b *LocalBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	objPath := b.objectPath(bucket, key)

	file, err := os.Open(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, "", fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, 0, "", fmt.Errorf("opening object file %q/%q: %w", bucket, key, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, "", fmt.Errorf("stat object file %q/%q: %w", bucket, key, err)
	}

	return file, info.Size(), "", nil
}

// DeleteObject removes the object file, idempotently, and prunes any now-empty
// parent directories a slash-containing key created.
func (b *LocalBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	objPath := b.objectPath(bucket, key)

	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing object file %q/%q: %w", bucket, key, err)
	}

	cleanEmptyParents(filepath.Dir(objPath), filepath.Join(b.RootDir, bucket))
	return nil
}

// CopyObject streams the source file through PutObject into the destination
// key, reusing the same atomic-write path a direct PUT would take.
func (b *LocalBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	srcPath := b.objectPath(srcBucket, srcKey)

	srcFile, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("source object not found: %s/%s", srcBucket, srcKey)
		}
		return "", fmt.Errorf("opening source object: %w", err)
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return "", fmt.Errorf("stat source object: %w", err)
	}

	_, etag, err := b.PutObject(ctx, dstBucket, dstKey, srcFile, info.Size())
	if err != nil {
		return "", fmt.Errorf("copying object data: %w", err)
	}
	return etag, nil
}

// PutPart writes a single multipart upload part and returns the bytes
// written and its MD5-hex ETag.
func (b *LocalBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (int64, string, error) {
	h := md5.New()
	n, err := b.writeAtomic(b.partPath(uploadID, partNumber), func(f *os.File) (int64, error) {
		return io.Copy(f, io.TeeReader(reader, h))
	})
	if err != nil {
		return 0, "", fmt.Errorf("writing part %d of upload %q: %w", partNumber, uploadID, err)
	}
	return n, quotedHex(h.Sum(nil)), nil
}

// AssembleParts concatenates the named parts, in order, into the final
// object via the same atomic write path, and returns the composite ETag:
// the MD5 of the concatenation of each part's own MD5 digest.
func (b *LocalBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, error) {
	partDir := b.partsDir(uploadID)
	composite := md5.New()

	_, err := b.writeAtomic(b.objectPath(bucket, key), func(f *os.File) (int64, error) {
		var total int64
		for _, pn := range partNumbers {
			partFile, err := os.Open(filepath.Join(partDir, fmt.Sprintf("%05d", pn)))
			if err != nil {
				return total, fmt.Errorf("opening part %d: %w", pn, err)
			}

			partHash := md5.New()
			n, err := io.Copy(f, io.TeeReader(partFile, partHash))
			partFile.Close()
			if err != nil {
				return total, fmt.Errorf("copying part %d: %w", pn, err)
			}
			total += n
			composite.Write(partHash.Sum(nil))
		}
		return total, nil
	})
	if err != nil {
		return "", fmt.Errorf("assembling upload %q: %w", uploadID, err)
	}

	etag := fmt.Sprintf(`"%x-%d"`, composite.Sum(nil), len(partNumbers))
	os.RemoveAll(partDir)
	return etag, nil
}

// DeleteParts best-effort removes every part file belonging to uploadID.
func (b *LocalBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	return b.removePartsDir(uploadID)
}

// DeleteUploadParts removes the parts directory for a specific multipart
// upload. Used by the background reaper to clean up orphaned part files
// for uploads whose metadata rows have already expired.
func (b *LocalBackend) DeleteUploadParts(uploadID string) error {
	return b.removePartsDir(uploadID)
}

func (b *LocalBackend) removePartsDir(uploadID string) error {
	if err := os.RemoveAll(b.partsDir(uploadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing part directory for upload %q: %w", uploadID, err)
	}
	// Best-effort: drop the shared .parts directory once it's empty. Fails
	// silently (ENOTEMPTY) whenever other uploads still have parts staged.
	os.Remove(filepath.Join(b.RootDir, ".parts"))
	return nil
}

// CreateBucket creates the bucket's backing directory.
func (b *LocalBackend) CreateBucket(ctx context.Context, bucket string) error {
	bucketDir := filepath.Join(b.RootDir, bucket)
	if err := os.MkdirAll(bucketDir, 0o755); err != nil {
		return fmt.Errorf("creating bucket directory %q: %w", bucketDir, err)
	}
	return nil
}

// DeleteBucket removes the bucket directory. os.Remove only succeeds on an
// empty directory, which is exactly the precondition the handler layer
// already enforces (DeleteBucket rejects non-empty buckets upstream).
func (b *LocalBackend) DeleteBucket(ctx context.Context, bucket string) error {
	if err := os.Remove(filepath.Join(b.RootDir, bucket)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing bucket directory %q: %w", bucket, err)
	}
	return nil
}

// ObjectExists reports whether bucket/key names a regular file.
func (b *LocalBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	info, err := os.Stat(b.objectPath(bucket, key))
	switch {
	case err == nil:
		return !info.IsDir(), nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("checking object existence %q/%q: %w", bucket, key, err)
	}
}

// HealthCheck verifies the storage root is still reachable.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(b.RootDir)
	return err
}

// quotedHex formats a raw digest as a double-quoted hex string, the ETag
// shape every S3 client expects.
func quotedHex(sum []byte) string {
	return fmt.Sprintf(`"%x"`, sum)
}

// cleanEmptyParents removes empty directories from dir up to, but not
// including, stopAt. Keys containing "/" create subdirectories on disk;
// deleting the last object in one of them should not leave an empty
// directory behind.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}
