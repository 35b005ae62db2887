package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyEmpty = errors.New("storage directory is already empty")
	ErrExists       = errors.New("file already exists")
	ErrInvalidName  = errors.New("invalid file name")
)

// clearConcurrency caps the number of unlink calls in flight during Clear.
const clearConcurrency = 16

// Store defines the interface for the image storage directory.
type Store interface {
	EnsureDir() error
	Save(ctx context.Context, name string, data io.Reader) (int64, error)
	Path(name string) (string, error)
	Delete(name string) error
	List(ctx context.Context) ([]Entry, error)
	Clear(ctx context.Context) (int, error)
}

// Entry is one file in the storage directory.
type Entry struct {
	Name      string
	Path      string
	Size      int64
	ChangedAt time.Time
}

// FileSystemStore keeps uploaded images as flat files in a single directory.
// It applies no locking; concurrent callers race on the directory contents.
type FileSystemStore struct {
	basePath string
	remove   func(string) error
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath, remove: os.Remove}
}

// BasePath returns the directory files are stored in.
func (fs *FileSystemStore) BasePath() string {
	return fs.basePath
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Save writes data to a new file called name and returns the number of bytes
// written. An existing file with the same name is left untouched and ErrExists
// is returned. The partial file is removed if the copy fails or ctx ends.
func (fs *FileSystemStore) Save(ctx context.Context, name string, data io.Reader) (int64, error) {
	filePath, err := fs.filePath(name)
	if err != nil {
		return 0, err
	}

	file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return 0, fmt.Errorf("%w: %s", ErrExists, name)
		}
		return 0, fmt.Errorf("failed to create file %s: %w", filePath, err)
	}

	n, err := io.Copy(file, &contextReader{ctx: ctx, r: data})
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(filePath)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	return n, nil
}

// Path returns the path to a stored file.
// Returns an error wrapping os.ErrNotExist if the file does not exist.
func (fs *FileSystemStore) Path(name string) (string, error) {
	filePath, err := fs.filePath(name)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file %s: %w", name, os.ErrNotExist)
		}
		return "", fmt.Errorf("failed to stat file: %w", err)
	}

	return filePath, nil
}

// Delete removes a stored file. A missing file is not an error.
func (fs *FileSystemStore) Delete(name string) error {
	filePath, err := fs.filePath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	return nil
}

// List returns the stored files ordered by change time, oldest first.
// Files with equal times keep directory-read order.
func (fs *FileSystemStore) List(ctx context.Context) ([]Entry, error) {
	dirEntries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if de.IsDir() {
			continue
		}

		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info, e.g. by a concurrent Clear.
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", de.Name(), err)
		}

		entries = append(entries, Entry{
			Name:      de.Name(),
			Path:      filepath.Join(fs.basePath, de.Name()),
			Size:      info.Size(),
			ChangedAt: changeTime(info),
		})
	}

	slices.SortStableFunc(entries, func(a, b Entry) int {
		return a.ChangedAt.Compare(b.ChangedAt)
	})

	return entries, nil
}

// Clear deletes every file in the directory concurrently and returns how many
// were removed. An empty directory yields ErrAlreadyEmpty without touching
// anything. If any deletion fails the call fails; files already removed stay removed.
func (fs *FileSystemStore) Clear(ctx context.Context) (int, error) {
	dirEntries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read storage directory: %w", err)
	}

	var names []string
	for _, de := range dirEntries {
		if !de.IsDir() {
			names = append(names, de.Name())
		}
	}
	if len(names) == 0 {
		return 0, ErrAlreadyEmpty
	}

	var deleted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(clearConcurrency)

	for _, name := range names {
		name := name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			filePath := filepath.Join(fs.basePath, name)
			if err := fs.remove(filePath); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}
				return fmt.Errorf("failed to delete file %s: %w", name, err)
			}
			deleted.Add(1)
			return nil
		})
	}

	err = g.Wait()
	count := int(deleted.Load())
	if err != nil {
		slog.Error("clear aborted", "deleted", count, "total", len(names), "error", err)
		return count, err
	}

	return count, nil
}

func (fs *FileSystemStore) filePath(name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(fs.basePath, name), nil
}

// contextReader stops a copy once ctx is done, e.g. when the client disconnects.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
