package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"imageshelf/internal/server/config"
	"imageshelf/internal/server/storage"
	"imageshelf/internal/server/validate"

	"golang.org/x/crypto/blake2b"
)

// Sentinel errors for the service layer.
var (
	ErrAlreadyEmpty  = errors.New("no images to delete")
	ErrFileTooLarge  = errors.New("file exceeds maximum allowed size")
	ErrNameCollision = errors.New("an image with this name was stored in the same millisecond")
)

// maxNameLength is the usual filesystem limit on a single path component.
const maxNameLength = 255

// UploadAttempt is one incoming file, alive only for the duration of a request.
type UploadAttempt struct {
	FileName string
	MimeType string
	// Size is the declared length, or -1 when unknown.
	Size int64
	Data io.Reader
}

// StoredImage describes an image that passed validation and is now on disk.
type StoredImage struct {
	FileName string `json:"fileName"`
	Path     string `json:"-"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Size     int64  `json:"size"`
	Digest   string `json:"digest"`
}

// RejectedError is returned when an upload was written but failed validation.
// The file has already been removed; FileName is the name it was stored under.
type RejectedError struct {
	FileName string
	Err      error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("image %s rejected: %v", e.FileName, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// ImageService contains the validation-and-storage logic for uploaded images.
type ImageService struct {
	store storage.Store
	cfg   *config.Config
	clock Clock
}

// NewImageService creates a new image service.
func NewImageService(store storage.Store, cfg *config.Config, clock Clock) *ImageService {
	return &ImageService{
		store: store,
		cfg:   cfg,
		clock: clock,
	}
}

// Save validates and stores an upload:
// the declared type is checked before anything is written, the dimensions after.
// A file failing the dimension check is deleted before Save returns.
func (s *ImageService) Save(ctx context.Context, attempt UploadAttempt) (*StoredImage, error) {
	// 1. Declared MIME type
	if !validate.CheckMimeType(attempt.MimeType) {
		return nil, fmt.Errorf("%w: %q", validate.ErrUnsupportedType, attempt.MimeType)
	}

	// 2. Declared size
	if attempt.Size > s.cfg.MaxFileSize {
		return nil, ErrFileTooLarge
	}

	// 3. Write to disk, hashing as we go
	name := TargetName(attempt.FileName, s.clock.Now())

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create hasher: %w", err)
	}
	body := io.TeeReader(io.LimitReader(attempt.Data, s.cfg.MaxFileSize+1), hasher)

	written, err := s.store.Save(ctx, name, body)
	if err != nil {
		if errors.Is(err, storage.ErrExists) {
			return nil, fmt.Errorf("%w: %s", ErrNameCollision, name)
		}
		return nil, fmt.Errorf("failed to store image: %w", err)
	}

	if written > s.cfg.MaxFileSize {
		s.discard(name)
		return nil, ErrFileTooLarge
	}

	// 4. Dimensions from the stored file's header
	path, err := s.store.Path(name)
	if err != nil {
		s.discard(name)
		return nil, fmt.Errorf("failed to locate stored image: %w", err)
	}

	width, height, err := validate.CheckDimensions(path)
	if err != nil {
		s.discard(name)
		if errors.Is(err, validate.ErrUnreadableImage) {
			slog.Warn("upload is not a readable image", "file", name, "error", err)
			return nil, &RejectedError{FileName: name, Err: err}
		}
		return nil, fmt.Errorf("failed to read image dimensions: %w", err)
	}

	if err := validate.CheckResolution(width, height); err != nil {
		s.discard(name)
		slog.Info("upload rejected", "file", name, "width", width, "height", height)
		return nil, &RejectedError{FileName: name, Err: err}
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	slog.Info("image stored",
		"file", name,
		"mime_type", attempt.MimeType,
		"size", written,
		"digest", digest,
	)

	return &StoredImage{
		FileName: name,
		Path:     path,
		Width:    width,
		Height:   height,
		Size:     written,
		Digest:   digest,
	}, nil
}

// List returns stored file names, oldest first.
func (s *ImageService) List(ctx context.Context) ([]string, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

// ClearAll deletes every stored image and returns how many were removed.
// ErrAlreadyEmpty is returned when there was nothing to delete.
func (s *ImageService) ClearAll(ctx context.Context) (int, error) {
	n, err := s.store.Clear(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyEmpty) {
			return 0, ErrAlreadyEmpty
		}
		return n, err
	}

	slog.Info("images cleared", "deleted", n)
	return n, nil
}

// Healthy reports whether the storage directory is usable.
func (s *ImageService) Healthy(ctx context.Context) error {
	_, err := s.store.List(ctx)
	return err
}

func (s *ImageService) discard(name string) {
	if err := s.store.Delete(name); err != nil {
		slog.Error("failed to remove rejected upload", "file", name, "error", err)
	}
}

// --- Helpers ---

// TargetName builds the stored file name: upload time in epoch milliseconds,
// an underscore, then the sanitized client file name.
// Two uploads with the same name in the same millisecond map to the same target.
func TargetName(originalName string, now time.Time) string {
	prefix := strconv.FormatInt(now.UnixMilli(), 10) + "_"
	return prefix + sanitizeFilename(originalName, maxNameLength-len(prefix))
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string, maxLen int) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")

	// Take only the base name
	name = filepath.Base(name)

	if name == "" || name == "." || name == ".." || name == "/" {
		return "image"
	}

	// Limit length
	if len(name) > maxLen {
		ext := filepath.Ext(name)
		if len(ext) >= maxLen {
			return truncateUTF8(name, maxLen)
		}
		name = truncateUTF8(name[:len(name)-len(ext)], maxLen-len(ext)) + ext
	}

	return name
}

// truncateUTF8 cuts s to at most n bytes without splitting a multibyte character.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
