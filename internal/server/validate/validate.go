// Package validate holds the upload checks applied to every incoming image:
// the declared MIME type before anything touches disk, and the pixel
// dimensions read from the stored file's header afterwards.
package validate

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Required resolution for every stored image.
const (
	RequiredWidth  = 1920
	RequiredHeight = 1080
)

var (
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrUnreadableImage = errors.New("unreadable image")
)

// AllowedMimeTypes is the exact, case-sensitive allow-list for declared content types.
var AllowedMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
}

// DimensionMismatchError reports the measured size of an image that is not
// exactly RequiredWidth x RequiredHeight.
type DimensionMismatchError struct {
	Width  int
	Height int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("image is %dx%d, expected %dx%d", e.Width, e.Height, RequiredWidth, RequiredHeight)
}

// CheckMimeType reports whether declared is on the allow-list.
func CheckMimeType(declared string) bool {
	return AllowedMimeTypes[declared]
}

// CheckDimensions reads the width and height from the image header at path.
// Pixel data is never decoded. The format is detected from content, so a GIF or
// BMP declared as one of the allowed types is measured like any other image.
func CheckDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}
	return cfg.Width, cfg.Height, nil
}

// CheckResolution returns a *DimensionMismatchError unless the size matches exactly.
func CheckResolution(width, height int) error {
	if width != RequiredWidth || height != RequiredHeight {
		return &DimensionMismatchError{Width: width, Height: height}
	}
	return nil
}
