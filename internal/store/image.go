package store

import (
	"bytes"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
)

// Image is a frame ready to send to an oracle.
type Image struct {
	Path   string
	Width  int
	Height int
	JPEG   []byte
}

// MaxDimension is the larger of width and height.
func (i Image) MaxDimension() int {
	if i.Width > i.Height {
		return i.Width
	}
	return i.Height
}

// FileExists reports whether path is a readable regular file.
func FileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// LoadImage decodes a frame, records its resolution and re-encodes it as
// JPEG. EXIF orientation is applied.
func LoadImage(path string) (Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return Image{}, fmt.Errorf("failed to open frame %s: %w", path, err)
	}
	return encode(path, img)
}

// LoadImageFit is LoadImage with the frame scaled down to fit maxDim.
func LoadImageFit(path string, maxDim int) (Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return Image{}, fmt.Errorf("failed to open frame %s: %w", path, err)
	}
	b := img.Bounds()
	if maxDim > 0 && (b.Dx() > maxDim || b.Dy() > maxDim) {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}
	return encode(path, img)
}

func encode(path string, img image.Image) (Image, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return Image{}, fmt.Errorf("failed to encode frame %s: %w", path, err)
	}
	b := img.Bounds()
	return Image{Path: path, Width: b.Dx(), Height: b.Dy(), JPEG: buf.Bytes()}, nil
}
