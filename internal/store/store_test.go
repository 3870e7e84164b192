package store

import (
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
)

func TestKey_Name(t *testing.T) {
	got := ClipKey(3, 12.5).Name()
	if got != "event_003_t12.50s.mp4" {
		t.Errorf("Name() = %q", got)
	}
}

func TestFS_WriteReadExists(t *testing.T) {
	s, err := NewFS(filepath.Join(t.TempDir(), "clips"))
	if err != nil {
		t.Fatalf("NewFS() error = %v", err)
	}
	k := ClipKey(1, 3)

	if s.Exists(k) {
		t.Fatal("Exists() = true before write")
	}
	if _, err := s.Read(k); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read() error = %v, want ErrNotFound", err)
	}

	if err := s.Write(k, []byte("clip")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !s.Exists(k) {
		t.Fatal("Exists() = false after write")
	}
	data, err := s.Read(k)
	if err != nil || string(data) != "clip" {
		t.Fatalf("Read() = %q, %v", data, err)
	}
}

func TestFS_ProduceFailureLeavesNothing(t *testing.T) {
	s, _ := NewFS(t.TempDir())
	k := ClipKey(2, 7)

	boom := errors.New("encoder crashed")
	err := s.Produce(k, func(tmp string) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Produce() error = %v", err)
	}
	if s.Exists(k) {
		t.Error("failed produce must not leave a cached entry")
	}
}

func TestLoadImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	img := imaging.New(1280, 720, color.NRGBA{R: 10, G: 200, B: 30, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatal(err)
	}

	got, err := LoadImage(path)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}
	if got.Width != 1280 || got.Height != 720 || got.MaxDimension() != 1280 {
		t.Errorf("dims = %dx%d", got.Width, got.Height)
	}
	if len(got.JPEG) == 0 {
		t.Error("JPEG bytes empty")
	}

	fit, err := LoadImageFit(path, 640)
	if err != nil {
		t.Fatalf("LoadImageFit() error = %v", err)
	}
	if fit.MaxDimension() != 640 {
		t.Errorf("fit max dimension = %d, want 640", fit.MaxDimension())
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	if FileExists("") || FileExists(dir) || FileExists(filepath.Join(dir, "nope.jpg")) {
		t.Error("FileExists() true for missing or non-regular path")
	}
	path := filepath.Join(dir, "f.png")
	imaging.Save(image.NewNRGBA(image.Rect(0, 0, 2, 2)), path)
	if !FileExists(path) {
		t.Error("FileExists() false for written file")
	}
}
