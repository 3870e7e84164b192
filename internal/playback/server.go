// Package playback serves extracted event clips with HTTP range support.
package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrOutsideRoot is returned for clip paths that escape the server root.
var ErrOutsideRoot = errors.New("clip path outside playback root")

type PlaybackService interface {
	ServeFile(w http.ResponseWriter, r *http.Request, filePath string) error
}

// Server streams clip files. When root is set, only files beneath it are
// served.
type Server struct {
	root   string
	logger *slog.Logger
}

func NewServer(root string, logger *slog.Logger) *Server {
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return &Server{root: root, logger: logger}
}

// Resolve checks that filePath lies under the server root.
func (s *Server) Resolve(filePath string) (string, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return "", err
	}
	if s.root == "" {
		return abs, nil
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return abs, nil
}

// ServeFile writes filePath, honouring a single Range header. Client
// errors are answered directly; only I/O failures are returned.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request, filePath string) error {
	path, err := s.Resolve(filePath)
	if err != nil {
		http.Error(w, "clip not found", http.StatusNotFound)
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "clip not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("failed to open clip: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat clip: %w", err)
	}
	if stat.IsDir() {
		http.Error(w, "clip not found", http.StatusNotFound)
		return nil
	}

	size := stat.Size()
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentType(path))

	rng, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case errors.Is(err, ErrInvalidRange):
		rng = nil
	case err != nil:
		return err
	}

	status := http.StatusOK
	length := size
	if rng != nil {
		status = http.StatusPartialContent
		length = rng.ContentLength()
		w.Header().Set("Content-Range", rng.ContentRange(size))
		if _, err := file.Seek(rng.Start, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek: %w", err)
		}
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.CopyN(w, file, length); err != nil {
		s.logger.Debug("clip stream interrupted", "path", filepath.Base(path), "error", err)
	}
	return nil
}

func contentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	if strings.EqualFold(filepath.Ext(path), ".mp4") {
		return "video/mp4"
	}
	return "application/octet-stream"
}
