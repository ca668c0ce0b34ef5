package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "golang.org/x/image/webp"
)

var (
	// ErrEndOfStream is returned by Frame once a finite source is exhausted.
	ErrEndOfStream = errors.New("capture: end of frame stream")
	ErrNotOpen     = errors.New("capture: source is not open")
)

// Source is an exclusively owned frame producer, a camera or a stand-in for
// one. Close must release the device and is safe to call more than once.
type Source interface {
	Open(ctx context.Context) error
	Frame(ctx context.Context) (image.Image, error)
	Close() error
}

var frameExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true}

// DirSource replays the image files of a directory in name order.
type DirSource struct {
	Dir string

	mu    sync.Mutex
	files []string
	next  int
	open  bool
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{Dir: dir}
}

func (s *DirSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return &DeviceAccessError{Device: s.Dir, Err: err}
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !frameExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(s.Dir, e.Name()))
	}
	sort.Strings(files)

	s.mu.Lock()
	s.files = files
	s.next = 0
	s.open = true
	s.mu.Unlock()
	return nil
}

func (s *DirSource) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, ErrNotOpen
	}
	if s.next >= len(s.files) {
		s.mu.Unlock()
		return nil, ErrEndOfStream
	}
	path := s.files[s.next]
	s.next++
	s.mu.Unlock()

	return decodeFile(path)
}

func (s *DirSource) Close() error {
	s.mu.Lock()
	s.open = false
	s.files = nil
	s.mu.Unlock()
	return nil
}

// FileSource is a still camera: every Frame returns the same picture.
type FileSource struct {
	Path string

	mu    sync.Mutex
	frame image.Image
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	img, err := decodeFile(s.Path)
	if err != nil {
		var perr *os.PathError
		if errors.As(err, &perr) {
			return &DeviceAccessError{Device: s.Path, Err: err}
		}
		return err
	}
	s.mu.Lock()
	s.frame = img
	s.mu.Unlock()
	return nil
}

func (s *FileSource) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return nil, ErrNotOpen
	}
	return s.frame, nil
}

func (s *FileSource) Close() error {
	s.mu.Lock()
	s.frame = nil
	s.mu.Unlock()
	return nil
}

// Snapshot opens src, takes one frame and releases the device on every path.
func Snapshot(ctx context.Context, src Source) (image.Image, error) {
	if err := src.Open(ctx); err != nil {
		return nil, err
	}
	defer src.Close()

	frame, err := src.Frame(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture frame: %w", err)
	}
	return frame, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode frame %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
