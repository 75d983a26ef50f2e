package logs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"modelplane/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const chunkSize = 32 * 1024

var (
	// ErrInvalidID rejects instance ids that could escape the log directory
	ErrInvalidID = errors.New("invalid instance id")

	// ErrLogNotFound means the instance has no serve log on this worker
	ErrLogNotFound = errors.New("log not found")
)

// Service serves model instance serve logs from a directory.
// Each instance writes to <dir>/<instance id>.log.
type Service struct {
	dir    string
	logger *logger.Logger
}

// New creates a log service rooted at dir
func New(dir string, log *logger.Logger) *Service {
	return &Service{dir: dir, logger: log}
}

// Dir returns the log directory
func (s *Service) Dir() string {
	return s.dir
}

// Path returns the log file path for id
func (s *Service) Path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.dir, id+".log"), nil
}

func (s *Service) open(id string) (*os.File, error) {
	path, err := s.Path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrLogNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	return f, nil
}

// Stat checks the log exists without reading it
func (s *Service) Stat(id string) error {
	f, err := s.open(id)
	if err != nil {
		return err
	}
	return f.Close()
}

// Tail writes the last n lines of the log to w; n < 0 writes the whole file.
// It returns the offset reached.
func (s *Service) Tail(w io.Writer, id string, n int) (int64, error) {
	f, err := s.open(id)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return tail(f, w, n)
}

// Follow writes the last n lines and then every byte appended to the log
// until ctx is done or the file is removed. flush is called after each write.
func (s *Service) Follow(ctx context.Context, w io.Writer, flush func(), id string, n int) error {
	f, err := s.open(id)
	if err != nil {
		return err
	}
	defer f.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(f.Name()); err != nil {
		return fmt.Errorf("failed to watch log: %w", err)
	}

	offset, err := tail(f, w, n)
	if err != nil {
		return err
	}
	flush()

	log := s.logger.WithFields(logrus.Fields{"instance_id": id, "offset": offset})
	log.Debug("Following log")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch failed: %w", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				log.Debug("Log removed, ending follow")
				return nil
			}
			if !ev.Has(fsnotify.Write) {
				continue
			}
			offset, err = copyFrom(f, w, offset)
			if err != nil {
				return err
			}
			flush()
		}
	}
}

// tail positions at the start of the last n lines and copies to EOF
func tail(f *os.File, w io.Writer, n int) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat log: %w", err)
	}
	start, err := lineOffset(f, info.Size(), n)
	if err != nil {
		return 0, err
	}
	return copyFrom(f, w, start)
}

// lineOffset scans backwards for the start of the last n lines.
// A trailing newline does not count as an empty last line.
func lineOffset(f *os.File, size int64, n int) (int64, error) {
	if n < 0 {
		return 0, nil
	}
	if n == 0 {
		return size, nil
	}

	buf := make([]byte, chunkSize)
	pos := size
	lines := 0
	for pos > 0 {
		readLen := min(int64(chunkSize), pos)
		pos -= readLen
		if _, err := f.ReadAt(buf[:readLen], pos); err != nil {
			return 0, fmt.Errorf("failed to read log: %w", err)
		}
		for i := readLen - 1; i >= 0; i-- {
			if buf[i] != '\n' || pos+i == size-1 {
				continue
			}
			lines++
			if lines == n {
				return pos + i + 1, nil
			}
		}
	}
	return 0, nil
}

// copyFrom copies from offset to the current end of f. A file shorter than
// offset was truncated and is read again from the start.
func copyFrom(f *os.File, w io.Writer, offset int64) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return offset, fmt.Errorf("failed to stat log: %w", err)
	}
	if info.Size() < offset {
		offset = 0
	}

	n, err := io.CopyBuffer(w, io.NewSectionReader(f, offset, info.Size()-offset), make([]byte, chunkSize))
	offset += n
	if err != nil {
		return offset, fmt.Errorf("failed to copy log: %w", err)
	}
	return offset, nil
}
