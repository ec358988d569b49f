package hal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileSink stores firmware images in a directory, staging into a
// temporary file and renaming on finalize so a crashed update never
// leaves a half-written image under the final name.
type FileSink struct {
	dir string

	tmp      *os.File
	declared int64
	written  int64
}

// NewFileSink returns a sink writing finalized images to
// dir/firmware.bin.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Target is the path a finalized image ends up at.
func (s *FileSink) Target() string {
	return filepath.Join(s.dir, "firmware.bin")
}

func (s *FileSink) Begin(size int64) error {
	if s.tmp != nil {
		return errors.New("firmware update already in progress")
	}
	if size == 0 {
		return errors.New("zero-length firmware image")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.dir, "firmware-*.part")
	if err != nil {
		return err
	}
	s.tmp = f
	s.declared = size
	s.written = 0
	return nil
}

func (s *FileSink) Write(p []byte) (int, error) {
	if s.tmp == nil {
		return 0, errors.New("firmware sink not begun")
	}
	if s.declared > 0 && s.written+int64(len(p)) > s.declared {
		return 0, fmt.Errorf("image exceeds declared size %d", s.declared)
	}
	n, err := s.tmp.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *FileSink) Finalize() error {
	if s.tmp == nil {
		return errors.New("firmware sink not begun")
	}
	if s.declared > 0 && s.written != s.declared {
		s.Abort()
		return fmt.Errorf("image truncated: %d of %d bytes", s.written, s.declared)
	}
	if s.written == 0 {
		s.Abort()
		return errors.New("empty firmware image")
	}
	name := s.tmp.Name()
	if err := s.tmp.Close(); err != nil {
		os.Remove(name)
		s.tmp = nil
		return err
	}
	s.tmp = nil
	return os.Rename(name, s.Target())
}

func (s *FileSink) Abort() {
	if s.tmp == nil {
		return
	}
	name := s.tmp.Name()
	s.tmp.Close()
	os.Remove(name)
	s.tmp = nil
}
