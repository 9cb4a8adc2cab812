package geotiff

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type blockKey struct {
	level int
	index int
}

// stage keeps uncompressed blocks between WriteBlock and Finalize, either in
// memory or in a scratch file next to the output.
type stage interface {
	put(k blockKey, data []byte) error
	get(k blockKey) ([]byte, bool, error)
	close() error
}

type memStage struct {
	blocks map[blockKey][]byte
}

func newMemStage() *memStage { return &memStage{blocks: make(map[blockKey][]byte)} }

func (s *memStage) put(k blockKey, data []byte) error {
	s.blocks[k] = data
	return nil
}

func (s *memStage) get(k blockKey) ([]byte, bool, error) {
	b, ok := s.blocks[k]
	return b, ok, nil
}

func (s *memStage) close() error {
	s.blocks = nil
	return nil
}

type extent struct {
	off int64
	len int64
}

// fileStage appends blocks to a scratch file. Rewriting a block appends a
// new copy and repoints the index.
type fileStage struct {
	f     *os.File
	end   int64
	index map[blockKey]extent
}

func newFileStage(dir string) (*fileStage, error) {
	f, err := createScratch(dir, "stage")
	if err != nil {
		return nil, err
	}
	return &fileStage{f: f, index: make(map[blockKey]extent)}, nil
}

func (s *fileStage) put(k blockKey, data []byte) error {
	if _, err := s.f.WriteAt(data, s.end); err != nil {
		return fmt.Errorf("failed to stage block %v: %w", k, err)
	}
	s.index[k] = extent{off: s.end, len: int64(len(data))}
	s.end += int64(len(data))
	return nil
}

func (s *fileStage) get(k blockKey) ([]byte, bool, error) {
	e, ok := s.index[k]
	if !ok {
		return nil, false, nil
	}
	buf := make([]byte, e.len)
	if _, err := s.f.ReadAt(buf, e.off); err != nil {
		return nil, false, fmt.Errorf("failed to read staged block %v: %w", k, err)
	}
	return buf, true, nil
}

func (s *fileStage) close() error {
	name := s.f.Name()
	err := s.f.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	return err
}

// spool collects the compressed payload in final file order.
type spool interface {
	io.Writer
	size() int64
	reader() (io.Reader, error)
	close() error
}

type memSpool struct{ bytes.Buffer }

func (s *memSpool) size() int64                { return int64(s.Len()) }
func (s *memSpool) reader() (io.Reader, error) { return &s.Buffer, nil }
func (s *memSpool) close() error               { s.Reset(); return nil }

type fileSpool struct {
	f *os.File
	n int64
}

func newFileSpool(dir string) (*fileSpool, error) {
	f, err := createScratch(dir, "payload")
	if err != nil {
		return nil, err
	}
	return &fileSpool{f: f}, nil
}

func (s *fileSpool) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.n += int64(n)
	return n, err
}

func (s *fileSpool) size() int64 { return s.n }

func (s *fileSpool) reader() (io.Reader, error) {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return s.f, nil
}

func (s *fileSpool) close() error {
	name := s.f.Name()
	err := s.f.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	return err
}

func createScratch(dir, kind string) (*os.File, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	name := filepath.Join(dir, fmt.Sprintf(".terracotta-%s.%s", uuid.NewString(), kind))
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	return f, nil
}
