package recorder

import (
	"bufio"
	"os"
	"path/filepath"
)

const defaultBufferSize = 4096

// file is a buffered text file.
type file struct {
	f *os.File
	w *bufio.Writer
}

func newFile(dir string, name string) (*file, error) {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &file{f: f, w: bufio.NewWriterSize(f, defaultBufferSize)}, nil
}

func (f *file) WriteString(s string) (int, error) { return f.w.WriteString(s) }

func (f *file) Close() error {
	if err := f.w.Flush(); err != nil {
		_ = f.f.Close()
		return err
	}
	return f.f.Close()
}
