package recorder

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// compress packs the files of the source dir into the dest zip.
// Already compressed frames are stored as is.
func compress(source, dest string) (err error) {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	writer := zip.NewWriter(f)
	defer func() {
		var result *multierror.Error
		result = multierror.Append(result, err, writer.Close(), f.Close())
		err = result.ErrorOrNil()
	}()

	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Method = zip.Deflate
		if strings.HasSuffix(info.Name(), ".png") {
			header.Method = zip.Store
		}
		if header.Name, err = filepath.Rel(source, path); err != nil {
			return err
		}
		w, err := writer.CreateHeader(header)
		if err != nil {
			return err
		}
		return copyFile(w, path)
	})
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}
