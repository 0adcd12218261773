package flash

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
)

// sourceKind selects how file references inside a descriptor are resolved.
type sourceKind int

const (
	// sourceStandalone resolves paths against the process working
	// directory.
	sourceStandalone sourceKind = iota
	// sourceDirectory resolves paths under a base directory.
	sourceDirectory
	// sourceArchive resolves paths as zip entries, stripping a leading ./
	sourceArchive
)

// source is where a flash package's payload files live.
type source struct {
	kind    sourceKind
	dir     string
	archive *zip.ReadCloser
}

func (s *source) Close() error {
	if s.archive != nil {
		return s.archive.Close()
	}
	return nil
}

// open returns a streaming reader for a referenced file plus its size, so
// multi-gigabyte images never have to fit in RAM.
func (s *source) open(ref *FileRef) (io.ReadCloser, int, error) {
	switch s.kind {
	case sourceArchive:
		name := strings.TrimPrefix(ref.FilePath, "./")
		file, err := s.archive.Open(name)
		if err != nil {
			return nil, 0, &FileMissingError{Path: ref.FilePath}
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, 0, fmt.Errorf("sizing %s: %w", ref.FilePath, err)
		}
		return file, int(info.Size()), nil
	case sourceDirectory:
		return openFSFile(filepath.Join(s.dir, ref.FilePath))
	default:
		glog.Warning("resolving a file reference in standalone mode against the working directory")
		return openFSFile(ref.FilePath)
	}
}

func openFSFile(path string) (io.ReadCloser, int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, &FileMissingError{Path: path}
		}
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, int(info.Size()), nil
}

// readData resolves a DataOrFile payload fully into memory. Only
// non-streaming steps use this.
func (s *source) readData(d DataOrFile) ([]byte, error) {
	if d.File == nil {
		return d.Data, nil
	}
	file, _, err := s.open(d.File)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// openData resolves a DataOrFile payload as a streaming reader plus size.
// The caller closes the reader.
func (s *source) openData(d DataOrFile) (io.ReadCloser, int, error) {
	if d.File == nil {
		return io.NopCloser(bytes.NewReader(d.Data)), len(d.Data), nil
	}
	return s.open(d.File)
}

// readString resolves a StringOrFile payload to text.
func (s *source) readString(v StringOrFile) (string, error) {
	if v.File == nil {
		return v.String, nil
	}
	file, _, err := s.open(v.File)
	if err != nil {
		return "", err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
