package upload

import (
	"io"
	"os"
)

// Store is where uploaded files are written
type Store interface {
	// Create opens a new destination for a file part. It returns the
	// writer and the path recorded in http.UploadFile.
	Create(field, filename string) (io.WriteCloser, string, error)
	// Remove deletes a stored file
	Remove(path string) error
}

// DirStore stores uploads as temporary files in a directory
type DirStore struct {
	// Dir defaults to os.TempDir()
	Dir string
}

func (s DirStore) Create(field, filename string) (io.WriteCloser, string, error) {
	dir := s.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "upload-*.tmp")
	if err != nil {
		return nil, "", err
	}
	return f, f.Name(), nil
}

func (s DirStore) Remove(path string) error {
	return os.Remove(path)
}
