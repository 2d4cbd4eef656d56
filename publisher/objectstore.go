package publisher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ObjectStore is where the derived public documents land. Uploads
// overwrite; no versioning.
type ObjectStore interface {
	Upload(path string, data []byte, contentType string) error
}

// DirStore publishes documents into a local directory, typically the
// static site's output root. The content type is not recorded on disk;
// the static host is expected to map the paths to the activity media
// type itself.
type DirStore struct {
	Root string
}

func NewDirStore(root string) *DirStore {
	return &DirStore{Root: root}
}

func (d *DirStore) Upload(path string, data []byte, contentType string) error {
	cleaned := filepath.Join(d.Root, filepath.FromSlash(strings.TrimPrefix(path, "/")))

	if err := os.MkdirAll(filepath.Dir(cleaned), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	if err := os.WriteFile(cleaned, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}
