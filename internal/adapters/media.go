package adapters

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var defaultExtensions = map[string]string{
	"image": ".png",
	"audio": ".mp3",
	"video": ".mp4",
}

// MediaStore writes generated artifacts under root/<kind>/<timestamp>.<ext>.
type MediaStore struct {
	root string
	now  func() time.Time

	mu sync.Mutex
}

// NewMediaStore creates a store rooted at dir.
func NewMediaStore(dir string) *MediaStore {
	return &MediaStore{root: dir, now: time.Now}
}

// Root returns the base directory.
func (m *MediaStore) Root() string {
	return m.root
}

// Save writes data and returns the file path.
func (m *MediaStore) Save(kind, mimeType string, data []byte) (string, error) {
	if kind == "" {
		kind = "media"
	}
	dir := filepath.Join(m.root, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media directory: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ext := extensionFor(kind, mimeType)
	stamp := m.now().UTC().Format("20060102T150405.000000000")
	path := filepath.Join(dir, stamp+ext)
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stamp, i, ext))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return path, nil
}

func extensionFor(kind, mimeType string) string {
	if mimeType != "" {
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	if ext, ok := defaultExtensions[kind]; ok {
		return ext
	}
	return ".bin"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
