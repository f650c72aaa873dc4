package blob

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Store is the opaque artifact byte store. Paths are project-scoped keys like
// "specs/{projectId}.md" or "artifacts/wave-2/w2-a1.html".
type Store interface {
	Get(p string) ([]byte, error)
	Put(p string, data []byte) error
	Exists(p string) (bool, error)
}

// ErrNotFound is returned by Get for an absent path.
var ErrNotFound = errors.New("blob not found")

// Well-known path builders.
func SpecPath(projectID string) string      { return "specs/" + projectID + ".md" }
func ScorecardPath(projectID string) string { return "scorecards/" + projectID + ".json" }
func ArtifactPath(wave int, artifactID string) string {
	return fmt.Sprintf("artifacts/wave-%d/%s.html", wave, artifactID)
}

// FS is a Store over an afero filesystem. Production uses the OS filesystem
// rooted at the workspace blob directory; tests use afero.NewMemMapFs().
type FS struct {
	fs afero.Fs
}

// NewFS wraps an afero filesystem.
func NewFS(fs afero.Fs) *FS { return &FS{fs: fs} }

// NewWorkspace returns a Store rooted at {workspace}/.refinery/blobs.
func NewWorkspace(workspace string) (*FS, error) {
	if workspace == "" {
		workspace = "."
	}
	root := filepath.Join(workspace, ".refinery", "blobs")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FS{fs: afero.NewBasePathFs(afero.NewOsFs(), root)}, nil
}

func (s *FS) clean(p string) (string, error) {
	cleaned := path.Clean("/" + p)
	if strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("invalid blob path %q", p)
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}

func (s *FS) Get(p string) ([]byte, error) {
	key, err := s.clean(p)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, err
	}
	return data, nil
}

func (s *FS) Put(p string, data []byte) error {
	key, err := s.clean(p)
	if err != nil {
		return err
	}
	if dir := path.Dir(key); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return afero.WriteFile(s.fs, key, data, 0o644)
}

func (s *FS) Exists(p string) (bool, error) {
	key, err := s.clean(p)
	if err != nil {
		return false, err
	}
	return afero.Exists(s.fs, key)
}
