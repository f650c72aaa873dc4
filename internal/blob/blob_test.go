package blob

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := NewFS(afero.NewMemMapFs())
	if err := s.Put("artifacts/wave-1/w1-a1.html", []byte("<html></html>")); err != nil {
		t.Fatal(err)
	}
	data, err := s.Get("artifacts/wave-1/w1-a1.html")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "<html></html>" {
		t.Fatalf("got %q", data)
	}
	ok, err := s.Exists("artifacts/wave-1/w1-a1.html")
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
}

func TestGetMissingIsErrNotFound(t *testing.T) {
	s := NewFS(afero.NewMemMapFs())
	if _, err := s.Get("specs/ghost.md"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	ok, err := s.Exists("specs/ghost.md")
	if err != nil || ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
}

func TestTraversalPathsAreNormalized(t *testing.T) {
	s := NewFS(afero.NewMemMapFs())
	if err := s.Put("specs/p1.md", []byte("content")); err != nil {
		t.Fatal(err)
	}
	// Clean("/a/../b") collapses the traversal inside the store root.
	data, err := s.Get("artifacts/../specs/p1.md")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "content" {
		t.Fatalf("got %q", data)
	}
	leading, err := s.Get("../../specs/p1.md")
	if err != nil {
		t.Fatal(err)
	}
	if string(leading) != "content" {
		t.Fatalf("got %q", leading)
	}
}

func TestPathBuilders(t *testing.T) {
	if got := SpecPath("p1"); got != "specs/p1.md" {
		t.Fatalf("SpecPath = %q", got)
	}
	if got := ScorecardPath("p1"); got != "scorecards/p1.json" {
		t.Fatalf("ScorecardPath = %q", got)
	}
	if got := ArtifactPath(2, "w2-a2"); got != "artifacts/wave-2/w2-a2.html" {
		t.Fatalf("ArtifactPath = %q", got)
	}
}
