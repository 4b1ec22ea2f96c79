package targets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse_SkipsCommentsHeaderAndExtraColumns(t *testing.T) {
	in := "target_id,mission\n# quiet stars\nKIC 1,Kepler\n\n  TIC 2  \n\"Kepler-10\",Kepler\n"
	got, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"KIC 1", "TIC 2", "Kepler-10"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestGenerate(t *testing.T) {
	got := Generate("Kepler", 14)
	if len(got) != 14 || got[0] != "Kepler-10" || got[12] != "KIC 2437200" || got[13] != "KIC 2437201" {
		t.Fatalf("unexpected kepler list %v", got)
	}
	if got := Generate("Kepler", 3); len(got) != 3 || got[2] != "Kepler-16" {
		t.Fatalf("unexpected short list %v", got)
	}
	tess := Generate("TESS", 2)
	if len(tess) != 2 || tess[0] != "TIC 25155310" {
		t.Fatalf("unexpected tess list %v", tess)
	}
	if Generate("Kepler", 0) != nil {
		t.Fatalf("expected nil for zero count")
	}
}

func TestLoad_MergesDedupesAndLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.txt")
	if err := os.WriteFile(path, []byte("a\nb\na\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(Options{File: path, IDs: []string{"c", "b", " "}, Count: 0})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("unexpected ids %v", got)
	}
	got, err = Load(Options{File: path, IDs: []string{"c"}, Count: 2})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "a,b" {
		t.Fatalf("expected count limit, got %v", got)
	}
}

func TestLoad_GeneratesWithoutExplicitTargets(t *testing.T) {
	got, err := Load(Options{Count: 5, Mission: "Kepler"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 generated targets, got %d", len(got))
	}
}

func TestLoad_EmptyFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	if err := os.WriteFile(path, []byte("# nothing\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(Options{File: path, Count: 10}); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, err := Load(Options{File: filepath.Join(t.TempDir(), "missing.txt")}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
