package fstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kingdom-dev/kingdom/internal/kderr"
)

func TestWriteReadText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "note.md")
	if err := WriteText(path, "hello\n"); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	got, err := ReadText(path)
	if err != nil {
		t.Fatalf("ReadText: %v", err)
	}
	if got != "hello\n" {
		t.Errorf("got %q", got)
	}
}

func TestWriteTextLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.json")
	if err := WriteText(path, "a"); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	if err := WriteText(path, "b"); err != nil {
		t.Fatalf("WriteText overwrite: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
	got, _ := ReadText(path)
	if got != "b" {
		t.Errorf("got %q, want b", got)
	}
}

func TestReadJSONMissing(t *testing.T) {
	var v map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	if !errors.Is(err, kderr.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestReadJSONMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	var v map[string]any
	err := ReadJSON(path, &v)
	if !errors.Is(err, kderr.ErrParse) {
		t.Errorf("want ErrParse, got %v", err)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type record struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	path := filepath.Join(t.TempDir(), "r.json")
	if err := WriteJSON(path, record{Name: "a", N: 2}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var got record
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Name != "a" || got.N != 2 {
		t.Errorf("got %+v", got)
	}
}
