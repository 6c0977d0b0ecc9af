package tunnel

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFile_MissingFileMeansNoTunnel(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), ".tunnel-url"), "")
	if got := f.URL(); got != "" {
		t.Fatalf("expected empty url, got %q", got)
	}
}

func TestFile_TrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".tunnel-url")
	os.WriteFile(path, []byte("  https://abc.trycloudflare.com\n"), 0o644)

	f := New(path, "")
	if got := f.URL(); got != "https://abc.trycloudflare.com" {
		t.Fatalf("got %q", got)
	}
}

func TestFile_EmptyFileMeansNoTunnel(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".tunnel-url")
	os.WriteFile(path, []byte("\n\n"), 0o644)

	if got := New(path, "").URL(); got != "" {
		t.Fatalf("expected empty url, got %q", got)
	}
}

func TestFile_ReadsEveryCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".tunnel-url")
	f := New(path, "")

	if f.URL() != "" {
		t.Fatal("no file yet")
	}
	os.WriteFile(path, []byte("https://one.example"), 0o644)
	if got := f.URL(); got != "https://one.example" {
		t.Fatalf("got %q", got)
	}
	os.WriteFile(path, []byte("https://two.example"), 0o644)
	if got := f.URL(); got != "https://two.example" {
		t.Fatalf("got %q", got)
	}
	os.Remove(path)
	if f.URL() != "" {
		t.Fatal("removed file should mean no tunnel")
	}
}

func TestFile_StaticWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".tunnel-url")
	os.WriteFile(path, []byte("https://file.example"), 0o644)

	if got := New(path, " https://static.example ").URL(); got != "https://static.example" {
		t.Fatalf("got %q", got)
	}
}
