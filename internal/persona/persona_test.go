package persona

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"clawbridge/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "persona.yaml"), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if p != domain.DefaultPersona() {
		t.Fatalf("expected defaults, got %+v", p)
	}
}

func TestLoad_PartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	os.WriteFile(path, []byte("name: Hawkeye\navatar: \"🦉\"\n"), 0o644)

	p, err := Load(path, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "Hawkeye" || p.Avatar != "🦉" {
		t.Errorf("unexpected persona: %+v", p)
	}
	if p.TimeoutText != domain.DefaultTimeoutText || p.NotConnectedText != domain.DefaultNotConnectedText {
		t.Errorf("fallback texts should keep defaults: %+v", p)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	os.WriteFile(path, nil, 0o644)

	p, err := Load(path, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if p != domain.DefaultPersona() {
		t.Fatalf("expected defaults, got %+v", p)
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	os.WriteFile(path, []byte("name: Hawk\ncolour: red\n"), 0o644)

	if _, err := Load(path, quietLogger()); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "persona.yaml")
	want := domain.Persona{Name: "Claw", Avatar: "🦀", NotConnectedText: "offline", TimeoutText: "hold on"}
	if err := Write(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
