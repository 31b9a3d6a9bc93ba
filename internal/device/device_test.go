package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestResolveConfiguredWins(t *testing.T) {
	t.Setenv(envVar, "env-device")

	id, err := Resolve("  Configured-Device ", filepath.Join(t.TempDir(), "device_id"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != "configured-device" {
		t.Errorf("got %q", id)
	}
}

func TestResolveEnvBeatsFile(t *testing.T) {
	t.Setenv(envVar, "Env-Device")

	idFile := filepath.Join(t.TempDir(), "device_id")
	if err := os.WriteFile(idFile, []byte("file-device\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	id, err := Resolve("", idFile)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != "env-device" {
		t.Errorf("got %q", id)
	}
}

func TestResolveReadsFile(t *testing.T) {
	t.Setenv(envVar, "")

	idFile := filepath.Join(t.TempDir(), "device_id")
	if err := os.WriteFile(idFile, []byte("  File-Device \n"), 0o600); err != nil {
		t.Fatal(err)
	}

	id, err := Resolve("", idFile)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != "file-device" {
		t.Errorf("got %q", id)
	}
}

func TestResolveGeneratesAndPersists(t *testing.T) {
	t.Setenv(envVar, "")

	idFile := filepath.Join(t.TempDir(), "nested", "device_id")
	id, err := Resolve("", idFile)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("generated id %q is not a uuid", id)
	}

	// A second resolve reads back the same id.
	again, err := Resolve("", idFile)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if again != id {
		t.Errorf("id not stable across restarts: %q != %q", again, id)
	}
}

func TestResolveEmptyFileRegenerates(t *testing.T) {
	t.Setenv(envVar, "")

	idFile := filepath.Join(t.TempDir(), "device_id")
	if err := os.WriteFile(idFile, []byte("   \n"), 0o600); err != nil {
		t.Fatal(err)
	}

	id, err := Resolve("", idFile)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("got %q, want a fresh uuid", id)
	}
}
