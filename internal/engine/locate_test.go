package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLocateRuntimeFilesFindsAllThree(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"kernel", "initrd", "agent"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("stub"), 0o755); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	files, err := LocateRuntimeFiles(dir)
	if err != nil {
		t.Fatalf("LocateRuntimeFiles: %v", err)
	}
	if files.KernelPath != filepath.Join(dir, "kernel") {
		t.Errorf("unexpected kernel path %q", files.KernelPath)
	}
	if files.InitrdPath != filepath.Join(dir, "initrd") {
		t.Errorf("unexpected initrd path %q", files.InitrdPath)
	}
	if files.AgentPath != filepath.Join(dir, "agent") {
		t.Errorf("unexpected agent path %q", files.AgentPath)
	}
}

func TestLocateRuntimeFilesMissingReturnsError(t *testing.T) {
	dir := t.TempDir()
	if _, err := LocateRuntimeFiles(dir); err == nil {
		t.Fatal("expected error when no runtime files are present")
	}
}

func TestLocateRuntimeFilesEnvOverrideTakesPriority(t *testing.T) {
	override := t.TempDir()
	fallback := t.TempDir()

	if err := os.WriteFile(filepath.Join(override, "kernel"), []byte("override"), 0o755); err != nil {
		t.Fatalf("write override kernel: %v", err)
	}
	if err := os.WriteFile(filepath.Join(fallback, "kernel"), []byte("fallback"), 0o755); err != nil {
		t.Fatalf("write fallback kernel: %v", err)
	}
	if err := os.WriteFile(filepath.Join(fallback, "initrd"), []byte("stub"), 0o755); err != nil {
		t.Fatalf("write initrd: %v", err)
	}
	if err := os.WriteFile(filepath.Join(fallback, "agent"), []byte("stub"), 0o755); err != nil {
		t.Fatalf("write agent: %v", err)
	}

	t.Setenv("BOXLITE_RUNTIME_DIR", override)

	files, err := LocateRuntimeFiles(fallback)
	if err != nil {
		t.Fatalf("LocateRuntimeFiles: %v", err)
	}
	if files.KernelPath != filepath.Join(override, "kernel") {
		t.Errorf("expected override kernel path, got %q", files.KernelPath)
	}
}
