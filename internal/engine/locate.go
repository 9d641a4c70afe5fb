package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RuntimeFiles resolves to the kernel, initrd, and guest agent shipped
// alongside the runtime for a given engine.
type RuntimeFiles struct {
	KernelPath string
	InitrdPath string
	AgentPath  string
}

// LocateRuntimeFiles searches, in priority order, for the files named
// kernel, initrd, and agent: the BOXLITE_RUNTIME_DIR override directories,
// then the directory of the running executable, then fallbackDirs in the
// order given. First match per file wins.
func LocateRuntimeFiles(fallbackDirs ...string) (RuntimeFiles, error) {
	dirs := searchDirs(fallbackDirs)

	kernel, err := findInDirs(dirs, "kernel")
	if err != nil {
		return RuntimeFiles{}, err
	}
	initrd, err := findInDirs(dirs, "initrd")
	if err != nil {
		return RuntimeFiles{}, err
	}
	agent, err := findInDirs(dirs, "agent")
	if err != nil {
		return RuntimeFiles{}, err
	}

	return RuntimeFiles{KernelPath: kernel, InitrdPath: initrd, AgentPath: agent}, nil
}

func searchDirs(fallbacks []string) []string {
	var dirs []string

	if override := os.Getenv("BOXLITE_RUNTIME_DIR"); override != "" {
		for _, p := range strings.Split(override, ":") {
			if p != "" {
				dirs = append(dirs, p)
			}
		}
	}

	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}

	dirs = append(dirs, fallbacks...)
	return dirs
}

func findInDirs(dirs []string, name string) (string, error) {
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	locations := make([]string, len(dirs))
	for i, dir := range dirs {
		locations[i] = "  - " + filepath.Join(dir, name)
	}
	return "", fmt.Errorf("binary %q not found, searched:\n%s", name, strings.Join(locations, "\n"))
}
