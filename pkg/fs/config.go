package fs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/suryatmodulus/boxlite/pkg/oci"
)

// BuilderConfig injects metadata into an assembled rootfs directory before
// it is handed to the engine. Different callers (image rootfs, empty state
// volume) implement it with whatever they need to write.
type BuilderConfig interface {
	WriteConfig(ctx context.Context, rootfsDir string) error
}

// AppConfigWriter implements BuilderConfig for an image-backed rootfs. It
// writes /boxlite/env and /boxlite/argv so the guest init can exec the
// right entrypoint with the right environment without re-parsing the OCI
// config itself.
type AppConfigWriter struct {
	imageConfig *oci.ImageConfig
	extraEnv    []string // box-level env overrides, appended after image env
	cmdOverride []string // box-level cmd override, replaces image Cmd if set
	workDir     string   // box-level working_dir override
}

func NewAppConfigWriter(imageConfig *oci.ImageConfig, extraEnv, cmdOverride []string, workDir string) *AppConfigWriter {
	return &AppConfigWriter{
		imageConfig: imageConfig,
		extraEnv:    extraEnv,
		cmdOverride: cmdOverride,
		workDir:     workDir,
	}
}

func (w *AppConfigWriter) WriteConfig(ctx context.Context, rootfsDir string) error {
	configDir := filepath.Join(rootfsDir, "boxlite")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create boxlite config directory: %w", err)
	}

	if err := w.writeEnv(configDir); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}

	if err := w.writeArgv(configDir); err != nil {
		return fmt.Errorf("write argv file: %w", err)
	}

	return nil
}

func (w *AppConfigWriter) writeEnv(configDir string) error {
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)

	for _, line := range w.imageConfig.Env {
		if _, err := writer.WriteString(strings.TrimSpace(line)); err != nil {
			return fmt.Errorf("write env to buffer: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline to buffer: %w", err)
		}
	}

	for _, line := range w.extraEnv {
		if _, err := writer.WriteString(strings.TrimSpace(line)); err != nil {
			return fmt.Errorf("write env to buffer: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline to buffer: %w", err)
		}
	}

	workdir := "/"
	switch {
	case w.workDir != "":
		workdir = w.workDir
	case w.imageConfig.WorkingDir != "":
		workdir = w.imageConfig.WorkingDir
	}
	if _, err := fmt.Fprintf(writer, "WORKDIR=%s\n", workdir); err != nil {
		return fmt.Errorf("write workdir to buffer: %w", err)
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush env writer: %w", err)
	}

	return WriteFileAtomic(filepath.Join(configDir, "env"), buf.Bytes(), 0o644)
}

func (w *AppConfigWriter) writeArgv(configDir string) error {
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)

	argv := w.imageConfig.Entrypoint
	cmd := w.imageConfig.Cmd
	if len(w.cmdOverride) > 0 {
		cmd = w.cmdOverride
	}

	for _, line := range argv {
		if _, err := writer.WriteString(strings.TrimSpace(line)); err != nil {
			return fmt.Errorf("write entrypoint to buffer: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline to buffer: %w", err)
		}
	}

	for _, line := range cmd {
		if _, err := writer.WriteString(strings.TrimSpace(line)); err != nil {
			return fmt.Errorf("write cmd to buffer: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline to buffer: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush argv writer: %w", err)
	}

	return WriteFileAtomic(filepath.Join(configDir, "argv"), buf.Bytes(), 0o644)
}

// NoOpBuilderConfig writes nothing. Used in tests that exercise the
// assembly pipeline without caring about guest-visible config files.
type NoOpBuilderConfig struct{}

func NewNoOpBuilderConfig() *NoOpBuilderConfig { return &NoOpBuilderConfig{} }

func (p *NoOpBuilderConfig) WriteConfig(ctx context.Context, rootfsDir string) error {
	return nil
}
