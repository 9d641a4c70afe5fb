package oci

import (
	"github.com/opencontainers/go-digest"
)

// Image is a resolved OCI image ready to assemble into a box's rootfs:
// ordered layers plus the config internal/boxctl falls back to for cmd/env
// when a box's own CreateOptions leave them unset.
type Image struct {
	Digest   digest.Digest
	Config   *ImageConfig
	Layers   []Layer
	Manifest *Manifest
}

// ImageConfig carries the image's own entrypoint/cmd/env/user, used as the
// box's defaults wherever CreateOptions doesn't override them.
type ImageConfig struct {
	Entrypoint []string
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
}

// Manifest is the subset of the OCI manifest internal/imagestore needs past
// resolution time.
type Manifest struct {
	MediaType string
	Size      int64
}
