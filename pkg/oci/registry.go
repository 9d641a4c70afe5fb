package oci

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
)

// RegistryProvider fetches OCI images from a container registry using go-containerregistry.
// It implements the OciImageSource interface.
//
// Once created, GetImage() downloads the image manifest, config, and layer metadata
// from the registry. The actual layer content is not downloaded until Compressed() is called
// on a returned Layer.
type RegistryProvider struct {
	imageRef name.Reference
}

// NewRegistryProvider creates a provider for ref, normalized against registries.
//
// ref may already carry a registry host ("ghcr.io/owner/repo:tag") or omit one
// ("nginx", "nginx:1.21"). When omitted, the first entry of registries is used.
// registries must be non-empty; callers resolve the process-configured default
// list before calling this.
func NewRegistryProvider(ref string, registries []string) (OciImageSource, error) {
	normalized, err := NormalizeImageRef(ref, registries)
	if err != nil {
		return nil, err
	}

	parsed, err := name.ParseReference(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", normalized, err)
	}

	return &RegistryProvider{imageRef: parsed}, nil
}

// NormalizeImageRef applies the ImageRef normalization rule: missing registry
// resolves to registries[0]; missing tag or digest resolves to "latest".
// registries must contain at least one entry.
func NormalizeImageRef(ref string, registries []string) (string, error) {
	if len(registries) == 0 {
		return "", fmt.Errorf("normalize image ref %q: no configured registries", ref)
	}

	repo := ref
	tag := ""
	if at := strings.LastIndex(repo, "@"); at != -1 {
		// digest reference, leave untouched past the repo/registry split
		repo, tag = repo[:at], repo[at:]
	} else if colon := strings.LastIndex(repo, ":"); colon != -1 && !strings.Contains(repo[colon:], "/") {
		repo, tag = repo[:colon], ":"+repo[colon+1:]
	}

	if !hasRegistryHost(repo) {
		repo = registries[0] + "/" + repo
	}

	if tag == "" {
		tag = ":latest"
	}

	return repo + tag, nil
}

// hasRegistryHost reports whether the first path component of repo looks like
// a registry host (contains a dot or a colon, or is literally "localhost")
// rather than the first segment of a repository path.
func hasRegistryHost(repo string) bool {
	first := strings.SplitN(repo, "/", 2)[0]
	return first == "localhost" || strings.ContainsAny(first, ".:")
}

func (p *RegistryProvider) Info() string {
	return p.imageRef.String()
}

// GetImage fetches the image manifest, config, and layer descriptors from the
// registry. Layer content is not downloaded here.
func (p *RegistryProvider) GetImage(ctx context.Context) (*Image, error) {
	platformStr := fmt.Sprintf("linux/%s", runtime.GOARCH)
	platform, err := v1.ParsePlatform(platformStr)
	if err != nil {
		return nil, fmt.Errorf("parse platform: %w", err)
	}

	img, err := remote.Image(p.imageRef, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}

	dgst, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("get image digest: %w", err)
	}

	manifest, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}

	config, err := parseImageConfig(img)
	if err != nil {
		return nil, fmt.Errorf("parse image config: %w", err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}

	wrappedLayers := make([]Layer, len(layers))
	for i, layer := range layers {
		wrappedLayers[i] = &registryLayer{layer: layer}
	}

	manifestSize := manifest.Config.Size
	for _, layer := range manifest.Layers {
		manifestSize += layer.Size
	}

	return &Image{
		Digest: digest.Digest(dgst.String()),
		Config: config,
		Layers: wrappedLayers,
		Manifest: &Manifest{
			MediaType: string(manifest.MediaType),
			Size:      manifestSize,
		},
	}, nil
}

func parseImageConfig(img v1.Image) (*ImageConfig, error) {
	cfgFile, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("get config file: %w", err)
	}

	if cfgFile == nil {
		return nil, fmt.Errorf("no config file in image")
	}

	cfg := cfgFile.Config

	return &ImageConfig{
		Entrypoint: cfg.Entrypoint,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		User:       cfg.User,
	}, nil
}

// registryLayer wraps a go-containerregistry layer to implement the Layer
// interface. Content is fetched lazily, only when Compressed is called.
type registryLayer struct {
	layer v1.Layer
}

func (l *registryLayer) Digest() digest.Digest {
	dgst, err := l.layer.Digest()
	if err != nil {
		return digest.Digest("")
	}
	return digest.Digest(dgst.String())
}

func (l *registryLayer) Size() int64 {
	size, err := l.layer.Size()
	if err != nil {
		return 0
	}
	return size
}

func (l *registryLayer) MediaType() string {
	mediaType, err := l.layer.MediaType()
	if err != nil {
		return ""
	}
	return string(mediaType)
}

func (l *registryLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	reader, err := l.layer.Compressed()
	if err != nil {
		return nil, fmt.Errorf("get compressed layer: %w", err)
	}
	return reader, nil
}

// NoOpImageProvider returns a fixed, empty-layer image without touching the
// network. Used to wire and test the box-create pipeline without a registry.
type NoOpImageProvider struct{}

func NewNoOpImageProvider() *NoOpImageProvider {
	return &NoOpImageProvider{}
}

func (p *NoOpImageProvider) Info() string {
	return "registry.invalid/noop-image:latest"
}

func (p *NoOpImageProvider) GetImage(ctx context.Context) (*Image, error) {
	return &Image{
		Digest: digest.FromString("noop-image"),
		Config: &ImageConfig{
			Entrypoint: []string{"/bin/sh"},
			Cmd:        []string{"-c", "echo hello"},
			Env:        []string{"PATH=/usr/bin:/bin"},
			WorkingDir: "/",
			User:       "root",
		},
		Layers:   []Layer{},
		Manifest: &Manifest{MediaType: "application/vnd.oci.image.manifest.v1+json"},
	}, nil
}
