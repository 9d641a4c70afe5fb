package oci

import (
	"context"
	"testing"
)

func TestNormalizeImageRef(t *testing.T) {
	registries := []string{"docker.io/library", "ghcr.io"}

	tests := []struct {
		name       string
		input      string
		registries []string
		want       string
		wantErr    bool
	}{
		{
			name:       "bare name takes first registry and latest tag",
			input:      "nginx",
			registries: registries,
			want:       "docker.io/library/nginx:latest",
		},
		{
			name:       "bare name with tag keeps tag",
			input:      "nginx:1.21",
			registries: registries,
			want:       "docker.io/library/nginx:1.21",
		},
		{
			name:       "explicit registry host is untouched",
			input:      "ghcr.io/owner/repo:v1.0",
			registries: registries,
			want:       "ghcr.io/owner/repo:v1.0",
		},
		{
			name:       "explicit registry host without tag gets latest",
			input:      "ghcr.io/owner/repo",
			registries: registries,
			want:       "ghcr.io/owner/repo:latest",
		},
		{
			name:       "localhost host is recognized as a registry",
			input:      "localhost:5000/myimage:latest",
			registries: registries,
			want:       "localhost:5000/myimage:latest",
		},
		{
			name:       "digest reference is untouched past normalization",
			input:      "busybox@sha256:abcd",
			registries: registries,
			want:       "docker.io/library/busybox@sha256:abcd",
		},
		{
			name:       "no configured registries is an error",
			input:      "nginx",
			registries: nil,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeImageRef(tt.input, tt.registries)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeImageRef() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got != tt.want {
				t.Errorf("NormalizeImageRef() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRegistryProviderInfo(t *testing.T) {
	provider, err := NewRegistryProvider("busybox", []string{"docker.io/library"})
	if err != nil {
		t.Fatalf("NewRegistryProvider failed: %v", err)
	}

	info := provider.Info()
	if info != "docker.io/library/busybox:latest" {
		t.Errorf("Info() = %q, want normalized busybox reference", info)
	}
}

func TestNoOpImageProvider(t *testing.T) {
	provider := NewNoOpImageProvider()

	info := provider.Info()
	if info == "" {
		t.Error("Info() returned empty string")
	}

	image, err := provider.GetImage(context.Background())
	if err != nil {
		t.Fatalf("GetImage failed: %v", err)
	}

	if image == nil {
		t.Fatal("GetImage returned nil image")
	}

	if image.Config == nil {
		t.Fatal("GetImage returned image with nil config")
	}

	if image.Manifest == nil {
		t.Fatal("GetImage returned image with nil manifest")
	}

	if len(image.Config.Entrypoint) == 0 {
		t.Error("image config has no entrypoint")
	}
}
