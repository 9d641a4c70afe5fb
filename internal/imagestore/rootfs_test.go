package imagestore

import (
	"context"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/suryatmodulus/boxlite/pkg/oci"
)

func TestAssembleRootfsRequiresCachedLayers(t *testing.T) {
	s, _ := openTestStore(t)
	img := &oci.Image{
		Digest: digest.FromString("uncached"),
		Layers: []oci.Layer{newFakeLayer("never pulled")},
	}

	if err := s.AssembleRootfs(context.Background(), img, t.TempDir()); err == nil {
		t.Fatal("expected error assembling rootfs from uncached layer, got nil")
	}
}

func TestAssembleRootfsSucceedsOnceCached(t *testing.T) {
	s, _ := openTestStore(t)
	layer := newFakeLayer("present")

	if err := s.ensureLayerCached(context.Background(), layer); err != nil {
		t.Fatalf("ensureLayerCached failed: %v", err)
	}

	img := &oci.Image{
		Digest: digest.FromString("cached image"),
		Layers: []oci.Layer{layer},
	}

	if err := s.AssembleRootfs(context.Background(), img, t.TempDir()); err != nil {
		t.Fatalf("AssembleRootfs failed: %v", err)
	}
}
