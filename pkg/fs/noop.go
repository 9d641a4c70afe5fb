package fs

import (
	"context"

	"github.com/suryatmodulus/boxlite/pkg/oci"
)

// NoOpLayerFlattener satisfies FsBuilder without touching the filesystem.
// Used to wire and test the image/rootfs pipeline without real OCI layers.
type NoOpLayerFlattener struct{}

func NewNoOpLayerFlattener() *NoOpLayerFlattener {
	return &NoOpLayerFlattener{}
}

func (f *NoOpLayerFlattener) BuildFs(ctx context.Context, layers []oci.Layer, targetDir string) error {
	return nil
}
