package oci

import (
	"context"
)

// OciImageSource abstracts where a box's image comes from; internal/imagestore
// currently only drives registry pulls through it, but local/tar sources can
// implement the same two methods without touching the store above them.
type OciImageSource interface {
	GetImage(ctx context.Context) (*Image, error)
	Info() string
}
