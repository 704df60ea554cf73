package oci

import (
	"context"
)

// ImageSource abstracts where images come from (registry, tar, etc.)
type ImageSource interface {
	GetImage(ctx context.Context) (*Image, error)
	Info() string
}
