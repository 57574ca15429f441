package source

import (
	"context"
	"fmt"

	"github.com/lsst-sqre/cachemachine/internal/image"
)

// PinnedList serves a fixed set of images straight from its config. It never
// talks to a registry, so it never fails at resolve time.
type PinnedList struct {
	images []image.Image
}

func NewPinnedList(cfg Config) (*PinnedList, error) {
	if len(cfg.Images) == 0 {
		return nil, fmt.Errorf("%w: pinned source needs at least one image", ErrInvalidConfig)
	}

	images := make([]image.Image, 0, len(cfg.Images))
	for i, img := range cfg.Images {
		if img.URL == "" {
			return nil, fmt.Errorf("%w: pinned image %d has no image_url", ErrInvalidConfig, i)
		}
		if img.Name == "" {
			return nil, fmt.Errorf("%w: pinned image %d (%s) has no name", ErrInvalidConfig, i, img.URL)
		}

		images = append(images, image.Image{
			Name:     img.Name,
			URL:      img.URL,
			Category: image.CategoryPinned,
		})
	}

	return &PinnedList{images: images}, nil
}

func (p *PinnedList) Resolve(_ context.Context, _ []image.CachedImage) ([]image.Image, error) {
	out := make([]image.Image, len(p.images))
	copy(out, p.images)
	return out, nil
}
