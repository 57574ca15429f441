package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/lsst-sqre/cachemachine/internal/image"
	"github.com/lsst-sqre/cachemachine/internal/registry"
)

var (
	// ErrInvalidConfig marks image source configs rejected at policy creation.
	ErrInvalidConfig = errors.New("invalid image source config")
	// ErrUnavailable marks a source that could not produce images this round,
	// typically because the registry was unreachable. The caller keeps its
	// previous state and retries on its next pass.
	ErrUnavailable = errors.New("image source unavailable")
)

// Strategy produces the list of images a policy wants cached. The cached
// argument carries the images currently present on every target node, which
// lets a source annotate its output with what an alias tag points at; sources
// are free to ignore it.
type Strategy interface {
	Resolve(ctx context.Context, cached []image.CachedImage) ([]image.Image, error)
}

// Strategy type tags as they appear on the wire.
const (
	TypePinned = "pinned"
	TypeRubin  = "rubin"

	// accepted for configs that predate the pinned rename
	typeSimpleAlias = "simple"
)

// Config is the tagged union of all strategy configs. Type selects the
// variant, the remaining fields apply to the variant that uses them.
type Config struct {
	Type string `json:"type"`

	// pinned
	Images []PinnedImage `json:"images,omitempty"`

	// rubin
	RegistryURL    string   `json:"registry_url,omitempty"`
	Repo           string   `json:"repo,omitempty"`
	RecommendedTag string   `json:"recommended_tag,omitempty"`
	NumReleases    int      `json:"num_releases,omitempty"`
	NumWeeklies    int      `json:"num_weeklies,omitempty"`
	NumDailies     int      `json:"num_dailies,omitempty"`
	Cycle          *int     `json:"cycle,omitempty"`
	AliasTags      []string `json:"alias_tags,omitempty"`
}

// PinnedImage is one statically configured image.
type PinnedImage struct {
	Name string `json:"name"`
	URL  string `json:"image_url"`
}

// New builds a strategy from its wire config.
func New(cfg Config, client registry.Client) (Strategy, error) {
	switch cfg.Type {
	case TypePinned, typeSimpleAlias:
		return NewPinnedList(cfg)
	case TypeRubin:
		return NewTagClassifier(cfg, client)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidConfig)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidConfig, cfg.Type)
	}
}
