package source

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/lsst-sqre/cachemachine/internal/image"
	"github.com/lsst-sqre/cachemachine/internal/registry"
	"github.com/lsst-sqre/cachemachine/internal/tag"
)

// TagClassifier picks images from a registry repository based on the
// observatory tag format. It classifies every tag, keeps the newest N of each
// release kind, and resolves each pick to its digest. The recommended tag, if
// configured, is always emitted and goes last so it wins ties when callers
// dedupe by URL.
type TagClassifier struct {
	client         registry.Client
	repository     string
	recommendedTag string
	numReleases    int
	numWeeklies    int
	numDailies     int
	cycle          *int
	aliasTags      []string
}

func NewTagClassifier(cfg Config, client registry.Client) (*TagClassifier, error) {
	if cfg.Repo == "" {
		return nil, fmt.Errorf("%w: rubin source needs a repo", ErrInvalidConfig)
	}
	if cfg.NumReleases < 0 || cfg.NumWeeklies < 0 || cfg.NumDailies < 0 {
		return nil, fmt.Errorf("%w: image counts cannot be negative", ErrInvalidConfig)
	}

	registryURL := cfg.RegistryURL
	if registryURL == "" {
		registryURL = registry.DefaultRegistry
	}

	// The recommended tag is by its nature an alias tag.
	aliases := slices.Clone(cfg.AliasTags)
	if cfg.RecommendedTag != "" && !slices.Contains(aliases, cfg.RecommendedTag) {
		aliases = append(aliases, cfg.RecommendedTag)
	}

	return &TagClassifier{
		client:         client,
		repository:     registryURL + "/" + cfg.Repo,
		recommendedTag: cfg.RecommendedTag,
		numReleases:    cfg.NumReleases,
		numWeeklies:    cfg.NumWeeklies,
		numDailies:     cfg.NumDailies,
		cycle:          cfg.Cycle,
		aliasTags:      aliases,
	}, nil
}

func (c *TagClassifier) Resolve(ctx context.Context, cached []image.CachedImage) ([]image.Image, error) {
	raw, err := c.client.ListTags(ctx, c.repository)
	if err != nil {
		return nil, fmt.Errorf("%w: list tags of %s: %w", ErrUnavailable, c.repository, err)
	}

	tags := make([]tag.Tag, 0, len(raw))
	for _, r := range raw {
		tags = append(tags, tag.Parse(r, c.aliasTags))
	}

	// The cycle restricts which builds may be enumerated, but never the
	// recommended tag: that one is an explicit operator choice.
	candidates := tags
	if c.cycle != nil {
		candidates = tag.MatchingCycle(tags, *c.cycle)
	}

	var out []image.Image
	for _, pick := range []struct {
		kind     tag.Kind
		n        int
		category image.Category
	}{
		{tag.KindRelease, c.numReleases, image.CategoryRelease},
		{tag.KindWeekly, c.numWeeklies, image.CategoryWeekly},
		{tag.KindDaily, c.numDailies, image.CategoryDaily},
	} {
		for _, t := range tag.Latest(candidates, pick.kind, pick.n) {
			img, err := c.imageFor(ctx, t, pick.category)
			if err != nil {
				return nil, err
			}
			out = append(out, img)
		}
	}

	if c.recommendedTag != "" && slices.Contains(raw, c.recommendedTag) {
		rec, err := c.recommended(ctx, cached)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	return out, nil
}

func (c *TagClassifier) imageFor(ctx context.Context, t tag.Tag, category image.Category) (image.Image, error) {
	digest, err := c.client.ResolveDigest(ctx, c.repository, t.Raw)
	if err != nil {
		return image.Image{}, fmt.Errorf("%w: resolve digest of %s:%s: %w", ErrUnavailable, c.repository, t.Raw, err)
	}

	return image.Image{
		Name:     t.Display,
		URL:      c.repository + ":" + t.Raw,
		Digest:   digest,
		Category: category,
	}, nil
}

// recommended resolves the recommended tag and names it after the other tags
// known to point at the same image data, so users can tell which build it
// currently is.
func (c *TagClassifier) recommended(ctx context.Context, cached []image.CachedImage) (image.Image, error) {
	t := tag.Parse(c.recommendedTag, c.aliasTags)

	img, err := c.imageFor(ctx, t, image.CategoryRecommended)
	if err != nil {
		return image.Image{}, err
	}

	// Tags only show up in the node cache if something was pulled by them,
	// so this list is best effort.
	var aka []string
	for _, ci := range cached {
		if ci.Digest == "" || ci.Digest != img.Digest {
			continue
		}
		for _, other := range ci.Tags {
			if other != c.recommendedTag && !slices.Contains(aka, other) {
				aka = append(aka, other)
			}
		}
	}

	if len(aka) > 0 {
		names := make([]string, len(aka))
		for i, a := range aka {
			names[i] = tag.Parse(a, c.aliasTags).Display
		}
		img.Name = fmt.Sprintf("%s (%s)", t.Display, strings.Join(names, ", "))
	}

	return img, nil
}
