package image

// Category tells which part of an image source an image came from. It is
// informational and only surfaces in policy status dumps.
type Category string

const (
	CategoryRelease     Category = "release"
	CategoryWeekly      Category = "weekly"
	CategoryDaily       Category = "daily"
	CategoryRecommended Category = "recommended"
	CategoryPinned      Category = "pinned"
)

// Image is a single container image a cache policy wants present on its
// target nodes. URL is the exact reference nodes pull and report, e.g.
// "registry.hub.docker.com/lsstsqre/sciplat-lab:w_2021_22". Digest, when
// known, pins the tag to the manifest it pointed at when resolved.
type Image struct {
	Name     string   `json:"name"`
	URL      string   `json:"image_url"`
	Digest   string   `json:"image_hash,omitempty"`
	Category Category `json:"category,omitempty"`
}

// Dedupe drops images whose URL was already seen, keeping the first
// occurrence. Order is preserved.
func Dedupe(images []Image) []Image {
	seen := make(map[string]struct{}, len(images))
	out := make([]Image, 0, len(images))
	for _, img := range images {
		if _, ok := seen[img.URL]; ok {
			continue
		}
		seen[img.URL] = struct{}{}
		out = append(out, img)
	}

	return out
}
