package image

import (
	"slices"
	"strings"
)

// CachedImage is an image present in a node's local cache. Tags lists every
// tag the node knows the same manifest by, which lets tag-based sources
// explain what an alias like "recommended" currently points at.
type CachedImage struct {
	URL    string   `json:"image_url"`
	Digest string   `json:"image_hash"`
	Tags   []string `json:"tags,omitempty"`
}

// FromNodeImageNames converts the names of a single node.status.images entry
// into cached images, one per tagged reference. Kubelet reports each cached
// image as a mixed list of digest references (repo@sha256:...) and tag
// references (repo:tag). Entries carrying no digest or no tag reference are
// skipped, as are the <none> placeholders kubelet emits for dangling images.
func FromNodeImageNames(names []string) []CachedImage {
	var digest string
	var tagged []string
	for _, n := range names {
		if n == "<none>@<none>" || n == "<none>:<none>" {
			continue
		}
		if _, d, ok := strings.Cut(n, "@"); ok {
			digest = d
			continue
		}
		tagged = append(tagged, n)
	}

	if digest == "" || len(tagged) == 0 {
		return nil
	}

	tags := make([]string, 0, len(tagged))
	for _, url := range tagged {
		// Mirrored registries repeat the same tag under several hosts.
		if t := TagOf(url); !slices.Contains(tags, t) {
			tags = append(tags, t)
		}
	}

	out := make([]CachedImage, 0, len(tagged))
	for _, url := range tagged {
		out = append(out, CachedImage{URL: url, Digest: digest, Tags: tags})
	}

	return out
}

// TagOf extracts the tag of a tagged image reference, defaulting to "latest"
// for bare references. A colon inside the registry host part, as in
// "registry:5000/repo", is not a tag separator.
func TagOf(url string) string {
	idx := strings.LastIndex(url, ":")
	if idx == -1 || strings.Contains(url[idx+1:], "/") {
		return "latest"
	}

	return url[idx+1:]
}
