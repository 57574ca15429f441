package registry

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"k8s.io/klog/v2"
)

// DefaultRegistry is assumed for repositories given without a registry host.
const DefaultRegistry = "registry.hub.docker.com"

// Client reads tag state from a Docker image registry.
type Client interface {
	// ListTags returns every tag of the repository.
	ListTags(ctx context.Context, repository string) ([]string, error)
	// ResolveDigest returns the manifest digest a tag currently points at,
	// in "sha256:..." form.
	ResolveDigest(ctx context.Context, repository, tag string) (string, error)
}

// RemoteClient talks to real registries over the Docker v2 API. Credentials
// are picked up from the ambient docker config, the same way the container
// runtime resolves them.
type RemoteClient struct {
	defaultRegistry string
	keychain        authn.Keychain
}

func NewRemoteClient(defaultRegistry string) *RemoteClient {
	if defaultRegistry == "" {
		defaultRegistry = DefaultRegistry
	}

	return &RemoteClient{
		defaultRegistry: defaultRegistry,
		keychain:        authn.DefaultKeychain,
	}
}

func (c *RemoteClient) ListTags(ctx context.Context, repository string) ([]string, error) {
	repo, err := c.repository(repository)
	if err != nil {
		return nil, err
	}

	tags, err := remote.List(repo, c.options(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("list tags of %s: %w", repo.Name(), err)
	}

	klog.V(4).Infof("Listed %d tags of %s", len(tags), repo.Name())

	return tags, nil
}

func (c *RemoteClient) ResolveDigest(ctx context.Context, repository, tag string) (string, error) {
	repo, err := c.repository(repository)
	if err != nil {
		return "", err
	}

	desc, err := remote.Head(repo.Tag(tag), c.options(ctx)...)
	if err != nil {
		return "", fmt.Errorf("resolve digest of %s:%s: %w", repo.Name(), tag, err)
	}

	return desc.Digest.String(), nil
}

func (c *RemoteClient) repository(repository string) (name.Repository, error) {
	repo, err := name.NewRepository(repository, name.WithDefaultRegistry(c.defaultRegistry))
	if err != nil {
		return name.Repository{}, fmt.Errorf("parse repository %q: %w", repository, err)
	}

	return repo, nil
}

func (c *RemoteClient) options(ctx context.Context) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(c.keychain),
	}
}
