package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/lsst-sqre/cachemachine/internal/image"
	"github.com/lsst-sqre/cachemachine/internal/inventory"
	"github.com/lsst-sqre/cachemachine/internal/metrics"
	"github.com/lsst-sqre/cachemachine/internal/puller"
	"github.com/lsst-sqre/cachemachine/internal/registry"
	"github.com/lsst-sqre/cachemachine/internal/source"
)

// ErrInvalidPolicy marks policy specs rejected at creation time.
var ErrInvalidPolicy = errors.New("invalid policy")

// PolicySpec is a cache policy as posted to the API: which nodes to fill,
// and the image sources that say with what.
type PolicySpec struct {
	Name         string            `json:"name"`
	NodeSelector map[string]string `json:"labels"`
	Sources      []source.Config   `json:"repomen"`
}

func (spec PolicySpec) validate() error {
	if errs := validation.IsDNS1123Label(spec.Name); len(errs) > 0 {
		return fmt.Errorf("%w: name %q: %s", ErrInvalidPolicy, spec.Name, errs[0])
	}
	if len(spec.Sources) == 0 {
		return fmt.Errorf("%w: %s has no image sources", ErrInvalidPolicy, spec.Name)
	}

	return nil
}

// PullStatus is the live view of one in-flight or failed pull. The node
// counts come straight from the pull workload: TargetNodes is how many nodes
// it landed on, CompletedNodes how many report the image pulled.
type PullStatus struct {
	ImageURL       string `json:"image_url"`
	State          string `json:"state"`
	CompletedNodes int32  `json:"completed_nodes"`
	TargetNodes    int32  `json:"target_nodes"`
	Error          string `json:"error,omitempty"`
}

// Status is the full state of one policy as served by the API.
type Status struct {
	Name            string              `json:"name"`
	Labels          map[string]string   `json:"labels"`
	CommonCache     []image.CachedImage `json:"common_cache"`
	DesiredImages   []image.Image       `json:"desired_images"`
	AvailableImages []image.Image       `json:"available_images"`
	ImagesToCache   []image.Image       `json:"images_to_cache"`
	Pulling         []PullStatus        `json:"pulling,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Controller reconciles one policy: every round it resolves the desired
// images, compares them against what the target nodes already hold, pulls
// what is missing and republishes its view. A failed round leaves the last
// published view in place and is retried on the next one.
type Controller struct {
	spec       PolicySpec
	selector   labels.Selector
	strategies []source.Strategy
	inv        *inventory.Inventory
	orch       *puller.Orchestrator
	interval   time.Duration

	mu        sync.Mutex
	desired   []image.Image
	available []image.Image
	toCache   []image.Image
	common    []image.CachedImage
	jobs      map[string]*puller.Job
	updatedAt time.Time
}

func New(spec PolicySpec, inv *inventory.Inventory, orch *puller.Orchestrator, reg registry.Client, interval time.Duration) (*Controller, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	selector, err := labels.ValidatedSelectorFromSet(labels.Set(spec.NodeSelector))
	if err != nil {
		return nil, fmt.Errorf("%w: %s has invalid labels: %w", ErrInvalidPolicy, spec.Name, err)
	}

	strategies := make([]source.Strategy, 0, len(spec.Sources))
	for i, cfg := range spec.Sources {
		strategy, err := source.New(cfg, reg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s source %d: %w", ErrInvalidPolicy, spec.Name, i, err)
		}
		strategies = append(strategies, strategy)
	}

	return &Controller{
		spec:       spec,
		selector:   selector,
		strategies: strategies,
		inv:        inv,
		orch:       orch,
		interval:   interval,
		desired:    []image.Image{},
		available:  []image.Image{},
		toCache:    []image.Image{},
		common:     []image.CachedImage{},
		jobs:       map[string]*puller.Job{},
	}, nil
}

func (c *Controller) Name() string { return c.spec.Name }

// run reconciles until the context is canceled, once per interval, starting
// right away.
func (c *Controller) run(ctx context.Context) {
	wait.UntilWithContext(ctx, c.reconcile, c.interval)
}

func (c *Controller) reconcile(ctx context.Context) {
	start := time.Now()

	err := c.tick(ctx)

	metrics.ReconcileDuration.WithLabelValues(c.spec.Name).Observe(time.Since(start).Seconds())
	outcome := "success"
	if err != nil && !errors.Is(err, context.Canceled) {
		outcome = "error"
		klog.Errorf("Reconcile of policy %s failed: %v", c.spec.Name, err)
	}
	metrics.ReconcileTotal.WithLabelValues(c.spec.Name, outcome).Inc()
}

func (c *Controller) tick(ctx context.Context) error {
	// Resolve what we want before touching the cluster. Sources see the
	// common cache of the previous round, which is all the recommended
	// aka name needs. An unavailable source is skipped for the round, but
	// when every source fails there is nothing sound to publish and the
	// previous view stays up.
	desired, srcErrs := c.resolveDesired(ctx)
	if len(srcErrs) == len(c.strategies) {
		return fmt.Errorf("no image source available: %w", errors.Join(srcErrs...))
	}

	snap, err := c.inv.Refresh(ctx)
	if err != nil {
		return err
	}

	common := snap.CommonImages(c.selector)
	targets := snap.Matching(c.selector)

	var pullErrs []error
	if len(targets) == 0 {
		klog.V(2).Infof("Policy %s matches no schedulable nodes, nothing to pull", c.spec.Name)
	} else {
		pullErrs = c.pullMissing(ctx, desired, common)

		// Pick up what the pulls changed.
		if snap, err := c.inv.Refresh(ctx); err == nil {
			common = snap.CommonImages(c.selector)
		}
	}

	c.publish(desired, common)

	return errors.Join(append(srcErrs, pullErrs...)...)
}

// resolveDesired asks every source in turn. A source that cannot deliver is
// reported but does not block the others: its images just drop out of this
// round's desired set.
func (c *Controller) resolveDesired(ctx context.Context) ([]image.Image, []error) {
	common := c.commonCache()

	var desired []image.Image
	var errs []error
	for i, strategy := range c.strategies {
		images, err := strategy.Resolve(ctx, common)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %d of policy %s: %w", i, c.spec.Name, err))
			continue
		}
		desired = append(desired, images...)
	}

	return image.Dedupe(desired), errs
}

// pullMissing runs one pull job after another, so a policy never floods its
// nodes with several pull daemonsets at once. A failed pull does not stop
// the remaining ones.
func (c *Controller) pullMissing(ctx context.Context, desired []image.Image, common []image.CachedImage) []error {
	var errs []error
	for _, img := range desired {
		if isAvailable(img, common) {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		job := c.orch.EnsurePulled(ctx, puller.Spec{
			Policy:       c.spec.Name,
			ImageURL:     img.URL,
			NodeSelector: c.spec.NodeSelector,
		})

		c.mu.Lock()
		c.jobs[img.URL] = job
		c.mu.Unlock()

		if err := job.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pull %s: %w", img.URL, err))
		}
	}

	return errs
}

// isAvailable reports whether a desired image is already on every node. The
// reference has to match exactly; when the desired image pins a digest, the
// cached digest has to match too, so a retagged alias is noticed.
func isAvailable(img image.Image, common []image.CachedImage) bool {
	for _, cached := range common {
		if cached.URL == img.URL && (img.Digest == "" || cached.Digest == img.Digest) {
			return true
		}
	}

	return false
}

func (c *Controller) publish(desired []image.Image, common []image.CachedImage) {
	available := []image.Image{}
	toCache := []image.Image{}
	for _, img := range desired {
		if isAvailable(img, common) {
			available = append(available, img)
		} else {
			toCache = append(toCache, img)
		}
	}
	if desired == nil {
		desired = []image.Image{}
	}
	if common == nil {
		common = []image.CachedImage{}
	}

	stillMissing := map[string]bool{}
	for _, img := range toCache {
		stillMissing[img.URL] = true
	}

	c.mu.Lock()
	c.desired = desired
	c.available = available
	c.toCache = toCache
	c.common = common
	c.updatedAt = time.Now()
	// Keep only failures for images that are still missing; everything
	// else is history.
	for url, job := range c.jobs {
		if job.State() == puller.StateDone || !stillMissing[url] {
			delete(c.jobs, url)
		}
	}
	c.mu.Unlock()

	metrics.DesiredImages.WithLabelValues(c.spec.Name).Set(float64(len(desired)))
	metrics.AvailableImages.WithLabelValues(c.spec.Name).Set(float64(len(available)))
}

func (c *Controller) commonCache() []image.CachedImage {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.common
}

// DesiredImages is the outcome of the last successful round.
func (c *Controller) DesiredImages() []image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.desired)
}

// AvailableImages is the subset of the desired images present on every
// target node as of the last successful round.
func (c *Controller) AvailableImages() []image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.available)
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		Name:            c.spec.Name,
		Labels:          c.spec.NodeSelector,
		CommonCache:     slices.Clone(c.common),
		DesiredImages:   slices.Clone(c.desired),
		AvailableImages: slices.Clone(c.available),
		ImagesToCache:   slices.Clone(c.toCache),
		UpdatedAt:       c.updatedAt,
	}
	if status.Labels == nil {
		status.Labels = map[string]string{}
	}

	for url, job := range c.jobs {
		completed, target := job.Progress()
		ps := PullStatus{
			ImageURL:       url,
			State:          string(job.State()),
			CompletedNodes: completed,
			TargetNodes:    target,
		}
		if err := job.Err(); err != nil {
			ps.Error = err.Error()
		}
		status.Pulling = append(status.Pulling, ps)
	}
	sort.Slice(status.Pulling, func(i, j int) bool {
		return status.Pulling[i].ImageURL < status.Pulling[j].ImageURL
	})

	return status
}
