package inventory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/lsst-sqre/cachemachine/internal/image"
)

// NodeRecord is one node's contribution to a snapshot.
type NodeRecord struct {
	Name          string
	Labels        labels.Set
	Unschedulable bool
	Images        []image.CachedImage
}

// Snapshot is a point in time view of the image caches of every node in the
// cluster. It is immutable once taken; accessor methods return fresh slices.
type Snapshot struct {
	TakenAt time.Time
	Nodes   []NodeRecord
}

// Matching returns the nodes a policy targets. Cordoned nodes are left out:
// nothing schedules there, so their caches cannot serve anyone.
func (s *Snapshot) Matching(selector labels.Selector) []NodeRecord {
	if s == nil {
		return nil
	}

	var out []NodeRecord
	for _, node := range s.Nodes {
		if node.Unschedulable {
			continue
		}
		if selector.Matches(node.Labels) {
			out = append(out, node)
		}
	}

	return out
}

// CommonImages returns the images present on every node the selector matches,
// keyed by tagged reference and digest. Tags are unioned across nodes: an
// image may have been pulled by different tags on different nodes, and any of
// them names the same data. No matching nodes means no common images.
func (s *Snapshot) CommonImages(selector labels.Selector) []image.CachedImage {
	var common []image.CachedImage

	for i, node := range s.Matching(selector) {
		if i == 0 {
			common = cloneImages(node.Images)
			continue
		}
		common = intersect(common, node.Images)
	}

	return common
}

func intersect(common, node []image.CachedImage) []image.CachedImage {
	var out []image.CachedImage
	for _, c := range common {
		for _, n := range node {
			if c.URL != n.URL || c.Digest != n.Digest {
				continue
			}
			for _, t := range n.Tags {
				if !slices.Contains(c.Tags, t) {
					c.Tags = append(c.Tags, t)
				}
			}
			out = append(out, c)

			break
		}
	}

	return out
}

func cloneImages(in []image.CachedImage) []image.CachedImage {
	out := make([]image.CachedImage, len(in))
	for i, ci := range in {
		ci.Tags = slices.Clone(ci.Tags)
		out[i] = ci
	}

	return out
}

// Inventory lists cluster nodes and keeps the most recent snapshot around so
// readers never see a half built view.
type Inventory struct {
	client kubernetes.Interface

	mu   sync.RWMutex
	last *Snapshot
}

func New(client kubernetes.Interface) *Inventory {
	return &Inventory{client: client}
}

// Refresh takes a new snapshot. On failure the previous snapshot stays
// current.
func (inv *Inventory) Refresh(ctx context.Context) (*Snapshot, error) {
	nodes, err := inv.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	snap := &Snapshot{
		TakenAt: time.Now(),
		Nodes:   make([]NodeRecord, 0, len(nodes.Items)),
	}
	for _, node := range nodes.Items {
		rec := NodeRecord{
			Name:          node.Name,
			Labels:        labels.Set(node.Labels),
			Unschedulable: node.Spec.Unschedulable,
		}
		for _, entry := range node.Status.Images {
			rec.Images = append(rec.Images, image.FromNodeImageNames(entry.Names)...)
		}
		snap.Nodes = append(snap.Nodes, rec)
	}

	klog.V(4).Infof("Refreshed node inventory, %d nodes", len(snap.Nodes))

	inv.mu.Lock()
	inv.last = snap
	inv.mu.Unlock()

	return snap, nil
}

// Last returns the most recent snapshot, nil before the first refresh.
func (inv *Inventory) Last() *Snapshot {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	return inv.last
}
