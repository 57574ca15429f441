package controller

import (
	"context"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/lsst-sqre/cachemachine/internal/image"
	"github.com/lsst-sqre/cachemachine/internal/inventory"
	"github.com/lsst-sqre/cachemachine/internal/puller"
	"github.com/lsst-sqre/cachemachine/internal/source"
)

const (
	testNamespace  = "cachemachine"
	testRepo       = "registry.example.com/lsstsqre/sciplat-lab"
	testCustomTool = "registry.example.com/org/custom:v1"
)

// In order for 'go test' to run this suite, we need to create
// a normal test function and pass our suite to suite.Run
func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

type ManagerTestSuite struct {
	suite.Suite

	client    *fake.Clientset
	registry  *stubRegistry
	inv       *inventory.Inventory
	orch      *puller.Orchestrator
	manager   *Manager
	dsCreates atomic.Int32

	ctx         context.Context
	cancel      context.CancelFunc
	managerDone chan struct{}
}

func (s *ManagerTestSuite) SetupTest() {
	s.client = fake.NewSimpleClientset(
		poolNode("jupyter-a", "jupyter"),
		poolNode("jupyter-b", "jupyter"),
		poolNode("worker-a", "batch"),
	)
	s.dsCreates.Store(0)
	s.client.PrependReactor("create", "daemonsets", func(action k8stesting.Action) (bool, runtime.Object, error) {
		// The fake apiserver does not maintain metadata.generation, but
		// the completion check relies on it.
		ds := action.(k8stesting.CreateAction).GetObject().(*appsv1.DaemonSet)
		ds.Generation = 1
		s.dsCreates.Add(1)
		return false, nil, nil
	})

	s.registry = newStubRegistry()
	s.inv = inventory.New(s.client)
	s.orch = puller.New(s.client, puller.Config{
		Namespace:    testNamespace,
		Command:      []string{"/bin/sh", "-c", "sleep 1200"},
		PollInterval: 2 * time.Millisecond,
		PullTimeout:  5 * time.Second,
	})
	s.manager = NewManager(s.inv, s.orch, s.registry, 25*time.Millisecond)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.managerDone = make(chan struct{})
	go func() {
		defer close(s.managerDone)
		s.manager.Run(s.ctx)
	}()
	s.Require().Eventually(s.managerRunning, time.Second, time.Millisecond)
}

func (s *ManagerTestSuite) TearDownTest() {
	s.cancel()
	<-s.managerDone
	s.orch.Wait()
}

func (s *ManagerTestSuite) managerRunning() bool {
	s.manager.mu.Lock()
	defer s.manager.mu.Unlock()

	return s.manager.running
}

func poolNode(name, role string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{"node-role": role},
		},
	}
}

func jupyterSpec(sources ...source.Config) PolicySpec {
	return PolicySpec{
		Name:         "jupyter",
		NodeSelector: map[string]string{"node-role": "jupyter"},
		Sources:      sources,
	}
}

func sciplatSource() source.Config {
	return source.Config{
		Type:           source.TypeRubin,
		RegistryURL:    "registry.example.com",
		Repo:           "lsstsqre/sciplat-lab",
		RecommendedTag: "recommended",
		NumReleases:    1,
		NumWeeklies:    2,
		NumDailies:     1,
	}
}

// startKubelet runs a loop that plays the part of the kubelets: whenever a
// pull daemonset shows up it adds the pulled image to the image list of
// every targeted node and marks the daemonset available on all of them.
func (s *ManagerTestSuite) startKubelet() {
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.completePullDaemonSets()
			}
		}
	}()
}

func (s *ManagerTestSuite) completePullDaemonSets() {
	ctx := context.Background()
	list, err := s.client.AppsV1().DaemonSets(testNamespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return
	}

	for i := range list.Items {
		ds := &list.Items[i]
		if ds.Status.ObservedGeneration >= ds.Generation {
			continue
		}
		url := ds.Annotations[puller.AnnotationImageURL]
		if url == "" {
			continue
		}

		nodes := s.nodesMatching(ctx, ds.Spec.Template.Spec.NodeSelector)
		for _, node := range nodes {
			s.addImageToNode(ctx, node, url)
		}

		ds.Status.ObservedGeneration = ds.Generation
		ds.Status.DesiredNumberScheduled = int32(len(nodes))
		ds.Status.NumberAvailable = int32(len(nodes))
		_, _ = s.client.AppsV1().DaemonSets(testNamespace).UpdateStatus(ctx, ds, metav1.UpdateOptions{})
	}
}

func (s *ManagerTestSuite) nodesMatching(ctx context.Context, nodeSelector map[string]string) []string {
	selector := labels.SelectorFromSet(nodeSelector).String()
	list, err := s.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(list.Items))
	for _, node := range list.Items {
		names = append(names, node.Name)
	}

	return names
}

// addImageToNode records a pulled image the way kubelet does: all names of
// one manifest share a single status entry, so pulling another tag of an
// already cached digest only appends a name.
func (s *ManagerTestSuite) addImageToNode(ctx context.Context, nodeName, url string) {
	digest := s.registry.digestFor(url)
	digestName := url[:strings.LastIndex(url, ":")] + "@" + digest

	node, err := s.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return
	}

	for i := range node.Status.Images {
		entry := &node.Status.Images[i]
		if len(entry.Names) == 0 || entry.Names[0] != digestName {
			continue
		}
		if !slices.Contains(entry.Names, url) {
			entry.Names = append(entry.Names, url)
			_, _ = s.client.CoreV1().Nodes().UpdateStatus(ctx, node, metav1.UpdateOptions{})
		}
		return
	}

	node.Status.Images = append(node.Status.Images, corev1.ContainerImage{Names: []string{digestName, url}})
	_, _ = s.client.CoreV1().Nodes().UpdateStatus(ctx, node, metav1.UpdateOptions{})
}

func (s *ManagerTestSuite) TestPolicyEndToEnd() {
	s.startKubelet()
	s.registry.setRepo(testRepo, map[string]string{
		"r22_0_0":      "sha256:1111",
		"w_2021_33":    "sha256:3333",
		"w_2021_32":    "sha256:2222",
		"d_2021_08_16": "sha256:4444",
		"recommended":  "sha256:3333",
	})

	ctrl, err := s.manager.Create(jupyterSpec(sciplatSource(), pinnedSource("Custom Tool", testCustomTool)))
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		status := ctrl.Status()
		return len(status.AvailableImages) == 6 && len(status.ImagesToCache) == 0
	}, 5*time.Second, 5*time.Millisecond)

	status := ctrl.Status()
	urls := make([]string, 0, len(status.DesiredImages))
	for _, img := range status.DesiredImages {
		urls = append(urls, img.URL)
	}
	s.Equal([]string{
		testRepo + ":r22_0_0",
		testRepo + ":w_2021_33",
		testRepo + ":w_2021_32",
		testRepo + ":d_2021_08_16",
		testRepo + ":recommended",
		testCustomTool,
	}, urls)
	s.Empty(status.Pulling)

	// Once the nodes hold the recommended tag, the next round names the
	// weekly it points at.
	s.Require().Eventually(func() bool {
		for _, img := range ctrl.Status().DesiredImages {
			if img.Category == image.CategoryRecommended {
				return img.Name == "Recommended (Weekly 2021_33)"
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	// Each image was pulled exactly once; later rounds found the cache
	// already full.
	s.Equal(int32(6), s.dsCreates.Load())

	list, err := s.client.AppsV1().DaemonSets(testNamespace).List(context.Background(), metav1.ListOptions{})
	s.Require().NoError(err)
	s.Empty(list.Items, "pull daemonsets must not outlive their pulls")

	var recommendedTags []string
	for _, cached := range ctrl.Status().CommonCache {
		if cached.URL == testRepo+":recommended" {
			recommendedTags = cached.Tags
		}
	}
	s.ElementsMatch([]string{"recommended", "w_2021_33"}, recommendedTags)
}

func (s *ManagerTestSuite) TestPolicyWithoutTargetNodes() {
	ctrl, err := s.manager.Create(PolicySpec{
		Name:         "gpu",
		NodeSelector: map[string]string{"node-role": "gpu"},
		Sources:      []source.Config{pinnedSource("CUDA Tool", "registry.example.com/org/cuda:v2")},
	})
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		return len(ctrl.Status().DesiredImages) == 1
	}, 5*time.Second, 5*time.Millisecond)

	status := ctrl.Status()
	s.Equal("CUDA Tool", status.DesiredImages[0].Name)
	s.Empty(status.AvailableImages)
	s.Equal(status.DesiredImages, status.ImagesToCache)
	s.Empty(status.CommonCache)
	s.Equal(int32(0), s.dsCreates.Load(), "no nodes to fill means no pull daemonsets")
}

func (s *ManagerTestSuite) TestSourceUnavailableRecovery() {
	s.startKubelet()

	// The repository does not exist yet, so every round fails and the
	// policy publishes nothing.
	ctrl, err := s.manager.Create(jupyterSpec(source.Config{
		Type:           source.TypeRubin,
		RegistryURL:    "registry.example.com",
		Repo:           "lsstsqre/sciplat-lab",
		RecommendedTag: "recommended",
		NumWeeklies:    1,
	}))
	s.Require().NoError(err)

	time.Sleep(80 * time.Millisecond)
	s.Empty(ctrl.Status().DesiredImages)

	s.registry.setRepo(testRepo, map[string]string{
		"w_2021_33":   "sha256:3333",
		"recommended": "sha256:3333",
	})

	s.Require().Eventually(func() bool {
		return len(ctrl.Status().AvailableImages) == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func (s *ManagerTestSuite) TestUnavailableSourceSkipped() {
	s.startKubelet()

	// The rubin repository does not exist, but that must not starve the
	// pinned source in the same policy.
	ctrl, err := s.manager.Create(jupyterSpec(
		source.Config{
			Type:        source.TypeRubin,
			RegistryURL: "registry.example.com",
			Repo:        "lsstsqre/sciplat-lab",
			NumWeeklies: 1,
		},
		pinnedSource("Custom Tool", testCustomTool),
	))
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		status := ctrl.Status()
		return len(status.AvailableImages) == 1 && status.AvailableImages[0].URL == testCustomTool
	}, 5*time.Second, 5*time.Millisecond)
}

func (s *ManagerTestSuite) TestPullFailureVisibleInStatus() {
	// A private orchestrator with a tiny pull deadline; no kubelet loop
	// runs, so every pull times out.
	orch := puller.New(s.client, puller.Config{
		Namespace:    testNamespace,
		PollInterval: 2 * time.Millisecond,
		PullTimeout:  30 * time.Millisecond,
	})
	manager := NewManager(s.inv, orch, s.registry, 25*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
		orch.Wait()
	}()
	s.Require().Eventually(func() bool {
		manager.mu.Lock()
		defer manager.mu.Unlock()
		return manager.running
	}, time.Second, time.Millisecond)

	ctrl, err := manager.Create(jupyterSpec(pinnedSource("Custom Tool", testCustomTool)))
	s.Require().NoError(err)

	var failed PullStatus
	s.Require().Eventually(func() bool {
		pulling := ctrl.Status().Pulling
		if len(pulling) != 1 || pulling[0].State != string(puller.StateFailed) {
			return false
		}
		failed = pulling[0]
		return true
	}, 5*time.Second, 5*time.Millisecond)

	s.Equal(testCustomTool, failed.ImageURL)
	s.Contains(failed.Error, "timed out")
}

func (s *ManagerTestSuite) TestManagerLifecycle() {
	ctrl, err := s.manager.Create(jupyterSpec(pinnedSource("Custom Tool", testCustomTool)))
	s.Require().NoError(err)

	_, err = s.manager.Create(jupyterSpec(pinnedSource("Custom Tool", testCustomTool)))
	s.ErrorIs(err, ErrPolicyExists)

	got, err := s.manager.Get("jupyter")
	s.Require().NoError(err)
	s.Same(ctrl, got)

	_, err = s.manager.Get("missing")
	s.ErrorIs(err, ErrPolicyNotFound)

	batch, err := s.manager.Create(PolicySpec{
		Name:         "batch",
		NodeSelector: map[string]string{"node-role": "batch"},
		Sources:      []source.Config{pinnedSource("Worker", "registry.example.com/org/worker:v3")},
	})
	s.Require().NoError(err)

	list := s.manager.List()
	s.Require().Len(list, 2)
	s.Same(batch, list[0])
	s.Same(ctrl, list[1])

	s.Require().NoError(s.manager.Delete("jupyter"))
	_, err = s.manager.Get("jupyter")
	s.ErrorIs(err, ErrPolicyNotFound)
	s.ErrorIs(s.manager.Delete("jupyter"), ErrPolicyNotFound)
}

func (s *ManagerTestSuite) TestManagerRejectsInvalidPolicy() {
	_, err := s.manager.Create(PolicySpec{})
	s.ErrorIs(err, ErrInvalidPolicy)
}

func (s *ManagerTestSuite) TestManagerRefusesWhenNotRunning() {
	idle := NewManager(s.inv, s.orch, s.registry, time.Minute)

	_, err := idle.Create(jupyterSpec(pinnedSource("Custom Tool", testCustomTool)))
	s.ErrorIs(err, ErrNotLeader)
	s.ErrorIs(idle.Delete("jupyter"), ErrNotLeader)
	s.Empty(idle.List())
}
