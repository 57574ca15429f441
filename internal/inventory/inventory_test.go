package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/lsst-sqre/cachemachine/internal/image"
)

// In order for 'go test' to run this suite, we need to create
// a normal test function and pass our suite to suite.Run
func TestInventoryTestSuite(t *testing.T) {
	suite.Run(t, new(InventoryTestSuite))
}

type InventoryTestSuite struct {
	suite.Suite

	ctx context.Context
}

func (s *InventoryTestSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *InventoryTestSuite) selector(set map[string]string) labels.Selector {
	selector, err := labels.ValidatedSelectorFromSet(set)
	s.Require().NoError(err)

	return selector
}

func makeNode(name string, nodeLabels map[string]string, unschedulable bool, imageNames ...[]string) *corev1.Node {
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: nodeLabels},
		Spec:       corev1.NodeSpec{Unschedulable: unschedulable},
	}
	for _, names := range imageNames {
		node.Status.Images = append(node.Status.Images, corev1.ContainerImage{Names: names})
	}

	return node
}

func (s *InventoryTestSuite) TestRefreshAndMatching() {
	client := fake.NewSimpleClientset(
		makeNode("jupyter-a", map[string]string{"node-role": "jupyter", "zone": "a"}, false),
		makeNode("jupyter-b", map[string]string{"node-role": "jupyter", "zone": "b"}, false),
		makeNode("worker-a", map[string]string{"node-role": "worker"}, false),
		makeNode("jupyter-cordoned", map[string]string{"node-role": "jupyter"}, true),
	)

	inv := New(client)
	snap, err := inv.Refresh(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(snap.Nodes, 4)
	s.Require().False(snap.TakenAt.IsZero())

	matching := snap.Matching(s.selector(map[string]string{"node-role": "jupyter"}))
	s.Require().Len(matching, 2)
	s.Require().Equal("jupyter-a", matching[0].Name)
	s.Require().Equal("jupyter-b", matching[1].Name)

	everything := snap.Matching(labels.Everything())
	s.Require().Len(everything, 3, "cordoned nodes never match")
}

func (s *InventoryTestSuite) TestCommonImages() {
	client := fake.NewSimpleClientset(
		makeNode("jupyter-a", map[string]string{"node-role": "jupyter"}, false,
			[]string{
				"registry.example.com/org/lab@sha256:aaaa",
				"registry.example.com/org/lab:recommended",
				"registry.example.com/org/lab:w_2021_33",
			},
			[]string{
				"registry.example.com/org/other@sha256:bbbb",
				"registry.example.com/org/other:latest",
			},
		),
		makeNode("jupyter-b", map[string]string{"node-role": "jupyter"}, false,
			[]string{
				"registry.example.com/org/lab@sha256:aaaa",
				"registry.example.com/org/lab:recommended",
			},
		),
	)

	inv := New(client)
	snap, err := inv.Refresh(s.ctx)
	s.Require().NoError(err)

	common := snap.CommonImages(s.selector(map[string]string{"node-role": "jupyter"}))
	s.Require().Equal([]image.CachedImage{
		{
			URL:    "registry.example.com/org/lab:recommended",
			Digest: "sha256:aaaa",
			Tags:   []string{"recommended", "w_2021_33"},
		},
	}, common)
}

func (s *InventoryTestSuite) TestCommonImagesNoMatchingNodes() {
	client := fake.NewSimpleClientset(
		makeNode("worker-a", map[string]string{"node-role": "worker"}, false,
			[]string{
				"registry.example.com/org/lab@sha256:aaaa",
				"registry.example.com/org/lab:w_2021_33",
			},
		),
	)

	inv := New(client)
	snap, err := inv.Refresh(s.ctx)
	s.Require().NoError(err)

	s.Require().Empty(snap.CommonImages(s.selector(map[string]string{"node-role": "jupyter"})))
}

func (s *InventoryTestSuite) TestRefreshFailureKeepsLastSnapshot() {
	client := fake.NewSimpleClientset(makeNode("jupyter-a", map[string]string{"node-role": "jupyter"}, false))

	inv := New(client)
	s.Require().Nil(inv.Last())

	snap, err := inv.Refresh(s.ctx)
	s.Require().NoError(err)
	s.Require().Same(snap, inv.Last())

	client.PrependReactor("list", "nodes", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver down")
	})

	_, err = inv.Refresh(s.ctx)
	s.Require().Error(err)
	s.Require().Same(snap, inv.Last())
}
