package puller

import (
	"context"
	"fmt"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/lsst-sqre/cachemachine/internal/names"
)

const (
	// The plain cachemachine label is what NetworkPolicy objects in
	// existing deployments select on, so it stays unprefixed.
	LabelPurposeName  = "cachemachine"
	LabelPurposeValue = "pull"

	LabelPolicyName = "cachemachine.lsst.io/policy"

	AnnotationImageURL = "cachemachine.lsst.io/image"

	pullContainerName = "cachemachine"
)

var maxUnavailablePodsDuringRollingUpdate = intstr.FromString("100%")

func daemonSetName(spec Spec) string {
	pullHash := strconv.FormatUint(uint64(names.Hash(spec.key())), 10)

	return names.Make("cachemachine", spec.Policy, pullHash)
}

func (o *Orchestrator) buildDaemonSet(spec Spec, tolerations []corev1.Toleration) *appsv1.DaemonSet {
	name := daemonSetName(spec)

	dsLabels := map[string]string{
		"app":            name,
		LabelPurposeName: LabelPurposeValue,
		LabelPolicyName:  spec.Policy,
	}
	annotations := map[string]string{AnnotationImageURL: spec.ImageURL}

	imagePullSecrets := []corev1.LocalObjectReference{}
	for _, secretName := range o.cfg.PullSecretNames {
		imagePullSecrets = append(imagePullSecrets, corev1.LocalObjectReference{Name: secretName})
	}

	// The container just sits there for a while. A DaemonSet pod cannot
	// have any restart policy but Always, so a command that exits right
	// away would flap; the sleep is long enough for the poller to notice
	// completion and delete the whole thing first.
	container := corev1.Container{
		Name:            pullContainerName,
		Image:           spec.ImageURL,
		ImagePullPolicy: corev1.PullAlways,
		Command:         o.cfg.Command,
		Resources:       o.cfg.Resources,
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: ptr.To(false),
			Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
			ReadOnlyRootFilesystem:   ptr.To(true),
		},
	}

	return &appsv1.DaemonSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   o.cfg.Namespace,
			Labels:      dsLabels,
			Annotations: annotations,
		},
		Spec: appsv1.DaemonSetSpec{
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
			UpdateStrategy: appsv1.DaemonSetUpdateStrategy{
				Type:          appsv1.RollingUpdateDaemonSetStrategyType,
				RollingUpdate: &appsv1.RollingUpdateDaemonSet{MaxUnavailable: &maxUnavailablePodsDuringRollingUpdate},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      dsLabels,
					Annotations: annotations,
				},
				Spec: corev1.PodSpec{
					AutomountServiceAccountToken: ptr.To(false),
					Containers:                   []corev1.Container{container},
					ImagePullSecrets:             imagePullSecrets,
					NodeSelector:                 spec.NodeSelector,
					Tolerations:                  tolerations,
					SecurityContext: &corev1.PodSecurityContext{
						RunAsNonRoot: ptr.To(true),
						RunAsUser:    ptr.To[int64](1000),
						RunAsGroup:   ptr.To[int64](1000),
					},
				},
			},
		},
	}
}

// tolerationsForTargets derives tolerations from the taints of the nodes the
// selector matches, so pull pods can land on tainted dedicated nodes too.
func (o *Orchestrator) tolerationsForTargets(ctx context.Context, nodeSelector map[string]string) ([]corev1.Toleration, error) {
	nodes, err := o.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(labels.Set(nodeSelector)).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list nodes: %w", err)
	}

	tolerationMap := map[string]corev1.Toleration{}
	for _, node := range nodes.Items {
		for _, taint := range node.Spec.Taints {
			key := taint.ToString()
			if _, ok := tolerationMap[key]; ok {
				continue
			}

			operator := corev1.TolerationOpExists
			if taint.Value != "" {
				operator = corev1.TolerationOpEqual
			}
			tolerationMap[key] = corev1.Toleration{
				Key:      taint.Key,
				Operator: operator,
				Value:    taint.Value,
				Effect:   taint.Effect,
			}
		}
	}

	tolerations := make([]corev1.Toleration, 0, len(tolerationMap))
	for _, toleration := range tolerationMap {
		tolerations = append(tolerations, toleration)
	}

	return tolerations, nil
}

func (o *Orchestrator) createDaemonSet(ctx context.Context, spec Spec) error {
	tolerations, err := o.tolerationsForTargets(ctx, spec.NodeSelector)
	if err != nil {
		return fmt.Errorf("get tolerations for pull: %w", err)
	}

	daemonSet := o.buildDaemonSet(spec, tolerations)

	_, err = o.client.AppsV1().DaemonSets(o.cfg.Namespace).Create(ctx, daemonSet, metav1.CreateOptions{})
	if err != nil {
		// A leftover from an earlier attempt with the same spec, adopt it.
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("create daemonset %s: %w", daemonSet.Name, err)
	}

	return nil
}

func (o *Orchestrator) deleteDaemonSet(ctx context.Context, name string) error {
	err := o.client.AppsV1().DaemonSets(o.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete daemonset %s: %w", name, err)
	}

	return nil
}

// daemonSetFinished reports whether every targeted node runs an available
// pod. The generation guard keeps a freshly created object, whose status
// still reads 0/0, from counting as finished.
func daemonSetFinished(ds *appsv1.DaemonSet) bool {
	if ds.Status.ObservedGeneration < ds.Generation {
		return false
	}

	return ds.Status.DesiredNumberScheduled == ds.Status.NumberAvailable
}
