package puller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/lsst-sqre/cachemachine/internal/metrics"
	"github.com/lsst-sqre/cachemachine/internal/names"
)

// ErrPullTimeout marks pulls that did not finish on every node within the
// configured deadline.
var ErrPullTimeout = errors.New("image pull timed out")

// State is where a pull job currently is. Jobs move Pending, Creating,
// Waiting, Deleting and end in Done or Failed.
type State string

const (
	StatePending  State = "pending"
	StateCreating State = "creating"
	StateWaiting  State = "waiting"
	StateDeleting State = "deleting"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// Spec describes one pull: get ImageURL into the cache of every node that
// NodeSelector matches. Policy records who asked first and only shows up in
// names, labels and logs.
type Spec struct {
	Policy       string
	ImageURL     string
	NodeSelector map[string]string
}

// key identifies a pull by what it does, not who asked: pulling the same
// image onto the same node set is the same work no matter the policy.
func (s Spec) key() string {
	return fmt.Sprintf("%s@%d", s.ImageURL, names.LabelMapHash(s.NodeSelector))
}

// Job is one in-flight or finished pull.
type Job struct {
	spec          Spec
	daemonSetName string
	cancel        context.CancelFunc

	mu        sync.Mutex
	state     State
	completed int32
	target    int32
	err       error

	done chan struct{}
}

func newJob(spec Spec, cancel context.CancelFunc) *Job {
	return &Job{
		spec:          spec,
		daemonSetName: daemonSetName(spec),
		cancel:        cancel,
		state:         StatePending,
		done:          make(chan struct{}),
	}
}

func (j *Job) Spec() Spec { return j.spec }

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.state
}

// Progress reports how many of the targeted nodes hold the image already.
// Both counts are zero until the pull daemonset reports its first status.
func (j *Job) Progress() (completed, target int32) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.completed, j.target
}

// Err returns what failed a job, nil while running or when done.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.err
}

func (j *Job) Finished() bool {
	state := j.State()

	return state == StateDone || state == StateFailed
}

// Wait blocks until the job finishes and returns its final error, or the
// context's error if that gives up first. The job keeps running either way.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-j.done:
		return j.Err()
	}
}

func (j *Job) setState(state State) {
	j.mu.Lock()
	j.state = state
	j.mu.Unlock()
}

func (j *Job) setProgress(completed, target int32) {
	j.mu.Lock()
	j.completed = completed
	j.target = target
	j.mu.Unlock()
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	if err != nil {
		j.state = StateFailed
		j.err = err
	} else {
		j.state = StateDone
	}
	j.mu.Unlock()

	close(j.done)
}

// Config carries the knobs for the pull daemonsets and the completion poll.
type Config struct {
	Namespace       string
	PullSecretNames []string
	Command         []string
	Resources       corev1.ResourceRequirements
	PollInterval    time.Duration
	PullTimeout     time.Duration
}

// Orchestrator runs pull jobs. Each job creates a daemonset running the
// image on every target node, polls it until all nodes report an available
// pod, and deletes it again. At most one job per image and node selector
// runs at a time; asking again while one is running returns the running job.
type Orchestrator struct {
	client kubernetes.Interface
	cfg    Config

	mu   sync.Mutex
	jobs map[string]*Job

	wg sync.WaitGroup
}

func New(client kubernetes.Interface, cfg Config) *Orchestrator {
	return &Orchestrator{
		client: client,
		cfg:    cfg,
		jobs:   map[string]*Job{},
	}
}

// EnsurePulled starts a pull job for the spec, or returns the job already
// running for the same image and node selector. A finished job is not
// reused: callers decide whether to retry by asking again.
func (o *Orchestrator) EnsurePulled(ctx context.Context, spec Spec) *Job {
	key := spec.key()

	o.mu.Lock()
	if job, ok := o.jobs[key]; ok && !job.Finished() {
		o.mu.Unlock()
		return job
	}

	jobCtx, cancel := context.WithCancel(ctx)
	job := newJob(spec, cancel)
	o.jobs[key] = job
	o.mu.Unlock()

	klog.Infof("Starting pull of %s for policy %s", spec.ImageURL, spec.Policy)

	o.wg.Add(1)
	go o.run(jobCtx, job)

	return job
}

// CancelPolicy aborts every job of a policy. Their daemonsets are deleted by
// the usual cleanup path of each job.
func (o *Orchestrator) CancelPolicy(policy string) {
	o.mu.Lock()
	var cancels []context.CancelFunc
	for key, job := range o.jobs {
		if job.spec.Policy != policy {
			continue
		}
		delete(o.jobs, key)
		cancels = append(cancels, job.cancel)
	}
	o.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// SweepOrphans deletes pull daemonsets no live job accounts for. A crashed
// or deposed instance leaves its daemonsets behind; the new leader calls
// this once before starting to reconcile.
func (o *Orchestrator) SweepOrphans(ctx context.Context) error {
	selector := labels.Set{LabelPurposeName: LabelPurposeValue}.String()
	list, err := o.client.AppsV1().DaemonSets(o.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return fmt.Errorf("list pull daemonsets: %w", err)
	}

	for _, ds := range list.Items {
		if o.owns(ds.Name) {
			continue
		}
		klog.Infof("Deleting orphaned pull daemonset %s", ds.Name)
		if err := o.deleteDaemonSet(ctx, ds.Name); err != nil {
			return err
		}
	}

	return nil
}

// Wait blocks until every job goroutine has returned. Meant for shutdown,
// after the context passed to EnsurePulled was canceled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) owns(daemonSetName string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, job := range o.jobs {
		if job.daemonSetName == daemonSetName && !job.Finished() {
			return true
		}
	}

	return false
}

func (o *Orchestrator) run(ctx context.Context, job *Job) {
	defer o.wg.Done()
	defer job.cancel()

	start := time.Now()
	err := o.pull(ctx, job)
	if err != nil {
		klog.Errorf("Pull of %s for policy %s failed: %v", job.spec.ImageURL, job.spec.Policy, err)
		metrics.PullJobsTotal.WithLabelValues(job.spec.Policy, "failed").Inc()
	} else {
		klog.Infof("Pulled %s on every target node of policy %s in %s", job.spec.ImageURL, job.spec.Policy, time.Since(start).Round(time.Second))
		metrics.PullJobsTotal.WithLabelValues(job.spec.Policy, "done").Inc()
		metrics.PullDuration.WithLabelValues(job.spec.Policy).Observe(time.Since(start).Seconds())
	}

	job.finish(err)
}

func (o *Orchestrator) pull(ctx context.Context, job *Job) error {
	job.setState(StateCreating)
	if err := o.createDaemonSet(ctx, job.spec); err != nil {
		return err
	}

	job.setState(StateWaiting)
	waitErr := o.waitPulled(ctx, job)

	// Delete even when the wait failed, and even when the context is gone:
	// a leftover daemonset keeps a pod slot burning on every node.
	job.setState(StateDeleting)
	if err := o.deleteDaemonSet(context.WithoutCancel(ctx), job.daemonSetName); err != nil {
		if waitErr == nil {
			waitErr = err
		} else {
			klog.Errorf("Cleanup of daemonset %s failed: %v", job.daemonSetName, err)
		}
	}

	return waitErr
}

func (o *Orchestrator) waitPulled(ctx context.Context, job *Job) error {
	name := job.daemonSetName
	err := wait.PollUntilContextTimeout(ctx, o.cfg.PollInterval, o.cfg.PullTimeout, true, func(ctx context.Context) (bool, error) {
		ds, err := o.client.AppsV1().DaemonSets(o.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, fmt.Errorf("daemonset %s disappeared while pulling", name)
			}
			// Transient API trouble: keep polling, the timeout bounds us.
			klog.V(2).Infof("Checking on daemonset %s: %v", name, err)
			return false, nil
		}

		if ds.Status.ObservedGeneration >= ds.Generation {
			job.setProgress(ds.Status.NumberAvailable, ds.Status.DesiredNumberScheduled)
		}
		klog.V(4).Infof("Daemonset %s: %d / %d nodes ready", name, ds.Status.NumberAvailable, ds.Status.DesiredNumberScheduled)

		return daemonSetFinished(ds), nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("pull interrupted: %w", ctx.Err())
		}
		if wait.Interrupted(err) {
			return fmt.Errorf("%w after %s", ErrPullTimeout, o.cfg.PullTimeout)
		}
	}

	return err
}
