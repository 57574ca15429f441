package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/lsst-sqre/cachemachine/internal/inventory"
	"github.com/lsst-sqre/cachemachine/internal/metrics"
	"github.com/lsst-sqre/cachemachine/internal/puller"
	"github.com/lsst-sqre/cachemachine/internal/registry"
)

var (
	ErrPolicyExists   = errors.New("policy already exists")
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrNotLeader rejects mutations while this instance does not hold
	// the leader lease. Only the leader runs controllers, so accepting a
	// policy here would silently do nothing.
	ErrNotLeader = errors.New("not the leader")
)

type managedController struct {
	controller *Controller
	cancel     context.CancelFunc
}

// Manager owns the policy set. Each accepted policy gets its own controller
// goroutine; deleting a policy stops the controller and tears down its
// running pulls.
type Manager struct {
	inv      *inventory.Inventory
	orch     *puller.Orchestrator
	registry registry.Client
	interval time.Duration

	mu          sync.Mutex
	ctx         context.Context
	running     bool
	controllers map[string]*managedController

	wg sync.WaitGroup
}

func NewManager(inv *inventory.Inventory, orch *puller.Orchestrator, reg registry.Client, interval time.Duration) *Manager {
	return &Manager{
		inv:         inv,
		orch:        orch,
		registry:    reg,
		interval:    interval,
		controllers: map[string]*managedController{},
	}
}

// Run starts accepting policies and blocks until the context is canceled,
// then stops every controller and waits for them to return.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.running = true
	m.mu.Unlock()

	klog.Infof("Policy manager is running")
	<-ctx.Done()
	klog.Infof("Policy manager is shutting down")

	m.mu.Lock()
	m.running = false
	for name, mc := range m.controllers {
		mc.cancel()
		delete(m.controllers, name)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) Create(spec PolicySpec) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil, ErrNotLeader
	}
	if _, ok := m.controllers[spec.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyExists, spec.Name)
	}

	ctrl, err := New(spec, m.inv, m.orch, m.registry, m.interval)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.controllers[spec.Name] = &managedController{controller: ctrl, cancel: cancel}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctrl.run(ctx)
	}()

	klog.Infof("Created policy %s", spec.Name)

	return ctrl, nil
}

func (m *Manager) Get(name string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.controllers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}

	return mc.controller, nil
}

// List returns the controllers sorted by policy name.
func (m *Manager) List() []*Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Controller, 0, len(m.controllers))
	for _, mc := range m.controllers {
		out = append(out, mc.controller)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })

	return out
}

// Delete stops a policy's controller, aborts its running pulls and drops its
// metric series.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotLeader
	}
	mc, ok := m.controllers[name]
	if ok {
		delete(m.controllers, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}

	mc.cancel()
	m.orch.CancelPolicy(name)
	metrics.DeletePolicy(name)

	klog.Infof("Deleted policy %s", name)

	return nil
}
