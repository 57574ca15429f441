package health

import (
	"net/http"
	"sync/atomic"
)

// Probe is a single liveness or readiness signal exposed over HTTP.
type Probe struct {
	name  string
	ready atomic.Bool
}

func NewProbe(name string) *Probe {
	return &Probe{name: name}
}

func (p *Probe) Name() string { return p.name }
func (p *Probe) Enable()      { p.ready.Store(true) }
func (p *Probe) Disable()     { p.ready.Store(false) }
func (p *Probe) Status() bool { return p.ready.Load() }

func (p *Probe) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	if !p.Status() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
