package servicepool

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/yungbote/neurobridge-backend/internal/observability"
	pkgerrors "github.com/yungbote/neurobridge-backend/internal/pkg/errors"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// consecutiveFailureThreshold is how many consecutive unhealthy probes a
// service may fail without penalty: the health bit flips to false only
// once more than this many have failed in a row. A lone 404 or
// a single dropped connection doesn't pull a GPU service out of rotation.
const consecutiveFailureThreshold = 3

// healthRecheckInterval is how often Acquire re-checks a service's health
// bit while waiting out a caller's deadline for recovery.
const healthRecheckInterval = 250 * time.Millisecond

// ServiceType identifies a GPU-backed inference service. Captioning gets
// a weight-1 semaphore so only one caption request runs at a time across
// the whole process, matching the spec's single-flight requirement for
// that service; the others get a configured concurrency limit.
type ServiceType string

const (
	ServiceCaption ServiceType = "caption"
	ServiceRating  ServiceType = "rating"
	ServiceDetect  ServiceType = "detect"
)

// ServiceConfig is one service's base URL and concurrency limit.
type ServiceConfig struct {
	Type      ServiceType
	BaseURL   string
	MaxInFlight int64
}

type entry struct {
	cfg                 ServiceConfig
	sem                 *semaphore.Weighted
	healthy             atomic.Bool
	consecutiveFailures atomic.Int32
	client              *http.Client
}

// Pool is the single process-wide gate in front of every GPU inference
// service: each service type gets a bounded semaphore (captioning's is
// weight 1, enforcing single-flight) and a periodically refreshed health
// bit that Acquire consults before handing out a slot.
type Pool struct {
	log     *logger.Logger
	mu      sync.RWMutex
	entries map[ServiceType]*entry
}

func New(log *logger.Logger, configs []ServiceConfig) *Pool {
	p := &Pool{
		log:     log.With("service", "ServicePool"),
		entries: make(map[ServiceType]*entry, len(configs)),
	}
	for _, c := range configs {
		e := &entry{
			cfg: c,
			sem: semaphore.NewWeighted(c.MaxInFlight),
			client: &http.Client{
				Timeout: 60 * time.Second,
				Transport: &http.Transport{
					MaxIdleConns:        c.MaxInFlight * 2,
					MaxIdleConnsPerHost: int(c.MaxInFlight) * 2,
					IdleConnTimeout:     90 * time.Second,
				},
			},
		}
		e.healthy.Store(true)
		p.entries[c.Type] = e
	}
	return p
}

// Lease is a held slot against one service's semaphore. Callers must call
// Release exactly once.
type Lease struct {
	e *entry
}

func (l *Lease) Release() {
	if l == nil || l.e == nil {
		return
	}
	l.e.sem.Release(1)
}

// Acquire blocks until a slot is free on the named service. If the
// service's health bit is false when called, it waits out the caller's
// context deadline for the service to recover before giving up with
// ErrServiceUnhealthy; it never rejects on the strength of a single
// observed-unhealthy moment.
func (p *Pool) Acquire(ctx context.Context, svc ServiceType) (*Lease, error) {
	p.mu.RLock()
	e, ok := p.entries[svc]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("service pool: unknown service %q", svc)
	}

	if err := p.waitHealthy(ctx, e); err != nil {
		return nil, err
	}

	waitStart := time.Now()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	observability.Current().ObservePoolAcquireWait(string(svc), time.Since(waitStart))
	return &Lease{e: e}, nil
}

// waitHealthy blocks until e's health bit is set or ctx is done,
// polling at healthRecheckInterval so a service that recovers mid-wait
// is picked up instead of failing a caller that gave a generous deadline.
func (p *Pool) waitHealthy(ctx context.Context, e *entry) error {
	if e.healthy.Load() {
		return nil
	}
	ticker := time.NewTicker(healthRecheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return pkgerrors.ErrServiceUnhealthy
		case <-ticker.C:
			if e.healthy.Load() {
				return nil
			}
		}
	}
}

func (p *Pool) BaseURL(svc ServiceType) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[svc]
	if !ok {
		return "", false
	}
	return e.cfg.BaseURL, true
}

func (p *Pool) Client(svc ServiceType) (*http.Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[svc]
	if !ok {
		return nil, false
	}
	return e.client, true
}

func (p *Pool) Healthy(svc ServiceType) bool {
	p.mu.RLock()
	e, ok := p.entries[svc]
	p.mu.RUnlock()
	return ok && e.healthy.Load()
}

// RunHealthChecks starts one goroutine per registered service that GETs
// "<base>/" on the given interval. 200, 404, and 405 all count as alive;
// anything else counts as a failed probe, and the health bit only flips
// to false once more than consecutiveFailureThreshold probes in a row
// have failed.
func (p *Pool) RunHealthChecks(ctx context.Context, interval time.Duration) {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	for _, e := range entries {
		go p.healthLoop(ctx, e, interval)
	}
}

func (p *Pool) healthLoop(ctx context.Context, e *entry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx, e)
		}
	}
}

func (p *Pool) probe(ctx context.Context, e *entry) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, e.cfg.BaseURL+"/", nil)
	if err != nil {
		p.recordProbeFailure(e)
		return
	}
	resp, err := e.client.Do(req)
	if err != nil {
		p.log.Warn("service health probe failed", "service", e.cfg.Type, "error", err)
		p.recordProbeFailure(e)
		return
	}
	defer resp.Body.Close()

	if isHealthyStatus(resp.StatusCode) {
		e.consecutiveFailures.Store(0)
		e.healthy.Store(true)
		observability.Current().SetServiceUnhealthy(string(e.cfg.Type), false)
		return
	}
	p.log.Warn("service health probe unhealthy", "service", e.cfg.Type, "status", resp.StatusCode)
	p.recordProbeFailure(e)
}

// isHealthyStatus reports whether a probe response counts as alive. 404
// and 405 are included because a bare "/" may not be a registered route
// on the inference service; either still proves the process is up.
func isHealthyStatus(code int) bool {
	return (code >= 200 && code < 300) || code == http.StatusNotFound || code == http.StatusMethodNotAllowed
}

// recordProbeFailure bumps e's consecutive-failure counter and only
// flips the health bit to false once the counter exceeds the threshold,
// so one transient probe failure doesn't take the service out of rotation.
func (p *Pool) recordProbeFailure(e *entry) {
	n := e.consecutiveFailures.Add(1)
	if n > consecutiveFailureThreshold {
		e.healthy.Store(false)
		observability.Current().SetServiceUnhealthy(string(e.cfg.Type), true)
	}
}
