// Package connectivity decides whether the server of record can be reached
// and which base URL to talk to.
package connectivity

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/carelink/pkg/logger"
	"github.com/jwalitptl/carelink/pkg/metrics"
)

var DefaultHealthPaths = []string{"/health", "/api/health", "/ping"}

const resultKey = "reachable"

type Config struct {
	PrimaryURL   string
	FallbackURLs []string
	HealthPaths  []string
	// Timeout bounds one health request.
	Timeout time.Duration
	// CacheTTL keeps the last verdict so sweeps over many patients probe once.
	CacheTTL time.Duration
}

// Prober answers IsReachable. A base URL that answered once stays active for
// the lifetime of the prober and is tried first on later probes.
type Prober struct {
	cfg     Config
	client  *http.Client
	results *cache.Cache
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	active string
	probe  sync.Mutex
}

func NewProber(cfg Config, client *http.Client, log *logger.Logger, m *metrics.Metrics) *Prober {
	if len(cfg.HealthPaths) == 0 {
		cfg.HealthPaths = DefaultHealthPaths
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = logger.Nop()
	}
	cfg.PrimaryURL = strings.TrimRight(cfg.PrimaryURL, "/")
	fallbacks := make([]string, 0, len(cfg.FallbackURLs))
	for _, u := range cfg.FallbackURLs {
		fallbacks = append(fallbacks, strings.TrimRight(u, "/"))
	}
	cfg.FallbackURLs = fallbacks
	return &Prober{
		cfg:     cfg,
		client:  client,
		results: cache.New(cfg.CacheTTL, time.Minute),
		logger:  log.With("connectivity"),
		metrics: m,
		active:  cfg.PrimaryURL,
	}
}

// ActiveURL returns the base URL remote calls should use.
func (p *Prober) ActiveURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Invalidate forgets the cached verdict, e.g. after a remote call failed.
func (p *Prober) Invalidate() {
	p.results.Delete(resultKey)
}

// IsReachable never fails; any error simply means unreachable.
func (p *Prober) IsReachable(ctx context.Context) bool {
	if p.cfg.CacheTTL > 0 {
		if v, ok := p.results.Get(resultKey); ok {
			return v.(bool)
		}
	}

	// One probe at a time; callers that waited reuse its result.
	p.probe.Lock()
	defer p.probe.Unlock()
	if p.cfg.CacheTTL > 0 {
		if v, ok := p.results.Get(resultKey); ok {
			return v.(bool)
		}
	}

	ok := p.sweep(ctx)
	if p.cfg.CacheTTL > 0 {
		p.results.Set(resultKey, ok, p.cfg.CacheTTL)
	}
	if p.metrics != nil {
		result := "unreachable"
		if ok {
			result = "reachable"
		}
		p.metrics.ProbeTotal.WithLabelValues(result).Inc()
	}
	return ok
}

func (p *Prober) sweep(ctx context.Context) bool {
	for _, base := range p.candidates() {
		for _, path := range p.cfg.HealthPaths {
			if ctx.Err() != nil {
				return false
			}
			if p.check(ctx, base+path) {
				p.mu.Lock()
				if p.active != base {
					p.logger.Info("Switching server base URL", "url", base)
					p.active = base
				}
				p.mu.Unlock()
				return true
			}
		}
	}
	p.logger.Debug("No server base URL reachable")
	return false
}

// candidates is the active URL followed by primary and fallbacks, deduplicated.
func (p *Prober) candidates() []string {
	all := append([]string{p.ActiveURL(), p.cfg.PrimaryURL}, p.cfg.FallbackURLs...)
	seen := make(map[string]bool, len(all))
	out := make([]string, 0, len(all))
	for _, u := range all {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func (p *Prober) check(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}
