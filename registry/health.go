// Package registry tracks whether known providers are answering.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/vitwit/ivxp/logger"
	"github.com/vitwit/ivxp/metrics"
	"github.com/vitwit/ivxp/types"
	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusVerified     Status = "verified"
	StatusUnresponsive Status = "unresponsive"
)

const (
	DefaultGracePeriod = 3
	DefaultConcurrency = 8
	DefaultTimeout     = 10 * time.Second
)

// DetermineNewStatus returns a provider's status after a check. A reachable
// provider is always verified. An unreachable one keeps prev until
// consecutiveFailures reaches grace, then becomes unresponsive.
func DetermineNewStatus(prev Status, reachable bool, consecutiveFailures, grace int) Status {
	if reachable {
		return StatusVerified
	}
	if consecutiveFailures < grace {
		return prev
	}
	return StatusUnresponsive
}

// CatalogSource fetches a provider catalog; transport.Client implements it.
type CatalogSource interface {
	GetCatalog(ctx context.Context, providerURL string) (*types.ServiceCatalog, error)
}

// Entry is the health record of one provider.
type Entry struct {
	URL                 string
	Status              Status
	ConsecutiveFailures int
	LastCheckedAt       time.Time
	LastError           string
}

// Result is the outcome of one check.
type Result struct {
	URL       string
	Reachable bool
	Status    Status
	Provider  string
	Services  int
	Latency   time.Duration
	Err       error
}

// Checker polls providers and keeps their health records.
type Checker struct {
	source      CatalogSource
	grace       int
	concurrency int
	timeout     time.Duration

	clock   func() time.Time
	logger  logger.Logger
	metrics metrics.Recorder

	mu      sync.Mutex
	entries map[string]*Entry
}

type Option func(*Checker)

func WithGracePeriod(n int) Option {
	return func(c *Checker) {
		if n > 0 {
			c.grace = n
		}
	}
}

// WithConcurrency bounds the checks CheckAll runs at once.
func WithConcurrency(n int) Option {
	return func(c *Checker) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(c *Checker) {
		c.clock = clock
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Checker) {
		c.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Checker) {
		c.metrics = r
	}
}

func NewChecker(source CatalogSource, opts ...Option) *Checker {
	c := &Checker{
		source:      source,
		grace:       DefaultGracePeriod,
		concurrency: DefaultConcurrency,
		timeout:     DefaultTimeout,
		clock:       time.Now,
		entries:     make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.OrNoop(c.logger).Named("registry")
	c.metrics = metrics.OrNoop(c.metrics)
	return c
}

// Check fetches the catalog of providerURL and updates its record. Only a
// valid catalog counts as reachable.
func (c *Checker) Check(ctx context.Context, providerURL string) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	cat, err := c.source.GetCatalog(ctx, providerURL)
	res := Result{
		URL:       providerURL,
		Reachable: err == nil,
		Latency:   time.Since(start),
		Err:       err,
	}
	if cat != nil {
		res.Provider = cat.Provider
		res.Services = len(cat.Services)
	}

	c.mu.Lock()
	e, ok := c.entries[providerURL]
	if !ok {
		e = &Entry{URL: providerURL, Status: StatusPending}
		c.entries[providerURL] = e
	}
	prev := e.Status
	if res.Reachable {
		e.ConsecutiveFailures = 0
		e.LastError = ""
	} else {
		e.ConsecutiveFailures++
		e.LastError = err.Error()
	}
	e.Status = DetermineNewStatus(prev, res.Reachable, e.ConsecutiveFailures, c.grace)
	e.LastCheckedAt = c.clock().UTC()
	res.Status = e.Status
	failures := e.ConsecutiveFailures
	c.mu.Unlock()

	if prev != res.Status {
		c.logger.Info("provider status changed", map[string]any{
			"url":      providerURL,
			"from":     string(prev),
			"to":       string(res.Status),
			"failures": failures,
		})
	}
	labels := map[string]string{metrics.LabelOutcome: string(res.Status)}
	c.metrics.IncCounter("health_check", labels)
	c.metrics.ObserveLatency("health_check", res.Latency, labels)
	return res
}

// CheckAll checks every provider with bounded concurrency. Every URL gets a
// result at its own index, whatever happens to the others.
func (c *Checker) CheckAll(ctx context.Context, urls []string) []Result {
	results := make([]Result, len(urls))

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			results[i] = c.Check(ctx, u)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Entry returns a copy of the record of providerURL.
func (c *Checker) Entry(providerURL string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[providerURL]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Unresponsive lists the providers currently marked unresponsive.
func (c *Checker) Unresponsive() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for u, e := range c.entries {
		if e.Status == StatusUnresponsive {
			out = append(out, u)
		}
	}
	return out
}
