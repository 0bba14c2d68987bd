package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/webriots/coronet"
)

// StatsProvider is implemented by *coronet.Threadpool and
// *coronet.Handle.
type StatsProvider interface {
	Stats() coronet.Stats
}

// StatsPoller periodically exports pool Stats snapshots into gauges.
type StatsPoller struct {
	interval time.Duration

	poolsMu sync.RWMutex
	pools   map[string]StatsProvider

	queued      *prom.GaugeVec
	active      *prom.GaugeVec
	liveWorkers *prom.GaugeVec
	degraded    *prom.GaugeVec
	closed      *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewStatsPoller creates a poller and registers its collectors.
func NewStatsPoller(namespace string, reg prom.Registerer, interval time.Duration) (*StatsPoller, error) {
	if namespace == "" {
		namespace = coronet.DefaultNamePrefix
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	queued := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_queued",
		Help:      "Ready tasks per pool and priority.",
	}, []string{"pool", "priority"})
	active := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_active",
		Help:      "Admitted tasks not yet terminal.",
	}, []string{"pool"})
	liveWorkers := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_live_workers",
		Help:      "Workers not retired after a runtime panic.",
	}, []string{"pool"})
	degraded := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_degraded",
		Help:      "Pool degraded state (1=degraded, 0=healthy).",
	}, []string{"pool"})
	closed := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_closed",
		Help:      "Pool closed state (1=closed, 0=open).",
	}, []string{"pool"})

	var err error
	if queued, err = registerCollector(reg, queued); err != nil {
		return nil, err
	}
	if active, err = registerCollector(reg, active); err != nil {
		return nil, err
	}
	if liveWorkers, err = registerCollector(reg, liveWorkers); err != nil {
		return nil, err
	}
	if degraded, err = registerCollector(reg, degraded); err != nil {
		return nil, err
	}
	if closed, err = registerCollector(reg, closed); err != nil {
		return nil, err
	}

	return &StatsPoller{
		interval:    interval,
		pools:       make(map[string]StatsProvider),
		queued:      queued,
		active:      active,
		liveWorkers: liveWorkers,
		degraded:    degraded,
		closed:      closed,
	}, nil
}

// AddPool adds or replaces a provider by name. An empty name uses the
// name reported by the provider's Stats.
func (p *StatsPoller) AddPool(name string, provider StatsProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, normalizeLabel(provider.Stats().Name, "pool"))
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *StatsPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *StatsPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.stateMu.Unlock()

	cancel()
	<-done

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *StatsPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *StatsPoller) collectOnce() {
	p.poolsMu.RLock()
	defer p.poolsMu.RUnlock()

	for name, provider := range p.pools {
		stats := provider.Stats()
		p.queued.WithLabelValues(name, coronet.PriorityHigh.String()).Set(float64(stats.QueuedHigh))
		p.queued.WithLabelValues(name, coronet.PriorityNormal.String()).Set(float64(stats.QueuedNormal))
		p.queued.WithLabelValues(name, coronet.PriorityLow.String()).Set(float64(stats.QueuedLow))
		p.active.WithLabelValues(name).Set(float64(stats.Active))
		p.liveWorkers.WithLabelValues(name).Set(float64(stats.LiveWorkers))
		p.degraded.WithLabelValues(name).Set(boolGauge(stats.Degraded))
		p.closed.WithLabelValues(name).Set(boolGauge(stats.Closed))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
