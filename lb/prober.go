package lb

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rosterlab/rosterd/structs"
)

// Probe checks one instance's health.
type Probe interface {
	Check(ctx context.Context, inst *structs.ServiceInstance) error
}

// HTTPProbe issues a GET against a health path and expects a given
// status code.
type HTTPProbe struct {
	Path   string
	Expect int
	Client *http.Client
}

func (p *HTTPProbe) Check(ctx context.Context, inst *structs.ServiceInstance) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	expect := p.Expect
	if expect == 0 {
		expect = http.StatusOK
	}

	url := "http://" + inst.Addr() + p.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != expect {
		return fmt.Errorf("health check returned %d, want %d", resp.StatusCode, expect)
	}
	return nil
}

// TCPProbe opens and closes a connection to the instance address.
type TCPProbe struct {
	Timeout time.Duration
}

func (p *TCPProbe) Check(ctx context.Context, inst *structs.ServiceInstance) error {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", inst.Addr())
	if err != nil {
		return err
	}
	return conn.Close()
}

// ProberConfig tunes the background health prober.
type ProberConfig struct {
	// Interval paces full probe cycles.
	Interval time.Duration

	// Timeout bounds each individual probe.
	Timeout time.Duration

	// FailureThreshold is how many consecutive failures remove an
	// instance from the selectable set.
	FailureThreshold int

	// StaleThreshold is how long an unhealthy instance may go without a
	// successful check before it is unregistered entirely.
	StaleThreshold time.Duration

	// ProbesPerSecond paces probes inside a cycle so large registries do
	// not burst.
	ProbesPerSecond float64
}

// DefaultProberConfig returns the standard prober tuning.
func DefaultProberConfig() *ProberConfig {
	return &ProberConfig{
		Interval:         15 * time.Second,
		Timeout:          3 * time.Second,
		FailureThreshold: 3,
		StaleThreshold:   5 * time.Minute,
		ProbesPerSecond:  50,
	}
}

// Prober drives periodic health probes over the registry and immediate
// probes requested by the balancer after call failures.
type Prober struct {
	logger   hclog.Logger
	registry *Registry
	probe    Probe
	cfg      *ProberConfig
	limiter  *rate.Limiter

	triggerCh chan string
	stopCh    chan struct{}
	stopOnce  sync.Once
	doneCh    chan struct{}
}

// NewProber builds a prober. A nil config gets the defaults.
func NewProber(logger hclog.Logger, registry *Registry, probe Probe, cfg *ProberConfig) *Prober {
	if cfg == nil {
		cfg = DefaultProberConfig()
	}
	return &Prober{
		logger:    logger.Named("prober"),
		registry:  registry,
		probe:     probe,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), 1),
		triggerCh: make(chan string, 64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the probe loop.
func (p *Prober) Start() {
	go p.run()
}

// Stop shuts the loop down and waits for it to exit.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// TriggerProbe schedules an immediate probe of one instance. Drops the
// request rather than blocking when the trigger queue is full.
func (p *Prober) TriggerProbe(id string) {
	select {
	case p.triggerCh <- id:
	default:
	}
}

func (p *Prober) run() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Cycle(context.Background())
		case id := <-p.triggerCh:
			if inst := p.registry.Instance(id); inst != nil {
				p.probeOne(context.Background(), inst)
			}
		case <-p.stopCh:
			return
		}
	}
}

// Cycle probes every registered instance in parallel, paced by the rate
// limit, then unregisters instances that have been unhealthy past the
// stale threshold.
func (p *Prober) Cycle(ctx context.Context) {
	defer metrics.MeasureSince([]string{"lb", "probe", "cycle"}, time.Now())

	for _, id := range p.registry.Stale(p.cfg.StaleThreshold) {
		p.logger.Info("unregistering stale instance", "id", id)
		p.registry.Unregister(id)
		metrics.IncrCounter([]string{"lb", "probe", "stale_unregistered"}, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range p.registry.All() {
		inst := inst
		g.Go(func() error {
			if err := p.limiter.Wait(gctx); err != nil {
				return nil
			}
			p.probeOne(gctx, inst)
			return nil
		})
	}
	g.Wait()
}

func (p *Prober) probeOne(ctx context.Context, inst *structs.ServiceInstance) {
	defer metrics.MeasureSince([]string{"probe", "duration"}, time.Now())
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if err := p.probe.Check(ctx, inst); err != nil {
		metrics.IncrCounter([]string{"lb", "probe", "failure"}, 1)
		p.registry.RecordFailure(inst.ID, p.cfg.FailureThreshold)
		p.logger.Debug("probe failed", "service", inst.Service, "id", inst.ID, "error", err)
		return
	}
	p.registry.RecordSuccess(inst.ID)
}
