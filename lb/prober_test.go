package lb

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/rosterlab/rosterd/structs"
	"github.com/rosterlab/rosterd/testutil"
)

// probeFunc adapts a function to the Probe interface for tests.
type probeFunc func(ctx context.Context, inst *structs.ServiceInstance) error

func (f probeFunc) Check(ctx context.Context, inst *structs.ServiceInstance) error {
	return f(ctx, inst)
}

// instanceFor points an instance at a listening test address.
func instanceFor(t *testing.T, id, addr string) *structs.ServiceInstance {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	must.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	must.NoError(t, err)

	inst := testInstance(id, "api")
	inst.Host = host
	inst.Port = port
	return inst
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	inst := instanceFor(t, "i-1", srv.Listener.Addr().String())
	probe := &HTTPProbe{Path: "/healthz"}
	must.NoError(t, probe.Check(context.Background(), inst))

	probe.Path = "/broken"
	must.Error(t, probe.Check(context.Background(), inst))
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	must.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	probe := &TCPProbe{Timeout: time.Second}
	inst := instanceFor(t, "i-1", ln.Addr().String())
	must.NoError(t, probe.Check(context.Background(), inst))

	ln.Close()
	must.Error(t, probe.Check(context.Background(), inst))
}

func TestProber_CycleFlipsHealth(t *testing.T) {
	logger := testutil.Logger(t)
	r := NewRegistry(logger)
	must.NoError(t, r.Register(testInstance("i-bad", "api")))
	must.NoError(t, r.Register(testInstance("i-good", "api")))

	probe := probeFunc(func(_ context.Context, inst *structs.ServiceInstance) error {
		if inst.ID == "i-bad" {
			return errors.New("unreachable")
		}
		return nil
	})
	cfg := DefaultProberConfig()
	cfg.FailureThreshold = 2
	p := NewProber(logger, r, probe, cfg)

	// The first failed cycle leaves the instance within its threshold.
	p.Cycle(context.Background())
	must.True(t, r.Instance("i-bad").Healthy)

	p.Cycle(context.Background())
	must.False(t, r.Instance("i-bad").Healthy)
	must.True(t, r.Instance("i-good").Healthy)

	// Recovery takes a single good probe.
	recovered := probeFunc(func(context.Context, *structs.ServiceInstance) error { return nil })
	p.probe = recovered
	p.Cycle(context.Background())
	must.True(t, r.Instance("i-bad").Healthy)
	must.Zero(t, r.Instance("i-bad").ConsecutiveFailures)
}

func TestProber_CycleUnregistersStale(t *testing.T) {
	logger := testutil.Logger(t)
	r := NewRegistry(logger)

	stale := testInstance("i-stale", "api")
	stale.Healthy = false
	stale.LastCheck = time.Now().Add(-time.Hour)
	must.NoError(t, r.Register(stale))
	must.NoError(t, r.Register(testInstance("i-live", "api")))

	probe := probeFunc(func(context.Context, *structs.ServiceInstance) error { return nil })
	p := NewProber(logger, r, probe, nil)
	p.Cycle(context.Background())

	must.Nil(t, r.Instance("i-stale"))
	must.NotNil(t, r.Instance("i-live"))
}

func TestProber_EmitsProbeDuration(t *testing.T) {
	sink := testMetrics(t)
	logger := testutil.Logger(t)
	r := NewRegistry(logger)
	must.NoError(t, r.Register(testInstance("i-1", "api")))

	probe := probeFunc(func(context.Context, *structs.ServiceInstance) error { return nil })
	p := NewProber(logger, r, probe, nil)
	p.Cycle(context.Background())

	_, samples := sinkKeys(sink)
	must.True(t, hasKey(samples, "rosterd.probe.duration"))
}

func TestProber_TriggerProbe(t *testing.T) {
	logger := testutil.Logger(t)
	r := NewRegistry(logger)
	must.NoError(t, r.Register(testInstance("i-1", "api")))
	r.MarkUnhealthy("i-1")

	var mu sync.Mutex
	var probed []string
	probe := probeFunc(func(_ context.Context, inst *structs.ServiceInstance) error {
		mu.Lock()
		defer mu.Unlock()
		probed = append(probed, inst.ID)
		return nil
	})

	cfg := DefaultProberConfig()
	cfg.Interval = time.Hour // only triggered probes fire
	p := NewProber(logger, r, probe, cfg)
	p.Start()
	defer p.Stop()

	p.TriggerProbe("i-1")
	p.TriggerProbe("i-missing") // unknown IDs are dropped

	testutil.WaitForResult(func() (bool, error) {
		if !r.Instance("i-1").Healthy {
			return false, errors.New("instance not yet recovered")
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})

	mu.Lock()
	defer mu.Unlock()
	must.Eq(t, []string{"i-1"}, probed)
}
