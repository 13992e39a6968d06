package metrics

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/dpdk"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/types"
)

type fakeDiscoverer struct {
	mu        sync.Mutex
	endpoints []types.Endpoint
	err       error
	calls     int
}

func (d *fakeDiscoverer) Root() string { return "/tmp/touchstone" }

func (d *fakeDiscoverer) Discover() ([]types.Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return append([]types.Endpoint(nil), d.endpoints...), nil
}

func (d *fakeDiscoverer) set(endpoints []types.Endpoint, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints = endpoints
	d.err = err
}

// scrapeFunc decides what a fake engine answers
type scrapeFunc func(c *fakeClient) (*types.StatBatch, error)

type fakeClient struct {
	ep      types.Endpoint
	answer  scrapeFunc
	release func()

	mu      sync.Mutex
	scrapes int
	closed  int
}

func (c *fakeClient) Endpoint() types.Endpoint { return c.ep }

func (c *fakeClient) Scrape(ctx context.Context) (*types.StatBatch, error) {
	c.mu.Lock()
	c.scrapes++
	c.mu.Unlock()
	return c.answer(c)
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed++
	first := c.closed == 1
	c.mu.Unlock()
	if first && c.release != nil {
		c.release()
	}
	return nil
}

func (c *fakeClient) Scrapes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scrapes
}

func (c *fakeClient) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeProtocol struct {
	persistent bool
	answers    map[string]scrapeFunc

	mu      sync.Mutex
	created []*fakeClient
}

func (p *fakeProtocol) Version() dpdk.Version {
	if p.persistent {
		return dpdk.VersionLegacy
	}
	return dpdk.VersionV2
}

func (p *fakeProtocol) SocketName() string { return p.Version().SocketName() }
func (p *fakeProtocol) Persistent() bool   { return p.persistent }

func (p *fakeProtocol) ClientKey(ep types.Endpoint) string {
	return ep.Namespace + "-" + ep.WorkloadName
}

func (p *fakeProtocol) NewClient(ep types.Endpoint, release func()) dpdk.Client {
	answer, ok := p.answers[ep.Path]
	if !ok {
		answer = answerStats("0000:00:08.0", map[string]float64{types.MetricPrefix + "rx_good_packets": 1})
	}
	client := &fakeClient{ep: ep, answer: answer, release: release}

	p.mu.Lock()
	p.created = append(p.created, client)
	p.mu.Unlock()
	return client
}

func (p *fakeProtocol) Created() []*fakeClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeClient(nil), p.created...)
}

func answerStats(hw string, stats map[string]float64) scrapeFunc {
	return func(*fakeClient) (*types.StatBatch, error) {
		copied := make(map[string]float64, len(stats))
		for k, v := range stats {
			copied[k] = v
		}
		return &types.StatBatch{HardwareAddress: hw, Stats: copied}, nil
	}
}

func answerError(err error) scrapeFunc {
	return func(*fakeClient) (*types.StatBatch, error) { return nil, err }
}

// answerSequence answers the first scrape of an endpoint with first and
// every later one with rest, across all clients created for it
func answerSequence(first, rest scrapeFunc) scrapeFunc {
	var mu sync.Mutex
	calls := 0
	return func(c *fakeClient) (*types.StatBatch, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return first(c)
		}
		return rest(c)
	}
}

// answerTeardown fails like a legacy session does: it tears itself down and
// releases its slot before returning
func answerTeardown(err error) scrapeFunc {
	return func(c *fakeClient) (*types.StatBatch, error) {
		c.Close()
		return nil, err
	}
}

type fakePublisher struct {
	mu        sync.Mutex
	published map[string]float64
	failures  map[string]int
	cycles    []types.CycleStats
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		published: make(map[string]float64),
		failures:  make(map[string]int),
	}
}

func (p *fakePublisher) Publish(ep types.Endpoint, batch *types.StatBatch) []types.MetricSample {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, batch.Len())
	for name := range batch.Stats {
		names = append(names, name)
	}
	sort.Strings(names)

	samples := make([]types.MetricSample, 0, len(names))
	for _, name := range names {
		key := types.SeriesKey(ep.WorkloadName, batch.HardwareAddress, name)
		p.published[key] = batch.Stats[name]
		samples = append(samples, types.MetricSample{
			SeriesKey:       key,
			WorkloadName:    ep.WorkloadName,
			Namespace:       ep.Namespace,
			HardwareAddress: batch.HardwareAddress,
			MetricName:      name,
			Value:           batch.Stats[name],
		})
	}
	return samples
}

func (p *fakePublisher) ObserveFailure(phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[phase]++
}

func (p *fakePublisher) ObserveCycle(stats types.CycleStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycles = append(p.cycles, stats)
}

func (p *fakePublisher) CacheLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *fakePublisher) Failures(phase string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[phase]
}

func (p *fakePublisher) Cycles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cycles)
}

type fakeStore struct {
	mu      sync.Mutex
	samples map[string]types.MetricSample
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{samples: make(map[string]types.MetricSample)}
}

func (s *fakeStore) Start(ctx context.Context) error { return nil }
func (s *fakeStore) Stop(ctx context.Context) error  { return nil }

func (s *fakeStore) Store(ctx context.Context, samples []types.MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, sample := range samples {
		s.samples[sample.SeriesKey] = sample
	}
	return nil
}

func (s *fakeStore) List(ctx context.Context) ([]types.MetricSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.MetricSample, 0, len(s.samples))
	for _, sample := range s.samples {
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeriesKey < out[j].SeriesKey })
	return out, nil
}

var errStoreDown = errors.New("store unavailable")
