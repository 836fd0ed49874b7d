package gobgp_test

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	apipb "github.com/osrg/gobgp/v3/api"

	"github.com/dantte-lp/evpnd/internal/evpn"
	"github.com/dantte-lp/evpnd/internal/gobgp"
)

// Method name constants for mock call assertions.
const (
	methodAddPath    = "AddPath"
	methodDeletePath = "DeletePath"
)

// -------------------------------------------------------------------------
// Mock GoBGP Client
// -------------------------------------------------------------------------

// mockClient records GoBGP API calls for test assertions.
type mockClient struct {
	mu     sync.Mutex
	calls  []mockCall
	err    error // if set, AddPath and DeletePath return this error
	failN  int   // fail only the first failN path calls
	closed bool

	// watches are served in order, one per WatchEVPN call. A watch
	// delivers its paths, then returns its error or blocks until the
	// context ends.
	watches  []mockWatch
	watchers int

	listPaths []*apipb.Path
}

type mockWatch struct {
	paths []*apipb.Path
	err   error
}

type mockCall struct {
	method string
	route  gobgp.Route
}

func newMockClient() *mockClient {
	return &mockClient{}
}

func (m *mockClient) record(method string, path *apipb.Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return gobgp.ErrClientClosed
	}
	if m.err != nil && (m.failN == 0 || len(m.calls) < m.failN) {
		m.calls = append(m.calls, mockCall{method: method + "!"})
		return m.err
	}

	r, err := gobgp.DecodePath(path)
	if err != nil {
		return fmt.Errorf("mock decode: %w", err)
	}
	m.calls = append(m.calls, mockCall{method: method, route: r})

	return nil
}

func (m *mockClient) AddPath(_ context.Context, path *apipb.Path) error {
	return m.record(methodAddPath, path)
}

func (m *mockClient) DeletePath(_ context.Context, path *apipb.Path) error {
	return m.record(methodDeletePath, path)
}

func (m *mockClient) WatchEVPN(ctx context.Context, fn func(*apipb.Path)) error {
	m.mu.Lock()
	var w mockWatch
	if m.watchers < len(m.watches) {
		w = m.watches[m.watchers]
	}
	m.watchers++
	m.mu.Unlock()

	for _, p := range w.paths {
		fn(p)
	}
	if w.err != nil {
		return w.err
	}

	<-ctx.Done()

	return nil
}

func (m *mockClient) ListEVPN(_ context.Context, fn func(*apipb.Path)) error {
	m.mu.Lock()
	paths := append([]*apipb.Path(nil), m.listPaths...)
	m.mu.Unlock()

	for _, p := range paths {
		fn(p)
	}

	return nil
}

func (m *mockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

func (m *mockClient) getCalls() []mockCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]mockCall, len(m.calls))
	copy(result, m.calls)

	return result
}

func (m *mockClient) setError(err error, failN int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.err = err
	m.failN = failN
}

func (m *mockClient) watchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.watchers
}

// -------------------------------------------------------------------------
// Mock Route Sink
// -------------------------------------------------------------------------

// mockSink records engine calls made by the Feed as short strings.
type mockSink struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *mockSink) add(format string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, fmt.Sprintf(format, args...))

	return s.err
}

func (s *mockSink) RemoteMACIPAdd(_ context.Context, r evpn.RemoteMACIP) error {
	return s.add("macip-add %s %s %s %s seq=%d", r.VNI, r.MAC, r.IP, r.VTEP, r.Seq)
}

func (s *mockSink) RemoteMACIPDel(_ context.Context, r evpn.RemoteMACIP) error {
	return s.add("macip-del %s %s %s %s", r.VNI, r.MAC, r.IP, r.VTEP)
}

func (s *mockSink) AddVTEP(_ context.Context, vni evpn.VNI, vtep netip.Addr, mode evpn.FloodMode) error {
	return s.add("vtep-add %s %s %s", vni, vtep, mode)
}

func (s *mockSink) RemoveVTEP(_ context.Context, vni evpn.VNI, vtep netip.Addr) error {
	return s.add("vtep-del %s %s", vni, vtep)
}

func (s *mockSink) getCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.calls...)
}
