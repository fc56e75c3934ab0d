package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cortexuvula/wsbench/internal/conn"
	"github.com/cortexuvula/wsbench/internal/report"
)

type fakeTransport struct {
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closed: make(chan struct{})}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-t.closed:
		return nil, errors.New("connection reset by peer")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, p []byte) error {
	select {
	case <-t.closed:
		return errors.New("closed")
	default:
		return nil
	}
}

func (t *fakeTransport) Close(reason string) error { return t.CloseNow() }

func (t *fakeTransport) CloseNow() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// fakeDialer fails its first failFirst dials and records every transport.
type fakeDialer struct {
	failFirst int64
	dials     atomic.Int64

	mu         sync.Mutex
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (conn.Transport, error) {
	if n := d.dials.Add(1); n <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	t := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func newManager(d conn.Dialer) *Manager {
	return New(Options{URL: "ws://fake", Dialer: d, Concurrency: 8})
}

func TestCreateBatchIDs(t *testing.T) {
	m := newManager(&fakeDialer{})
	batch := m.CreateBatch(3, 10)
	for i, c := range batch {
		if c.ID() != 11+i {
			t.Errorf("batch[%d] id = %d, want %d", i, c.ID(), 11+i)
		}
		if c.State() != conn.Disconnected {
			t.Errorf("batch[%d] state = %s, want disconnected", i, c.State())
		}
	}
	if m.ActiveCount() != 0 {
		t.Errorf("active = %d, want 0 before connect", m.ActiveCount())
	}
}

func TestConnectAllPartialFailure(t *testing.T) {
	d := &fakeDialer{failFirst: 3}
	m := newManager(d)
	batch := m.CreateBatch(10, 0)

	res, err := m.ConnectAll(context.Background(), batch)
	if err != nil {
		t.Fatalf("ConnectAll() error: %v", err)
	}
	if len(res.Failed) != 3 || len(res.Connected) != 7 {
		t.Errorf("failed/connected = %d/%d, want 3/7", len(res.Failed), len(res.Connected))
	}
	if len(res.ConnectionTimes) != 7 {
		t.Errorf("connection times = %d, want 7", len(res.ConnectionTimes))
	}
	for i := 1; i < len(res.Connected); i++ {
		if res.Connected[i-1].ID() >= res.Connected[i].ID() {
			t.Errorf("connected not in id order: %d before %d", res.Connected[i-1].ID(), res.Connected[i].ID())
		}
	}

	events := m.TakeEvents()
	counts := map[report.EventKind]int{}
	for _, e := range events {
		counts[e.Kind]++
	}
	if counts[report.EventConnected] != 7 || counts[report.EventConnectFailed] != 3 {
		t.Errorf("events = %v, want 7 connected and 3 connect_failed", counts)
	}
	if len(m.TakeEvents()) != 0 {
		t.Error("TakeEvents() should drain the event list")
	}
}

func TestConnectAllTotalFailure(t *testing.T) {
	m := newManager(&fakeDialer{failFirst: 1000})
	res, err := m.ConnectAll(context.Background(), m.CreateBatch(5, 0))
	if !errors.Is(err, ErrAllConnectsFailed) {
		t.Fatalf("ConnectAll() error = %v, want ErrAllConnectsFailed", err)
	}
	if len(res.Failed) != 5 || len(res.Connected) != 0 {
		t.Errorf("failed/connected = %d/%d, want 5/0", len(res.Failed), len(res.Connected))
	}
}

func TestConnectAllEmpty(t *testing.T) {
	m := newManager(&fakeDialer{})
	if _, err := m.ConnectAll(context.Background(), nil); err != nil {
		t.Errorf("empty batch error = %v, want nil", err)
	}
}

func TestGrowToIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := newManager(d)

	if _, err := m.GrowTo(context.Background(), 20); err != nil {
		t.Fatalf("GrowTo(20) error: %v", err)
	}
	first := m.Active()

	res, err := m.GrowTo(context.Background(), 20)
	if err != nil {
		t.Fatalf("second GrowTo(20) error: %v", err)
	}
	if len(res.Connected) != 0 {
		t.Errorf("second GrowTo connected %d new clients, want 0", len(res.Connected))
	}
	second := m.Active()
	if len(second) != len(first) {
		t.Fatalf("active = %d, want %d", len(second), len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("active[%d] changed identity", i)
		}
	}
	if n := d.dials.Load(); n != 20 {
		t.Errorf("dials = %d, want 20", n)
	}
}

func TestGrowAssignsFreshIDs(t *testing.T) {
	m := newManager(&fakeDialer{failFirst: 2})
	m.GrowTo(context.Background(), 5)
	m.GrowTo(context.Background(), 8)

	seen := map[int]bool{}
	for _, c := range m.All() {
		if seen[c.ID()] {
			t.Errorf("id %d reused", c.ID())
		}
		seen[c.ID()] = true
	}
	for _, id := range m.Failed() {
		if seen[id] {
			t.Errorf("failed id %d also active", id)
		}
	}
	if m.ActiveCount() != 8 {
		t.Errorf("active = %d, want 8 after topping up", m.ActiveCount())
	}
}

func TestShrinkPreservesHistory(t *testing.T) {
	d := &fakeDialer{}
	// One dial at a time, so transports line up with client ids.
	m := New(Options{URL: "ws://fake", Dialer: d, Concurrency: 1})
	m.GrowTo(context.Background(), 6)

	// Drop client 2 from the server side.
	victim := m.Get(2)
	d.mu.Lock()
	d.transports[1].CloseNow()
	d.mu.Unlock()
	deadline := time.Now().Add(2 * time.Second)
	for victim.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if victim.IsConnected() {
		t.Fatal("client 2 did not notice the drop")
	}

	if _, err := m.GrowTo(context.Background(), 3); err != nil {
		t.Fatalf("GrowTo(3) error: %v", err)
	}
	active := m.Active()
	if len(active) != 3 {
		t.Fatalf("active = %d, want 3", len(active))
	}
	wantIDs := []int{1, 3, 4}
	for i, c := range active {
		if c.ID() != wantIDs[i] {
			t.Errorf("active[%d] = %d, want %d", i, c.ID(), wantIDs[i])
		}
		if !c.IsConnected() {
			t.Errorf("retained client %d was disturbed: %s", c.ID(), c.State())
		}
	}

	all := m.All()
	if len(all) != 6 {
		t.Fatalf("All() = %d clients, want 6", len(all))
	}
	if all[1].ID() != 2 || all[1].DisconnectCount() != 1 {
		t.Errorf("client 2 history lost: id %d, disconnects %d", all[1].ID(), all[1].DisconnectCount())
	}
	for _, c := range all[4:] {
		if c.State() != conn.Closed {
			t.Errorf("shrunk client %d state = %s, want closed", c.ID(), c.State())
		}
	}

	disconnected := 0
	for _, e := range m.TakeEvents() {
		if e.Kind == report.EventDisconnected && e.ClientID == 2 {
			disconnected++
		}
	}
	if disconnected != 1 {
		t.Errorf("disconnected events for client 2 = %d, want 1", disconnected)
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	m := newManager(&fakeDialer{})
	m.GrowTo(context.Background(), 4)
	m.TakeEvents()

	m.Shutdown()
	if m.ActiveCount() != 0 {
		t.Errorf("active = %d after shutdown", m.ActiveCount())
	}
	for _, c := range m.All() {
		if c.State() != conn.Closed {
			t.Errorf("client %d state = %s, want closed", c.ID(), c.State())
		}
		if c.DisconnectCount() != 0 {
			t.Errorf("client %d counted a caller close as unexpected", c.ID())
		}
	}
	closed := 0
	for _, e := range m.TakeEvents() {
		if e.Kind == report.EventClosed {
			closed++
		}
	}
	if closed != 4 {
		t.Errorf("closed events = %d, want 4", closed)
	}
}

func TestConnectRatePacing(t *testing.T) {
	m := New(Options{URL: "ws://fake", Dialer: &fakeDialer{}, Rate: 20})
	start := time.Now()
	// Burst of 20, then 10 more at 20/s is roughly half a second.
	if _, err := m.GrowTo(context.Background(), 30); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("30 connects at 20/s took %v, want paced", elapsed)
	}
}

func TestActiveCountExcludesDropped(t *testing.T) {
	d := &fakeDialer{}
	m := New(Options{URL: "ws://fake", Dialer: d, Concurrency: 1})
	if _, err := m.GrowTo(context.Background(), 5); err != nil {
		t.Fatalf("GrowTo(5) error: %v", err)
	}

	victim := m.Get(2)
	d.mu.Lock()
	d.transports[1].CloseNow()
	d.mu.Unlock()
	deadline := time.Now().Add(2 * time.Second)
	for victim.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if victim.IsConnected() {
		t.Fatal("client 2 did not notice the drop")
	}

	if got := m.ActiveCount(); got != 4 {
		t.Errorf("ActiveCount() = %d, want 4 after one drop", got)
	}
	for _, c := range m.Active() {
		if c.ID() == 2 {
			t.Error("dropped client 2 still in Active()")
		}
		if !c.IsConnected() {
			t.Errorf("Active() returned client %d in state %s", c.ID(), c.State())
		}
	}
	if len(m.All()) != 5 {
		t.Errorf("All() = %d clients, want 5", len(m.All()))
	}

	var disconnected int
	for _, e := range m.TakeEvents() {
		if e.Kind == report.EventDisconnected {
			disconnected++
		}
	}
	if disconnected != 1 {
		t.Errorf("disconnected events = %d, want 1", disconnected)
	}

	// The pool refills to the target with a fresh id.
	res, err := m.GrowTo(context.Background(), 5)
	if err != nil {
		t.Fatalf("GrowTo(5) refill error: %v", err)
	}
	if len(res.Connected) != 1 || res.Connected[0].ID() != 6 {
		t.Errorf("refill connected %d clients, want one with id 6", len(res.Connected))
	}
}
