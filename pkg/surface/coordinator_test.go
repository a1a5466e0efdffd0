package surface

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/go-drift/canvassync/pkg/diagnostics"
	canvaserrors "github.com/go-drift/canvassync/pkg/errors"
	"github.com/go-drift/canvassync/pkg/gpu"
)

type hostView GroupKey

func (h hostView) Key() GroupKey { return GroupKey(h) }

type fakeWindow uint64

func (w fakeWindow) Handle() uint64                  { return uint64(w) }
func (fakeWindow) SetBufferCount(int) error          { return nil }
func (fakeWindow) SetBuffersGeometry(int, int) error { return nil }

// fakeClient records coordinator callbacks. Its binding is derived from its id.
type fakeClient struct {
	id   ID
	host HostView

	mu        sync.Mutex
	window    gpu.Window
	texture   gpu.TextureID
	assigned  int
	presents  int
	disabled  bool
	onPresent func()
}

func newClient(id ID, key GroupKey) *fakeClient {
	return &fakeClient{id: id, host: hostView(key)}
}

func (c *fakeClient) HostView() HostView { return c.host }

func (c *fakeClient) Binding() (gpu.Surface, gpu.Context, bool) {
	return gpu.Surface(c.id), gpu.Context(c.id), true
}

func (c *fakeClient) SurfaceAssigned(w gpu.Window, tex gpu.TextureID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window, c.texture = w, tex
	c.assigned++
}

func (c *fakeClient) Present() {
	c.mu.Lock()
	c.presents++
	fn := c.onPresent
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeClient) SetPaintingDisabled(disabled bool) {
	c.mu.Lock()
	c.disabled = disabled
	c.mu.Unlock()
}

func (c *fakeClient) presentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presents
}

func (c *fakeClient) assignedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assigned
}

// fakePeer records posted notifications. With autoSupply set, surface
// requests are answered from another goroutine.
type fakePeer struct {
	bridge *fakeBridge
	key    GroupKey

	mu        sync.Mutex
	requested []ID
	destroyed []ID
	syncs     int
}

func (p *fakePeer) SurfaceRequested(id ID) error {
	b := p.bridge
	b.mu.Lock()
	err := b.failRequest
	b.mu.Unlock()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.requested = append(p.requested, id)
	p.mu.Unlock()
	if b.autoSupply {
		go b.coord.SupplySurface(id, fakeWindow(id), gpu.TextureID(id))
	}
	return nil
}

func (p *fakePeer) SurfaceDestroyed(id ID) error {
	p.mu.Lock()
	p.destroyed = append(p.destroyed, id)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SyncRequested(key GroupKey) error {
	b := p.bridge
	b.mu.Lock()
	err := b.failSync
	b.mu.Unlock()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.syncs++
	p.mu.Unlock()
	if b.syncs != nil {
		b.syncs <- key
	}
	return nil
}

func (p *fakePeer) syncCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncs
}

type fakeBridge struct {
	coord      *Coordinator
	autoSupply bool
	syncs      chan GroupKey

	mu          sync.Mutex
	peers       map[GroupKey]*fakePeer
	attached    map[GroupKey]int
	detached    map[GroupKey]int
	events      []string
	failRequest error
	failSync    error
}

func newBridge() *fakeBridge {
	return &fakeBridge{
		autoSupply: true,
		peers:      make(map[GroupKey]*fakePeer),
		attached:   make(map[GroupKey]int),
		detached:   make(map[GroupKey]int),
	}
}

func (b *fakeBridge) Attach(key GroupKey, host HostView) (Peer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := &fakePeer{bridge: b, key: key}
	b.peers[key] = p
	b.attached[key]++
	b.events = append(b.events, fmt.Sprintf("attach %d", key))
	return p, nil
}

func (b *fakeBridge) Detach(key GroupKey, peer Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached[key]++
	b.events = append(b.events, fmt.Sprintf("detach %d", key))
}

func (b *fakeBridge) peer(key GroupKey) *fakePeer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peers[key]
}

func (b *fakeBridge) detachCount(key GroupKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detached[key]
}

// fakeBinder records make-current calls.
type fakeBinder struct {
	mu       sync.Mutex
	calls    []gpu.Context
	releases int
	fail     error
}

func (b *fakeBinder) MakeCurrent(s gpu.Surface, ctx gpu.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, ctx)
	if err := b.fail; err != nil {
		b.fail = nil
		return err
	}
	return nil
}

func (b *fakeBinder) ReleaseCurrent() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases++
	return nil
}

func (b *fakeBinder) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type recordingHandler struct {
	mu     sync.Mutex
	errors []*canvaserrors.Error
}

func (h *recordingHandler) HandleError(err *canvaserrors.Error) {
	h.mu.Lock()
	h.errors = append(h.errors, err)
	h.mu.Unlock()
}

func (h *recordingHandler) HandlePanic(*canvaserrors.PanicError) {}

func (h *recordingHandler) kinds() []canvaserrors.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var kinds []canvaserrors.Kind
	for _, e := range h.errors {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func withHandler(t *testing.T) *recordingHandler {
	t.Helper()
	h := &recordingHandler{}
	canvaserrors.SetHandler(h)
	t.Cleanup(func() { canvaserrors.SetHandler(nil) })
	return h
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *fakeBridge, *fakeBinder) {
	t.Helper()
	bridge := newBridge()
	binder := &fakeBinder{}
	opts = append([]Option{WithRegisterTimeout(time.Second)}, opts...)
	c := New(bridge, binder, opts...)
	bridge.coord = c
	return c, bridge, binder
}

func register(t *testing.T, c *Coordinator, id ID, key GroupKey) *fakeClient {
	t.Helper()
	client := newClient(id, key)
	require.NoError(t, c.Register(id, client))
	return client
}

func TestRegisterDeliversSuppliedSurface(t *testing.T) {
	c, bridge, _ := newTestCoordinator(t)

	client := register(t, c, 7, 100)

	assert.Equal(t, 1, client.assignedCount())
	assert.Equal(t, fakeWindow(7), client.window)
	assert.Equal(t, gpu.TextureID(7), client.texture)
	assert.Equal(t, []ID{7}, bridge.peer(100).requested)

	info, ok := c.Snapshot().Surface(7)
	require.True(t, ok)
	assert.Equal(t, Ready, info.State)
}

func TestRegisterRejectsInvalidClients(t *testing.T) {
	handler := withHandler(t)
	c, _, _ := newTestCoordinator(t)

	assert.ErrorIs(t, c.Register(1, nil), ErrNilClient)

	assert.ErrorIs(t, c.Register(2, &fakeClient{id: 2}), ErrNoHostView)

	register(t, c, 3, 100)
	assert.ErrorIs(t, c.Register(3, newClient(3, 100)), ErrAlreadyRegistered)

	snap := c.Snapshot()
	assert.Len(t, snap.Surfaces, 1)
	g, ok := snap.Group(100)
	require.True(t, ok)
	assert.Equal(t, 1, g.Refs)
	assert.Len(t, handler.kinds(), 3)
}

func TestRefcountMatchesRegisteredSurfaces(t *testing.T) {
	c, bridge, _ := newTestCoordinator(t)
	rng := rand.New(rand.NewSource(1))

	registered := make(map[ID]GroupKey)
	next := ID(1)
	for step := 0; step < 200; step++ {
		if len(registered) == 0 || rng.Intn(3) != 0 {
			key := GroupKey(rng.Intn(4) + 1)
			register(t, c, next, key)
			registered[next] = key
			next++
		} else {
			for id := range registered {
				c.Deregister(id)
				delete(registered, id)
				break
			}
		}

		want := make(map[GroupKey]int)
		for _, key := range registered {
			want[key]++
		}
		snap := c.Snapshot()
		require.Len(t, snap.Groups, len(want), "step %d", step)
		for key, n := range want {
			g, ok := snap.Group(key)
			require.True(t, ok, "step %d: group %d missing", step, key)
			require.Equal(t, n, g.Refs, "step %d: group %d", step, key)
			require.Len(t, g.Surfaces, n)
		}
	}

	for id := range registered {
		c.Deregister(id)
	}
	assert.Empty(t, c.Snapshot().Groups)

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	for key, n := range bridge.attached {
		assert.Equal(t, n, bridge.detached[key], "group %d attach/detach mismatch", key)
	}
}

func TestRequestSyncIsIdempotent(t *testing.T) {
	c, bridge, _ := newTestCoordinator(t)
	register(t, c, 1, 100)

	require.NoError(t, c.RequestSync(1))
	require.NoError(t, c.RequestSync(1))

	assert.Equal(t, 1, bridge.peer(100).syncCount())
}

func TestRequestSyncUnknownSurface(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	err := c.RequestSync(42)
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.True(t, IsNotFound(err))
}

func TestRequestSyncPostFailureSetsNoFlags(t *testing.T) {
	handler := withHandler(t)
	c, bridge, _ := newTestCoordinator(t)
	register(t, c, 1, 100)

	boom := errors.New("queue full")
	bridge.mu.Lock()
	bridge.failSync = boom
	bridge.mu.Unlock()

	assert.ErrorIs(t, c.RequestSync(1), boom)
	info, _ := c.Snapshot().Surface(1)
	assert.False(t, info.SyncRequested)
	g, _ := c.Snapshot().Group(100)
	assert.False(t, g.SyncRequested)
	assert.Equal(t, []canvaserrors.Kind{canvaserrors.KindPlatform}, handler.kinds())

	bridge.mu.Lock()
	bridge.failSync = nil
	bridge.mu.Unlock()

	require.NoError(t, c.RequestSync(1))
	assert.Equal(t, 1, bridge.peer(100).syncCount())
}

func TestPerformSyncLeavesOtherGroupsUntouched(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	a1 := register(t, c, 1, 100)
	a2 := register(t, c, 2, 100)
	b1 := register(t, c, 3, 200)
	a3 := register(t, c, 4, 100)

	require.NoError(t, c.RequestSync(1))
	require.NoError(t, c.RequestSync(2))
	require.NoError(t, c.RequestSync(3))

	c.PerformSync(100)

	assert.Equal(t, 1, a1.presentCount())
	assert.Equal(t, 1, a2.presentCount())
	assert.Equal(t, 0, a3.presentCount(), "clean surface presented")
	assert.Equal(t, 0, b1.presentCount(), "other group presented")

	snap := c.Snapshot()
	for _, id := range []ID{1, 2, 4} {
		info, _ := snap.Surface(id)
		assert.False(t, info.SyncRequested, "surface %d", id)
	}
	info, _ := snap.Surface(3)
	assert.True(t, info.SyncRequested)
	g, _ := snap.Group(200)
	assert.True(t, g.SyncRequested)
}

func TestPerformSyncUnknownGroupIsNoop(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	c, _, binder := newTestCoordinator(t, WithLogger(zap.New(core)))

	c.PerformSync(999)

	assert.Zero(t, binder.callCount())
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "perform sync ignored", logs.All()[0].Message)
}

func TestRequestSyncUnknownSurfaceIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	c, _, _ := newTestCoordinator(t, WithLogger(zap.New(core)))

	err := c.RequestSync(42)
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.True(t, IsNotFound(err))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "request sync: unknown surface", logs.All()[0].Message)
}

func TestEnsureCurrentSameIDBindsOnce(t *testing.T) {
	c, _, binder := newTestCoordinator(t)
	register(t, c, 1, 100)

	require.NoError(t, c.EnsureCurrent(1, 1, 1))
	require.NoError(t, c.EnsureCurrent(1, 1, 1))

	assert.Equal(t, 1, binder.callCount())
	assert.Equal(t, ID(1), c.Current())
}

func TestEnsureCurrentPresentsOutgoingPendingFrame(t *testing.T) {
	c, _, binder := newTestCoordinator(t)
	first := register(t, c, 1, 100)
	second := register(t, c, 2, 200)

	require.NoError(t, c.EnsureCurrent(1, 1, 1))
	require.NoError(t, c.RequestSync(1))

	// The outgoing context must still be bound when it presents.
	first.onPresent = func() {
		binder.mu.Lock()
		defer binder.mu.Unlock()
		assert.Equal(t, gpu.Context(1), binder.calls[len(binder.calls)-1])
	}

	require.NoError(t, c.EnsureCurrent(2, 2, 2))
	assert.Equal(t, 1, first.presentCount())
	assert.Zero(t, second.presentCount())
	info, _ := c.Snapshot().Surface(1)
	assert.False(t, info.SyncRequested)

	// Nothing pending: switching back presents nothing.
	require.NoError(t, c.EnsureCurrent(1, 1, 1))
	assert.Zero(t, second.presentCount())
	assert.Equal(t, 3, binder.callCount())
}

func TestEnsureCurrentFailureResetsToken(t *testing.T) {
	handler := withHandler(t)
	c, _, binder := newTestCoordinator(t)
	register(t, c, 1, 100)
	register(t, c, 2, 100)

	require.NoError(t, c.EnsureCurrent(1, 1, 1))

	boom := errors.New("bad surface")
	binder.fail = boom
	assert.ErrorIs(t, c.EnsureCurrent(2, 2, 2), boom)
	assert.Equal(t, NoID, c.Current())
	assert.Equal(t, []canvaserrors.Kind{canvaserrors.KindPlatform}, handler.kinds())

	// The next call retries instead of taking the cheap path.
	require.NoError(t, c.EnsureCurrent(2, 2, 2))
	assert.Equal(t, ID(2), c.Current())
	assert.Equal(t, 3, binder.callCount())
}

func TestBatchingScenario(t *testing.T) {
	c, bridge, _ := newTestCoordinator(t)
	one := register(t, c, 1, 0xA)
	two := register(t, c, 2, 0xA)

	g, _ := c.Snapshot().Group(0xA)
	assert.Equal(t, 2, g.Refs)

	peer := bridge.peer(0xA)
	require.NoError(t, c.RequestSync(1))
	assert.Equal(t, 1, peer.syncCount())
	require.NoError(t, c.RequestSync(2))
	assert.Equal(t, 1, peer.syncCount())

	c.PerformSync(0xA)
	assert.Equal(t, 1, one.presentCount())
	assert.Equal(t, 1, two.presentCount())
	snap := c.Snapshot()
	g, _ = snap.Group(0xA)
	assert.False(t, g.SyncRequested)
	for _, info := range snap.Surfaces {
		assert.False(t, info.SyncRequested)
	}

	require.NoError(t, c.RequestSync(1))
	assert.Equal(t, 2, peer.syncCount())
}

func TestRequestSyncDuringPerformSyncPostsAgain(t *testing.T) {
	c, bridge, _ := newTestCoordinator(t)
	client := register(t, c, 1, 100)
	register(t, c, 2, 100)

	require.NoError(t, c.RequestSync(1))
	client.onPresent = func() {
		assert.NoError(t, c.RequestSync(2))
	}
	c.PerformSync(100)

	assert.Equal(t, 2, bridge.peer(100).syncCount())
	g, _ := c.Snapshot().Group(100)
	assert.True(t, g.SyncRequested)
}

func TestRegisterTimeoutKeepsSurfaceRegistered(t *testing.T) {
	handler := withHandler(t)
	reg := prometheus.NewRegistry()
	metrics := diagnostics.NewMetrics(reg)
	c, bridge, _ := newTestCoordinator(t, WithRegisterTimeout(20*time.Millisecond), WithMetrics(metrics))
	bridge.autoSupply = false

	client := newClient(3, 100)
	start := time.Now()
	err := c.Register(3, client)
	assert.ErrorIs(t, err, ErrSurfaceTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Zero(t, client.assignedCount())

	info, ok := c.Snapshot().Surface(3)
	require.True(t, ok, "timed out surface was rolled back")
	assert.Equal(t, Unaccelerated, info.State)
	assert.Equal(t, []canvaserrors.Kind{canvaserrors.KindTimeout}, handler.kinds())

	// A late surface is still delivered.
	assert.True(t, c.SupplySurface(3, fakeWindow(3), 3))
	assert.Equal(t, 1, client.assignedCount())
	info, _ = c.Snapshot().Surface(3)
	assert.Equal(t, Ready, info.State)

	expected := `
# HELP canvassync_registrations_total Surface registrations by outcome
# TYPE canvassync_registrations_total counter
canvassync_registrations_total{outcome="timeout"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "canvassync_registrations_total"))
}

func TestRegisterPostFailureSkipsWait(t *testing.T) {
	handler := withHandler(t)
	c, bridge, _ := newTestCoordinator(t, WithRegisterTimeout(time.Hour))
	boom := errors.New("bridge closed")
	bridge.failRequest = boom

	err := c.Register(5, newClient(5, 100))
	assert.ErrorIs(t, err, boom)

	info, ok := c.Snapshot().Surface(5)
	require.True(t, ok)
	assert.Equal(t, Unaccelerated, info.State)
	assert.Equal(t, []canvaserrors.Kind{canvaserrors.KindPlatform}, handler.kinds())
}

func TestDeregisterWakesWaitingRegister(t *testing.T) {
	c, bridge, _ := newTestCoordinator(t, WithRegisterTimeout(time.Hour))
	bridge.autoSupply = false

	done := make(chan error, 1)
	go func() { done <- c.Register(9, newClient(9, 100)) }()

	require.Eventually(t, func() bool {
		_, ok := c.Snapshot().Surface(9)
		return ok
	}, time.Second, time.Millisecond)
	c.Deregister(9)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotRegistered)
	case <-time.After(time.Second):
		t.Fatal("Register still blocked after Deregister")
	}
	assert.False(t, c.SupplySurface(9, fakeWindow(9), 9))
}

func TestDeregisterDetachesLastSurfaceOnce(t *testing.T) {
	c, bridge, _ := newTestCoordinator(t)
	register(t, c, 1, 100)
	register(t, c, 2, 100)
	peer := bridge.peer(100)

	c.Deregister(1)
	g, ok := c.Snapshot().Group(100)
	require.True(t, ok)
	assert.Equal(t, 1, g.Refs)
	assert.Zero(t, bridge.detachCount(100))

	c.Deregister(2)
	_, ok = c.Snapshot().Group(100)
	assert.False(t, ok)
	assert.Equal(t, 1, bridge.detachCount(100))
	assert.Equal(t, []ID{1, 2}, peer.destroyed)

	// Unknown ids are ignored.
	c.Deregister(2)
	assert.Equal(t, 1, bridge.detachCount(100))
}

func TestSetPaintingDisabledForwardsToGroup(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	a := register(t, c, 1, 100)
	b := register(t, c, 2, 100)
	other := register(t, c, 3, 200)

	c.SetPaintingDisabled(100, true)

	assert.True(t, a.disabled)
	assert.True(t, b.disabled)
	assert.False(t, other.disabled)

	c.SetPaintingDisabled(100, false)
	assert.False(t, a.disabled)
}

func TestReleaseCurrent(t *testing.T) {
	c, _, binder := newTestCoordinator(t)
	register(t, c, 1, 100)
	register(t, c, 2, 100)
	require.NoError(t, c.EnsureCurrent(1, 1, 1))

	ran := false
	require.NoError(t, c.ReleaseCurrent(2, func() { ran = true }))
	assert.True(t, ran)
	assert.Equal(t, ID(1), c.Current(), "releasing a non-current id unbound the current one")
	assert.Zero(t, binder.releases)

	require.NoError(t, c.ReleaseCurrent(1, nil))
	assert.Equal(t, NoID, c.Current())
	assert.Equal(t, 1, binder.releases)
}

func TestNextIDIsUnique(t *testing.T) {
	seen := make(map[ID]bool)
	var mu sync.Mutex
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 100; j++ {
				id := NextID()
				mu.Lock()
				dup := seen[id]
				seen[id] = true
				mu.Unlock()
				if dup || id == NoID {
					return fmt.Errorf("bad id %d", id)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

// TestConcurrentRenderAndPresent drives several render goroutines against a
// presentation goroutine that services sync notifications.
func TestConcurrentRenderAndPresent(t *testing.T) {
	c, bridge, binder := newTestCoordinator(t)
	bridge.syncs = make(chan GroupKey, 1024)

	stop := make(chan struct{})
	presenterDone := make(chan struct{})
	go func() {
		defer close(presenterDone)
		for {
			select {
			case key := <-bridge.syncs:
				c.PerformSync(key)
			case <-stop:
				return
			}
		}
	}()

	var presented atomic.Int64
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for round := 0; round < 20; round++ {
				id := NextID()
				client := newClient(id, GroupKey(round%3+1))
				client.onPresent = func() { presented.Add(1) }
				if err := c.Register(id, client); err != nil {
					return err
				}
				for frame := 0; frame < 5; frame++ {
					if err := c.EnsureCurrent(id, gpu.Surface(id), gpu.Context(id)); err != nil {
						return err
					}
					if err := c.RequestSync(id); err != nil {
						return err
					}
				}
				c.Deregister(id)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(stop)
	<-presenterDone

	snap := c.Snapshot()
	assert.Empty(t, snap.Surfaces)
	assert.Empty(t, snap.Groups)
	assert.Positive(t, binder.callCount())

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	for key, n := range bridge.attached {
		assert.Equal(t, n, bridge.detached[key], "group %d", key)
	}
}

// Deregistering the last surface of a group while another goroutine
// registers into the same group must never show the bridge a new attach
// before the old detach.
func TestDetachPrecedesReattachOfSameGroup(t *testing.T) {
	c, bridge, _ := newTestCoordinator(t)
	const key GroupKey = 100

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		id := ID(2*i + 1)
		register(t, c, id, key)
		g.Go(func() error {
			c.Deregister(id)
			return nil
		})
		g.Go(func() error {
			client := newClient(id+1, key)
			if err := c.Register(id+1, client); err != nil {
				return err
			}
			c.Deregister(id + 1)
			return nil
		})
		require.NoError(t, g.Wait())
	}

	bridge.mu.Lock()
	events := append([]string(nil), bridge.events...)
	bridge.mu.Unlock()
	require.NotEmpty(t, events)
	for i, ev := range events {
		want := "attach 100"
		if i%2 == 1 {
			want = "detach 100"
		}
		require.Equal(t, want, ev, "event %d out of order: %v", i, events)
	}
	_, ok := c.Snapshot().Group(key)
	assert.False(t, ok)
}
