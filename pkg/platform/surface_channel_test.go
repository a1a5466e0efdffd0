package platform

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/go-drift/canvassync/pkg/gpu"
	"github.com/go-drift/canvassync/pkg/gpu/soft"
	"github.com/go-drift/canvassync/pkg/surface"
)

// testBridge captures native method invocations for assertions.
type testBridge struct {
	mu    sync.Mutex
	calls []testBridgeCall

	// onCall, if set, runs on its own goroutine after each call is recorded.
	onCall func(call testBridgeCall)
}

type testBridgeCall struct {
	channel string
	method  string
	args    map[string]any
}

func (b *testBridge) InvokeMethod(channel, method string, argsData []byte) ([]byte, error) {
	var args map[string]any
	if len(argsData) > 0 {
		_ = json.Unmarshal(argsData, &args)
	}
	call := testBridgeCall{channel: channel, method: method, args: args}
	b.mu.Lock()
	b.calls = append(b.calls, call)
	onCall := b.onCall
	b.mu.Unlock()
	if onCall != nil {
		go onCall(call)
	}
	return DefaultCodec.Encode(nil)
}

func (b *testBridge) methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	for i, c := range b.calls {
		out[i] = c.method
	}
	return out
}

func setupTestBridge(t *testing.T) *testBridge {
	bridge := &testBridge{}
	SetupTestBridge(t.Cleanup)
	SetNativeBridge(bridge)
	return bridge
}

type recordingSink struct {
	mu       sync.Mutex
	supplied []surface.ID
	synced   []surface.GroupKey
	disabled map[surface.GroupKey]bool
}

func (s *recordingSink) SupplySurface(id surface.ID, w gpu.Window, tex gpu.TextureID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supplied = append(s.supplied, id)
	return id != 99
}

func (s *recordingSink) PerformSync(key surface.GroupKey) {
	s.mu.Lock()
	s.synced = append(s.synced, key)
	s.mu.Unlock()
}

func (s *recordingSink) SetPaintingDisabled(key surface.GroupKey, disabled bool) {
	s.mu.Lock()
	if s.disabled == nil {
		s.disabled = make(map[surface.GroupKey]bool)
	}
	s.disabled[key] = disabled
	s.mu.Unlock()
}

func call(t *testing.T, method string, args map[string]any) (any, error) {
	t.Helper()
	data, err := DefaultCodec.Encode(args)
	require.NoError(t, err)
	out, err := HandleMethodCall(SurfaceChannelName, method, data)
	if err != nil {
		return nil, err
	}
	return DefaultCodec.Decode(out)
}

func TestSurfaceChannelInbound(t *testing.T) {
	setupTestBridge(t)
	sc := NewSurfaceChannel(zap.NewNop())

	_, err := call(t, "performSync", map[string]any{"key": 1})
	assert.ErrorIs(t, err, ErrPlatformUnavailable)

	sink := &recordingSink{}
	sc.Bind(sink)
	d := soft.New()
	w, tex, err := d.CreateStream()
	require.NoError(t, err)
	handle := sc.Windows.Register(w)

	res, err := call(t, "sendSurfaceTexture", map[string]any{"id": 7, "window": handle, "texture": uint32(tex)})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"accepted": true}, res)

	res, err = call(t, "sendSurfaceTexture", map[string]any{"id": 99, "window": handle, "texture": uint32(tex)})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"accepted": false}, res)

	_, err = call(t, "sendSurfaceTexture", map[string]any{"id": 7, "window": handle + 1, "texture": 1})
	assert.ErrorIs(t, err, ErrUnknownHandle)

	_, err = call(t, "sendSurfaceTexture", map[string]any{"window": handle})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = call(t, "performSync", map[string]any{"key": 3})
	require.NoError(t, err)
	_, err = call(t, "setPaintingDisabled", map[string]any{"key": 3, "disabled": true})
	require.NoError(t, err)
	_, err = call(t, "unknown", map[string]any{})
	assert.ErrorIs(t, err, ErrMethodNotFound)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []surface.ID{7, 99}, sink.supplied)
	assert.Equal(t, []surface.GroupKey{3}, sink.synced)
	assert.True(t, sink.disabled[3])
}

func TestHandleMethodCallUnknownChannel(t *testing.T) {
	setupTestBridge(t)
	_, err := HandleMethodCall("nope", "performSync", nil)
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestInvokeWithoutBridge(t *testing.T) {
	t.Cleanup(ResetForTest)
	ch := NewMethodChannel("test/none")
	_, err := ch.Invoke("anything", nil)
	assert.ErrorIs(t, err, ErrPlatformUnavailable)
}

type hostView surface.GroupKey

func (h hostView) Key() surface.GroupKey { return surface.GroupKey(h) }

type channelClient struct {
	host     hostView
	assigned chan gpu.TextureID
}

func (c *channelClient) HostView() surface.HostView { return c.host }
func (c *channelClient) Binding() (gpu.Surface, gpu.Context, bool) {
	return gpu.NoSurface, gpu.NoContext, false
}
func (c *channelClient) SurfaceAssigned(w gpu.Window, tex gpu.TextureID) { c.assigned <- tex }
func (c *channelClient) Present()                                       {}
func (c *channelClient) SetPaintingDisabled(bool)                       {}

// The native side answers canvasElementCreated with sendSurfaceTexture
// from another goroutine, as a real presentation thread would.
func TestSurfaceChannelRoundTrip(t *testing.T) {
	bridge := setupTestBridge(t)
	sc := NewSurfaceChannel(zap.NewNop())
	d := soft.New()
	coord := surface.New(sc, d, surface.WithRegisterTimeout(2*time.Second))
	sc.Bind(coord)

	bridge.onCall = func(c testBridgeCall) {
		if c.method != "canvasElementCreated" {
			return
		}
		w, tex, err := d.CreateStream()
		if err != nil {
			return
		}
		data, _ := DefaultCodec.Encode(map[string]any{
			"id":      c.args["id"],
			"window":  sc.Windows.Register(w),
			"texture": uint32(tex),
		})
		_, _ = HandleMethodCall(SurfaceChannelName, "sendSurfaceTexture", data)
	}

	client := &channelClient{host: 5, assigned: make(chan gpu.TextureID, 1)}
	id := surface.NextID()
	require.NoError(t, coord.Register(id, client))
	assert.NotEqual(t, gpu.NoTexture, <-client.assigned)

	require.NoError(t, coord.RequestSync(id))
	require.NoError(t, coord.RequestSync(id))
	coord.Deregister(id)

	assert.Equal(t, []string{"attach", "canvasElementCreated", "postSyncMessage", "canvasElementDestroyed", "detach"}, bridge.methods())
	assert.Equal(t, 1, sc.Windows.Count())
}

func TestHandles(t *testing.T) {
	h := NewHandles[string]()
	a := h.Register("a")
	b := h.Register("b")
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, h.Count())

	v, ok := h.Lookup(a)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	h.Unregister(a)
	_, ok = h.Lookup(a)
	assert.False(t, ok)
	assert.Equal(t, 1, h.Count())

	c := h.Register("c")
	assert.Greater(t, c, b)
}

func TestDispatchOrRun(t *testing.T) {
	t.Cleanup(ResetForTest)
	RegisterDispatch(nil)
	ran := false
	DispatchOrRun(func() { ran = true })
	assert.True(t, ran)

	var queued []func()
	RegisterDispatch(func(cb func()) { queued = append(queued, cb) })
	ran = false
	DispatchOrRun(func() { ran = true })
	assert.False(t, ran)
	require.Len(t, queued, 1)
	queued[0]()
	assert.True(t, ran)
}

type countingCodec struct {
	JsonCodec
	encodes, decodes int
}

func (c *countingCodec) Encode(v any) ([]byte, error) {
	c.encodes++
	return c.JsonCodec.Encode(v)
}

func (c *countingCodec) Decode(data []byte) (any, error) {
	c.decodes++
	return c.JsonCodec.Decode(data)
}

func TestMethodChannelUsesItsCodec(t *testing.T) {
	setupTestBridge(t)
	codec := &countingCodec{}
	ch := NewMethodChannel("test/codec")
	ch.SetCodec(codec)
	ch.SetHandler(func(method string, args any) (any, error) { return args, nil })

	_, err := ch.Invoke("ping", map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, codec.encodes)
	assert.Equal(t, 1, codec.decodes)

	out, err := HandleMethodCall("test/codec", "echo", []byte(`{"n":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(out))
	assert.Equal(t, 2, codec.encodes)
	assert.Equal(t, 2, codec.decodes)
}

type panickingSink struct{ recordingSink }

func (*panickingSink) SupplySurface(surface.ID, gpu.Window, gpu.TextureID) bool {
	panic("sink exploded")
}

func TestSurfaceChannelRecoversSinkPanic(t *testing.T) {
	setupTestBridge(t)
	sc := NewSurfaceChannel(zap.NewNop())
	sc.Bind(&panickingSink{})
	w, _, err := soft.New().CreateStream()
	require.NoError(t, err)
	handle := sc.Windows.Register(w)

	_, err = call(t, "sendSurfaceTexture", map[string]any{"id": 1, "window": handle, "texture": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink exploded")
}
