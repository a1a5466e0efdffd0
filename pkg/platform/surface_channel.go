package platform

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	canvaserrors "github.com/go-drift/canvassync/pkg/errors"
	"github.com/go-drift/canvassync/pkg/gpu"
	"github.com/go-drift/canvassync/pkg/logging"
	"github.com/go-drift/canvassync/pkg/surface"
)

// SurfaceChannelName is the method channel canvas surface traffic uses.
const SurfaceChannelName = "drift/canvas_surfaces"

// SurfaceSink receives the calls the native side makes into Go.
// *surface.Coordinator implements it.
type SurfaceSink interface {
	SupplySurface(id surface.ID, w gpu.Window, tex gpu.TextureID) bool
	PerformSync(key surface.GroupKey)
	SetPaintingDisabled(key surface.GroupKey, disabled bool)
}

// SurfaceChannel connects a coordinator to a native presentation side over
// a method channel. It implements surface.Bridge: each view group gets a
// peer whose notifications become outbound method calls.
//
// The native side names windows by handle. The embedding runtime registers
// the windows it creates in Windows and passes the returned handle in
// sendSurfaceTexture.
type SurfaceChannel struct {
	channel *MethodChannel
	logger  *zap.Logger

	// Windows resolves window handles sent by the native side.
	Windows *Handles[gpu.Window]

	mu   sync.RWMutex
	sink SurfaceSink
}

// NewSurfaceChannel creates the surface channel and installs its handler.
func NewSurfaceChannel(logger *zap.Logger) *SurfaceChannel {
	sc := &SurfaceChannel{
		channel: NewMethodChannel(SurfaceChannelName),
		logger:  logging.Named(logger, "platform.surfaces"),
		Windows: NewHandles[gpu.Window](),
	}
	sc.channel.SetHandler(sc.handle)
	return sc
}

// Bind routes inbound calls to sink. Calls that arrive before Bind fail
// with ErrPlatformUnavailable.
func (sc *SurfaceChannel) Bind(sink SurfaceSink) {
	sc.mu.Lock()
	sc.sink = sink
	sc.mu.Unlock()
}

func (sc *SurfaceChannel) boundSink() SurfaceSink {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.sink
}

// Attach tells the native side a view group now has surfaces.
func (sc *SurfaceChannel) Attach(key surface.GroupKey, host surface.HostView) (surface.Peer, error) {
	if _, err := sc.channel.Invoke("attach", map[string]any{"key": uint64(key)}); err != nil {
		return nil, fmt.Errorf("attach group %d: %w", key, err)
	}
	return &channelPeer{sc: sc, key: key}, nil
}

// Detach tells the native side the view group has no surfaces left.
func (sc *SurfaceChannel) Detach(key surface.GroupKey, peer surface.Peer) {
	if _, err := sc.channel.Invoke("detach", map[string]any{"key": uint64(key)}); err != nil {
		sc.logger.Warn("detach not posted", zap.Uint64("group", uint64(key)), zap.Error(err))
	}
}

func (sc *SurfaceChannel) handle(method string, args any) (result any, err error) {
	// A panic must not unwind into the native caller.
	defer canvaserrors.RecoverWithCallback("platform.SurfaceChannel", func(r any) {
		result, err = nil, fmt.Errorf("%s: panic: %v", method, r)
	})

	sink := sc.boundSink()
	if sink == nil {
		return nil, ErrPlatformUnavailable
	}
	m := parseMap(args)
	if m == nil {
		return nil, ErrInvalidArguments
	}

	switch method {
	case "sendSurfaceTexture":
		id, ok := toInt64(m["id"])
		if !ok {
			return nil, ErrInvalidArguments
		}
		handle, ok := toUint64(m["window"])
		if !ok {
			return nil, ErrInvalidArguments
		}
		tex, ok := toUint64(m["texture"])
		if !ok {
			return nil, ErrInvalidArguments
		}
		w, ok := sc.Windows.Lookup(handle)
		if !ok {
			return nil, fmt.Errorf("window %d: %w", handle, ErrUnknownHandle)
		}
		accepted := sink.SupplySurface(surface.ID(id), w, gpu.TextureID(tex))
		return map[string]any{"accepted": accepted}, nil

	case "performSync":
		key, ok := toUint64(m["key"])
		if !ok {
			return nil, ErrInvalidArguments
		}
		DispatchOrRun(func() { sink.PerformSync(surface.GroupKey(key)) })
		return nil, nil

	case "setPaintingDisabled":
		key, ok := toUint64(m["key"])
		if !ok {
			return nil, ErrInvalidArguments
		}
		disabled := parseBool(m["disabled"])
		DispatchOrRun(func() { sink.SetPaintingDisabled(surface.GroupKey(key), disabled) })
		return nil, nil

	default:
		return nil, ErrMethodNotFound
	}
}

// channelPeer is the surface.Peer for one view group.
type channelPeer struct {
	sc  *SurfaceChannel
	key surface.GroupKey
}

func (p *channelPeer) SurfaceRequested(id surface.ID) error {
	_, err := p.sc.channel.Invoke("canvasElementCreated", map[string]any{
		"id":  int64(id),
		"key": uint64(p.key),
	})
	return err
}

func (p *channelPeer) SurfaceDestroyed(id surface.ID) error {
	_, err := p.sc.channel.Invoke("canvasElementDestroyed", map[string]any{
		"id":  int64(id),
		"key": uint64(p.key),
	})
	return err
}

func (p *channelPeer) SyncRequested(key surface.GroupKey) error {
	_, err := p.sc.channel.Invoke("postSyncMessage", map[string]any{"key": uint64(key)})
	return err
}
