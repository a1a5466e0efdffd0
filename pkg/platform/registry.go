package platform

import (
	"sync"

	canvaserrors "github.com/go-drift/canvassync/pkg/errors"
)

// channelRegistry manages all registered platform channels.
type channelRegistry struct {
	methodChannels map[string]*MethodChannel
	mu             sync.RWMutex
}

var registry = &channelRegistry{
	methodChannels: make(map[string]*MethodChannel),
}

func (r *channelRegistry) registerMethod(name string, ch *MethodChannel) {
	r.mu.Lock()
	r.methodChannels[name] = ch
	r.mu.Unlock()
}

func (r *channelRegistry) getMethodChannel(name string) *MethodChannel {
	r.mu.RLock()
	ch := r.methodChannels[name]
	r.mu.RUnlock()
	return ch
}

// NativeBridge defines the interface for calling native platform code.
//
// Canvassync only posts notifications through it: InvokeMethod must queue
// the call for the native side and return without calling back into Go on
// the same goroutine.
type NativeBridge interface {
	// InvokeMethod calls a method on the native side.
	InvokeMethod(channel, method string, args []byte) ([]byte, error)
}

var (
	bridgeMu     sync.RWMutex
	nativeBridge NativeBridge
)

// SetNativeBridge sets the native bridge implementation. Called by the
// embedding runtime during initialization.
func SetNativeBridge(bridge NativeBridge) {
	bridgeMu.Lock()
	nativeBridge = bridge
	bridgeMu.Unlock()
}

// invokeNative calls a method on the native side, encoding with codec.
func invokeNative(codec MessageCodec, channel, method string, args any) (any, error) {
	bridgeMu.RLock()
	bridge := nativeBridge
	bridgeMu.RUnlock()
	if bridge == nil {
		return nil, ErrPlatformUnavailable
	}

	argsData, err := codec.Encode(args)
	if err != nil {
		return nil, err
	}

	resultData, err := bridge.InvokeMethod(channel, method, argsData)
	if err != nil {
		return nil, err
	}

	return codec.Decode(resultData)
}

// HandleMethodCall is called from the bridge when native invokes a Go method.
func HandleMethodCall(channel, method string, argsData []byte) ([]byte, error) {
	ch := registry.getMethodChannel(channel)
	if ch == nil {
		canvaserrors.Report(&canvaserrors.Error{
			Op:      "platform.HandleMethodCall",
			Kind:    canvaserrors.KindNotFound,
			Channel: channel,
			Err:     ErrChannelNotFound,
		})
		return nil, ErrChannelNotFound
	}

	args, err := ch.codec.Decode(argsData)
	if err != nil {
		return nil, err
	}

	result, err := ch.handleCall(method, args)
	if err != nil {
		return nil, err
	}

	return ch.codec.Encode(result)
}

// ResetForTest clears the native bridge, the channel registry and the
// dispatch function. This should only be called from tests.
func ResetForTest() {
	SetNativeBridge(nil)

	registry.mu.Lock()
	registry.methodChannels = make(map[string]*MethodChannel)
	registry.mu.Unlock()

	RegisterDispatch(nil)
}
