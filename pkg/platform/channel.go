package platform

import "sync"

// MethodHandler handles incoming method calls on a channel.
type MethodHandler func(method string, args any) (any, error)

// MethodChannel provides bidirectional method-call communication with native code.
type MethodChannel struct {
	name  string
	codec MessageCodec

	mu      sync.RWMutex
	handler MethodHandler
}

// NewMethodChannel creates a new method channel with the given name.
// A later channel with the same name replaces it.
func NewMethodChannel(name string) *MethodChannel {
	ch := &MethodChannel{
		name:  name,
		codec: DefaultCodec,
	}
	registry.registerMethod(name, ch)
	return ch
}

// SetCodec replaces the codec used for this channel's messages.
// It must be called before the channel carries traffic.
func (c *MethodChannel) SetCodec(codec MessageCodec) {
	c.codec = codec
}

// Name returns the channel name.
func (c *MethodChannel) Name() string {
	return c.name
}

// SetHandler sets the handler for incoming method calls from native code.
func (c *MethodChannel) SetHandler(handler MethodHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Invoke calls a method on the native side and returns the result.
// It returns when the native side has accepted the call.
func (c *MethodChannel) Invoke(method string, args any) (any, error) {
	return invokeNative(c.codec, c.name, method, args)
}

// handleCall processes an incoming method call from native code.
func (c *MethodChannel) handleCall(method string, args any) (any, error) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		return nil, ErrMethodNotFound
	}
	return handler(method, args)
}
