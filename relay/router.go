package relay

import (
	"github.com/sirupsen/logrus"

	"github.com/Aysar1990/yas-remote-app/protocol"
)

// HandlerFunc consumes one raw inbound frame of a registered type.
type HandlerFunc func(payload []byte)

// Router dispatches inbound frames to handlers keyed by the type
// discriminant. It holds no other state; ordering is inherited from the
// caller, which invokes Dispatch from a single goroutine per connection.
type Router struct {
	handlers map[string]HandlerFunc
}

// NewRouter returns an empty routing table.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Handle registers the handler for one frame type, replacing any previous
// registration. Registration must finish before dispatching starts.
func (r *Router) Handle(frameType string, handler HandlerFunc) {
	r.handlers[frameType] = handler
}

// Dispatch decodes the discriminant and invokes the matching handler
// synchronously. Unknown frame types are dropped, keeping the client
// forward-compatible with newer relay versions.
func (r *Router) Dispatch(payload []byte) {
	frameType, err := protocol.DecodeFrameType(payload)
	if err != nil {
		logrus.WithError(err).Debug("dropping undecodable frame")
		return
	}

	handler, ok := r.handlers[frameType]
	if !ok {
		logrus.WithField("frame_type", frameType).Debug("dropping unhandled frame")
		return
	}
	handler(payload)
}
