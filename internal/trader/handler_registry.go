package trader

import "perpguard/internal/logger"

// HandlerRegistry manages event handlers and dispatches events to them.
type HandlerRegistry struct {
	handlers map[EventType]EventHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[EventType]EventHandler),
	}
}

// Register adds a handler to the registry, replacing any handler of the same type.
func (r *HandlerRegistry) Register(h EventHandler) {
	if h == nil {
		return
	}
	r.handlers[h.Type()] = h
}

func (r *HandlerRegistry) Get(t EventType) (EventHandler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// RegisterDefaultHandlers registers all built-in event handlers.
func (r *HandlerRegistry) RegisterDefaultHandlers() {
	r.Register(&PriceTickHandler{})
	r.Register(&BarCloseHandler{})
	r.Register(&ReconcileHandler{})
	r.Register(&ReconcileResultHandler{})
	r.Register(&OrderResultHandler{})
	r.Register(&UnfreezeHandler{})
	r.Register(&EquityUpdateHandler{})
	r.Register(&ShutdownDrainHandler{})
	logger.Debugf("[trader] registered %d event handlers", len(r.handlers))
}
