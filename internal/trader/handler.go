package trader

// EventHandler handles one event type.
type EventHandler interface {
	Type() EventType

	// Handle processes the event; traceID is the envelope ID.
	Handle(ctx *HandlerContext, payload []byte, traceID string) error
}

// HandlerContext gives handlers access to the Trader without exporting its internals.
type HandlerContext struct {
	trader *Trader
}

func NewHandlerContext(t *Trader) *HandlerContext {
	return &HandlerContext{trader: t}
}

func (c *HandlerContext) Trader() *Trader {
	return c.trader
}

type PriceTickHandler struct{}

func (h *PriceTickHandler) Type() EventType { return EvtPriceTick }

func (h *PriceTickHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	return ctx.Trader().handlePriceTick(payload)
}

type BarCloseHandler struct{}

func (h *BarCloseHandler) Type() EventType { return EvtBarClose }

func (h *BarCloseHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	return ctx.Trader().handleBarClose(payload)
}

type ReconcileHandler struct{}

func (h *ReconcileHandler) Type() EventType { return EvtReconcile }

func (h *ReconcileHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	return ctx.Trader().handleReconcile(payload)
}

type ReconcileResultHandler struct{}

func (h *ReconcileResultHandler) Type() EventType { return EvtReconcileResult }

func (h *ReconcileResultHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	return ctx.Trader().handleReconcileResult(payload)
}

type OrderResultHandler struct{}

func (h *OrderResultHandler) Type() EventType { return EvtOrderResult }

func (h *OrderResultHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	return ctx.Trader().handleOrderResult(payload)
}

type UnfreezeHandler struct{}

func (h *UnfreezeHandler) Type() EventType { return EvtUnfreeze }

func (h *UnfreezeHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	return ctx.Trader().handleUnfreeze(payload)
}

type EquityUpdateHandler struct{}

func (h *EquityUpdateHandler) Type() EventType { return EvtEquityUpdate }

func (h *EquityUpdateHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	return ctx.Trader().handleEquityUpdate(payload)
}

type ShutdownDrainHandler struct{}

func (h *ShutdownDrainHandler) Type() EventType { return EvtShutdownDrain }

func (h *ShutdownDrainHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	return ctx.Trader().handleShutdownDrain()
}
