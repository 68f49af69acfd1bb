package ingest

import (
	"context"
	"sync"

	"github.com/minasoft/lis-hl7/internal/db"
	"github.com/minasoft/lis-hl7/internal/hl7"
)

const (
	MessageTypeResults = "ORU^R01"
	MessageTypeOrders  = "ORM^O01"
)

// Handler applies one message type.
type Handler interface {
	Handle(ctx context.Context, msg *hl7.Message) (hl7.Outcome, error)
}

type HandlerFunc func(ctx context.Context, msg *hl7.Message) (hl7.Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *hl7.Message) (hl7.Outcome, error) {
	return f(ctx, msg)
}

// Router dispatches parsed messages by exact message type match. It
// implements hl7.Processor.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// NewLabRouter wires the results handler and the orders stub.
func NewLabRouter(store Store, policy db.UpsertPolicy) *Router {
	r := NewRouter()
	r.Register(MessageTypeResults, NewResultHandler(store, policy))
	r.Register(MessageTypeOrders, OrdersHandler{})
	return r
}

func (r *Router) Register(messageType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[messageType] = h
}

// MessageTypes lists the registered types.
func (r *Router) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

func (r *Router) Process(ctx context.Context, msg *hl7.Message) (hl7.Outcome, error) {
	r.mu.RLock()
	h, ok := r.handlers[msg.Type]
	r.mu.RUnlock()
	if !ok {
		return hl7.Outcome{}, hl7.UnsupportedMessageType(msg.Type)
	}
	return h.Handle(ctx, msg)
}

// OrdersHandler is the ORM^O01 stub. Every order message is refused.
type OrdersHandler struct{}

func (OrdersHandler) Handle(_ context.Context, msg *hl7.Message) (hl7.Outcome, error) {
	return hl7.Outcome{}, hl7.NotImplemented(msg.Type)
}
