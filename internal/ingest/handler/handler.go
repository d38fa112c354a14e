// Package handler maps decoded contract events to store writes. Handlers
// are pure: one work item in, one mutation out, no I/O. They run inside
// the committer's batch transaction.
package handler

import (
	"fmt"

	"github.com/lumenlabs/streamwatch/internal/core/domain"
)

// Handler maps a single work item to the entity mutation it implies.
type Handler interface {
	Handle(item *domain.WorkItem) (*domain.Mutation, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(item *domain.WorkItem) (*domain.Mutation, error)

func (f HandlerFunc) Handle(item *domain.WorkItem) (*domain.Mutation, error) {
	return f(item)
}

// Registry resolves the handler for each event kind. The constructor wires
// every kind in the closed set, so resolution cannot miss at runtime.
type Registry struct {
	handlers map[domain.EventKind]Handler
}

// NewRegistry builds the registry with the standard launchpad mappers.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[domain.EventKind]Handler)}
	r.handlers[domain.KindTokenCreated] = HandlerFunc(handleTokenCreated)
	r.handlers[domain.KindCurveBuy] = HandlerFunc(handleCurveTrade)
	r.handlers[domain.KindCurveSell] = HandlerFunc(handleCurveTrade)
	r.handlers[domain.KindGraduated] = HandlerFunc(handleGraduated)
	r.handlers[domain.KindSwap] = HandlerFunc(handleSwap)
	r.handlers[domain.KindLiquidityAdded] = HandlerFunc(handleLiquidity)
	r.handlers[domain.KindLiquidityRemove] = HandlerFunc(handleLiquidity)
	return r
}

// Register replaces the handler for a kind. Used by tests and deployments
// with custom mappers.
func (r *Registry) Register(kind domain.EventKind, h Handler) {
	r.handlers[kind] = h
}

// Handle dispatches an item to its kind's handler.
func (r *Registry) Handle(item *domain.WorkItem) (*domain.Mutation, error) {
	h, ok := r.handlers[item.Kind]
	if !ok {
		// Unreachable for items decoded at the provider boundary.
		return nil, fmt.Errorf("no handler for event kind %q", item.Kind)
	}
	return h.Handle(item)
}
