package server

import (
	"sync"

	"github.com/sirupsen/logrus"

	"syncwire/internal/livequery"
	"syncwire/internal/record"
)

// Hub carries committed mutations from the store to the live query engine.
// Publish runs on the committing goroutine and only enqueues; a single worker
// drains the channel so queries always observe mutations in commit order.
type Hub struct {
	engine *livequery.Engine
	ch     chan fanoutItem

	once sync.Once
	done chan struct{}
}

type fanoutItem struct {
	mut      *record.Mutation
	snapshot map[string]any
}

func NewHub(engine *livequery.Engine) *Hub {
	return &Hub{
		engine: engine,
		ch:     make(chan fanoutItem, 1024),
		done:   make(chan struct{}),
	}
}

// Publish implements the store's notifier contract. Blocks when the fan-out
// worker falls behind rather than reordering or dropping.
func (h *Hub) Publish(mut *record.Mutation, snapshot map[string]any) {
	h.ch <- fanoutItem{mut: mut, snapshot: snapshot}
}

// Run drains the mutation channel until Close. Call in its own goroutine.
func (h *Hub) Run() {
	defer close(h.done)
	for item := range h.ch {
		if err := h.engine.HandleMutation(item.mut, item.snapshot); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"resource": item.mut.Resource,
				"id":       item.mut.ResourceID,
			}).Warn("fan-out failed")
		}
	}
}

// Close stops the worker after the queue drains.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.ch) })
	<-h.done
}
