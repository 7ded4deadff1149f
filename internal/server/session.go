package server

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"syncwire/internal/livequery"
	"syncwire/internal/query"
	"syncwire/internal/record"
	"syncwire/internal/router"
	"syncwire/internal/wire"
)

// Conn is the framed JSON transport a session runs over; *websocket.Conn
// satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// handler dispatches one decoded request; *router.Router satisfies it.
type handler interface {
	Handle(ctx context.Context, req *router.Request) (*router.Response, error)
}

// subscriber is the standing-query surface; *livequery.Engine satisfies it.
type subscriber interface {
	Subscribe(q query.Raw, sub livequery.Subscriber) (string, func())
	LoadQueryResults(q query.Raw, results []record.Materialized)
}

// Session owns one client connection: it decodes envelopes, routes them, and
// keeps the connection's standing subscriptions until it closes.
type Session struct {
	conn    Conn
	router  handler
	engine  subscriber
	reqCtx  map[string]any

	mu     sync.Mutex
	subs   map[string]func()
	closed bool
}

func NewSession(conn Conn, h handler, engine subscriber, reqCtx map[string]any) *Session {
	return &Session{
		conn:   conn,
		router: h,
		engine: engine,
		reqCtx: reqCtx,
		subs:   make(map[string]func()),
	}
}

// Run reads envelopes until the connection drops, then detaches every
// standing subscription.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()
	for {
		var env wire.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			logrus.WithError(err).Debug("session read ended")
			return
		}
		s.handle(ctx, &env)
	}
}

func (s *Session) handle(ctx context.Context, env *wire.Envelope) {
	switch env.Type {
	case wire.TypeSubscribe:
		s.handleSubscribe(ctx, env)
	case wire.TypeUnsubscribe:
		s.handleUnsubscribe(env)
	case wire.TypeQuery, wire.TypeMutate:
		resp, err := s.router.Handle(ctx, s.request(env))
		if err != nil {
			s.reject(env, err)
			return
		}
		s.write(wire.Reply(env.ID, resp))
	default:
		s.write(wire.Reject(env.ID, env.Resource, "unsupported message type"))
	}
}

// handleSubscribe answers with the initial result set and registers the
// standing query; subsequent deltas arrive as server-sent MUTATE envelopes.
func (s *Session) handleSubscribe(ctx context.Context, env *wire.Envelope) {
	resp, err := s.router.Handle(ctx, s.request(env))
	if err != nil {
		s.reject(env, err)
		return
	}

	hash, unsub := s.engine.Subscribe(resp.Query, func(mut *record.Mutation) {
		s.write(wire.Delta(mut))
	})
	rows, _ := resp.Data.([]record.Materialized)
	s.engine.LoadQueryResults(resp.Query, rows)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsub()
		return
	}
	if old, ok := s.subs[hash]; ok {
		old()
	}
	s.subs[hash] = unsub
	s.mu.Unlock()

	s.write(wire.Reply(env.ID, resp))
}

func (s *Session) handleUnsubscribe(env *wire.Envelope) {
	s.mu.Lock()
	unsub, ok := s.subs[env.QueryHash]
	delete(s.subs, env.QueryHash)
	s.mu.Unlock()
	if ok {
		unsub()
	}
	s.write(wire.Reply(env.ID, nil))
}

func (s *Session) request(env *wire.Envelope) *router.Request {
	req := &router.Request{
		MessageID:  env.ID,
		Type:       env.Type,
		Resource:   env.Resource,
		ResourceID: env.ResourceID,
		Procedure:  env.Procedure,
		Payload:    env.Payload,
		Input:      env.Input,
		Context:    s.reqCtx,
	}
	if env.Query != nil {
		req.Query = *env.Query
	}
	return req
}

func (s *Session) reject(env *wire.Envelope, err error) {
	var app *router.AppError
	msg := err.Error()
	if errors.As(err, &app) {
		msg = app.Message
	}
	s.write(wire.Reject(env.ID, env.Resource, msg))
}

// write serializes envelope writes; replies and fan-out deltas share the
// connection.
func (s *Session) write(env *wire.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.conn.WriteJSON(env); err != nil {
		logrus.WithError(err).Debug("session write failed")
	}
}

// Close detaches all subscriptions and closes the transport. Safe to call
// more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	s.conn.Close()
}
