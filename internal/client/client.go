package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"syncwire/internal/query"
	"syncwire/internal/record"
	"syncwire/internal/schema"
	"syncwire/internal/wire"
)

// Transport failure errors, surfaced verbatim to callers.
var (
	ErrNotConnected = errors.New("WebSocket not connected")
	ErrReplyTimeout = errors.New("Reply timeout")
)

// Conn is the framed JSON transport; *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a transport connection.
type Dialer func(ctx context.Context) (Conn, error)

// DialWebsocket returns a Dialer over gorilla/websocket.
func DialWebsocket(url string, header http.Header) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Options tunes session behavior.
type Options struct {
	AutoConnect   bool
	AutoReconnect bool
	ReplyTimeout  time.Duration
}

const defaultReplyTimeout = 5 * time.Second

// Client is the sync session: local replica, request correlation, optimistic
// overlay, offline queue.
type Client struct {
	reg    *schema.Registry
	store  *Store
	dialer Dialer
	opts   Options
	clock  *record.Clock
	events chan Event

	mu       sync.Mutex
	conn     Conn
	state    wire.ConnState
	pending  map[string]*pendingMsg
	queue    []*wire.Envelope
	handlers map[string]map[string]OptimisticHandler
	subs     map[string]query.Raw
	closed   bool
}

type pendingMsg struct {
	ch       chan pendingResult
	timer    *time.Timer
	rollback func()
}

type pendingResult struct {
	data any
	err  error
}

func New(reg *schema.Registry, dialer Dialer, opts Options) *Client {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = defaultReplyTimeout
	}
	c := &Client{
		reg:      reg,
		store:    NewStore(reg),
		dialer:   dialer,
		opts:     opts,
		clock:    record.NewClock(),
		events:   make(chan Event, 256),
		state:    wire.StateDisconnected,
		pending:  make(map[string]*pendingMsg),
		handlers: make(map[string]map[string]OptimisticHandler),
		subs:     make(map[string]query.Raw),
	}
	if opts.AutoConnect {
		go func() {
			if err := c.Connect(context.Background()); err != nil {
				logrus.WithError(err).Warn("auto connect failed")
			}
		}()
	}
	return c
}

// Store exposes the local replica for synchronous reads.
func (c *Client) Store() *Store { return c.store }

// Events is the session's event channel. Slow consumers lose events.
func (c *Client) Events() <-chan Event { return c.events }

// State reports the transport lifecycle.
func (c *Client) State() wire.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RegisterOptimistic installs the local prediction handler for a custom
// procedure. Only mutations with a handler work offline.
func (c *Client) RegisterOptimistic(resource, procedure string, h OptimisticHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[resource] == nil {
		c.handlers[resource] = make(map[string]OptimisticHandler)
	}
	c.handlers[resource][procedure] = h
}

// Connect dials the transport, starts the read loop, replays the offline
// queue, and re-establishes standing subscriptions.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("session closed")
	}
	if c.state == wire.StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = wire.StateConnecting
	c.mu.Unlock()

	conn, err := c.dialer(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = wire.StateDisconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = wire.StateConnected
	replay := c.queue
	c.queue = nil
	resubscribe := make([]query.Raw, 0, len(c.subs))
	for _, q := range c.subs {
		resubscribe = append(resubscribe, q)
	}
	c.mu.Unlock()

	c.emit(Event{Type: EventConnectionChanged, State: wire.StateConnected})
	go c.readLoop(conn)
	c.replay(replay)
	for _, q := range resubscribe {
		go func(q query.Raw) {
			if _, err := c.Subscribe(context.Background(), q); err != nil {
				logrus.WithError(err).WithField("resource", q.Resource).Warn("resubscribe failed")
			}
		}(q)
	}
	return nil
}

// Close shuts the session down; pending mutations are rejected by their
// timers, not replayed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = wire.StateClosed
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.emit(Event{Type: EventConnectionChanged, State: wire.StateClosed})
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) readLoop(conn Conn) {
	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleDisconnect(conn)
			return
		}
		c.dispatch(&env)
	}
}

func (c *Client) dispatch(env *wire.Envelope) {
	switch env.Type {
	case wire.TypeReply:
		c.resolve(env.ID, env.Data)
	case wire.TypeReject:
		c.rejectPending(env.ID, errors.New(env.Message))
	case wire.TypeMutate:
		c.applyDelta(env)
	default:
		logrus.WithField("type", env.Type).Debug("ignoring unexpected envelope")
	}
}

// applyDelta merges a server-pushed mutation into the replica. The overlay's
// optimistic values carry their own timestamps, so LWW reconciles the two.
func (c *Client) applyDelta(env *wire.Envelope) {
	payload := entityFields(c.reg, env.Resource, env.Payload)
	switch env.Procedure {
	case record.ProcedureInsert:
		c.store.ApplyInsert(env.Resource, env.ResourceID, payload)
	case record.ProcedureUpdate:
		c.store.ApplyUpdate(env.Resource, env.ResourceID, payload)
	default:
		logrus.WithField("procedure", env.Procedure).Debug("ignoring delta")
	}
}

func (c *Client) resolve(id string, data any) {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	c.emit(Event{Type: EventReplyReceived, MutationID: id})
	if p.ch != nil {
		p.ch <- pendingResult{data: data}
	}
}

func (c *Client) rejectPending(id string, err error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.rollback != nil {
		p.rollback()
	}
	c.emit(Event{Type: EventRejectReceived, MutationID: id, Message: err.Error()})
	if p.ch != nil {
		p.ch <- pendingResult{err: err}
	}
}

func (c *Client) expire(id string) {
	c.rejectPending(id, ErrReplyTimeout)
}

func (c *Client) handleDisconnect(conn Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if !c.closed {
		c.state = wire.StateDisconnected
	}
	closed := c.closed
	reconnect := c.opts.AutoReconnect && !closed
	c.mu.Unlock()

	if !closed {
		c.emit(Event{Type: EventConnectionChanged, State: wire.StateDisconnected})
	}
	if reconnect {
		go c.reconnectLoop()
	}
}

// send registers the pending entry, writes the envelope, and arms the reply
// timer. Caller holds no locks.
func (c *Client) send(env *wire.Envelope, rollback func()) (*pendingMsg, error) {
	p := &pendingMsg{ch: make(chan pendingResult, 1), rollback: rollback}

	c.mu.Lock()
	if c.state != wire.StateConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[env.ID] = p
	err := c.conn.WriteJSON(env)
	if err != nil {
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()
	p.timer = time.AfterFunc(c.opts.ReplyTimeout, func() { c.expire(env.ID) })
	return p, nil
}

func (c *Client) await(ctx context.Context, p *pendingMsg) (any, error) {
	select {
	case res := <-p.ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe opens a standing query: the server's reply seeds the replica and
// later deltas keep it live. The unsubscribe closure detaches server-side.
func (c *Client) Subscribe(ctx context.Context, q query.Raw) (func(), error) {
	env := &wire.Envelope{
		ID:        uuid.NewString(),
		Type:      wire.TypeSubscribe,
		Resource:  q.Resource,
		Query:     &q,
		QueryHash: query.Hash(q),
	}
	p, err := c.send(env, nil)
	if err != nil {
		return nil, err
	}
	data, err := c.await(ctx, p)
	if err != nil {
		return nil, err
	}

	var reply struct {
		Data      []record.Materialized `json:"data"`
		QueryHash string                `json:"queryHash"`
	}
	if err := reencode(data, &reply); err != nil {
		return nil, err
	}
	for _, row := range reply.Data {
		c.store.ApplyInsert(q.Resource, row.ID(), entityFields(c.reg, q.Resource, row))
	}

	hash := reply.QueryHash
	if hash == "" {
		hash = env.QueryHash
	}
	c.mu.Lock()
	c.subs[hash] = q
	c.mu.Unlock()

	unsubscribe := func() {
		c.mu.Lock()
		delete(c.subs, hash)
		conn := c.conn
		connected := c.state == wire.StateConnected
		c.mu.Unlock()
		if connected && conn != nil {
			out := &wire.Envelope{ID: uuid.NewString(), Type: wire.TypeUnsubscribe, QueryHash: hash}
			c.mu.Lock()
			if err := conn.WriteJSON(out); err != nil {
				logrus.WithError(err).Debug("unsubscribe write failed")
			}
			c.mu.Unlock()
		}
	}
	return unsubscribe, nil
}

// reencode converts a decoded JSON value into a typed shape.
func reencode(from any, to any) error {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, to)
}

// entityFields restricts a payload to the id plus the fields the entity
// declares, dropping projection extras such as included relations.
func entityFields(reg *schema.Registry, resource string, payload record.Materialized) record.Materialized {
	e := reg.Entity(resource)
	if e == nil {
		return payload
	}
	out := make(record.Materialized, len(payload))
	for name, fv := range payload {
		if name == schema.IDField || e.HasField(name) {
			out[name] = fv
		}
	}
	return out
}
