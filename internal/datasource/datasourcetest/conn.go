// Package datasourcetest provides an in-memory protocol connection for
// testing code that drives the datasource pool.
package datasourcetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/fieldgate/internal/datasource"
	"github.com/opensource-finance/fieldgate/internal/domain"
)

// Source returns an active OPC-UA datasource row pointing at a fake endpoint.
func Source(tenantID, id, name string) *domain.DataSource {
	return &domain.DataSource{
		ID:       id,
		TenantID: tenantID,
		Name:     name,
		Type:     "opcua",
		ConnectionConfig: map[string]any{
			"url":            "opc.tcp://fake:4840",
			"max_retries":    1,
			"retry_delay":    0,
			"check_interval": 3600,
		},
		IsActive: true,
	}
}

// Conn is a fake OPC-UA connection backed by a map of node values. It
// implements NodeReader, NodeWriter and Subscriber.
type Conn struct {
	mu         sync.Mutex
	values     map[string]any
	connectErr error
	readErr    error
	readDelay  time.Duration
	monitorErr error
	cancelErr  error
	unmonErr   error
	connected  bool
	connects   int
	reads      map[string]int
	subs       []*Subscription
}

var (
	_ datasource.Connection = (*Conn)(nil)
	_ datasource.NodeReader = (*Conn)(nil)
	_ datasource.NodeWriter = (*Conn)(nil)
	_ datasource.Subscriber = (*Conn)(nil)
)

// NewConn creates a connection serving values.
func NewConn(values map[string]any) *Conn {
	v := make(map[string]any, len(values))
	for k, val := range values {
		v[k] = val
	}
	return &Conn{values: v, reads: make(map[string]int)}
}

// Connector returns a pool connector that always hands out c.
func (c *Conn) Connector() datasource.Connector {
	return func(datasource.SourceConfig) (datasource.Connection, error) {
		return c, nil
	}
}

func (c *Conn) Type() domain.SourceType { return domain.SourceOpcUa }

func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *Conn) Probe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return domain.ErrNotConnected
	}
	return c.readErr
}

// Close ends the session. Subscriptions created on it stop delivering.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}
	return nil
}

func (c *Conn) ReadNode(ctx context.Context, nodeID string) (*domain.DataValue, error) {
	c.mu.Lock()
	delay := c.readDelay
	c.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads[nodeID]++
	if c.readErr != nil {
		return nil, c.readErr
	}
	v, ok := c.values[nodeID]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, "read node", "BadNodeIdUnknown").With("node_id", nodeID)
	}
	now := time.Now().UTC()
	return &domain.DataValue{Value: v, SourceTimestamp: now, ServerTimestamp: now, Quality: domain.QualityGood}, nil
}

func (c *Conn) WriteNode(ctx context.Context, nodeID string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[nodeID]; !ok {
		return domain.NewError(domain.KindNotFound, "write node", "BadNodeIdUnknown").With("node_id", nodeID)
	}
	c.values[nodeID] = value
	return nil
}

func (c *Conn) Subscribe(ctx context.Context, interval time.Duration, handler datasource.DataChangeHandler) (datasource.ProtocolSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Subscription{conn: c, handler: handler, items: make(map[uint32]string)}
	c.subs = append(c.subs, s)
	return s, nil
}

// Set changes the value served for nodeID.
func (c *Conn) Set(nodeID string, v any) {
	c.mu.Lock()
	c.values[nodeID] = v
	c.mu.Unlock()
}

// SetReadError makes every read and probe fail with err. nil restores reads.
func (c *Conn) SetReadError(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
}

// SetReadDelay makes every read wait d before answering.
func (c *Conn) SetReadDelay(d time.Duration) {
	c.mu.Lock()
	c.readDelay = d
	c.mu.Unlock()
}

// SetConnectError makes Connect fail with err.
func (c *Conn) SetConnectError(err error) {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
}

// SetMonitorError makes Monitor fail with err.
func (c *Conn) SetMonitorError(err error) {
	c.mu.Lock()
	c.monitorErr = err
	c.mu.Unlock()
}

// SetCancelError makes subscription Cancel fail with err.
func (c *Conn) SetCancelError(err error) {
	c.mu.Lock()
	c.cancelErr = err
	c.mu.Unlock()
}

// SetUnmonitorError makes Unmonitor fail with err.
func (c *Conn) SetUnmonitorError(err error) {
	c.mu.Lock()
	c.unmonErr = err
	c.mu.Unlock()
}

// Reads returns how many times nodeID was read.
func (c *Conn) Reads(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads[nodeID]
}

// Connects returns the number of connect attempts.
func (c *Conn) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Subscriptions returns the subscriptions of the current session.
func (c *Conn) Subscriptions() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Subscription(nil), c.subs...)
}

// Push delivers value for nodeID to every live subscription monitoring it.
// It returns the number of deliveries.
func (c *Conn) Push(nodeID string, value *domain.DataValue) int {
	n := 0
	for _, s := range c.Subscriptions() {
		if s.deliver(nodeID, value) {
			n++
		}
	}
	return n
}

// Subscription is a fake protocol subscription.
type Subscription struct {
	conn    *Conn
	handler datasource.DataChangeHandler

	mu        sync.Mutex
	items     map[uint32]string
	next      uint32
	cancelled bool
	closed    bool
}

func (s *Subscription) Monitor(ctx context.Context, nodeID string) (uint32, error) {
	s.conn.mu.Lock()
	err := s.conn.monitorErr
	s.conn.mu.Unlock()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.items[s.next] = nodeID
	return s.next, nil
}

func (s *Subscription) Unmonitor(ctx context.Context, handle uint32) error {
	s.conn.mu.Lock()
	err := s.conn.unmonErr
	s.conn.mu.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[handle]; !ok {
		return domain.NewError(domain.KindSubscription, "unmonitor", "unknown handle")
	}
	delete(s.items, handle)
	return nil
}

func (s *Subscription) Cancel(ctx context.Context) error {
	s.conn.mu.Lock()
	err := s.conn.cancelErr
	s.conn.mu.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	s.items = make(map[uint32]string)
	return nil
}

// Cancelled reports whether Cancel was called.
func (s *Subscription) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Monitored returns the monitored node ids, sorted.
func (s *Subscription) Monitored() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for _, id := range s.items {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Subscription) deliver(nodeID string, value *domain.DataValue) bool {
	s.mu.Lock()
	found := false
	if !s.cancelled && !s.closed {
		for _, id := range s.items {
			if id == nodeID {
				found = true
				break
			}
		}
	}
	s.mu.Unlock()

	if found {
		s.handler(nodeID, value)
	}
	return found
}
