package datasource

import (
	"context"
	"time"

	"github.com/opensource-finance/fieldgate/internal/domain"
)

// Lease is a borrowed connection, valid only inside WithConnection.
type Lease struct {
	entry *entry
}

// Meta identifies the leased datasource.
func (l *Lease) Meta() Meta {
	return l.entry.cfg.Meta()
}

// Session identifies the protocol session behind the lease.
func (l *Lease) Session() Session {
	return Session{Entry: l.entry.seq, Generation: l.entry.sup.Generation()}
}

// Connection returns the underlying protocol connection.
func (l *Lease) Connection() Connection {
	return l.entry.conn
}

// Probe runs the protocol liveness check.
func (l *Lease) Probe(ctx context.Context) error {
	if err := l.entry.sup.Guard(); err != nil {
		return err
	}
	return l.entry.conn.Probe(ctx)
}

// ReadNode reads one node.
func (l *Lease) ReadNode(ctx context.Context, nodeID string) (*domain.DataValue, error) {
	if _, err := domain.ParseNodeID(nodeID); err != nil {
		return nil, err
	}
	r, ok := l.entry.conn.(NodeReader)
	if !ok {
		return nil, unsupported("read node", l.entry.conn.Type())
	}
	if err := l.entry.sup.Guard(); err != nil {
		return nil, err
	}
	return r.ReadNode(ctx, nodeID)
}

// ReadNodes reads many nodes, batching when the protocol supports it.
// Malformed ids come back BAD without being sent.
func (l *Lease) ReadNodes(ctx context.Context, nodeIDs []string) ([]domain.NodeReadResult, error) {
	results := make([]domain.NodeReadResult, len(nodeIDs))
	valid := make([]string, 0, len(nodeIDs))
	index := make([]int, 0, len(nodeIDs))
	for i, id := range nodeIDs {
		if _, err := domain.ParseNodeID(id); err != nil {
			results[i] = readResult(id, nil, err)
			continue
		}
		valid = append(valid, id)
		index = append(index, i)
	}
	if len(valid) == 0 {
		return results, nil
	}

	if err := l.entry.sup.Guard(); err != nil {
		return nil, err
	}

	switch c := l.entry.conn.(type) {
	case BatchReader:
		for n, r := range c.ReadNodes(ctx, valid) {
			results[index[n]] = r
		}
	case NodeReader:
		for n, id := range valid {
			v, err := c.ReadNode(ctx, id)
			results[index[n]] = readResult(id, v, err)
		}
	default:
		return nil, unsupported("read nodes", l.entry.conn.Type())
	}
	return results, nil
}

// WriteNode writes value to one node.
func (l *Lease) WriteNode(ctx context.Context, nodeID string, value any) error {
	if _, err := domain.ParseNodeID(nodeID); err != nil {
		return err
	}
	w, ok := l.entry.conn.(NodeWriter)
	if !ok {
		return unsupported("write node", l.entry.conn.Type())
	}
	if err := l.entry.sup.Guard(); err != nil {
		return err
	}
	return w.WriteNode(ctx, nodeID, value)
}

// Query runs a query on a relational datasource.
func (l *Lease) Query(ctx context.Context, query string, args ...any) (*domain.QueryResult, error) {
	q, ok := l.entry.conn.(Querier)
	if !ok {
		return nil, unsupported("query", l.entry.conn.Type())
	}
	if err := l.entry.sup.Guard(); err != nil {
		return nil, err
	}
	return q.Query(ctx, query, args...)
}

// Subscribe creates a protocol subscription on the leased connection. The
// subscription outlives the lease and is owned by the caller.
func (l *Lease) Subscribe(ctx context.Context, interval time.Duration, handler DataChangeHandler) (ProtocolSubscription, error) {
	s, ok := l.entry.conn.(Subscriber)
	if !ok {
		return nil, unsupported("subscribe", l.entry.conn.Type())
	}
	if err := l.entry.sup.Guard(); err != nil {
		return nil, err
	}
	return s.Subscribe(ctx, interval, handler)
}
