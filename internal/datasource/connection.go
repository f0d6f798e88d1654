package datasource

import (
	"context"
	"time"

	"github.com/opensource-finance/fieldgate/internal/connection"
	"github.com/opensource-finance/fieldgate/internal/domain"
)

// Connection is a protocol session owned by the pool. Capabilities beyond
// the transport lifecycle are discovered with type assertions.
type Connection interface {
	connection.Transport
	Type() domain.SourceType
}

// NodeReader reads a single node value.
type NodeReader interface {
	ReadNode(ctx context.Context, nodeID string) (*domain.DataValue, error)
}

// BatchReader reads many nodes in one round trip. Results are per node.
type BatchReader interface {
	ReadNodes(ctx context.Context, nodeIDs []string) []domain.NodeReadResult
}

// NodeWriter writes a node value.
type NodeWriter interface {
	WriteNode(ctx context.Context, nodeID string, value any) error
}

// Querier runs queries against relational datasources.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (*domain.QueryResult, error)
}

// DataChangeHandler receives values pushed by a protocol subscription.
type DataChangeHandler func(nodeID string, value *domain.DataValue)

// Subscriber creates protocol-level subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, interval time.Duration, handler DataChangeHandler) (ProtocolSubscription, error)
}

// ProtocolSubscription is a server-side subscription with monitored items.
type ProtocolSubscription interface {
	// Monitor adds nodeID and returns its client handle.
	Monitor(ctx context.Context, nodeID string) (uint32, error)
	Unmonitor(ctx context.Context, handle uint32) error
	Cancel(ctx context.Context) error
}

// Connector builds an unconnected Connection for a parsed config.
type Connector func(cfg SourceConfig) (Connection, error)

// DefaultConnector maps each config variant to its protocol implementation.
func DefaultConnector(cfg SourceConfig) (Connection, error) {
	switch c := cfg.(type) {
	case *OpcUaConfig:
		return NewOpcUaConnection(c), nil
	case *DatabaseConfig:
		return NewDatabaseConnection(c), nil
	case *ModbusConfig:
		return NewModbusConnection(c), nil
	}
	return nil, domain.NewError(domain.KindUnsupported, "connect",
		"no connection implementation for datasource type").With("type", string(cfg.Meta().Type))
}

func unsupported(op string, t domain.SourceType) error {
	return domain.NewError(domain.KindUnsupported, op,
		op+" is not supported by "+string(t)+" datasources").With("type", string(t))
}

func readResult(nodeID string, v *domain.DataValue, err error) domain.NodeReadResult {
	if err != nil {
		return domain.NodeReadResult{NodeID: nodeID, Success: false, Quality: domain.QualityBad, Error: err.Error()}
	}
	return domain.NodeReadResult{
		NodeID:    nodeID,
		Success:   true,
		Value:     v.Value,
		Timestamp: v.Timestamp(),
		Quality:   v.Quality,
	}
}
