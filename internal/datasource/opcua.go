package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/opensource-finance/fieldgate/internal/domain"
)

// OpcUaConnection is an OPC-UA client session.
type OpcUaConnection struct {
	cfg *OpcUaConfig

	mu     sync.RWMutex
	client *opcua.Client
}

// NewOpcUaConnection creates an unconnected OPC-UA session.
func NewOpcUaConnection(cfg *OpcUaConfig) *OpcUaConnection {
	return &OpcUaConnection{cfg: cfg}
}

func (c *OpcUaConnection) Type() domain.SourceType { return domain.SourceOpcUa }

func (c *OpcUaConnection) options() []opcua.Option {
	opts := []opcua.Option{
		opcua.ApplicationName(c.cfg.ApplicationName),
		opcua.SecurityModeString(c.cfg.SecurityMode),
		opcua.SecurityPolicy(c.cfg.SecurityPolicy),
		opcua.RequestTimeout(c.cfg.policy.Timeout),
		opcua.AutoReconnect(true),
	}
	if c.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(c.cfg.Username, c.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

// Connect opens a new session, replacing any previous one.
func (c *OpcUaConnection) Connect(ctx context.Context) error {
	client, err := opcua.NewClient(c.cfg.URL, c.options()...)
	if err != nil {
		return fmt.Errorf("create opcua client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		_ = client.Close(ctx)
		return fmt.Errorf("connect %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	old := c.client
	c.client = client
	c.mu.Unlock()

	if old != nil {
		_ = old.Close(ctx)
	}
	return nil
}

// Probe reads the browse name of the server status node.
func (c *OpcUaConnection) Probe(ctx context.Context) error {
	client, err := c.current()
	if err != nil {
		return err
	}
	id, err := ua.ParseNodeID(c.cfg.ProbeNodeID)
	if err != nil {
		return fmt.Errorf("probe node id: %w", err)
	}
	if _, err := client.Node(id).BrowseName(ctx); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	return nil
}

// Close ends the session.
func (c *OpcUaConnection) Close(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close(ctx)
}

func (c *OpcUaConnection) current() (*opcua.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, domain.ErrNotConnected
	}
	return c.client, nil
}

// ReadNode reads the value attribute of nodeID.
func (c *OpcUaConnection) ReadNode(ctx context.Context, nodeID string) (*domain.DataValue, error) {
	id, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, domain.WrapError(domain.KindValidation, "read node", err).With("node_id", nodeID)
	}
	values, err := c.read(ctx, []*ua.ReadValueID{{NodeID: id, AttributeID: ua.AttributeIDValue}})
	if err != nil {
		return nil, domain.WrapError(domain.KindConnection, "read node", err).With("node_id", nodeID)
	}
	dv := values[0]
	switch dv.Status {
	case ua.StatusOK:
		return toDataValue(dv), nil
	case ua.StatusBadNodeIDUnknown, ua.StatusBadNodeIDInvalid:
		return nil, domain.WrapError(domain.KindNotFound, "read node", dv.Status).With("node_id", nodeID)
	}
	return nil, domain.WrapError(domain.KindConnection, "read node", dv.Status).With("node_id", nodeID)
}

func (c *OpcUaConnection) read(ctx context.Context, nodes []*ua.ReadValueID) ([]*ua.DataValue, error) {
	client, err := c.current()
	if err != nil {
		return nil, err
	}
	resp, err := client.Read(ctx, &ua.ReadRequest{
		MaxAge:             2000,
		NodesToRead:        nodes,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) != len(nodes) {
		return nil, fmt.Errorf("server returned %d results for %d nodes", len(resp.Results), len(nodes))
	}
	return resp.Results, nil
}

// ReadNodes reads all nodes in a single request. Invalid ids are reported
// individually and never sent.
func (c *OpcUaConnection) ReadNodes(ctx context.Context, nodeIDs []string) []domain.NodeReadResult {
	results := make([]domain.NodeReadResult, len(nodeIDs))
	nodes := make([]*ua.ReadValueID, 0, len(nodeIDs))
	index := make([]int, 0, len(nodeIDs))

	for i, raw := range nodeIDs {
		id, err := ua.ParseNodeID(raw)
		if err != nil {
			results[i] = readResult(raw, nil, err)
			continue
		}
		nodes = append(nodes, &ua.ReadValueID{NodeID: id, AttributeID: ua.AttributeIDValue})
		index = append(index, i)
	}
	if len(nodes) == 0 {
		return results
	}

	values, err := c.read(ctx, nodes)
	for n, i := range index {
		switch {
		case err != nil:
			results[i] = readResult(nodeIDs[i], nil, err)
		case values[n].Status != ua.StatusOK:
			results[i] = readResult(nodeIDs[i], nil, values[n].Status)
		default:
			results[i] = readResult(nodeIDs[i], toDataValue(values[n]), nil)
		}
	}
	return results
}

// WriteNode writes value to the value attribute of nodeID.
func (c *OpcUaConnection) WriteNode(ctx context.Context, nodeID string, value any) error {
	id, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return domain.WrapError(domain.KindValidation, "write node", err).With("node_id", nodeID)
	}
	v, err := ua.NewVariant(value)
	if err != nil {
		return domain.WrapError(domain.KindValidation, "write node", err).With("node_id", nodeID)
	}
	client, err := c.current()
	if err != nil {
		return err
	}

	resp, err := client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
			Value:       &ua.DataValue{EncodingMask: ua.DataValueValue, Value: v},
		}},
	})
	if err != nil {
		return domain.WrapError(domain.KindConnection, "write node", err).With("node_id", nodeID)
	}
	if len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		return domain.WrapError(domain.KindValidation, "write node", resp.Results[0]).With("node_id", nodeID)
	}
	return nil
}

// Subscribe creates a server-side subscription publishing at interval.
func (c *OpcUaConnection) Subscribe(ctx context.Context, interval time.Duration, handler DataChangeHandler) (ProtocolSubscription, error) {
	client, err := c.current()
	if err != nil {
		return nil, err
	}

	notifyCh := make(chan *opcua.PublishNotificationData, 256)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: interval}, notifyCh)
	if err != nil {
		return nil, domain.WrapError(domain.KindSubscription, "subscribe", err).With("datasource", c.cfg.meta.Key())
	}

	dispatchCtx, cancel := context.WithCancel(context.Background())
	s := &opcuaSubscription{
		sub:     sub,
		handler: handler,
		items:   make(map[uint32]monitoredItem),
		cancel:  cancel,
		done:    make(chan struct{}),
		source:  c.cfg.meta.Key(),
	}
	go s.dispatch(dispatchCtx, notifyCh)
	return s, nil
}

type monitoredItem struct {
	nodeID string
	itemID uint32
}

type opcuaSubscription struct {
	sub     *opcua.Subscription
	handler DataChangeHandler
	source  string

	nextHandle atomic.Uint32

	mu    sync.RWMutex
	items map[uint32]monitoredItem

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *opcuaSubscription) Monitor(ctx context.Context, nodeID string) (uint32, error) {
	id, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return 0, domain.WrapError(domain.KindValidation, "monitor", err).With("node_id", nodeID)
	}
	handle := s.nextHandle.Add(1)
	req := opcua.NewMonitoredItemCreateRequestWithDefaults(id, ua.AttributeIDValue, handle)

	// Register first so an initial notification is not dropped.
	s.mu.Lock()
	s.items[handle] = monitoredItem{nodeID: nodeID}
	s.mu.Unlock()

	res, err := s.sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
	if err == nil && (len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK) {
		if len(res.Results) == 0 {
			err = fmt.Errorf("no monitor result returned")
		} else {
			err = res.Results[0].StatusCode
		}
	}
	if err != nil {
		s.mu.Lock()
		delete(s.items, handle)
		s.mu.Unlock()
		return 0, domain.WrapError(domain.KindSubscription, "monitor", err).With("node_id", nodeID)
	}

	s.mu.Lock()
	s.items[handle] = monitoredItem{nodeID: nodeID, itemID: res.Results[0].MonitoredItemID}
	s.mu.Unlock()
	return handle, nil
}

func (s *opcuaSubscription) Unmonitor(ctx context.Context, handle uint32) error {
	s.mu.Lock()
	item, ok := s.items[handle]
	delete(s.items, handle)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := s.sub.Unmonitor(ctx, item.itemID); err != nil {
		return domain.WrapError(domain.KindSubscription, "unmonitor", err).With("node_id", item.nodeID)
	}
	return nil
}

func (s *opcuaSubscription) Cancel(ctx context.Context) error {
	s.cancel()
	<-s.done
	if err := s.sub.Cancel(ctx); err != nil {
		return domain.WrapError(domain.KindSubscription, "cancel subscription", err).With("datasource", s.source)
	}
	return nil
}

func (s *opcuaSubscription) dispatch(ctx context.Context, ch <-chan *opcua.PublishNotificationData) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if msg == nil {
				continue
			}
			if msg.Error != nil {
				slog.Warn("subscription publish error", "datasource", s.source, "error", msg.Error)
				continue
			}
			if change, ok := msg.Value.(*ua.DataChangeNotification); ok {
				for _, item := range change.MonitoredItems {
					s.deliver(item)
				}
			}
		}
	}
}

func (s *opcuaSubscription) deliver(item *ua.MonitoredItemNotification) {
	s.mu.RLock()
	mi, ok := s.items[item.ClientHandle]
	s.mu.RUnlock()
	if !ok || item.Value == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in data change handler", "datasource", s.source, "node_id", mi.nodeID, "panic", r)
		}
	}()
	s.handler(mi.nodeID, toDataValue(item.Value))
}

func toDataValue(dv *ua.DataValue) *domain.DataValue {
	out := &domain.DataValue{
		SourceTimestamp: dv.SourceTimestamp,
		ServerTimestamp: dv.ServerTimestamp,
		Quality:         domain.QualityGood,
	}
	if dv.Status != ua.StatusOK {
		out.Quality = dv.Status.Error()
	}
	if dv.Value != nil {
		out.Value = dv.Value.Value()
	}
	return out
}
