package datasource

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/opensource-finance/fieldgate/internal/domain"
)

// ModbusConnection is a Modbus TCP client. Requests are serialized because
// the unit id lives on the shared handler.
type ModbusConnection struct {
	cfg *ModbusConfig

	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// NewModbusConnection creates an unconnected Modbus client.
func NewModbusConnection(cfg *ModbusConfig) *ModbusConnection {
	return &ModbusConnection{cfg: cfg}
}

func (c *ModbusConnection) Type() domain.SourceType { return domain.SourceModbus }

// Connect dials the device, replacing any previous socket.
func (c *ModbusConnection) Connect(ctx context.Context) error {
	handler := modbus.NewTCPClientHandler(c.cfg.Address)
	handler.Timeout = c.cfg.policy.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 && d < handler.Timeout {
			handler.Timeout = d
		}
	}
	handler.SlaveId = c.cfg.UnitID
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.Address, err)
	}

	c.mu.Lock()
	old := c.handler
	c.handler = handler
	c.client = modbus.NewClient(handler)
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// Probe reads the configured probe register.
func (c *ModbusConnection) Probe(ctx context.Context) error {
	_, err := c.readRegister(c.cfg.UnitID, c.cfg.ProbeRegister)
	return err
}

// Close closes the socket.
func (c *ModbusConnection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == nil {
		return nil
	}
	err := c.handler.Close()
	c.handler = nil
	c.client = nil
	return err
}

// address maps ns=<unit>;i=<register> onto a unit id and register.
func (c *ModbusConnection) address(nodeID string) (byte, uint16, error) {
	id, err := domain.ParseNodeID(nodeID)
	if err != nil {
		return 0, 0, err
	}
	reg, err := id.Numeric()
	if err != nil {
		return 0, 0, err
	}
	if reg > math.MaxUint16 {
		return 0, 0, domain.NewError(domain.KindValidation, "modbus address", "register out of range").With("node_id", nodeID)
	}
	if id.Namespace > 247 {
		return 0, 0, domain.NewError(domain.KindValidation, "modbus address", "unit id out of range").With("node_id", nodeID)
	}
	unit := c.cfg.UnitID
	if id.Namespace != 0 {
		unit = byte(id.Namespace)
	}
	return unit, uint16(reg), nil
}

func (c *ModbusConnection) readRegister(unit byte, reg uint16) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return 0, domain.ErrNotConnected
	}
	c.handler.SlaveId = unit
	b, err := c.client.ReadHoldingRegisters(reg, 1)
	if err != nil {
		return 0, err
	}
	if len(b) < 2 {
		return 0, fmt.Errorf("short register response: %d bytes", len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadNode reads one holding register and applies scale and offset.
func (c *ModbusConnection) ReadNode(ctx context.Context, nodeID string) (*domain.DataValue, error) {
	unit, reg, err := c.address(nodeID)
	if err != nil {
		return nil, err
	}
	raw, err := c.readRegister(unit, reg)
	if err != nil {
		if mbErr, ok := err.(*modbus.ModbusError); ok && mbErr.ExceptionCode == modbus.ExceptionCodeIllegalDataAddress {
			return nil, domain.WrapError(domain.KindNotFound, "read node", err).With("node_id", nodeID)
		}
		return nil, domain.WrapError(domain.KindConnection, "read node", err).With("node_id", nodeID)
	}
	return &domain.DataValue{
		Value:           float64(raw)*c.cfg.Scale + c.cfg.Offset,
		SourceTimestamp: time.Now().UTC(),
		Quality:         domain.QualityGood,
	}, nil
}

// ReadNodes reads each register in turn.
func (c *ModbusConnection) ReadNodes(ctx context.Context, nodeIDs []string) []domain.NodeReadResult {
	results := make([]domain.NodeReadResult, len(nodeIDs))
	for i, id := range nodeIDs {
		v, err := c.ReadNode(ctx, id)
		results[i] = readResult(id, v, err)
	}
	return results
}

// WriteNode writes a single holding register, reversing scale and offset.
func (c *ModbusConnection) WriteNode(ctx context.Context, nodeID string, value any) error {
	unit, reg, err := c.address(nodeID)
	if err != nil {
		return err
	}
	f, err := toFloat(value)
	if err != nil {
		return domain.WrapError(domain.KindValidation, "write node", err).With("node_id", nodeID)
	}
	raw := math.Round((f - c.cfg.Offset) / c.cfg.Scale)
	if raw < 0 || raw > math.MaxUint16 {
		return domain.NewError(domain.KindValidation, "write node", "value out of register range").With("node_id", nodeID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return domain.ErrNotConnected
	}
	c.handler.SlaveId = unit
	if _, err := c.client.WriteSingleRegister(reg, uint16(raw)); err != nil {
		return domain.WrapError(domain.KindConnection, "write node", err).With("node_id", nodeID)
	}
	return nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("unsupported value type %T", v)
}
