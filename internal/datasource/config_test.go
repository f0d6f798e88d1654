package datasource

import (
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/fieldgate/internal/connection"
	"github.com/opensource-finance/fieldgate/internal/domain"
)

var defaultPolicy = connection.Policy{
	Timeout:       30 * time.Second,
	MaxRetries:    3,
	RetryDelay:    5 * time.Second,
	CheckInterval: 10 * time.Second,
}

func source(typ string, cfg map[string]any) *domain.DataSource {
	return &domain.DataSource{
		ID:               "ds-1",
		TenantID:         "plant-a",
		Name:             "line1",
		Type:             typ,
		ConnectionConfig: cfg,
		IsActive:         true,
	}
}

func TestParseOpcUa(t *testing.T) {
	cfg, err := Parse(source("opcua", map[string]any{
		"url":                "opc.tcp://plc.local:4840",
		"username":           "operator",
		"password":           "secret",
		"connection_timeout": 5.0,
		"max_retries":        7,
	}), defaultPolicy)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	oc, ok := cfg.(*OpcUaConfig)
	if !ok {
		t.Fatalf("expected *OpcUaConfig, got %T", cfg)
	}
	if oc.SecurityMode != "None" || oc.ProbeNodeID != "i=2258" {
		t.Errorf("unexpected defaults: %+v", oc)
	}
	p := cfg.Policy()
	if p.Timeout != 5*time.Second || p.MaxRetries != 7 {
		t.Errorf("expected per-source overrides, got %+v", p)
	}
	if p.RetryDelay != defaultPolicy.RetryDelay {
		t.Errorf("expected default retry delay, got %v", p.RetryDelay)
	}
	if cfg.Meta().Key() != "plant-a:ds-1" {
		t.Errorf("unexpected key %q", cfg.Meta().Key())
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		ds   *domain.DataSource
		kind domain.ErrorKind
	}{
		{
			name: "OpcUaBadScheme",
			ds:   source("opcua", map[string]any{"url": "http://plc.local"}),
			kind: domain.KindValidation,
		},
		{
			name: "DatabaseMissingCredentials",
			ds:   source("postgresql", map[string]any{"host": "db.local", "database": "mes"}),
			kind: domain.KindValidation,
		},
		{
			name: "DatabaseShortHost",
			ds: source("database", map[string]any{
				"host": "db", "database": "mes", "username": "u", "password": "p",
			}),
			kind: domain.KindValidation,
		},
		{
			name: "DatabasePortRange",
			ds: source("mysql", map[string]any{
				"host": "db.local", "port": 70000, "database": "mes", "username": "u", "password": "p",
			}),
			kind: domain.KindValidation,
		},
		{
			name: "ModbusAddress",
			ds:   source("modbus", map[string]any{"address": "no-port"}),
			kind: domain.KindValidation,
		},
		{
			name: "ModbusUnitRange",
			ds:   source("modbus", map[string]any{"address": "10.0.0.5:502", "unit_id": 300}),
			kind: domain.KindValidation,
		},
		{
			name: "UnknownType",
			ds:   source("profinet", map[string]any{}),
			kind: domain.KindUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.ds, defaultPolicy)
			if err == nil {
				t.Fatal("expected error")
			}
			if domain.KindOf(err) != tt.kind {
				t.Errorf("expected %s, got %s (%v)", tt.kind, domain.KindOf(err), err)
			}
		})
	}
}

func TestParseInactive(t *testing.T) {
	ds := source("opcua", map[string]any{"url": "opc.tcp://plc.local:4840"})
	ds.IsActive = false
	_, err := Parse(ds, defaultPolicy)
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error for inactive source, got %v", err)
	}
}

func TestParseMissingFieldsListed(t *testing.T) {
	_, err := Parse(source("postgresql", map[string]any{"host": "db.local"}), defaultPolicy)
	missing, ok := domain.DetailsOf(err)["missing"].([]string)
	if !ok {
		t.Fatalf("expected missing fields in details, got %v", domain.DetailsOf(err))
	}
	want := []string{"database", "password", "username"}
	if len(missing) != len(want) {
		t.Fatalf("expected %v, got %v", want, missing)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Errorf("expected %v, got %v", want, missing)
		}
	}
}

func TestParseDatabaseDialects(t *testing.T) {
	cfg, err := Parse(source("mysql", map[string]any{
		"host": "db.local", "database": "mes", "username": "u", "password": "p",
	}), defaultPolicy)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	dc := cfg.(*DatabaseConfig)
	if dc.Dialect != "mysql" || dc.Port != 3306 {
		t.Errorf("expected mysql on 3306, got %s:%d", dc.Dialect, dc.Port)
	}

	driver, dsn := NewDatabaseConnection(dc).driverDSN()
	if driver != "mysql" || dsn == "" {
		t.Errorf("unexpected driver %q dsn %q", driver, dsn)
	}

	cfg, err = Parse(source("sqlite", map[string]any{"database": "/tmp/historian.db"}), defaultPolicy)
	if err != nil {
		t.Fatalf("sqlite needs only a path: %v", err)
	}
	if driver, _ := NewDatabaseConnection(cfg.(*DatabaseConfig)).driverDSN(); driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %q", driver)
	}
}

func TestParseModbusHostPort(t *testing.T) {
	cfg, err := Parse(source("modbus", map[string]any{
		"host":   "10.0.0.5",
		"scale":  "0.1",
		"offset": -40,
	}), defaultPolicy)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	mc := cfg.(*ModbusConfig)
	if mc.Address != "10.0.0.5:502" || mc.UnitID != 1 {
		t.Errorf("unexpected address/unit: %s/%d", mc.Address, mc.UnitID)
	}
	if mc.Scale != 0.1 || mc.Offset != -40 {
		t.Errorf("unexpected scale/offset: %v/%v", mc.Scale, mc.Offset)
	}
}

func TestModbusAddressMapping(t *testing.T) {
	conn := NewModbusConnection(&ModbusConfig{UnitID: 1, Scale: 1})

	unit, reg, err := conn.address("ns=3;i=1002")
	if err != nil || unit != 3 || reg != 1002 {
		t.Errorf("expected unit 3 register 1002, got %d %d %v", unit, reg, err)
	}
	unit, _, _ = conn.address("ns=0;i=7")
	if unit != 1 {
		t.Errorf("ns=0 should use the configured unit, got %d", unit)
	}
	if _, _, err := conn.address("ns=1;s=Temperature"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("string identifiers are not registers, got %v", err)
	}
	if _, _, err := conn.address("ns=1;i=70000"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected register range error, got %v", err)
	}
}
