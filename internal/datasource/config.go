// Package datasource turns persisted DataSource records into live,
// protocol-specific connections and lends them out under scoped acquisition.
package datasource

import (
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/fieldgate/internal/connection"
	"github.com/opensource-finance/fieldgate/internal/domain"
)

// Meta identifies the datasource a config was parsed from.
type Meta struct {
	ID       string
	TenantID string
	Name     string
	Type     domain.SourceType
}

// Key is the pool key for the datasource.
func (m Meta) Key() string {
	return m.TenantID + ":" + m.ID
}

// SourceConfig is the parsed, protocol-specific configuration of a datasource.
// The set of implementations is closed: OpcUaConfig, DatabaseConfig, ModbusConfig.
type SourceConfig interface {
	Meta() Meta
	Policy() connection.Policy
	Validate() error
}

// OpcUaConfig configures an OPC-UA client session.
type OpcUaConfig struct {
	meta            Meta
	policy          connection.Policy
	URL             string
	SecurityMode    string
	SecurityPolicy  string
	Username        string
	Password        string
	ApplicationName string
	ProbeNodeID     string
}

func (c *OpcUaConfig) Meta() Meta                { return c.meta }
func (c *OpcUaConfig) Policy() connection.Policy { return c.policy }

// Validate checks the endpoint shape before any connection attempt.
func (c *OpcUaConfig) Validate() error {
	if !strings.HasPrefix(c.URL, "opc.tcp://") {
		return validationError(c.meta, "OPC UA url must start with opc.tcp://").With("url", c.URL)
	}
	return nil
}

// DatabaseConfig configures a relational datasource.
type DatabaseConfig struct {
	meta     Meta
	policy   connection.Policy
	Dialect  string // postgresql, mysql or sqlite
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
}

func (c *DatabaseConfig) Meta() Meta                { return c.meta }
func (c *DatabaseConfig) Policy() connection.Policy { return c.policy }

// Validate checks the minimal relational shape: host, port range and credentials.
func (c *DatabaseConfig) Validate() error {
	if c.Dialect == "sqlite" {
		if c.Database == "" {
			return validationError(c.meta, "database path is required").With("field", "database")
		}
		return nil
	}

	var missing []string
	for field, v := range map[string]string{
		"host":     c.Host,
		"database": c.Database,
		"username": c.Username,
		"password": c.Password,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return validationError(c.meta, "missing required fields: "+strings.Join(missing, ", ")).With("missing", missing)
	}
	if len(strings.TrimSpace(c.Host)) < 3 {
		return validationError(c.meta, "host is too short").With("host", c.Host)
	}
	if c.Port < 1 || c.Port > 65535 {
		return validationError(c.meta, "port must be between 1 and 65535").With("port", c.Port)
	}
	return nil
}

// ModbusConfig configures a Modbus TCP datasource. Node ids map as
// ns=<unit id>;i=<holding register>; ns=0 uses UnitID.
type ModbusConfig struct {
	meta          Meta
	policy        connection.Policy
	Address       string
	UnitID        byte
	ProbeRegister uint16
	Scale         float64
	Offset        float64
}

func (c *ModbusConfig) Meta() Meta                { return c.meta }
func (c *ModbusConfig) Policy() connection.Policy { return c.policy }

// Validate checks the TCP address.
func (c *ModbusConfig) Validate() error {
	host, port, err := net.SplitHostPort(c.Address)
	if err != nil || host == "" {
		return validationError(c.meta, "address must be host:port").With("address", c.Address)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return validationError(c.meta, "port must be between 1 and 65535").With("address", c.Address)
	}
	if c.Scale == 0 {
		return validationError(c.meta, "scale must be non-zero")
	}
	return nil
}

// Parse converts a stored DataSource into its protocol config, applying
// defaults from policy, and validates it. Inactive and unsupported
// datasources are rejected.
func Parse(ds *domain.DataSource, defaults connection.Policy) (SourceConfig, error) {
	if ds == nil {
		return nil, domain.NewError(domain.KindNotFound, "parse datasource", "datasource is nil")
	}
	meta := Meta{ID: ds.ID, TenantID: ds.TenantID, Name: ds.Name, Type: domain.NormalizeSourceType(ds.Type)}
	if !ds.IsActive {
		return nil, validationError(meta, "datasource is not active")
	}

	raw := ds.ConnectionConfig
	if raw == nil {
		raw = map[string]any{}
	}
	policy := parsePolicy(raw, defaults)

	var cfg SourceConfig
	switch meta.Type {
	case domain.SourceOpcUa:
		cfg = &OpcUaConfig{
			meta:            meta,
			policy:          policy,
			URL:             getString(raw, "url", "endpoint"),
			SecurityMode:    getStringDefault(raw, "None", "security_mode"),
			SecurityPolicy:  getStringDefault(raw, "None", "security_policy"),
			Username:        getString(raw, "username"),
			Password:        getString(raw, "password"),
			ApplicationName: getStringDefault(raw, "fieldgate", "application_name"),
			ProbeNodeID:     getStringDefault(raw, "i=2258", "probe_node_id"),
		}

	case domain.SourceDatabase:
		dialect := normalizeDialect(ds.Type, getString(raw, "db_type", "dialect"))
		defaultPort := 5432
		if dialect == "mysql" {
			defaultPort = 3306
		}
		cfg = &DatabaseConfig{
			meta:     meta,
			policy:   policy,
			Dialect:  dialect,
			Host:     getString(raw, "host"),
			Port:     getInt(raw, defaultPort, "port"),
			Database: getString(raw, "database", "db_name", "path"),
			Username: getString(raw, "username", "user"),
			Password: getString(raw, "password"),
			SSLMode:  getStringDefault(raw, "disable", "sslmode", "ssl_mode"),
		}

	case domain.SourceModbus:
		unit := getInt(raw, 1, "unit_id", "slave_id")
		if unit < 0 || unit > 247 {
			return nil, validationError(meta, "unit_id must be between 0 and 247").With("unit_id", unit)
		}
		probe := getInt(raw, 0, "probe_register")
		if probe < 0 || probe > math.MaxUint16 {
			return nil, validationError(meta, "probe_register out of range").With("probe_register", probe)
		}
		cfg = &ModbusConfig{
			meta:          meta,
			policy:        policy,
			Address:       getString(raw, "address"),
			UnitID:        byte(unit),
			ProbeRegister: uint16(probe),
			Scale:         getFloat(raw, 1, "scale"),
			Offset:        getFloat(raw, 0, "offset"),
		}
		if mc := cfg.(*ModbusConfig); mc.Address == "" {
			host := getString(raw, "host")
			if host != "" {
				mc.Address = net.JoinHostPort(host, strconv.Itoa(getInt(raw, 502, "port")))
			}
		}

	default:
		return nil, domain.NewError(domain.KindUnsupported, "parse datasource",
			fmt.Sprintf("unsupported datasource type: %s", ds.Type)).With("datasource_id", ds.ID)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func normalizeDialect(rawType, explicit string) string {
	for _, v := range []string{explicit, rawType} {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "postgresql", "postgres":
			return "postgresql"
		case "mysql":
			return "mysql"
		case "sqlite":
			return "sqlite"
		}
	}
	return "postgresql"
}

func parsePolicy(raw map[string]any, defaults connection.Policy) connection.Policy {
	p := defaults
	if d, ok := getDuration(raw, "connection_timeout", "timeout"); ok {
		p.Timeout = d
	}
	if n := getInt(raw, 0, "max_retries", "max_reconnect_attempts"); n > 0 {
		p.MaxRetries = n
	}
	if d, ok := getDuration(raw, "retry_delay", "reconnect_delay"); ok {
		p.RetryDelay = d
	}
	if d, ok := getDuration(raw, "check_interval", "connection_check_interval"); ok {
		p.CheckInterval = d
	}
	return p
}

func validationError(meta Meta, msg string) *domain.Error {
	return domain.NewError(domain.KindValidation, "validate datasource", msg).
		With("datasource_id", meta.ID).
		With("type", string(meta.Type))
}

func lookup(raw map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func getString(raw map[string]any, keys ...string) string {
	return getStringDefault(raw, "", keys...)
}

func getStringDefault(raw map[string]any, def string, keys ...string) string {
	v, ok := lookup(raw, keys...)
	if !ok {
		return def
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return def
	}
	return s
}

func getInt(raw map[string]any, def int, keys ...string) int {
	v, ok := lookup(raw, keys...)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return def
}

func getFloat(raw map[string]any, def float64, keys ...string) float64 {
	v, ok := lookup(raw, keys...)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return def
}

// getDuration accepts numbers as seconds and strings in time.ParseDuration
// form or as plain seconds.
func getDuration(raw map[string]any, keys ...string) (time.Duration, bool) {
	v, ok := lookup(raw, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Second)), true
	case int:
		return time.Duration(n) * time.Second, true
	case int64:
		return time.Duration(n) * time.Second, true
	case string:
		if d, err := time.ParseDuration(n); err == nil {
			return d, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return time.Duration(f * float64(time.Second)), true
		}
	}
	return 0, false
}
