package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file. Variables from a .env file in
// the working directory are loaded first, without overriding the process
// environment.
func Load(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	e := &c.Escrow
	if e.FeePercent == "" {
		e.FeePercent = "0"
	}
	if e.HoldTimeout == 0 {
		e.HoldTimeout = 7 * 24 * time.Hour
	}
	if e.ExpiryInterval == 0 {
		e.ExpiryInterval = time.Minute
	}
	if e.ExpiryBatch == 0 {
		e.ExpiryBatch = 100
	}
	if e.Concurrency == 0 {
		e.Concurrency = 4
	}
	if e.PersistTimeout == 0 {
		e.PersistTimeout = 10 * time.Second
	}
	if e.LockBackend == "" {
		e.LockBackend = LockBackendMemory
	}
	if e.LockTTL == 0 {
		e.LockTTL = 30 * time.Second
	}
	if e.HealthCacheTime == 0 {
		e.HealthCacheTime = 10 * time.Second
	}
	if c.Events.Stream != "" && c.Events.StreamMaxLen == 0 {
		c.Events.StreamMaxLen = 100_000
	}

	for _, p := range []*ProcessorConfig{&c.Processors.Bank, &c.Processors.Crypto, &c.Processors.Other} {
		if p.Timeout == 0 {
			p.Timeout = 10 * time.Second
		}
	}
}

// Validate checks the settings that would otherwise fail at first use.
func (c *AppConfig) Validate() error {
	if _, err := c.Escrow.Fee(); err != nil {
		return err
	}
	switch c.Escrow.LockBackend {
	case LockBackendMemory:
	case LockBackendRedis:
		if c.Redis.URL == "" {
			return errors.New("escrow.lock_backend redis requires redis.url")
		}
	default:
		return fmt.Errorf("escrow.lock_backend: unknown backend %q", c.Escrow.LockBackend)
	}
	if c.Events.Stream != "" && c.Redis.URL == "" {
		return errors.New("events.stream requires redis.url")
	}
	if c.Events.Graph && c.Neo4j.URI == "" {
		return errors.New("events.graph requires neo4j.uri")
	}

	for name, p := range map[string]ProcessorConfig{
		"bank_transfer": c.Processors.Bank,
		"crypto":        c.Processors.Crypto,
		"other":         c.Processors.Other,
	} {
		if !p.Enabled {
			continue
		}
		if p.Endpoint == "" {
			return fmt.Errorf("processors.%s.endpoint is required", name)
		}
		if _, err := p.Money(); err != nil {
			return fmt.Errorf("processors.%s: %w", name, err)
		}
	}
	return nil
}

// Fee returns the escrow fee rate in percent.
func (e EscrowConfig) Fee() (decimal.Decimal, error) {
	d, err := parseDecimal("escrow.fee_percent", e.FeePercent, decimal.Zero)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("escrow.fee_percent %s out of range [0, 100)", d)
	}
	return d, nil
}

// ProcessorMoney is the parsed money settings of one rail. Zero-valued
// fields mean "use the rail default".
type ProcessorMoney struct {
	PerTransactionLimit decimal.Decimal
	FixedFee            decimal.Decimal
	FeePercent          decimal.Decimal
	NetworkFees         map[string]map[string]decimal.Decimal
	HasLimit            bool
	HasFees             bool
}

// Money parses the rail's decimal settings.
func (p ProcessorConfig) Money() (ProcessorMoney, error) {
	var (
		m   ProcessorMoney
		err error
	)
	if m.PerTransactionLimit, err = parseDecimal("per_transaction_limit", p.PerTransactionLimit, decimal.Zero); err != nil {
		return m, err
	}
	if m.FixedFee, err = parseDecimal("fixed_fee", p.FixedFee, decimal.Zero); err != nil {
		return m, err
	}
	if m.FeePercent, err = parseDecimal("fee_percent", p.FeePercent, decimal.Zero); err != nil {
		return m, err
	}
	m.HasLimit = p.PerTransactionLimit != ""
	m.HasFees = p.FixedFee != "" || p.FeePercent != ""

	if len(p.NetworkFees) > 0 {
		m.NetworkFees = make(map[string]map[string]decimal.Decimal, len(p.NetworkFees))
		for network, fees := range p.NetworkFees {
			m.NetworkFees[network] = make(map[string]decimal.Decimal, len(fees))
			for currency, s := range fees {
				d, err := parseDecimal("network_fees."+network+"."+currency, s, decimal.Zero)
				if err != nil {
					return m, err
				}
				m.NetworkFees[network][currency] = d
			}
		}
	}
	return m, nil
}

func parseDecimal(field, s string, def decimal.Decimal) (decimal.Decimal, error) {
	if s == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", field, s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s: must not be negative, got %s", field, s)
	}
	return d, nil
}
