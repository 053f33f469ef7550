// Package config loads and validates the engine configuration document.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tidemark-io/tidemark/errs"
	"github.com/tidemark-io/tidemark/internal/schema"
)

// Conservative defaults for the engine knobs the document may omit.
const (
	DefaultListenAddr       = "127.0.0.1:8080"
	DefaultLateness         = 2 * time.Second
	DefaultReorderBuffer    = 256
	DefaultFlushInterval    = 250 * time.Millisecond
	DefaultDrainTimeout     = 5 * time.Second
	DefaultRetentionWindow  = 10 * time.Minute
	DefaultEvictionInterval = time.Minute
	DefaultFeedBuffer       = 1024
	DefaultQueueDepth       = 512
	DefaultOrderThrottle    = 5.0
	DefaultHTTPTimeout      = 10 * time.Second
)

// ReorderConfig bounds the per-order event reordering window.
type ReorderConfig struct {
	LatenessTolerance time.Duration `yaml:"latenessTolerance"`
	MaxBufferSize     int           `yaml:"maxBufferSize"`
	FlushInterval     time.Duration `yaml:"flushInterval"`
}

// TelemetryConfig configures the OTLP metrics exporter. An empty endpoint
// disables export entirely.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// EngineConfig groups the knobs of the lifecycle core itself.
type EngineConfig struct {
	ListenAddr       string          `yaml:"listenAddr"`
	Reorder          ReorderConfig   `yaml:"reorder"`
	DrainTimeout     time.Duration   `yaml:"drainTimeout"`
	RetentionWindow  time.Duration   `yaml:"retentionWindow"`
	EvictionInterval time.Duration   `yaml:"evictionInterval"`
	FeedBuffer       int             `yaml:"feedBuffer"`
	QueueDepth       int             `yaml:"queueDepth"`
	OrderThrottle    float64         `yaml:"orderThrottle"`
	ArchiveDSN       string          `yaml:"archiveDSN"`
	Telemetry        TelemetryConfig `yaml:"telemetry"`
}

// StrategyConfig carries the disposition parameters. Amounts are decimal
// strings in the document; Validate parses them into the adjacent fields.
type StrategyConfig struct {
	Symbol    string `yaml:"symbol"`
	Spread    string `yaml:"spread"`
	MaxAmount string `yaml:"maxAmount"`

	SpreadAmount   decimal.Decimal `yaml:"-"`
	MaxOrderAmount decimal.Decimal `yaml:"-"`
}

// AccountConfig describes one venue/account connection.
type AccountConfig struct {
	ID           string        `yaml:"id"`
	APIKey       string        `yaml:"apiKey"`
	APISecret    string        `yaml:"apiSecret"`
	Channels     []string      `yaml:"channels"`
	Symbols      []string      `yaml:"symbols"`
	RESTEndpoint string        `yaml:"restEndpoint"`
	WSEndpoint   string        `yaml:"wsEndpoint"`
	HTTPTimeout  time.Duration `yaml:"httpTimeout"`

	Account schema.AccountID `yaml:"-"`
}

// Config is the in-memory form of the engine configuration document.
type Config struct {
	Engine   EngineConfig    `yaml:"engine"`
	Strategy StrategyConfig  `yaml:"strategy"`
	Accounts []AccountConfig `yaml:"accounts"`
}

// Parse decodes and validates a configuration document.
func Parse(doc []byte) (Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(string(doc)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, errs.New("config", errs.CodeConfig,
			errs.WithMessage("decode configuration document"), errs.WithCause(err))
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the document at path.
func Load(path string) (Config, []byte, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, fmt.Errorf("read configuration: %w", err)
	}
	cfg, err := Parse(doc)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, doc, nil
}

// Document serializes the configuration back into its YAML form.
func (c Config) Document() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Engine.ListenAddr) == "" {
		c.Engine.ListenAddr = DefaultListenAddr
	}
	if c.Engine.Reorder.LatenessTolerance <= 0 {
		c.Engine.Reorder.LatenessTolerance = DefaultLateness
	}
	if c.Engine.Reorder.MaxBufferSize <= 0 {
		c.Engine.Reorder.MaxBufferSize = DefaultReorderBuffer
	}
	if c.Engine.Reorder.FlushInterval <= 0 {
		c.Engine.Reorder.FlushInterval = DefaultFlushInterval
	}
	if c.Engine.DrainTimeout <= 0 {
		c.Engine.DrainTimeout = DefaultDrainTimeout
	}
	if c.Engine.RetentionWindow <= 0 {
		c.Engine.RetentionWindow = DefaultRetentionWindow
	}
	if c.Engine.EvictionInterval <= 0 {
		c.Engine.EvictionInterval = DefaultEvictionInterval
	}
	if c.Engine.FeedBuffer <= 0 {
		c.Engine.FeedBuffer = DefaultFeedBuffer
	}
	if c.Engine.QueueDepth <= 0 {
		c.Engine.QueueDepth = DefaultQueueDepth
	}
	if c.Engine.OrderThrottle <= 0 {
		c.Engine.OrderThrottle = DefaultOrderThrottle
	}
	for i := range c.Accounts {
		if c.Accounts[i].HTTPTimeout <= 0 {
			c.Accounts[i].HTTPTimeout = DefaultHTTPTimeout
		}
	}
}

// Validate checks the document and resolves parsed fields. A validation
// failure leaves the engine on its previous configuration; nothing here
// mutates shared state.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return errs.New("config", errs.CodeConfig, errs.WithMessage("at least one account required"))
	}

	seen := make(map[string]struct{}, len(c.Accounts))
	for i := range c.Accounts {
		account := &c.Accounts[i]
		id, err := schema.ParseAccountID(account.ID)
		if err != nil {
			return errs.New("config", errs.CodeConfig,
				errs.WithMessage(fmt.Sprintf("accounts[%d]: invalid id", i)), errs.WithCause(err))
		}
		if _, dup := seen[id.String()]; dup {
			return errs.New("config", errs.CodeConfig,
				errs.WithMessage(fmt.Sprintf("accounts[%d]: duplicate id %s", i, id)))
		}
		seen[id.String()] = struct{}{}
		account.Account = id

		for _, symbol := range account.Symbols {
			if err := schema.ValidateInstrument(symbol); err != nil {
				return errs.New("config", errs.CodeConfig,
					errs.WithMessage(fmt.Sprintf("accounts[%d]: symbol %q", i, symbol)), errs.WithCause(err))
			}
		}
	}

	if err := schema.ValidateInstrument(c.Strategy.Symbol); err != nil {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("strategy symbol"), errs.WithCause(err))
	}

	spread, err := decimal.NewFromString(strings.TrimSpace(c.Strategy.Spread))
	if err != nil || spread.Sign() <= 0 {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("strategy spread %q must be a positive decimal", c.Strategy.Spread)))
	}
	maxAmount, err := decimal.NewFromString(strings.TrimSpace(c.Strategy.MaxAmount))
	if err != nil || maxAmount.Sign() <= 0 {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("strategy maxAmount %q must be a positive decimal", c.Strategy.MaxAmount)))
	}
	c.Strategy.SpreadAmount = spread
	c.Strategy.MaxOrderAmount = maxAmount

	return nil
}

// AccountIDs returns the parsed account ids in document order.
func (c Config) AccountIDs() []schema.AccountID {
	ids := make([]schema.AccountID, 0, len(c.Accounts))
	for _, account := range c.Accounts {
		ids = append(ids, account.Account)
	}
	return ids
}

// AccountFor returns the configuration block for the given account.
func (c Config) AccountFor(id schema.AccountID) (AccountConfig, bool) {
	for _, account := range c.Accounts {
		if account.Account == id {
			return account, true
		}
	}
	return AccountConfig{}, false
}
