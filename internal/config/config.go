// Package config loads the stakehold configuration.
//
// A config file is YAML. It is checked against an embedded CUE schema
// (closed, so unknown keys fail), decoded strictly, overlaid with
// STAKEHOLD_* environment variables and then validated as a whole.
// Every field is optional; the defaults are the standard session rules.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/stakehold/internal/engine"
	"github.com/roach88/stakehold/internal/ledger"
	"github.com/roach88/stakehold/internal/session"
	"github.com/roach88/stakehold/internal/store"
)

//go:embed schema.cue
var schemaCUE []byte

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Ledger backends.
const (
	LedgerSim = "sim"
	LedgerRPC = "rpc"
)

// DefaultOwner is used when no owner address is configured.
const DefaultOwner = "0x00000000000000a1"

// Config is the full process configuration.
type Config struct {
	Owner  string `yaml:"owner"`
	Listen string `yaml:"listen"`
	// APIToken guards the HTTP API. Empty disables auth.
	APIToken string `yaml:"api_token"`

	Store  StoreConfig   `yaml:"store"`
	Ledger LedgerConfig  `yaml:"ledger"`
	Engine engine.Config `yaml:"engine"`
	Notify NotifyConfig  `yaml:"notify"`
}

// StoreConfig selects and configures the session store.
type StoreConfig struct {
	Backend      string `yaml:"backend"`
	Path         string `yaml:"path"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisDB      int    `yaml:"redis_db"`
	KeyPrefix    string `yaml:"key_prefix"`
	HistoryLimit int    `yaml:"history_limit"`
}

// LedgerConfig selects the ledger and tunes the reconciler.
type LedgerConfig struct {
	Backend      string        `yaml:"backend"`
	URL          string        `yaml:"url"`
	Timeout      time.Duration `yaml:"timeout"`
	Network      string        `yaml:"network"`
	ExplorerBase string        `yaml:"explorer_base"`

	// Sim backend only.
	MinStake   int64         `yaml:"min_stake"`
	IndexDelay time.Duration `yaml:"index_delay"`

	Reconciler ledger.Config `yaml:",inline"`
}

// NotifyConfig configures notification delivery.
type NotifyConfig struct {
	Workers      int    `yaml:"workers"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Owner:  DefaultOwner,
		Listen: "127.0.0.1:8740",
		Store: StoreConfig{
			Backend:      BackendSQLite,
			Path:         "stakehold.db",
			RedisAddr:    "127.0.0.1:6379",
			KeyPrefix:    "stakehold",
			HistoryLimit: store.DefaultHistoryLimit,
		},
		Ledger: LedgerConfig{
			Backend:      LedgerSim,
			Timeout:      10 * time.Second,
			Network:      "testnet",
			ExplorerBase: ledger.DefaultExplorerBase,
			MinStake:     1,
			IndexDelay:   time.Second,
			Reconciler:   ledger.DefaultConfig(),
		},
		Engine: engine.DefaultConfig(),
		Notify: NotifyConfig{Workers: 4},
	}
}

// Load reads path (empty means defaults only), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(path, data, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Decode checks data against the schema and decodes it over cfg.
func Decode(filename string, data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := CheckSchema(filename, data); err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: %w", filename, err)
	}
	return nil
}

// CheckSchema validates a YAML document against the embedded CUE schema.
func CheckSchema(filename string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return schemaError(filename, err)
	}
	return nil
}

// SchemaError is a schema violation located in the config file.
type SchemaError struct {
	File    string
	Line    int // 0 when CUE reported no position in File
	Column  int
	Message string
	More    int // further violations not shown
}

func (e *SchemaError) Error() string {
	msg := e.Message
	if e.More > 0 {
		msg = fmt.Sprintf("%s (and %d more)", msg, e.More)
	}
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: schema: %s", e.File, e.Line, e.Column, msg)
	}
	return fmt.Sprintf("%s: schema: %s", e.File, msg)
}

// schemaError reports the first CUE violation at its position in filename.
func schemaError(filename string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return fmt.Errorf("%s: schema: %w", filename, err)
	}
	first := errs[0]
	se := &SchemaError{File: filename, Message: first.Error(), More: len(errs) - 1}
	for _, pos := range cueerrors.Positions(first) {
		if pos.Filename() == filename {
			se.Line, se.Column = pos.Line(), pos.Column()
			break
		}
	}
	return se
}

// Validate checks cross-field rules the schema cannot see, including
// values that came from the environment.
func (c *Config) Validate() error {
	if !session.ValidAddress(c.Owner) {
		return fmt.Errorf("owner must be a 0x address, got %q", c.Owner)
	}
	if c.Listen == "" {
		return errors.New("listen must not be empty")
	}

	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path must not be empty for the sqlite backend")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr must not be empty for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.HistoryLimit <= 0 {
		return fmt.Errorf("store.history_limit must be positive, got %d", c.Store.HistoryLimit)
	}

	switch c.Ledger.Backend {
	case LedgerSim:
	case LedgerRPC:
		if c.Ledger.URL == "" {
			return errors.New("ledger.url must not be empty for the rpc backend")
		}
		if c.Ledger.Timeout <= 0 {
			return fmt.Errorf("ledger.timeout must be positive, got %s", c.Ledger.Timeout)
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.Ledger.Reconciler.GraceDelay < 0 {
		return fmt.Errorf("ledger.grace_delay cannot be negative, got %s", c.Ledger.Reconciler.GraceDelay)
	}
	if err := c.Ledger.Reconciler.Policy.Validate(); err != nil {
		return fmt.Errorf("ledger.policy: %w", err)
	}

	if err := c.Engine.Presence.Validate(); err != nil {
		return fmt.Errorf("engine.presence: %w", err)
	}
	if c.Engine.FreeSessionsPerDay < 0 {
		return fmt.Errorf("engine.free_sessions_per_day cannot be negative, got %d", c.Engine.FreeSessionsPerDay)
	}
	if c.Engine.TokenUnit <= 0 {
		return fmt.Errorf("engine.token_unit must be positive, got %d", c.Engine.TokenUnit)
	}
	if c.Notify.Workers <= 0 {
		return fmt.Errorf("notify.workers must be positive, got %d", c.Notify.Workers)
	}
	return nil
}

// StoreOptions returns the store options for the configured backend.
func (c *Config) StoreOptions() []store.Option {
	return []store.Option{
		store.WithHistoryLimit(c.Store.HistoryLimit),
		store.WithKeyPrefix(c.Store.KeyPrefix),
	}
}
