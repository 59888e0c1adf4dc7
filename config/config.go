// Package config defines the retention and maintenance policy for the
// group-messaging store, loadable from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is absent from the configuration file.
const (
	// DefaultKeepLastEpochKeys is how many of the most recent active epoch
	// keys a conversation retains after a rotation prune.
	DefaultKeepLastEpochKeys = 3
	// DefaultEpochKeyPurgeGrace is the window between soft-deleting an
	// epoch key and hard-purging it. The grace window tolerates messages
	// arriving slightly out of order across an epoch boundary.
	DefaultEpochKeyPurgeGrace = 72 * time.Hour
	// DefaultPlaintextTTL is how long cached message plaintext survives
	// before the maintenance sweep clears it.
	DefaultPlaintextTTL = 90 * 24 * time.Hour
	// DefaultKeyPackageTTL is how long an unused pre-key package remains
	// valid when the package itself carries no expiry.
	DefaultKeyPackageTTL = 30 * 24 * time.Hour
	// DefaultBridgeWorkers is the size of the bridge's background worker
	// pool servicing synchronous engine callbacks.
	DefaultBridgeWorkers = 4
)

// Retention is the maintenance policy for stored keys and messages.
type Retention struct {
	// KeepLastEpochKeys retains the N most recent active epoch keys per
	// conversation when pruning after a rotation.
	KeepLastEpochKeys int `yaml:"keep_last_epoch_keys"`
	// EpochKeyPurgeGrace is the soft-delete to hard-purge window.
	EpochKeyPurgeGrace time.Duration `yaml:"epoch_key_purge_grace"`
	// PlaintextTTL bounds the lifetime of the decrypted message cache.
	PlaintextTTL time.Duration `yaml:"plaintext_ttl"`
	// KeyPackageTTL bounds the lifetime of unused pre-key packages that
	// carry no explicit expiry.
	KeyPackageTTL time.Duration `yaml:"key_package_ttl"`
}

// UnmarshalYAML decodes duration fields from Go duration strings such as
// "72h" or "30m".
func (r *Retention) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		KeepLastEpochKeys  int    `yaml:"keep_last_epoch_keys"`
		EpochKeyPurgeGrace string `yaml:"epoch_key_purge_grace"`
		PlaintextTTL       string `yaml:"plaintext_ttl"`
		KeyPackageTTL      string `yaml:"key_package_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	r.KeepLastEpochKeys = raw.KeepLastEpochKeys

	for _, field := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"epoch_key_purge_grace", raw.EpochKeyPurgeGrace, &r.EpochKeyPurgeGrace},
		{"plaintext_ttl", raw.PlaintextTTL, &r.PlaintextTTL},
		{"key_package_ttl", raw.KeyPackageTTL, &r.KeyPackageTTL},
	} {
		if field.src == "" {
			*field.dst = 0
			continue
		}
		d, err := time.ParseDuration(field.src)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", field.name, err)
		}
		*field.dst = d
	}

	return nil
}

// Config is the top-level configuration of the subsystem.
type Config struct {
	Retention     Retention `yaml:"retention"`
	BridgeWorkers int       `yaml:"bridge_workers"`
}

// Default returns a configuration with all defaults applied.
func Default() Config {
	return Config{
		Retention: Retention{
			KeepLastEpochKeys:  DefaultKeepLastEpochKeys,
			EpochKeyPurgeGrace: DefaultEpochKeyPurgeGrace,
			PlaintextTTL:       DefaultPlaintextTTL,
			KeyPackageTTL:      DefaultKeyPackageTTL,
		},
		BridgeWorkers: DefaultBridgeWorkers,
	}
}

// Load reads a YAML configuration file and fills absent fields with
// defaults. A missing file is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults replaces zero or negative values with the package defaults.
func (c *Config) applyDefaults() {
	if c.Retention.KeepLastEpochKeys <= 0 {
		c.Retention.KeepLastEpochKeys = DefaultKeepLastEpochKeys
	}
	if c.Retention.EpochKeyPurgeGrace <= 0 {
		c.Retention.EpochKeyPurgeGrace = DefaultEpochKeyPurgeGrace
	}
	if c.Retention.PlaintextTTL <= 0 {
		c.Retention.PlaintextTTL = DefaultPlaintextTTL
	}
	if c.Retention.KeyPackageTTL <= 0 {
		c.Retention.KeyPackageTTL = DefaultKeyPackageTTL
	}
	if c.BridgeWorkers <= 0 {
		c.BridgeWorkers = DefaultBridgeWorkers
	}
}
