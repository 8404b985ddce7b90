// Package config provides centralized configuration for the resolver.
// ALL chain parameters (supported chains, native sentinels, timelock
// defaults) MUST be defined here. No hardcoded values should exist
// elsewhere in the codebase.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Chain Registry
// =============================================================================

// ChainKind represents the execution environment family of a chain.
type ChainKind string

const (
	ChainKindEVM     ChainKind = "evm"     // Ethereum rollups (Base, Arbitrum, ...)
	ChainKindMove    ChainKind = "move"    // Move object chains (Sui)
	ChainKindSoroban ChainKind = "soroban" // Stellar Soroban
	ChainKindTVM     ChainKind = "tvm"     // TON virtual machine
)

// EVMNativeSentinel is the all-zero address marking the native coin on EVM chains.
const EVMNativeSentinel = "0x0000000000000000000000000000000000000000"

// NativeSentinel marks the native coin on non-EVM chains.
const NativeSentinel = "native"

// ChainParams describes a supported chain.
type ChainParams struct {
	ID          string    // Internal identifier, also used in persisted state
	Name        string    // Display name
	Kind        ChainKind // Execution environment family
	Decimals    uint8     // Native coin decimals
	NativeToken string    // Token identifier for the native coin
}

// SupportedChains defines the closed set of chains the resolver can drive.
var SupportedChains = map[string]ChainParams{
	"ethereum": {
		ID:          "ethereum",
		Name:        "Ethereum",
		Kind:        ChainKindEVM,
		Decimals:    18,
		NativeToken: EVMNativeSentinel,
	},
	"base": {
		ID:          "base",
		Name:        "Base",
		Kind:        ChainKindEVM,
		Decimals:    18,
		NativeToken: EVMNativeSentinel,
	},
	"arbitrum": {
		ID:          "arbitrum",
		Name:        "Arbitrum One",
		Kind:        ChainKindEVM,
		Decimals:    18,
		NativeToken: EVMNativeSentinel,
	},
	"sui": {
		ID:          "sui",
		Name:        "Sui",
		Kind:        ChainKindMove,
		Decimals:    9,
		NativeToken: NativeSentinel,
	},
	"stellar": {
		ID:          "stellar",
		Name:        "Stellar",
		Kind:        ChainKindSoroban,
		Decimals:    7,
		NativeToken: NativeSentinel,
	},
	"ton": {
		ID:          "ton",
		Name:        "TON",
		Kind:        ChainKindTVM,
		Decimals:    9,
		NativeToken: NativeSentinel,
	},
}

// GetChain looks up chain parameters by id.
func GetChain(id string) (ChainParams, bool) {
	p, ok := SupportedChains[id]
	return p, ok
}

// IsNativeToken reports whether token identifies the native coin on the chain.
// Pure string comparison, no RPC.
func IsNativeToken(chainID, token string) bool {
	p, ok := SupportedChains[chainID]
	if !ok {
		return false
	}
	if p.Kind == ChainKindEVM {
		return strings.EqualFold(token, EVMNativeSentinel) || token == ""
	}
	return token == NativeSentinel || token == ""
}

// =============================================================================
// Timelock Defaults
// =============================================================================

// TimelockConfig holds the seven relative offsets (seconds) forming the
// asymmetric deadline schedule. Offsets are relative to the lock time of
// the respective side.
type TimelockConfig struct {
	SrcWithdrawal         uint64 `yaml:"src_withdrawal"`
	SrcPublicWithdrawal   uint64 `yaml:"src_public_withdrawal"`
	SrcCancellation       uint64 `yaml:"src_cancellation"`
	SrcPublicCancellation uint64 `yaml:"src_public_cancellation"`
	DstWithdrawal         uint64 `yaml:"dst_withdrawal"`
	DstPublicWithdrawal   uint64 `yaml:"dst_public_withdrawal"`
	DstCancellation       uint64 `yaml:"dst_cancellation"`
}

// DefaultTimelocks returns the default deadline schedule.
// DstCancellation strictly precedes SrcCancellation: by the time the source
// side is cancellable the destination side is already claimed or refunded.
func DefaultTimelocks() TimelockConfig {
	return TimelockConfig{
		SrcWithdrawal:         10,
		SrcPublicWithdrawal:   600,
		SrcCancellation:       3600,
		SrcPublicCancellation: 7200,
		DstWithdrawal:         10,
		DstPublicWithdrawal:   600,
		DstCancellation:       1800,
	}
}

// Validate checks the schedule orderings that the atomicity argument needs.
func (t TimelockConfig) Validate() error {
	if t.DstCancellation >= t.SrcCancellation {
		return fmt.Errorf("dst_cancellation (%d) must precede src_cancellation (%d)",
			t.DstCancellation, t.SrcCancellation)
	}
	if t.SrcWithdrawal >= t.SrcPublicWithdrawal {
		return fmt.Errorf("src_withdrawal (%d) must precede src_public_withdrawal (%d)",
			t.SrcWithdrawal, t.SrcPublicWithdrawal)
	}
	if t.SrcCancellation >= t.SrcPublicCancellation {
		return fmt.Errorf("src_cancellation (%d) must precede src_public_cancellation (%d)",
			t.SrcCancellation, t.SrcPublicCancellation)
	}
	if t.DstWithdrawal >= t.DstPublicWithdrawal {
		return fmt.Errorf("dst_withdrawal (%d) must precede dst_public_withdrawal (%d)",
			t.DstWithdrawal, t.DstPublicWithdrawal)
	}
	return nil
}

// =============================================================================
// Daemon Configuration
// =============================================================================

// ChainEntry holds per-chain connection and signing configuration.
type ChainEntry struct {
	// ChainID is the identifier used internally and in persisted state.
	ChainID string `yaml:"chain_id"`

	// RPCURL is the transport endpoint.
	RPCURL string `yaml:"rpc_url"`

	// ContractAddress locates the on-chain HTLC contract (or package id).
	ContractAddress string `yaml:"contract_address"`

	// ExplorerURLTemplate formats receipt URLs; "{tx}" is replaced by the
	// transaction hash. Display-only.
	ExplorerURLTemplate string `yaml:"explorer_url_template"`

	// SignerSecretPrimary is the key for the maker-side resolver role.
	SignerSecretPrimary string `yaml:"signer_secret_primary"`

	// SignerSecretSecondary is the key for the taker-side resolver role.
	// Optional; falls back to the primary signer.
	SignerSecretSecondary string `yaml:"signer_secret_secondary,omitempty"`
}

// ExplorerURL formats a receipt URL from the entry's template.
func (e *ChainEntry) ExplorerURL(txHash string) string {
	if e.ExplorerURLTemplate == "" {
		return ""
	}
	return strings.ReplaceAll(e.ExplorerURLTemplate, "{tx}", txHash)
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// APIConfig holds JSON-RPC API settings.
type APIConfig struct {
	// ListenAddr is the host:port the API server binds to.
	ListenAddr string `yaml:"listen_addr"`
}

// Config holds all configuration for the resolver daemon.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	API     APIConfig     `yaml:"api"`

	// Chains holds connection configuration per chain id.
	Chains map[string]*ChainEntry `yaml:"chains"`

	// Timelocks is the default deadline schedule applied to new orders.
	Timelocks TimelockConfig `yaml:"timelocks"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "~/.resolver",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:8080",
		},
		Chains:    map[string]*ChainEntry{},
		Timelocks: DefaultTimelocks(),
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	for id, entry := range c.Chains {
		if _, ok := SupportedChains[id]; !ok {
			return fmt.Errorf("unknown chain in config: %s", id)
		}
		if entry.ChainID == "" {
			entry.ChainID = id
		}
		if entry.RPCURL == "" {
			return fmt.Errorf("chain %s: rpc_url is required", id)
		}
		if entry.SignerSecretPrimary == "" {
			return fmt.Errorf("chain %s: signer_secret_primary is required", id)
		}
	}
	return c.Timelocks.Validate()
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file in dir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dir string) (*Config, error) {
	expandedDir := expandPath(dir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Resolver Daemon Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
