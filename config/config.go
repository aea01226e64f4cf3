package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"opencritique/crypto"

	"github.com/BurntSushi/toml"
)

const (
	ledgerTokenEnv = "OC_LEDGER_TOKEN"
	rpcTokenEnv    = "OC_RPC_TOKEN"
)

type Config struct {
	ListenAddress      string `toml:"ListenAddress"`
	LedgerURL          string `toml:"LedgerURL"`
	LedgerRef          string `toml:"LedgerRef"`
	EscrowOwner        string `toml:"EscrowOwner"`
	ClaimWindowSeconds int64  `toml:"ClaimWindowSeconds"`
	QuietPeriodSeconds int64  `toml:"QuietPeriodSeconds"`
	TransferFee        uint64 `toml:"TransferFee"`
	Env                string `toml:"Env"`

	// Tokens are read from the environment, never from the file.
	LedgerAuthToken string `toml:"-"`
	RPCToken        string `toml:"-"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists. Auth tokens are sourced from OC_LEDGER_TOKEN and
// OC_RPC_TOKEN.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		created, createErr := createDefault(path)
		if createErr != nil {
			return nil, createErr
		}
		cfg = created
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8546"
	}
	if strings.TrimSpace(cfg.LedgerRef) == "" {
		cfg.LedgerRef = "oc-main"
	}
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}

	cfg.LedgerAuthToken = strings.TrimSpace(os.Getenv(ledgerTokenEnv))
	cfg.RPCToken = strings.TrimSpace(os.Getenv(rpcTokenEnv))

	if strings.TrimSpace(cfg.EscrowOwner) != "" {
		if _, err := crypto.DecodeAddress(cfg.EscrowOwner); err != nil {
			return nil, fmt.Errorf("config: invalid EscrowOwner: %w", err)
		}
	}

	return cfg, nil
}

// EscrowOwnerAddress decodes the configured escrow owner identity, generating
// an ephemeral one when the field is blank.
func (c *Config) EscrowOwnerAddress() (crypto.Address, error) {
	if strings.TrimSpace(c.EscrowOwner) != "" {
		return crypto.DecodeAddress(c.EscrowOwner)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return crypto.Address{}, err
	}
	return key.PubKey().Address(), nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:      ":8546",
		LedgerURL:          "http://127.0.0.1:8645",
		LedgerRef:          "oc-main",
		EscrowOwner:        key.PubKey().Address().String(),
		ClaimWindowSeconds: 0,
		QuietPeriodSeconds: 7 * 24 * 60 * 60,
		TransferFee:        10_000,
		Env:                "dev",
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
