package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"deedchain/crypto"
	"deedchain/native/escrow"
)

type Config struct {
	RPCAddress    string            `toml:"RPCAddress"`
	DataDir       string            `toml:"DataDir"`
	NetworkName   string            `toml:"NetworkName"`
	KeystorePath  string            `toml:"KeystorePath"`
	SellerAddress string            `toml:"SellerAddress"`
	InspectorAddr string            `toml:"InspectorAddress"`
	LenderAddress string            `toml:"LenderAddress"`
	GenesisAlloc  map[string]string `toml:"GenesisAlloc"`
}

// Load reads the configuration from the given path, creating a default file
// with a fresh keystore when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "deed-local"
	}
	if cfg.KeystorePath == "" {
		if err := ensureKeystore(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Roles resolves the configured bech32 participant addresses into the fixed
// role set the sale engine is constructed with.
func (c *Config) Roles() (escrow.Roles, error) {
	var roles escrow.Roles
	for _, entry := range []struct {
		name string
		raw  string
		dst  *[20]byte
	}{
		{"SellerAddress", c.SellerAddress, &roles.Seller},
		{"InspectorAddress", c.InspectorAddr, &roles.Inspector},
		{"LenderAddress", c.LenderAddress, &roles.Lender},
	} {
		decoded, err := crypto.DecodeAddress(strings.TrimSpace(entry.raw))
		if err != nil {
			return roles, fmt.Errorf("config: invalid %s: %w", entry.name, err)
		}
		copy(entry.dst[:], decoded.Bytes())
	}
	if !roles.Valid() {
		return roles, fmt.Errorf("config: seller, inspector and lender must be distinct addresses")
	}
	return roles, nil
}

// GenesisAllocation parses the configured genesis balances.
func (c *Config) GenesisAllocation() (map[string]*big.Int, error) {
	alloc := make(map[string]*big.Int, len(c.GenesisAlloc))
	for addr, raw := range c.GenesisAlloc {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("config: invalid genesis balance %q for %s", raw, addr)
		}
		alloc[addr] = amount
	}
	return alloc, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := defaultKeystorePath(configPath)
	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	cfg.KeystorePath = keystorePath
	return persist(configPath, cfg)
}

// createDefault creates and saves a default configuration file. The three
// role accounts are freshly generated so a new node is runnable immediately.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	roles := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		roleKey, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		roles = append(roles, roleKey.PubKey().Address().String())
	}

	cfg := &Config{
		RPCAddress:    ":8080",
		DataDir:       "./deed-data",
		NetworkName:   "deed-local",
		KeystorePath:  keystorePath,
		SellerAddress: roles[0],
		InspectorAddr: roles[1],
		LenderAddress: roles[2],
		GenesisAlloc:  map[string]string{},
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

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "node.keystore")
}
