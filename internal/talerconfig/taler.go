package talerconfig

import (
	"fmt"
	"os"
	"strconv"
)

// NewRuntimeDir creates a short-lived runtime directory under /tmp.
// Runtime dirs hold unix domain sockets, whose paths are limited to 108
// bytes, so they never live under the (possibly deep) scratch directory.
func NewRuntimeDir() (string, error) {
	dir, err := os.MkdirTemp("/tmp", "taler-test-")
	if err != nil {
		return "", fmt.Errorf("create runtime dir: %w", err)
	}
	return dir, nil
}

// SetTalerPaths writes the [PATHS] section shared by every service config.
func SetTalerPaths(c *Config, home, runtimeDir string) {
	c.SetString("paths", "taler_home", home)
	c.SetString("paths", "taler_runtime_dir", runtimeDir)
	c.SetString("paths", "taler_data_home", "$TALER_HOME/.local/share/taler/")
	c.SetString("paths", "taler_config_home", "$TALER_HOME/.config/taler/")
	c.SetString("paths", "taler_cache_home", "$TALER_HOME/.config/taler/")
}

// YesNo renders a boolean the way Taler configs expect it.
func YesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// Cipher is a denomination signature scheme.
type Cipher string

const (
	CipherRSA Cipher = "RSA"
	CipherCS  Cipher = "CS"
)

// CoinConfig describes one denomination offered by an exchange.
type CoinConfig struct {
	Name             string
	Value            string
	DurationWithdraw string
	DurationSpend    string
	DurationLegal    string
	FeeWithdraw      string
	FeeDeposit       string
	FeeRefresh       string
	FeeRefund        string
	Cipher           Cipher
	RSAKeySize       int
	AgeRestricted    bool
}

// SetCoin writes the [coin_<name>] section for c.
func SetCoin(cfg *Config, c CoinConfig) error {
	s := "coin_" + c.Name
	cfg.SetString(s, "value", c.Value)
	cfg.SetString(s, "duration_withdraw", c.DurationWithdraw)
	cfg.SetString(s, "duration_spend", c.DurationSpend)
	cfg.SetString(s, "duration_legal", c.DurationLegal)
	cfg.SetString(s, "fee_deposit", c.FeeDeposit)
	cfg.SetString(s, "fee_withdraw", c.FeeWithdraw)
	cfg.SetString(s, "fee_refresh", c.FeeRefresh)
	cfg.SetString(s, "fee_refund", c.FeeRefund)
	if c.AgeRestricted {
		cfg.SetString(s, "age_restricted", "yes")
	}

	switch c.Cipher {
	case CipherRSA, "":
		cfg.SetString(s, "rsa_keysize", strconv.Itoa(c.RSAKeySize))
		cfg.SetString(s, "cipher", string(CipherRSA))
	case CipherCS:
		cfg.SetString(s, "cipher", string(CipherCS))
	default:
		return fmt.Errorf("coin %s: unsupported cipher %q", c.Name, c.Cipher)
	}
	return nil
}

// CoinFunc builds a coin for a currency.
type CoinFunc func(currency string) CoinConfig

func coin(currency, name, value, fee string) CoinConfig {
	return CoinConfig{
		Name:             currency + "_" + name,
		Value:            currency + ":" + value,
		DurationWithdraw: "7 days",
		DurationSpend:    "2 years",
		DurationLegal:    "3 years",
		FeeWithdraw:      currency + ":" + fee,
		FeeDeposit:       currency + ":" + fee,
		FeeRefresh:       currency + ":" + fee,
		FeeRefund:        currency + ":" + fee,
		Cipher:           CipherRSA,
		RSAKeySize:       1024,
	}
}

// Standard denominations.
var (
	CoinCt1 CoinFunc = func(cur string) CoinConfig {
		c := coin(cur, "ct1", "0.01", "0.01")
		c.FeeDeposit = cur + ":0.00"
		c.FeeRefund = cur + ":0.00"
		return c
	}
	CoinCt10 CoinFunc = func(cur string) CoinConfig {
		c := coin(cur, "ct10", "0.10", "0.01")
		c.FeeRefund = cur + ":0.00"
		return c
	}
	CoinU1  CoinFunc = func(cur string) CoinConfig { return coin(cur, "u1", "1", "0.02") }
	CoinU2  CoinFunc = func(cur string) CoinConfig { return coin(cur, "u2", "2", "0.02") }
	CoinU4  CoinFunc = func(cur string) CoinConfig { return coin(cur, "u4", "4", "0.02") }
	CoinU8  CoinFunc = func(cur string) CoinConfig { return coin(cur, "u8", "8", "0.16") }
	CoinU10 CoinFunc = func(cur string) CoinConfig { return coin(cur, "u10", "10", "0.2") }
)

// DefaultCoins returns the denominations a test exchange offers by default.
func DefaultCoins(currency string) []CoinConfig {
	fns := []CoinFunc{CoinCt1, CoinCt10, CoinU1, CoinU10, CoinU2, CoinU4, CoinU8}
	out := make([]CoinConfig, 0, len(fns))
	for _, f := range fns {
		out = append(out, f(currency))
	}
	return out
}
