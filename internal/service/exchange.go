package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/randomizedcoder/go-taler-harness/internal/talerconfig"
	"github.com/randomizedcoder/go-taler-harness/internal/talercrypto"
)

// ExchangeConfig is the typed configuration of an exchange.
type ExchangeConfig struct {
	Name      string
	Currency  string
	RoundUnit string // default <currency>:0.01
	HTTPPort  int
	Database  string
}

// Exchange is a taler-exchange-httpd with its helper daemons.
type Exchange struct {
	*lifecycle
	cfg       ExchangeConfig
	masterKey talercrypto.EddsaKeyPair
}

// exchangeConfigFile is where the config of exchange name lives.
func exchangeConfigFile(run *Run, name string) string {
	return filepath.Join(run.ScratchDir(), "exchange-"+name+".conf")
}

// CreateExchange writes <scratch>/exchange-<name>.conf, generates the master
// key pair and stores its private half under the exchange's data home.
func CreateExchange(run *Run, ec ExchangeConfig) (*Exchange, error) {
	if ec.RoundUnit == "" {
		ec.RoundUnit = ec.Currency + ":0.01"
	}

	cfg, err := newServiceConfig(run, ec.Currency)
	if err != nil {
		return nil, err
	}
	cfg.SetString("taler", "currency_round_unit", ec.RoundUnit)

	cfg.SetString("exchange", "revocation_dir", "${TALER_DATA_HOME}/exchange/revocations")
	cfg.SetString("exchange", "max_keys_caching", "forever")
	cfg.SetString("exchange", "db", "postgres")
	cfg.SetString("exchange", "serve", "tcp")
	cfg.SetString("exchange", "port", strconv.Itoa(ec.HTTPPort))
	cfg.SetString("exchange-offline", "master_priv_file", "${TALER_DATA_HOME}/exchange/offline-keys/master.priv")
	cfg.SetString("exchangedb-postgres", "config", ec.Database)
	cfg.SetString("taler-exchange-secmod-eddsa", "lookahead_sign", "20 s")
	cfg.SetString("taler-exchange-secmod-rsa", "lookahead_sign", "20 s")

	key, err := talercrypto.NewEddsaKeyPair()
	if err != nil {
		return nil, err
	}
	cfg.SetString("exchange", "master_public_key", key.PubCrock())

	privFile, err := cfg.GetPath("exchange-offline", "master_priv_file")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(privFile), 0o755); err != nil {
		return nil, fmt.Errorf("create master key dir: %w", err)
	}
	if err := os.WriteFile(privFile, key.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}

	path := exchangeConfigFile(run, ec.Name)
	if err := writeConfig(cfg, path); err != nil {
		return nil, err
	}

	return newExchange(run, ec, path, key), nil
}

// ExchangeFromExistingConfig rebuilds the handle of an exchange created
// earlier in the same scratch directory.
func ExchangeFromExistingConfig(run *Run, name string) (*Exchange, error) {
	path := exchangeConfigFile(run, name)
	cfg, err := talerconfig.Load(path)
	if err != nil {
		return nil, err
	}

	ec := ExchangeConfig{Name: name}
	if ec.Currency, err = cfg.GetString("taler", "currency"); err != nil {
		return nil, err
	}
	if ec.RoundUnit, err = cfg.GetString("taler", "currency_round_unit"); err != nil {
		return nil, err
	}
	if ec.Database, err = cfg.GetString("exchangedb-postgres", "config"); err != nil {
		return nil, err
	}
	port, err := cfg.GetNumber("exchange", "port")
	if err != nil {
		return nil, err
	}
	ec.HTTPPort = int(port)

	privFile, err := cfg.GetPath("exchange-offline", "master_priv_file")
	if err != nil {
		return nil, err
	}
	seed, err := os.ReadFile(privFile)
	if err != nil {
		return nil, fmt.Errorf("read master key: %w", err)
	}
	key, err := talercrypto.EddsaKeyPairFromSeed(seed)
	if err != nil {
		return nil, err
	}

	return newExchange(run, ec, path, key), nil
}

func newExchange(run *Run, ec ExchangeConfig, path string, key talercrypto.EddsaKeyPair) *Exchange {
	// /keys blocks until the offline keys are signed, /management/keys does not.
	return &Exchange{
		lifecycle: newLifecycle(run, "exchange", ec.Name, path, ec.HTTPPort, "management/keys"),
		cfg:       ec,
		masterKey: key,
	}
}

// MasterPub returns the master public key in Crockford base32.
func (e *Exchange) MasterPub() string { return e.masterKey.PubCrock() }

// Currency returns the exchange's currency.
func (e *Exchange) Currency() string { return e.cfg.Currency }

// AddOfferedCoins adds denominations to the config.
func (e *Exchange) AddOfferedCoins(coins []talerconfig.CoinConfig) error {
	cfg, err := talerconfig.Load(e.configFile)
	if err != nil {
		return err
	}
	for _, c := range coins {
		if err := talerconfig.SetCoin(cfg, c); err != nil {
			return err
		}
	}
	return cfg.WriteFile(e.configFile)
}

// AddBankAccount binds a bank account to the exchange under localName.
func (e *Exchange) AddBankAccount(localName string, acct ExchangeBankAccount) error {
	account := "exchange-account-" + localName
	creds := "exchange-accountcredentials-" + localName
	return e.ChangeConfig(func(cfg *talerconfig.Config) {
		cfg.SetString(account, "wire_response", "${TALER_DATA_HOME}/exchange/account-"+localName+".json")
		cfg.SetString(account, "payto_uri", acct.AccountPaytoURI)
		cfg.SetString(account, "enable_credit", "yes")
		cfg.SetString(account, "enable_debit", "yes")
		cfg.SetString(creds, "wire_gateway_url", acct.WireGatewayAPIBaseURL)
		cfg.SetString(creds, "wire_gateway_auth_method", "basic")
		cfg.SetString(creds, "username", acct.AccountName)
		cfg.SetString(creds, "password", acct.AccountPassword)
	})
}

// Start initialises the database and spawns the security modules, the
// wire watcher and the HTTP daemon.
func (e *Exchange) Start(ctx context.Context) error {
	if err := e.beginStart(); err != nil {
		return err
	}
	if _, err := e.runPrep(ctx, "exchange-dbinit", "taler-exchange-dbinit"); err != nil {
		return err
	}

	daemons := []struct {
		logName string
		tool    string
		args    []string
	}{
		{"exchange-crypto-eddsa-" + e.name, "taler-exchange-secmod-eddsa", []string{"-LDEBUG"}},
		{"exchange-crypto-cs-" + e.name, "taler-exchange-secmod-cs", []string{"-LDEBUG"}},
		{"exchange-crypto-rsa-" + e.name, "taler-exchange-secmod-rsa", []string{"-LDEBUG"}},
		{"exchange-wirewatch-" + e.name, "taler-exchange-wirewatch", nil},
	}
	for _, d := range daemons {
		if _, err := e.spawnDaemon(d.logName, d.tool, d.args...); err != nil {
			return err
		}
	}
	return e.spawnHTTPD("exchange-httpd-"+e.name, "taler-exchange-httpd", "-LINFO")
}

// Keyup signs the keys offered by the security modules with the offline
// master key, enables every configured bank account and uploads the wire
// fees for the next five years and the global fees. The exchange must be
// running and reachable.
func (e *Exchange) Keyup(ctx context.Context) error {
	if !e.IsRunning() {
		return fmt.Errorf("keyup %s: %w", e.name, ErrNotRunning)
	}
	if _, err := e.runPrep(ctx, "exchange-offline", "taler-exchange-offline", "download", "sign", "upload"); err != nil {
		return err
	}

	accounts, err := e.accountPaytos()
	if err != nil {
		return err
	}
	var targetTypes []string
	for _, payto := range accounts {
		if _, err := e.runPrep(ctx, "exchange-offline", "taler-exchange-offline", "enable-account", payto, "upload"); err != nil {
			return err
		}
		tt, err := paytoTargetType(payto)
		if err != nil {
			return err
		}
		if !slices.Contains(targetTypes, tt) {
			targetTypes = append(targetTypes, tt)
		}
	}

	fee := e.cfg.Currency + ":0.01"
	year := time.Now().Year()
	for _, tt := range targetTypes {
		for y := year; y < year+wireFeeYears; y++ {
			_, err := e.runPrep(ctx, "exchange-offline", "taler-exchange-offline",
				"wire-fee", strconv.Itoa(y), tt, fee, fee, fee, "upload")
			if err != nil {
				return err
			}
		}
	}

	// history, kyc, account and purse fee, purse timeout, kyc timeout,
	// history expiration, free purses per account
	_, err = e.runPrep(ctx, "exchange-offline", "taler-exchange-offline",
		"global-fee", "now", fee, fee, fee, e.cfg.Currency+":0.00",
		"1h", "1h", "1year", "5", "upload")
	return err
}

// wireFeeYears is how many years of wire fees Keyup uploads.
const wireFeeYears = 5

// paytoTargetType returns the wire method of a payto URI, "x-taler-bank"
// for payto://x-taler-bank/localhost/foo.
func paytoTargetType(payto string) (string, error) {
	rest, ok := strings.CutPrefix(payto, "payto://")
	if !ok {
		return "", fmt.Errorf("payto uri %q: missing payto:// prefix", payto)
	}
	tt, _, _ := strings.Cut(rest, "/")
	if tt == "" {
		return "", fmt.Errorf("payto uri %q: empty target type", payto)
	}
	return tt, nil
}

// accountPaytos lists the payto URIs of the configured bank accounts.
func (e *Exchange) accountPaytos() ([]string, error) {
	cfg, err := talerconfig.Load(e.configFile)
	if err != nil {
		return nil, err
	}
	var paytos []string
	for _, section := range cfg.Sections() {
		if !strings.HasPrefix(section, "EXCHANGE-ACCOUNT-") {
			continue
		}
		payto, err := cfg.GetString(section, "payto_uri")
		if err != nil {
			return nil, err
		}
		paytos = append(paytos, payto)
	}
	return paytos, nil
}
