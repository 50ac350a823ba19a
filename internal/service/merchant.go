package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/randomizedcoder/go-taler-harness/internal/talerconfig"
)

// MerchantConfig is the typed configuration of a merchant backend.
type MerchantConfig struct {
	Name     string
	Currency string
	HTTPPort int
	Database string
}

// InstanceAuth is how clients authenticate against a merchant instance.
type InstanceAuth struct {
	Method string `json:"method"` // "external" or "token"
	Token  string `json:"token,omitempty"`
}

// InstanceConfig describes a merchant instance to create. Zero values take
// the merchant's defaults.
type InstanceConfig struct {
	ID        string
	Name      string
	PaytoURIs []string
	Auth      *InstanceAuth

	Address      map[string]any
	Jurisdiction map[string]any

	DefaultMaxWireFee          string
	DefaultMaxDepositFee       string
	DefaultWireFeeAmortization int

	// Nil means forever.
	DefaultWireTransferDelay *time.Duration
	DefaultPayDelay          *time.Duration
}

// Merchant is a taler-merchant-httpd instance.
type Merchant struct {
	*lifecycle
	cfg MerchantConfig
}

func merchantConfigFile(run *Run, name string) string {
	return filepath.Join(run.ScratchDir(), "merchant-"+name+".conf")
}

// CreateMerchant writes <scratch>/merchant-<name>.conf and returns a handle.
func CreateMerchant(run *Run, mc MerchantConfig) (*Merchant, error) {
	cfg, err := newServiceConfig(run, mc.Currency)
	if err != nil {
		return nil, err
	}
	cfg.SetString("merchant", "serve", "tcp")
	cfg.SetString("merchant", "port", strconv.Itoa(mc.HTTPPort))
	cfg.SetString("merchant", "keyfile", "${TALER_DATA_HOME}/merchant/merchant.priv")
	cfg.SetString("merchantdb-postgres", "config", mc.Database)

	path := merchantConfigFile(run, mc.Name)
	if err := writeConfig(cfg, path); err != nil {
		return nil, err
	}
	return newMerchant(run, mc, path), nil
}

// MerchantFromExistingConfig rebuilds the handle of a merchant created
// earlier in the same scratch directory.
func MerchantFromExistingConfig(run *Run, name string) (*Merchant, error) {
	path := merchantConfigFile(run, name)
	cfg, err := talerconfig.Load(path)
	if err != nil {
		return nil, err
	}

	mc := MerchantConfig{Name: name}
	if mc.Currency, err = cfg.GetString("taler", "currency"); err != nil {
		return nil, err
	}
	if mc.Database, err = cfg.GetString("merchantdb-postgres", "config"); err != nil {
		return nil, err
	}
	port, err := cfg.GetNumber("merchant", "port")
	if err != nil {
		return nil, err
	}
	mc.HTTPPort = int(port)

	return newMerchant(run, mc, path), nil
}

func newMerchant(run *Run, mc MerchantConfig, path string) *Merchant {
	return &Merchant{
		lifecycle: newLifecycle(run, "merchant", mc.Name, path, mc.HTTPPort, "config"),
		cfg:       mc,
	}
}

// Currency returns the merchant's currency.
func (m *Merchant) Currency() string { return m.cfg.Currency }

// Start initialises the database and spawns the merchant backend.
func (m *Merchant) Start(ctx context.Context) error {
	if err := m.beginStart(); err != nil {
		return err
	}
	if _, err := m.runPrep(ctx, "merchant-dbinit-"+m.name, "taler-merchant-dbinit"); err != nil {
		return err
	}
	return m.spawnHTTPD("merchant-"+m.name, "taler-merchant-httpd", "-LDEBUG")
}

// AddExchange makes the merchant trust e. Only legal while stopped.
func (m *Merchant) AddExchange(e ExchangeHandle) error {
	section := "merchant-exchange-" + e.Name()
	return m.ChangeConfig(func(cfg *talerconfig.Config) {
		cfg.SetString(section, "exchange_base_url", e.BaseURL())
		cfg.SetString(section, "currency", m.cfg.Currency)
		cfg.SetString(section, "master_key", e.MasterPub())
	})
}

// AddInstance creates an instance through the management API. The merchant
// must be running.
func (m *Merchant) AddInstance(ctx context.Context, ic InstanceConfig) error {
	if !m.IsRunning() {
		return fmt.Errorf("add instance %s: %w", ic.ID, ErrNotRunning)
	}
	m.logger.Info("adding_instance", "instance", ic.ID)
	return postJSON(ctx, m.run.client(), m.BaseURL()+"management/instances", m.instanceRequest(ic))
}

// AddDefaultInstance creates the "default" instance.
func (m *Merchant) AddDefaultInstance(ctx context.Context) error {
	return m.AddInstance(ctx, InstanceConfig{
		ID:        "default",
		Name:      "Default Instance",
		PaytoURIs: []string{Payto("merchant-default")},
	})
}

// MakeInstanceBaseURL returns the base URL of an instance; the empty name
// and "default" address the default instance.
func (m *Merchant) MakeInstanceBaseURL(instance string) string {
	if instance == "" || instance == "default" {
		return m.BaseURL()
	}
	return fmt.Sprintf("%sinstances/%s/", m.BaseURL(), instance)
}

// instanceRequest is the JSON body of POST /management/instances.
type instanceRequest struct {
	Auth                       InstanceAuth     `json:"auth"`
	PaytoURIs                  []string         `json:"payto_uris"`
	ID                         string           `json:"id"`
	Name                       string           `json:"name"`
	Address                    map[string]any   `json:"address"`
	Jurisdiction               map[string]any   `json:"jurisdiction"`
	DefaultMaxWireFee          string           `json:"default_max_wire_fee"`
	DefaultWireFeeAmortization int              `json:"default_wire_fee_amortization"`
	DefaultMaxDepositFee       string           `json:"default_max_deposit_fee"`
	DefaultWireTransferDelay   ProtocolDuration `json:"default_wire_transfer_delay"`
	DefaultPayDelay            ProtocolDuration `json:"default_pay_delay"`
}

func (m *Merchant) instanceRequest(ic InstanceConfig) instanceRequest {
	req := instanceRequest{
		Auth:                       InstanceAuth{Method: "external"},
		PaytoURIs:                  ic.PaytoURIs,
		ID:                         ic.ID,
		Name:                       ic.Name,
		Address:                    ic.Address,
		Jurisdiction:               ic.Jurisdiction,
		DefaultMaxWireFee:          ic.DefaultMaxWireFee,
		DefaultWireFeeAmortization: ic.DefaultWireFeeAmortization,
		DefaultMaxDepositFee:       ic.DefaultMaxDepositFee,
		DefaultWireTransferDelay:   NewProtocolDuration(ic.DefaultWireTransferDelay),
		DefaultPayDelay:            NewProtocolDuration(ic.DefaultPayDelay),
	}
	if ic.Auth != nil {
		req.Auth = *ic.Auth
	}
	if req.PaytoURIs == nil {
		req.PaytoURIs = []string{}
	}
	if req.Address == nil {
		req.Address = map[string]any{}
	}
	if req.Jurisdiction == nil {
		req.Jurisdiction = map[string]any{}
	}
	if req.DefaultMaxWireFee == "" {
		req.DefaultMaxWireFee = m.cfg.Currency + ":1.0"
	}
	if req.DefaultMaxDepositFee == "" {
		req.DefaultMaxDepositFee = m.cfg.Currency + ":1.0"
	}
	if req.DefaultWireFeeAmortization == 0 {
		req.DefaultWireFeeAmortization = 3
	}
	if ic.DefaultWireTransferDelay == nil {
		day := 24 * time.Hour
		req.DefaultWireTransferDelay = NewProtocolDuration(&day)
	}
	return req
}

// ProtocolDuration is a duration in Taler's wire format: microseconds, or
// the string "forever".
type ProtocolDuration struct {
	DUs any `json:"d_us"`
}

// NewProtocolDuration converts d; nil means forever.
func NewProtocolDuration(d *time.Duration) ProtocolDuration {
	if d == nil {
		return ProtocolDuration{DUs: "forever"}
	}
	return ProtocolDuration{DUs: d.Microseconds()}
}
