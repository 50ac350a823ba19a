package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-taler-harness/internal/talerconfig"
)

// BankConfig is the typed configuration of a bank.
type BankConfig struct {
	Currency           string
	HTTPPort           int
	Database           string
	AllowRegistrations bool
	MaxDebt            string // default <currency>:100

	SuggestedExchange      string
	SuggestedExchangePayto string
}

// BankUser is a bank account login.
type BankUser struct {
	Username string
	Password string
}

// ExchangeBankAccount is the bank account an exchange uses for wire transfers.
type ExchangeBankAccount struct {
	AccountName           string
	AccountPassword       string
	AccountPaytoURI       string
	WireGatewayAPIBaseURL string
}

// Bank is a taler-bank-manage instance.
type Bank struct {
	*lifecycle
	cfg BankConfig

	mu      sync.Mutex
	pending []BankUser // registered after the next Start
}

// CreateBank writes <scratch>/bank.conf and returns a handle to the bank.
func CreateBank(run *Run, bc BankConfig) (*Bank, error) {
	cfg, err := newServiceConfig(run, bc.Currency)
	if err != nil {
		return nil, err
	}

	maxDebt := bc.MaxDebt
	if maxDebt == "" {
		maxDebt = bc.Currency + ":100"
	}

	cfg.SetString("bank", "serve", "http")
	cfg.SetString("bank", "http_port", strconv.Itoa(bc.HTTPPort))
	cfg.SetString("bank", "database", bc.Database)
	cfg.SetString("bank", "max_debt_bank", bc.Currency+":999999")
	cfg.SetString("bank", "max_debt", maxDebt)
	cfg.SetString("bank", "allow_registrations", talerconfig.YesNo(bc.AllowRegistrations))
	if bc.SuggestedExchange != "" {
		cfg.SetString("bank", "suggested_exchange", bc.SuggestedExchange)
	}
	if bc.SuggestedExchangePayto != "" {
		cfg.SetString("bank", "suggested_exchange_payto", bc.SuggestedExchangePayto)
	}

	path := filepath.Join(run.ScratchDir(), "bank.conf")
	if err := writeConfig(cfg, path); err != nil {
		return nil, err
	}

	return &Bank{
		lifecycle: newLifecycle(run, "bank", "bank", path, bc.HTTPPort, "config"),
		cfg:       bc,
	}, nil
}

// Currency returns the bank's currency.
func (b *Bank) Currency() string { return b.cfg.Currency }

// Start spawns the bank daemon. Accounts created while the bank was stopped
// are registered once it answers.
func (b *Bank) Start(ctx context.Context) error {
	if err := b.beginStart(); err != nil {
		return err
	}
	if err := b.spawnHTTPD("bank", "taler-bank-manage", "serve-http"); err != nil {
		return err
	}

	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if err := b.PingUntilAvailable(ctx); err != nil {
		return err
	}
	for _, u := range pending {
		if err := b.CreateAccount(ctx, u.Username, u.Password); err != nil {
			return err
		}
	}
	return nil
}

// CreateAccount registers a bank account through the testing API.
func (b *Bank) CreateAccount(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	return postJSON(ctx, b.run.client(), b.BaseURL()+"testing/register", body)
}

// CreateRandomUser registers an account with random credentials.
func (b *Bank) CreateRandomUser(ctx context.Context) (BankUser, error) {
	u := BankUser{
		Username: "user-" + uuid.NewString(),
		Password: "pw-" + uuid.NewString(),
	}
	if err := b.CreateAccount(ctx, u.Username, u.Password); err != nil {
		return BankUser{}, err
	}
	return u, nil
}

// CreateExchangeAccount returns the wire account of an exchange. The account
// is registered right away when the bank runs, otherwise on the next Start.
func (b *Bank) CreateExchangeAccount(ctx context.Context, name, password string) (ExchangeBankAccount, error) {
	acct := ExchangeBankAccount{
		AccountName:           name,
		AccountPassword:       password,
		AccountPaytoURI:       Payto(name),
		WireGatewayAPIBaseURL: fmt.Sprintf("%staler-wire-gateway/%s/", b.BaseURL(), name),
	}

	if b.IsRunning() {
		if err := b.CreateAccount(ctx, name, password); err != nil {
			return ExchangeBankAccount{}, err
		}
		return acct, nil
	}

	b.mu.Lock()
	b.pending = append(b.pending, BankUser{Username: name, Password: password})
	b.mu.Unlock()
	return acct, nil
}

// SetSuggestedExchange makes the bank advertise e to withdrawing wallets.
// Only legal while the bank is stopped.
func (b *Bank) SetSuggestedExchange(e Handle, exchangePayto string) error {
	if b.IsRunning() {
		return fmt.Errorf("set suggested exchange: %w", ErrRunning)
	}
	return b.ChangeConfig(func(cfg *talerconfig.Config) {
		cfg.SetString("bank", "suggested_exchange", e.BaseURL())
		cfg.SetString("bank", "suggested_exchange_payto", exchangePayto)
	})
}

// Payto returns the x-taler-bank payto URI of a local bank account.
func Payto(account string) string {
	return "payto://x-taler-bank/localhost/" + account
}

// HTTPError is a management call answered with an unexpected status.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// postJSON posts body as JSON and fails on any non-2xx status.
func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request for %s: %w", url, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Method: http.MethodPost, URL: url, StatusCode: resp.StatusCode, Body: string(msg)}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
