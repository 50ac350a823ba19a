// Package scenarios holds the integration tests the harness ships with.
package scenarios

import (
	"context"
	"fmt"

	"github.com/randomizedcoder/go-taler-harness/internal/service"
	"github.com/randomizedcoder/go-taler-harness/internal/talerconfig"
)

// EnvironmentOptions describe a bank, exchange and merchant setup.
type EnvironmentOptions struct {
	Currency     string
	BankPort     int
	ExchangePort int
	MerchantPort int
	Database     string
}

// Environment is a running bank, exchange and merchant wired together.
type Environment struct {
	Bank     *service.Bank
	Exchange *service.Exchange
	Merchant *service.Merchant
}

// SetupEnvironment configures the three services, starts them, waits until
// each answers and signs the exchange keys. The merchant gets a default
// instance and trusts the exchange.
func SetupEnvironment(ctx context.Context, run *service.Run, opts EnvironmentOptions) (*Environment, error) {
	bank, err := service.CreateBank(run, service.BankConfig{
		Currency:           opts.Currency,
		HTTPPort:           opts.BankPort,
		Database:           opts.Database,
		AllowRegistrations: true,
	})
	if err != nil {
		return nil, err
	}

	exchange, err := service.CreateExchange(run, service.ExchangeConfig{
		Name:     "testexchange-1",
		Currency: opts.Currency,
		HTTPPort: opts.ExchangePort,
		Database: opts.Database,
	})
	if err != nil {
		return nil, err
	}

	merchant, err := service.CreateMerchant(run, service.MerchantConfig{
		Name:     "testmerchant-1",
		Currency: opts.Currency,
		HTTPPort: opts.MerchantPort,
		Database: opts.Database,
	})
	if err != nil {
		return nil, err
	}

	account, err := bank.CreateExchangeAccount(ctx, "myexchange", "x")
	if err != nil {
		return nil, err
	}
	if err := exchange.AddBankAccount("1", account); err != nil {
		return nil, err
	}
	if err := exchange.AddOfferedCoins(talerconfig.DefaultCoins(opts.Currency)); err != nil {
		return nil, err
	}
	if err := bank.SetSuggestedExchange(exchange, account.AccountPaytoURI); err != nil {
		return nil, err
	}
	if err := merchant.AddExchange(exchange); err != nil {
		return nil, err
	}

	if err := bank.Start(ctx); err != nil {
		return nil, fmt.Errorf("start bank: %w", err)
	}
	if err := bank.PingUntilAvailable(ctx); err != nil {
		return nil, err
	}

	if err := exchange.Start(ctx); err != nil {
		return nil, fmt.Errorf("start exchange: %w", err)
	}
	if err := exchange.PingUntilAvailable(ctx); err != nil {
		return nil, err
	}
	if err := exchange.Keyup(ctx); err != nil {
		return nil, err
	}

	if err := merchant.Start(ctx); err != nil {
		return nil, fmt.Errorf("start merchant: %w", err)
	}
	if err := merchant.PingUntilAvailable(ctx); err != nil {
		return nil, err
	}
	if err := merchant.AddDefaultInstance(ctx); err != nil {
		return nil, err
	}

	return &Environment{Bank: bank, Exchange: exchange, Merchant: merchant}, nil
}
