package service

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-taler-harness/internal/process"
	"github.com/randomizedcoder/go-taler-harness/internal/testutil/fakeservice"
)

func newTestBank(t *testing.T, run *Run) *Bank {
	t.Helper()
	bank, err := CreateBank(run, BankConfig{
		Currency:           "TESTKUDOS",
		HTTPPort:           freePort(t),
		Database:           "postgres:///taler-integrationtest",
		AllowRegistrations: true,
	})
	require.NoError(t, err)
	return bank
}

func bankAccounts(t *testing.T, bank *Bank) []string {
	t.Helper()
	var resp struct {
		Accounts []string `json:"accounts"`
	}
	getJSON(t, bank.BaseURL()+"testing/accounts", &resp)
	return resp.Accounts
}

func TestCreateBank_Config(t *testing.T) {
	run := newTestRun(t)
	bank := newTestBank(t, run)

	cfg := loadConfig(t, bank.ConfigFile())
	assert.Equal(t, "http", configValue(t, cfg, "bank", "serve"))
	assert.Equal(t, strconv.Itoa(bank.Port()), configValue(t, cfg, "bank", "http_port"))
	assert.Equal(t, "TESTKUDOS:999999", configValue(t, cfg, "bank", "max_debt_bank"))
	assert.Equal(t, "TESTKUDOS:100", configValue(t, cfg, "bank", "max_debt"))
	assert.Equal(t, "yes", configValue(t, cfg, "bank", "allow_registrations"))
	_, ok := cfg.Lookup("bank", "suggested_exchange")
	assert.False(t, ok)

	assert.Equal(t, "bank", bank.Name())
	assert.Equal(t, "TESTKUDOS", bank.Currency())
	assert.Equal(t, "http://localhost:"+strconv.Itoa(bank.Port())+"/", bank.BaseURL())
	assert.False(t, bank.IsRunning())
}

func TestBank_StartPingStop(t *testing.T) {
	run := newTestRun(t)
	bank := newTestBank(t, run)
	ctx := pingCtx(t)

	require.NoError(t, bank.Start(ctx))
	require.NoError(t, bank.PingUntilAvailable(ctx))
	assert.True(t, bank.IsRunning())
	assert.FileExists(t, run.ScratchDir()+"/bank-stdout.log")
	assert.FileExists(t, run.ScratchDir()+"/bank-stderr.log")

	assert.ErrorIs(t, bank.Start(ctx), ErrRunning)

	user, err := bank.CreateRandomUser(ctx)
	require.NoError(t, err)
	assert.Contains(t, bankAccounts(t, bank), user.Username)

	var httpErr *HTTPError
	err = bank.CreateAccount(ctx, user.Username, "other")
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 409, httpErr.StatusCode)

	daemons := bank.Daemons()
	require.NoError(t, bank.Stop(ctx))
	assert.False(t, bank.IsRunning())
	for _, p := range daemons {
		assert.True(t, p.Exited())
		assert.Equal(t, []string{"SIGTERM"}, p.Signals())
	}

	// Stopped services can be restarted.
	require.NoError(t, bank.Start(ctx))
	require.NoError(t, bank.PingUntilAvailable(ctx))
	require.NoError(t, bank.Stop(ctx))
}

func TestBank_ExchangeAccountBeforeStart(t *testing.T) {
	run := newTestRun(t)
	bank := newTestBank(t, run)
	ctx := pingCtx(t)

	acct, err := bank.CreateExchangeAccount(ctx, "myexchange", "x")
	require.NoError(t, err)
	assert.Equal(t, "payto://x-taler-bank/localhost/myexchange", acct.AccountPaytoURI)
	assert.Equal(t, bank.BaseURL()+"taler-wire-gateway/myexchange/", acct.WireGatewayAPIBaseURL)

	require.NoError(t, bank.Start(ctx))
	assert.Equal(t, []string{"myexchange"}, bankAccounts(t, bank))

	// Registered while running, not queued again.
	_, err = bank.CreateExchangeAccount(ctx, "second", "y")
	require.NoError(t, err)
	assert.Equal(t, []string{"myexchange", "second"}, bankAccounts(t, bank))
}

func TestBank_SetSuggestedExchange(t *testing.T) {
	run := newTestRun(t)
	bank := newTestBank(t, run)
	exchange, err := CreateExchange(run, ExchangeConfig{
		Name:     "testexchange-1",
		Currency: "TESTKUDOS",
		HTTPPort: freePort(t),
		Database: "postgres:///x",
	})
	require.NoError(t, err)

	require.NoError(t, bank.SetSuggestedExchange(exchange, Payto("myexchange")))
	cfg := loadConfig(t, bank.ConfigFile())
	assert.Equal(t, exchange.BaseURL(), configValue(t, cfg, "bank", "suggested_exchange"))
	assert.Equal(t, Payto("myexchange"), configValue(t, cfg, "bank", "suggested_exchange_payto"))

	ctx := pingCtx(t)
	require.NoError(t, bank.Start(ctx))
	err = bank.SetSuggestedExchange(exchange, Payto("other"))
	assert.ErrorIs(t, err, ErrRunning)
}

func TestBank_SpawnFailure(t *testing.T) {
	tc, err := fakeservice.NewToolchain()
	require.NoError(t, err)
	run := newTestRunWithToolchain(t, brokenToolchain{Toolchain: tc, broken: "taler-bank-manage"})
	bank := newTestBank(t, run)

	err = bank.Start(context.Background())
	require.Error(t, err)
	var spawnErr *process.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "bank", spawnErr.LogName)
	assert.False(t, bank.IsRunning())
}

func TestBank_DaemonExitsDuringPing(t *testing.T) {
	run := newTestRun(t, "TALER_HARNESS_FAKE_FAIL=taler-bank-manage")
	bank := newTestBank(t, run)
	ctx := pingCtx(t)

	require.NoError(t, bank.Start(ctx))
	err := bank.PingUntilAvailable(ctx)
	require.ErrorIs(t, err, ErrProcessExited)
	assert.Contains(t, err.Error(), "exit code 1")
}
