package scenarios

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-taler-harness/internal/faultproxy"
	"github.com/randomizedcoder/go-taler-harness/internal/runner"
	"github.com/randomizedcoder/go-taler-harness/internal/service"
)

// MalformedKeys is what the keys endpoint answers in fault-keys-malformed.
var MalformedKeys = []byte(`{"version": "0:0:0", "denoms": [`)

// Register adds every scenario to reg.
func Register(reg *runner.Registry) error {
	cases := []runner.TestCase{
		{Name: "three-services", Main: ThreeServices, Suites: []string{"smoke"}},
		{Name: "fault-keys-malformed", Main: FaultKeysMalformed, Suites: []string{"faults"}},
		{Name: "fault-drop-responses", Main: FaultDropResponses, Suites: []string{"faults"}},
		{Name: "shutdown-during-ping", Main: ShutdownDuringPing, Suites: []string{"lifecycle"}},
	}
	for _, tc := range cases {
		if err := reg.Register(tc); err != nil {
			return err
		}
	}
	return nil
}

func environmentOptions(t *runner.T) EnvironmentOptions {
	return EnvironmentOptions{
		Currency:     t.Config.Currency,
		BankPort:     t.Config.BankPort,
		ExchangePort: t.Config.ExchangePort,
		MerchantPort: t.Config.MerchantPort,
		Database:     t.DB.ConnStr,
	}
}

// freshClient opens a new connection per request, so a dropped connection
// surfaces as an error instead of a transparent retry.
func freshClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
		Timeout:   10 * time.Second,
	}
}

type keysResponse struct {
	Version string `json:"version"`
}

// fetch returns status and body of a GET request.
func fetch(ctx context.Context, client *http.Client, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

// fetchKeys GETs keys from base and decodes the version.
func fetchKeys(ctx context.Context, client *http.Client, base string) (keysResponse, []byte, error) {
	status, body, err := fetch(ctx, client, base+"keys")
	if err != nil {
		return keysResponse{}, nil, err
	}
	if status != http.StatusOK {
		return keysResponse{}, body, fmt.Errorf("GET %skeys: status %d", base, status)
	}
	var keys keysResponse
	if err := json.Unmarshal(body, &keys); err != nil {
		return keysResponse{}, body, fmt.Errorf("GET %skeys: %w", base, err)
	}
	return keys, body, nil
}

// ThreeServices starts a bank, exchange and merchant on distinct ports and
// checks that the exchange serves its keys.
func ThreeServices(ctx context.Context, t *runner.T) error {
	env, err := SetupEnvironment(ctx, t.Services(), environmentOptions(t))
	if err != nil {
		return err
	}

	ports := map[int]bool{env.Bank.Port(): true, env.Exchange.Port(): true, env.Merchant.Port(): true}
	if err := t.AssertTrue(len(ports) == 3, "services listen on distinct ports"); err != nil {
		return err
	}

	keys, _, err := fetchKeys(ctx, freshClient(), env.Exchange.BaseURL())
	if err != nil {
		return err
	}
	return t.AssertTrue(keys.Version != "", "keys carry a version")
}

// FaultKeysMalformed corrupts the keys response through a proxy and checks
// that only clients of the proxy see the corruption.
func FaultKeysMalformed(ctx context.Context, t *runner.T) error {
	run := t.Services()
	env, err := SetupEnvironment(ctx, run, environmentOptions(t))
	if err != nil {
		return err
	}

	proxy, err := faultproxy.NewFaultInjectedExchange(run, env.Exchange, t.Config.ProxyPort)
	if err != nil {
		return err
	}
	proxy.AddFault(faultproxy.ReplaceResponseBody{Path: "/keys", Body: MalformedKeys})

	client := freshClient()
	status, body, err := fetch(ctx, client, proxy.BaseURL()+"keys")
	if err != nil {
		return err
	}
	if err := t.AssertTrue(status == http.StatusOK, "proxied keys keep the upstream status"); err != nil {
		return err
	}
	if err := t.AssertTrue(bytes.Equal(body, MalformedKeys), "proxied keys are replaced"); err != nil {
		return err
	}
	if err := t.AssertTrue(!json.Valid(body), "proxied keys are malformed"); err != nil {
		return err
	}

	if _, _, err := fetchKeys(ctx, client, env.Exchange.BaseURL()); err != nil {
		return fmt.Errorf("exchange itself must stay intact: %w", err)
	}

	proxy.ClearAllFaults()
	if _, _, err := fetchKeys(ctx, client, proxy.BaseURL()); err != nil {
		return fmt.Errorf("after clearing faults: %w", err)
	}
	return nil
}

// FaultDropResponses drops the first ten keys responses after the exchange
// produced them and checks that later requests pass.
func FaultDropResponses(ctx context.Context, t *runner.T) error {
	const dropped, total = 10, 12

	run := t.Services()
	env, err := SetupEnvironment(ctx, run, environmentOptions(t))
	if err != nil {
		return err
	}

	proxy, err := faultproxy.NewFaultInjectedExchange(run, env.Exchange, t.Config.ProxyPort)
	if err != nil {
		return err
	}

	var upstreamResponses atomic.Int64
	proxy.AddFault(faultproxy.RuleFuncs{Response: func(ctx *faultproxy.ResponseContext) {
		if ctx.Request.URL.Path == "/keys" {
			upstreamResponses.Add(1)
		}
	}})
	rule := &faultproxy.DropResponses{Path: "/keys", Limit: dropped}
	proxy.AddFault(rule)

	client := freshClient()
	for i := 1; i <= total; i++ {
		_, _, err := fetchKeys(ctx, client, proxy.BaseURL())
		if i <= dropped {
			if err := t.AssertTrue(err != nil, fmt.Sprintf("request %d is dropped", i)); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("request %d: %w", i, err)
		}
	}

	if err := t.AssertTrue(rule.Dropped() == dropped, fmt.Sprintf("dropped %d responses, want %d", rule.Dropped(), dropped)); err != nil {
		return err
	}
	stats := proxy.Stats()
	t.Logger.Info("proxy_stats",
		"requests", stats.Requests,
		"dropped_responses", stats.DroppedResponses,
		"upstream_p50", stats.UpstreamP50,
		"upstream_p99", stats.UpstreamP99,
	)
	if err := t.AssertTrue(stats.DroppedResponses == dropped, "proxy counted the dropped responses"); err != nil {
		return err
	}
	return t.AssertTrue(upstreamResponses.Load() == total,
		fmt.Sprintf("exchange answered %d requests, want %d", upstreamResponses.Load(), total))
}

// ShutdownDuringPing tears the run down while a readiness poll is in flight.
// The poll must end either with the service available or with the process
// gone.
func ShutdownDuringPing(ctx context.Context, t *runner.T) error {
	run := t.Services()
	bank, err := service.CreateBank(run, service.BankConfig{
		Currency: t.Config.Currency,
		HTTPPort: t.Config.BankPort,
		Database: t.DB.ConnStr,
	})
	if err != nil {
		return err
	}
	if err := bank.Start(ctx); err != nil {
		return err
	}

	pingDone := make(chan error, 1)
	go func() { pingDone <- bank.PingUntilAvailable(ctx) }()

	if err := t.Orchestrator.Shutdown(ctx); err != nil {
		return err
	}

	select {
	case err := <-pingDone:
		if err == nil || errors.Is(err, service.ErrProcessExited) {
			return nil
		}
		return fmt.Errorf("ping after shutdown: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}
