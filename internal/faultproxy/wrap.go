package faultproxy

import (
	"fmt"
	"net/url"

	"github.com/randomizedcoder/go-taler-harness/internal/service"
)

// FaultInjectedExchange is an exchange reached through a fault proxy. It
// satisfies service.ExchangeHandle, so merchants and wallets configured with
// it talk to the proxy instead of the exchange.
type FaultInjectedExchange struct {
	*Proxy
	exchange service.ExchangeHandle
}

// NewFaultInjectedExchange starts a proxy on port in front of e and registers
// it with the run's orchestrator.
func NewFaultInjectedExchange(run *service.Run, e service.ExchangeHandle, port int) (*FaultInjectedExchange, error) {
	p, err := newServiceProxy(run, e, port)
	if err != nil {
		return nil, err
	}
	return &FaultInjectedExchange{Proxy: p, exchange: e}, nil
}

// Name returns the wrapped exchange's name.
func (f *FaultInjectedExchange) Name() string { return f.exchange.Name() }

// MasterPub returns the wrapped exchange's master public key.
func (f *FaultInjectedExchange) MasterPub() string { return f.exchange.MasterPub() }

// Upstream returns the wrapped exchange.
func (f *FaultInjectedExchange) Upstream() service.ExchangeHandle { return f.exchange }

// FaultInjectedMerchant is a merchant backend reached through a fault proxy.
type FaultInjectedMerchant struct {
	*Proxy
	merchant service.Handle
}

// NewFaultInjectedMerchant starts a proxy on port in front of m and registers
// it with the run's orchestrator.
func NewFaultInjectedMerchant(run *service.Run, m service.Handle, port int) (*FaultInjectedMerchant, error) {
	p, err := newServiceProxy(run, m, port)
	if err != nil {
		return nil, err
	}
	return &FaultInjectedMerchant{Proxy: p, merchant: m}, nil
}

// Name returns the wrapped merchant's name.
func (f *FaultInjectedMerchant) Name() string { return f.merchant.Name() }

// Upstream returns the wrapped merchant.
func (f *FaultInjectedMerchant) Upstream() service.Handle { return f.merchant }

func newServiceProxy(run *service.Run, h service.Handle, port int) (*Proxy, error) {
	upstream, err := url.Parse(h.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("proxy for %s: %w", h.Name(), err)
	}
	p, err := New(Options{
		Name:       "proxy-" + h.Name(),
		ListenPort: port,
		Upstream:   upstream,
		Logger:     run.Orchestrator.Logger(),
		Metrics:    run.Orchestrator.Metrics(),
	})
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, err
	}
	run.Orchestrator.RegisterListener(p)
	return p, nil
}
