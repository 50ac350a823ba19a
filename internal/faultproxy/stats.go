package faultproxy

import "time"

// Stats is a snapshot of a proxy's traffic.
type Stats struct {
	Requests         int64
	DroppedRequests  int64
	DroppedResponses int64
	UpstreamErrors   int64

	// Upstream round-trip percentiles, zero before the first response.
	UpstreamP50 time.Duration
	UpstreamP95 time.Duration
	UpstreamP99 time.Duration
}

// Stats returns the traffic counters and upstream latency percentiles.
func (p *Proxy) Stats() Stats {
	s := Stats{
		Requests:         p.requests.Load(),
		DroppedRequests:  p.droppedRequests.Load(),
		DroppedResponses: p.droppedResponses.Load(),
		UpstreamErrors:   p.upstreamErrors.Load(),
	}

	p.digestMu.Lock()
	defer p.digestMu.Unlock()
	if p.samples > 0 {
		s.UpstreamP50 = time.Duration(p.digest.Quantile(0.50))
		s.UpstreamP95 = time.Duration(p.digest.Quantile(0.95))
		s.UpstreamP99 = time.Duration(p.digest.Quantile(0.99))
	}
	return s
}
