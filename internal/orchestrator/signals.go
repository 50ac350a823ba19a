package orchestrator

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// signalRegistry is the process-wide set of active orchestrators. A single
// signal.Notify goroutine serves all of them; it is installed when the first
// orchestrator registers and stopped when the last one leaves.
var signalRegistry = newRegistry(os.Exit)

type registry struct {
	mu     sync.Mutex
	active map[*Orchestrator]struct{}
	sigCh  chan os.Signal
	stop   chan struct{}
	exit   func(int)
}

func newRegistry(exit func(int)) *registry {
	return &registry{
		active: make(map[*Orchestrator]struct{}),
		exit:   exit,
	}
}

func (r *registry) add(o *Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active[o] = struct{}{}
	if r.sigCh != nil {
		return
	}

	r.sigCh = make(chan os.Signal, 1)
	r.stop = make(chan struct{})
	signal.Notify(r.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go r.loop(r.sigCh, r.stop)
}

func (r *registry) remove(o *Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.active, o)
	if len(r.active) > 0 || r.sigCh == nil {
		return
	}

	signal.Stop(r.sigCh)
	close(r.stop)
	r.sigCh = nil
	r.stop = nil
}

// size returns the number of registered orchestrators.
func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *registry) loop(sigCh <-chan os.Signal, stop <-chan struct{}) {
	for {
		select {
		case sig := <-sigCh:
			r.handle(sig)
		case <-stop:
			return
		}
	}
}

// handle runs the synchronous teardown of every active orchestrator and
// exits with status 1. Lingering orchestrators skip the teardown; their
// processes run in their own process groups and outlive the harness.
func (r *registry) handle(sig os.Signal) {
	r.mu.Lock()
	orchs := make([]*Orchestrator, 0, len(r.active))
	for o := range r.active {
		orchs = append(orchs, o)
	}
	r.mu.Unlock()

	for _, o := range orchs {
		o.logger.Warn("received_signal", "signal", sig.String())
		o.teardownSync()
	}
	r.exit(1)
}
