// Package supervisor wires every other internal package into a running
// proxy process and owns the goroutines' lifetimes end to end: startup,
// steady-state operation, and graceful shutdown.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"smartproxy/internal/activity"
	"smartproxy/internal/admission"
	"smartproxy/internal/config"
	"smartproxy/internal/forwarder"
	"smartproxy/internal/httpops"
	"smartproxy/internal/ipmi"
	"smartproxy/internal/lifecycle"
	"smartproxy/internal/listener"
	"smartproxy/internal/metrics"
	"smartproxy/internal/oracle"
	"smartproxy/internal/probe"
)

// Supervisor owns the wiring between C1-C8 (effector, probe, oracle,
// lifecycle machine, admission queue, accountant, listener set, forwarder)
// plus the operational HTTP server, and coordinates their shutdown.
type Supervisor struct {
	cfg *config.Config

	queue      *admission.Queue
	accountant *activity.Accountant
	effector   *ipmi.SubprocessEffector
	prober     *probe.DialProber
	orc        *oracle.Oracle
	machine    *lifecycle.Machine
	fwd        *forwarder.Forwarder
	listeners  *listener.Set
	httpSrv    *httpops.Server
	recorder   *metrics.Recorder

	listenerConns []net.Listener

	wg sync.WaitGroup
}

// New builds a fully wired Supervisor from cfg. Nothing is started yet.
func New(cfg *config.Config) *Supervisor {
	s := &Supervisor{cfg: cfg}

	s.queue = admission.NewQueue(int(cfg.MaxQueueSize))
	s.accountant = activity.NewAccountant(cfg.InactivityTimeout)

	s.effector = ipmi.NewSubprocessEffector(ipmi.Credentials{
		Host:     cfg.IPMIHost,
		User:     cfg.IPMIUser,
		Password: cfg.IPMIPass,
		ToolPath: cfg.IPMIPath,
	}, cfg.IPMITimeout)

	s.prober = probe.NewDialProber(cfg.ProbeTimeout)

	// The oracle probes the primary port mapping's backend port as the
	// representative reachability signal (spec §4.2: "backend target
	// port(s)"); with a single shared backend host this is sufficient to
	// know the backend has finished booting its network stack.
	primary := cfg.PortMaps[0]
	probeAddr := cfg.BackendAddr(primary.BackendPort)
	s.orc = oracle.New(s.effector, s.prober, probeAddr, cfg.CheckInterval)

	rec := metrics.NewRecorder(s.queue.Len)
	s.recorder = rec

	s.machine = lifecycle.New(lifecycle.Options{
		Queue:          s.queue,
		Accountant:     s.accountant,
		Effector:       s.effector,
		Forward:        s.forwardIntent,
		StartupTimeout: cfg.StartupTimeout,
		CheckInterval:  cfg.CheckInterval,
		IPMITimeout:    cfg.IPMITimeout,
		Recorder:       rec,
	})

	s.fwd = forwarder.New(cfg.TargetHost, s.accountant, s.machine)
	s.fwd.Bytes = rec
	s.orc.Recorder = rec

	mappings := make([]listener.Mapping, len(cfg.PortMaps))
	for i, m := range cfg.PortMaps {
		mappings[i] = listener.Mapping{ListenPort: m.ListenPort, BackendPort: m.BackendPort}
	}
	s.listeners = listener.New(cfg.ProxyHost, mappings, s.machine, cfg.RequestTimeout, cfg.AcceptBackoffMax)

	s.httpSrv = httpops.New(cfg.MetricsAddr, s.machine, s.queue)

	return s
}

func (s *Supervisor) forwardIntent(intent *admission.PendingIntent) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fwd.Forward(context.Background(), intent)
	}()
}

// Run starts every component and blocks until ctx is canceled, then drains
// in-flight work and returns once shutdown completes or the grace period
// elapses.
func (s *Supervisor) Run(ctx context.Context) error {
	listeners, err := s.listeners.Open()
	if err != nil {
		return fmt.Errorf("failed to bind listener ports: %w", err)
	}
	s.listenerConns = listeners

	machineCtx, cancelMachine := context.WithCancel(context.Background())
	defer cancelMachine()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.machine.Run(machineCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.orc.Run(machineCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.relayOracleSignals(machineCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.relayIdleFired(machineCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.listeners.Serve(machineCtx, s.listenerConns)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.expireQueueLoop(machineCtx)
	}()

	s.httpSrv.Start()

	log.Info().Str("proxy_host", s.cfg.ProxyHost).Str("target_host", s.cfg.TargetHost).
		Str("ipmi", s.cfg.Redacted()).Msg("supervisor: smartproxy running")

	<-ctx.Done()
	return s.shutdown(machineCtx, cancelMachine)
}

func (s *Supervisor) relayOracleSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-s.orc.Signals():
			s.machine.ObserveSignal(sig)
		}
	}
}

func (s *Supervisor) relayIdleFired(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.accountant.Fired():
			s.machine.NotifyIdleFired()
		}
	}
}

// expireQueueLoop fails any queued intent whose deadline has passed at least
// once per check_interval, independent of whether a READY transition ever
// drains the queue (spec §4.5: expiry must happen even without a drain).
func (s *Supervisor) expireQueueLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, intent := range s.queue.ExpireDue(now) {
				admission.FailExpired(intent)
				s.recorder.IntentOutcome("expired")
			}
		}
	}
}

// shutdown implements spec §9's explicit decision: on proxy shutdown the
// supervisor does not issue a soft power-off, it only stops accepting new
// connections, fails whatever is still queued, and lets in-flight forwards
// drain within one request_timeout grace period.
func (s *Supervisor) shutdown(machineCtx context.Context, cancelMachine context.CancelFunc) error {
	log.Info().Msg("supervisor: shutting down")

	for _, ln := range s.listenerConns {
		_ = ln.Close()
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer httpCancel()
	if err := s.httpSrv.Shutdown(httpCtx); err != nil {
		log.Warn().Err(err).Msg("supervisor: metrics server shutdown did not complete cleanly")
	}

	for _, intent := range s.queue.ReleaseAll() {
		admission.FailShuttingDown(intent)
		s.recorder.IntentOutcome("rejected_shutdown")
	}

	cancelMachine()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.RequestTimeout):
		log.Warn().Msg("supervisor: shutdown grace period elapsed with work still in flight")
	}

	return nil
}
