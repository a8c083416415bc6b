// Package server is the composition root: it builds every collaborator
// package (registry, jobstore, quota, subscription, policy, dispatcher,
// handlers) from a loaded configuration, wires them onto one
// dispatcher.Dispatcher, and runs the background housekeeping a
// long-lived daemon needs (subscription lease sweeps, job intake
// timeouts, temporary-destination expiry).
//
// The shape - one struct owning every long-lived collaborator, built by
// a single New, with a background goroutine doing periodic sweeps - is
// grounded on ipp-usb's PnP manager (pnp.go), which owns the device
// directory and drives its own periodic rescans rather than leaving
// that to main().
package server

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/OpenPrinting/ipp-scheduler/internal/config"
	"github.com/OpenPrinting/ipp-scheduler/internal/dispatcher"
	"github.com/OpenPrinting/ipp-scheduler/internal/handlers"
	"github.com/OpenPrinting/ipp-scheduler/internal/jobstore"
	"github.com/OpenPrinting/ipp-scheduler/internal/logging"
	"github.com/OpenPrinting/ipp-scheduler/internal/metrics"
	"github.com/OpenPrinting/ipp-scheduler/internal/policy"
	"github.com/OpenPrinting/ipp-scheduler/internal/quota"
	"github.com/OpenPrinting/ipp-scheduler/internal/registry"
	"github.com/OpenPrinting/ipp-scheduler/internal/store"
	"github.com/OpenPrinting/ipp-scheduler/internal/subscription"
)

// sweepInterval is how often the janitor goroutine checks leases,
// intake deadlines, and temporary destinations.
const sweepInterval = 30 * time.Second

// Server bundles every collaborator the daemon needs for its lifetime.
type Server struct {
	Config        *config.Config
	Registry      *registry.Registry
	Jobs          *jobstore.Store
	Quota         *quota.Tracker
	Subscriptions *subscription.Engine
	Policy        *policy.Engine
	Metrics       *metrics.Metrics
	Dispatcher    *dispatcher.Dispatcher
	Store         *store.Store

	log    *logging.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Server from cfg, persisting through db, and registering
// Prometheus collectors with promReg. It restores destinations
// persisted from a previous run; jobs and subscriptions are runtime
// state that does not survive a restart (see DESIGN.md).
func New(cfg *config.Config, db *store.Store, promReg prometheus.Registerer) (*Server, error) {
	s := &Server{
		Config:        cfg,
		Registry:      registry.New(cfg.AllowFileDevices),
		Jobs:          jobstore.New(99),
		Quota:         quota.New(cfg.MaxJobsPerUser, cfg.MaxJobsPerPrinter),
		Subscriptions: subscription.New(cfg.MaxLeaseDuration),
		Policy:        policy.NewEngine(),
		Metrics:       metrics.New(promReg),
		Store:         db,
		log:           logging.New("server"),
	}

	s.Dispatcher = dispatcher.New(cfg.Strict, cfg.RemoteRootRewrite, cfg.RemoteRootName)

	deps := &handlers.Deps{
		Registry:      s.Registry,
		Jobs:          s.Jobs,
		Quota:         s.Quota,
		Subscriptions: s.Subscriptions,
		Policy:        s.Policy,
		Metrics:       s.Metrics,
		Config:        cfg,
		SchemeValidator: func(scheme string) bool {
			return scheme == "mailto" || scheme == "http" || scheme == "https"
		},
		ResolvesBackend: func(scheme string) bool {
			return scheme == "ipp" || scheme == "ipps" || scheme == "socket" ||
				scheme == "usb" || (cfg.AllowFileDevices && scheme == "file")
		},
	}
	handlers.RegisterAll(s.Dispatcher, deps)

	if err := s.restoreDestinations(); err != nil {
		return nil, err
	}

	return s, nil
}

// restoreDestinations replays every persisted destination back into the
// registry, the way devstate.go's DevState.Load repopulates a device's
// cached state at startup.
func (s *Server) restoreDestinations() error {
	return s.Store.LoadDestinations(func(name string, data []byte) error {
		dest, err := registry.DecodeDestination(data)
		if err != nil {
			s.log.Error("restoring destination %q: %s", name, err)
			return nil
		}
		s.Registry.Restore(dest)
		return nil
	})
}

// Start launches the background janitor loop. Call Stop to end it.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.janitor(ctx)
}

// Stop ends the janitor loop and flushes the store.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.Store.Flush()
}

func (s *Server) janitor(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep runs the periodic housekeeping every long-running scheduler
// needs: expiring subscription leases, timing out jobs stuck mid-intake,
// removing expired temporary destinations, and refreshing queue-depth
// gauges.
func (s *Server) sweep(now time.Time) {
	s.Subscriptions.SweepExpired(now)

	for _, j := range s.Jobs.ActiveJobs() {
		if err := s.Jobs.Timeout(j, now); err != nil {
			s.log.Debug("job %d timeout sweep: %s", j.ID, err)
		}
	}

	s.Registry.ExpireTemporary(now, func(dest *registry.Destination) {
		for _, j := range s.Jobs.ActiveJobs() {
			if j.Dest == dest.Name {
				_ = s.Jobs.Abort(j, "printer-deleted")
				s.Subscriptions.ExpireJobScoped(j.ID)
			}
		}
		s.Subscriptions.ExpireDestination(dest.Name)
		s.log.Info("expired temporary destination %q", dest.Name)
	})

	for _, dest := range s.Registry.All() {
		s.Metrics.QueuedJobs.WithLabelValues(dest.Name).Set(float64(s.Jobs.QueuedJobCount(dest.Name)))
	}

	if err := s.persistDestinations(); err != nil {
		s.log.Error("persisting destinations: %s", err)
	}
}

// persistDestinations writes every destination back to the store,
// mirroring devstate.go's "rewrite the whole record on change" shape at
// sweep granularity rather than on every single mutation.
func (s *Server) persistDestinations() error {
	for _, dest := range s.Registry.All() {
		if err := s.Store.PutDestination(dest.Name, dest); err != nil {
			return err
		}
	}
	return nil
}
