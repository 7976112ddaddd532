// Package app wires escalator components into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"escalator/internal/calendar"
	"escalator/internal/clock"
	"escalator/internal/config"
	"escalator/internal/escalation"
	"escalator/internal/heartbeat"
	"escalator/internal/ingest"
	"escalator/internal/lifecycle"
	"escalator/internal/notify"
	"escalator/internal/queue"
	"escalator/internal/recipient"
	"escalator/internal/schedule"
	"escalator/internal/store"
	"escalator/internal/worker"

	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout  = 10 * time.Second
	publisherTimeout = 10 * time.Second
)

// Service composes runtime dependencies and process lifecycle.
// Params: validated config and shared runtime components.
// Returns: runnable escalator service.
type Service struct {
	cfg        config.Config
	logger     *slog.Logger
	clock      clock.Clock
	store      store.Store
	dispatcher *notify.Dispatcher
	calendar   *calendar.Calendar
	policy     *escalation.Policy
	directory  *recipient.Directory
	ingestQ    *queue.Queue[ingest.Envelope]
	supervisor *worker.Supervisor
	publisher  ingest.Publisher
	natsSub    *ingest.NATSSubscriber
	handler    http.Handler
	ready      atomic.Bool
	ackTimeout time.Duration

	releaseOnce sync.Once
	fatal       chan error
}

// NewService builds the service from a validated config snapshot.
// Params: context for store setup, config, logger, and clock.
// Returns: initialized service or setup error; partially acquired resources are released.
func NewService(ctx context.Context, cfg config.Config, logger *slog.Logger, clk clock.Clock) (svc *Service, err error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:        cfg,
		logger:     logger,
		clock:      clk,
		ackTimeout: 5 * time.Second,
		fatal:      make(chan error, 1),
	}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	s.store, err = store.Open(ctx, cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.dispatcher, err = notify.NewDispatcher(cfg.Notify, logger, clk)
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}
	location := cfg.Service.Location()
	s.calendar = calendar.New(cfg.Calendar, location, clk, logger)

	dispatchQ, err := queue.New[recipient.Job]("dispatch", cfg.Dispatch, logger)
	if err != nil {
		return nil, fmt.Errorf("dispatch queue: %w", err)
	}
	outbox := recipient.NewOutbox(dispatchQ, logger)
	s.directory = buildDirectory(cfg, outbox, recipient.Deps{
		Deliverer: s.dispatcher,
		History:   s.store.History(),
		Holidays:  s.calendar,
		Clock:     clk,
		Logger:    logger,
	})

	groups, err := escalation.BuildGroups(cfg.AlertGroups, logger)
	if err != nil {
		return nil, fmt.Errorf("build alert groups: %w", err)
	}
	s.policy = escalation.NewPolicy(groups, escalation.Deps{
		Alerts:    s.store.Alerts(),
		Reminders: s.store.Reminders(),
		Directory: s.directory,
		Calendar:  s.calendar,
		Location:  location,
		Clock:     clk,
		Logger:    logger,
	})
	manager := lifecycle.NewManager(s.store.Alerts(), s.policy, clk, logger)

	s.ingestQ, err = queue.New[ingest.Envelope]("ingest", cfg.Ingest.Queue(), logger)
	if err != nil {
		return nil, fmt.Errorf("ingest queue: %w", err)
	}
	dedup := ingest.NewDedupCache(time.Duration(cfg.Ingest.DedupTTLSec)*time.Second, 0)
	processor := ingest.NewProcessor(s.store.Alerts(), manager, dedup, clk, logger, cfg.Ingest.MaxTextBytes)

	scheduler := schedule.New(cfg.Scheduler, schedule.Deps{
		Alerts:    s.store.Alerts(),
		Reminders: s.store.Reminders(),
		Poller:    manager,
		Reminder:  s.policy,
		Clock:     clk,
		Logger:    logger,
	})
	schedulerWorker := worker.New("scheduler", scheduler, clk, logger)
	freezeTimeout := time.Duration(cfg.Workers.FreezeTimeoutSec) * time.Second
	ingestWorker := worker.New("ingest", ingest.NewLoop(s.ingestQ, processor, schedulerWorker, freezeTimeout, 0, logger), clk, logger)
	dispatchWorker := worker.New("dispatch", dispatchLoop{outbox: outbox}, clk, logger)

	if cfg.Heartbeat.Publish {
		s.publisher, err = ingest.NewPublisher(cfg.Heartbeat.Transport, cfg.Heartbeat.URL, cfg.Heartbeat.NATSURL, cfg.Heartbeat.Subject, publisherTimeout)
		if err != nil {
			return nil, fmt.Errorf("heartbeat publisher: %w", err)
		}
	}
	beat := heartbeat.New(cfg.Heartbeat, s.publisher, clk, logger, s.ingestQ, dispatchQ)
	heartbeatWorker := worker.New("heartbeat", beat, clk, logger)

	opts := worker.OptionsFromConfig(cfg.Workers)
	opts.Clock = clk
	opts.Logger = logger
	opts.Fatal = s.fail
	s.supervisor = worker.NewSupervisor(opts, ingestWorker, dispatchWorker, schedulerWorker, heartbeatWorker)
	beat.Watch(s.supervisor)

	if cfg.Ingest.NATS.Enabled {
		s.natsSub, err = ingest.NewNATSSubscriber(cfg.Ingest.NATS, s.ingestQ, clk, logger)
		if err != nil {
			return nil, err
		}
	}
	s.handler = s.buildMux()
	return s, nil
}

func buildDirectory(cfg config.Config, outbox *recipient.Outbox, deps recipient.Deps) *recipient.Directory {
	people := make([]recipient.Recipient, 0, len(cfg.People))
	for _, personCfg := range cfg.People {
		people = append(people, outbox.Wrap(recipient.NewPerson(personCfg, deps)))
	}
	lists := make(map[string][]string, len(cfg.PeopleLists))
	for _, list := range cfg.PeopleLists {
		lists[list.Name] = list.Members
	}
	return recipient.NewDirectory(people, lists)
}

// Handler exposes the service HTTP routes.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Supervisor exposes the worker supervisor.
func (s *Service) Supervisor() *worker.Supervisor {
	return s.supervisor
}

// Run starts workers and the HTTP listener and blocks until ctx ends or a
// component fails.
// Params: root context for service runtime.
// Returns: terminal run error; nil on a clean shutdown.
func (s *Service) Run(ctx context.Context) error {
	defer s.release()

	var listener net.Listener
	if s.cfg.Ingest.HTTP.Enabled {
		var err error
		listener, err = net.Listen("tcp", s.cfg.Ingest.HTTP.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.Ingest.HTTP.Listen, err)
		}
	}
	return s.serve(ctx, listener)
}

func (s *Service) serve(ctx context.Context, listener net.Listener) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.supervisor.Run(groupCtx)
	})

	if listener != nil {
		server := &http.Server{Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
		group.Go(func() error {
			s.logger.Info("http server starting", "listen", listener.Addr().String())
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http shutdown: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			return nil
		case err := <-s.fatal:
			return err
		}
	})

	s.ready.Store(true)
	s.logger.Info("escalator running", "service", s.cfg.Service.Name, "groups", len(s.policy.Groups()))
	err := group.Wait()
	s.ready.Store(false)
	return err
}

// fail ends Run with err instead of exiting the process.
func (s *Service) fail(err error) {
	s.logger.Error("supervisor fatal", "error", err.Error())
	select {
	case s.fatal <- err:
	default:
	}
}

// release closes resources in dependency order. Safe to call more than once.
func (s *Service) release() {
	s.releaseOnce.Do(func() {
		if s.natsSub != nil {
			if err := s.natsSub.Close(); err != nil {
				s.logger.Error("nats subscriber close failed", "error", err.Error())
			}
		}
		if s.publisher != nil {
			if err := s.publisher.Close(); err != nil {
				s.logger.Error("heartbeat publisher close failed", "error", err.Error())
			}
		}
		if s.dispatcher != nil {
			if err := s.dispatcher.Close(); err != nil {
				s.logger.Error("dispatcher close failed", "error", err.Error())
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.logger.Error("store close failed", "error", err.Error())
			}
		}
	})
}
