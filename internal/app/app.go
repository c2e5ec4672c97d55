// Package app wires the call pipeline together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"callpop/internal/ami"
	"callpop/internal/config"
	"callpop/internal/correlator"
	"callpop/internal/dedup"
	"callpop/internal/dial"
	"callpop/internal/dispatch"
	"callpop/internal/events"
	"callpop/internal/httpapi"
	"callpop/internal/metrics"
	"callpop/internal/pipeline"
	"callpop/internal/queue"
	"callpop/internal/store"
	"callpop/internal/supervisor"
	"callpop/internal/watch"
)

const (
	openQueueSize   = 16
	openWorkers     = 2
	openTimeout     = 15 * time.Second
	shutdownTimeout = 5 * time.Second
	journalBuffer   = 256
)

// App owns every long-lived component.
type App struct {
	session string
	target  string
	user    string

	mu  sync.Mutex
	cfg config.Config

	metrics    *metrics.Metrics
	bus        *events.Bus
	gate       *dedup.Gate
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	pipeline   *pipeline.Pipeline
	supervisor *supervisor.Supervisor
	store      *store.Store
	journal    <-chan events.Transition
	mux        *http.ServeMux
}

// New builds the App. opener may be nil to use the desktop browser.
func New(cfg config.Config, opener dispatch.Opener) (*App, error) {
	if opener == nil {
		opener = dispatch.BrowserOpener{}
	}
	a := &App{
		session: uuid.NewString(),
		target:  net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		user:    cfg.Username,
		cfg:     cfg,
		metrics: metrics.New(),
		bus:     events.NewBus(),
		gate:    dedup.New(nil),
		queue:   queue.New(openQueueSize, openWorkers, openTimeout),
	}

	if cfg.JournalPath != "" {
		st, err := store.Open(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.store = st
		a.journal = a.bus.Subscribe(journalBuffer)
	}

	a.dispatcher = dispatch.New(dispatch.Options{
		Host:    cfg.TicketumHost,
		DeptID:  cfg.DeptID,
		OpenTTL: cfg.OpenDedup,
	}, opener, a.gate, a.queue, a.metrics, a.bus)

	corr := correlator.New(policyFor(cfg), a.gate, nil)
	a.pipeline = pipeline.New(corr, a.gate, a.dispatcher, a.metrics, a.bus)

	client := ami.NewClient(ami.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		Username:     cfg.Username,
		Secret:       cfg.Secret,
		PingInterval: cfg.PingInterval,
		Parse: dial.Options{
			KeySource:         cfg.IDSource,
			InternalMaxDigits: cfg.InternalMaxDigits,
		},
	})
	a.supervisor = supervisor.New(amiSource{client}, supervisor.DefaultBackoff(), supervisor.Hooks{
		Transition: a.onTransition,
		ParseError: func(error) { a.metrics.IncParseErrors() },
	})

	if cfg.StatusAddr != "" {
		var journal httpapi.Journal
		if a.store != nil {
			journal = a.store
		}
		a.mux = http.NewServeMux()
		router := httpapi.NewRouter(func() string { return a.supervisor.State().String() }, a.metrics, a.queue, a.bus, journal)
		router.Register(a.mux)
	}
	return a, nil
}

func policyFor(cfg config.Config) correlator.Policy {
	return correlator.Policy{
		Extension:       cfg.Extension,
		IncludeInternal: cfg.IncludeInternal,
		RingTTL:         cfg.RingDedup,
		AnswerTTL:       cfg.AnswerDedup,
		TerminalGrace:   cfg.CallTerminalGrace,
		IdleTimeout:     cfg.CallIdleTimeout,
	}
}

// amiSource adapts the concrete client to the supervisor's interface.
type amiSource struct{ client *ami.Client }

func (s amiSource) Connect(ctx context.Context) (supervisor.Conn, error) {
	conn, err := s.client.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (a *App) onTransition(from, to supervisor.State, err error) {
	switch {
	case to == supervisor.Connected:
		a.metrics.IncConnects()
		log.Printf("ami: connected to %s as %s", a.target, a.user)
	case from == supervisor.Connected:
		a.metrics.IncDisconnects()
	case from == supervisor.Connecting && to == supervisor.Backoff && errors.Is(err, ami.ErrAuth):
		log.Printf("ami: login rejected for %s, check username and secret", a.user)
	}
	detail := from.String() + " -> " + to.String()
	if err != nil {
		detail += ": " + err.Error()
	}
	a.bus.Publish(events.Transition{Kind: events.KindConnection, Detail: detail})
}

// Run starts every component and blocks until ctx ends. Shutdown closes
// the manager session, stops the pipeline, drains pending opens and closes
// the journal.
func (a *App) Run(ctx context.Context) error {
	cfg := a.config()
	log.Printf("callpop: starting session=%s ext=%s ami=%s include_internal=%v id_source=%s",
		a.session, cfg.Extension, a.target, cfg.IncludeInternal, cfg.IDSource)

	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	a.queue.Start(queueCtx)

	var journalDone chan struct{}
	if a.store != nil {
		journalDone = make(chan struct{})
		go func() {
			defer close(journalDone)
			a.store.Follow(context.Background(), a.journal)
		}()
		log.Printf("journal: writing to %s", cfg.JournalPath)
	}

	if cfg.WatchConfig && cfg.Path != "" {
		if err := watch.New(cfg.Path, 0, a.reload).Start(ctx); err != nil {
			log.Printf("config: watch disabled: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.mux != nil {
		srv := &http.Server{Addr: cfg.StatusAddr, Handler: a.mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			<-gctx.Done()
			return srv.Shutdown(context.Background())
		})
		g.Go(func() error {
			log.Printf("http listening on %s", cfg.StatusAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status endpoint: %w", err)
			}
			return nil
		})
	}

	evs := make(chan dial.Event)
	g.Go(func() error { return a.supervisor.Run(gctx, evs) })
	g.Go(func() error { return a.pipeline.Run(gctx, evs) })
	err := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.queue.Stop(drainCtx)
	a.bus.Close()
	if journalDone != nil {
		<-journalDone
		if cerr := a.store.Close(); cerr != nil {
			log.Printf("journal: close: %v", cerr)
		}
	}
	log.Printf("callpop: stopped session=%s", a.session)
	return err
}

func (a *App) config() config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// reload applies a changed settings file. Correlation and open dedup
// settings take effect at once; connection and URL settings need a
// restart.
func (a *App) reload(next config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	if prev.ConnectionChanged(next) || prev.IDSource != next.IDSource ||
		prev.InternalMaxDigits != next.InternalMaxDigits || prev.PingInterval != next.PingInterval {
		log.Printf("config: manager connection settings changed, restart required")
	}
	if prev.TicketumHost != next.TicketumHost || prev.DeptID != next.DeptID {
		log.Printf("config: ticketum_host or DEPT_ID changed, restart required")
	}
	if prev.JournalPath != next.JournalPath || prev.StatusAddr != next.StatusAddr {
		log.Printf("config: journal_path or status_addr changed, restart required")
	}
	a.pipeline.UpdatePolicy(policyFor(next))
	a.dispatcher.SetOpenTTL(next.OpenDedup)
}

func (a *App) Metrics() *metrics.Metrics { return a.metrics }
func (a *App) Mux() *http.ServeMux      { return a.mux }
