package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/andrsolo/numgate/internal/config"
	"github.com/andrsolo/numgate/internal/database"
	"github.com/andrsolo/numgate/internal/logging"
	"github.com/andrsolo/numgate/internal/sms"
	"github.com/andrsolo/numgate/pkg/smpp"
)

// Store lists the providers the gateway must dial out to.
type Store interface {
	ActiveDialProviders(ctx context.Context) ([]database.Provider, error)
}

// Decoder and Dispatcher mirror the server-side inbound pipeline; both roles
// feed the same matcher.
type Decoder interface {
	Decode(p *smpp.PDU) (sms.Message, bool, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg sms.Message) uint32
}

// Manager keeps one client loop per dial-out provider, re-synced against the
// database on a ticker so providers can be added or disabled at runtime.
type Manager struct {
	store      Store
	decoder    Decoder
	dispatcher Dispatcher
	cfg        config.SMPPConfig
	logger     *slog.Logger

	mu    sync.Mutex
	loops map[int32]context.CancelFunc
	wg    sync.WaitGroup
}

func NewManager(store Store, decoder Decoder, dispatcher Dispatcher, cfg config.SMPPConfig, logger *slog.Logger) *Manager {
	return &Manager{
		store:      store,
		decoder:    decoder,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		loops:      map[int32]context.CancelFunc{},
	}
}

// Run blocks until the context is cancelled, keeping client loops in sync
// with the provider table.
func (m *Manager) Run(ctx context.Context) {
	m.sync(ctx)

	ticker := time.NewTicker(m.cfg.ProviderSync)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			m.wg.Wait()
			m.logger.Info("provider manager stopped")
			return
		case <-ticker.C:
			m.sync(ctx)
		}
	}
}

func (m *Manager) sync(ctx context.Context) {
	providers, err := m.store.ActiveDialProviders(ctx)
	if err != nil {
		m.logger.Warn("provider sync failed, keeping current loops", "error", err)
		return
	}

	want := map[int32]database.Provider{}
	for _, p := range providers {
		want[p.ID] = p
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cancel := range m.loops {
		if _, ok := want[id]; !ok {
			m.logger.Info("stopping loop for removed provider", "provider_id", id)
			cancel()
			delete(m.loops, id)
		}
	}

	for id, p := range want {
		if _, ok := m.loops[id]; ok {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		m.loops[id] = cancel
		m.wg.Add(1)
		go func(p database.Provider) {
			defer m.wg.Done()
			m.runLoop(loopCtx, p)
		}(p)
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.loops {
		cancel()
		delete(m.loops, id)
	}
}

// runLoop dials, binds and serves one provider until its context ends,
// reconnecting with a fixed delay after any failure.
func (m *Manager) runLoop(ctx context.Context, p database.Provider) {
	ctx = logging.ContextWithProviderID(ctx, p.ID)
	addr := fmt.Sprintf("%s:%d", p.Host, p.Port)

	for {
		if ctx.Err() != nil {
			return
		}

		delay := m.cfg.ReconnectDelay
		if err := m.serveOnce(ctx, p, addr); err != nil {
			if errBind, ok := err.(*bindError); ok {
				m.logger.WarnContext(ctx, "bind rejected by provider",
					"addr", addr, "status", errBind.status)
				delay = m.cfg.BindFailureDelay
			} else {
				m.logger.WarnContext(ctx, "provider connection lost",
					"addr", addr, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

type bindError struct{ status uint32 }

func (e *bindError) Error() string { return fmt.Sprintf("bind rejected with status %d", e.status) }

func (m *Manager) serveOnce(ctx context.Context, p database.Provider, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c := &client{
		conn:         conn,
		decoder:      m.decoder,
		dispatcher:   m.dispatcher,
		logger:       m.logger,
		readTimeout:  m.cfg.ReadTimeout,
		writeTimeout: m.cfg.WriteTimeout,
	}

	if err := c.bind(ctx, p.SystemID, p.Password); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "bound to provider", "addr", addr, "system_id", p.SystemID)

	return c.serve(ctx, m.cfg.EnquireLinkInterval)
}
