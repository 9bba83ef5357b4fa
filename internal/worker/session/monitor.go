package sessionworker

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/waha-bridge/internal/messaging"
	"github.com/wolfman30/waha-bridge/internal/messaging/wahaclient"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

type accountStore interface {
	ListAccountsByStatus(ctx context.Context, statuses ...messaging.AccountStatus) ([]messaging.Account, error)
}

type statusApplier interface {
	ApplySessionStatus(ctx context.Context, account *messaging.Account, sessionStatus, phoneUID string) (bool, error)
}

// SessionReader reports the live state of one gateway session.
type SessionReader interface {
	GetSession(ctx context.Context) (*wahaclient.Session, error)
}

// ReaderFactory returns the session reader for an account.
type ReaderFactory func(account *messaging.Account) (SessionReader, error)

// Monitor polls gateway sessions for accounts that think they are online, or
// are coming online, and corrects account status when a webhook was missed.
type Monitor struct {
	accounts accountStore
	readers  ReaderFactory
	status   statusApplier
	logger   *logging.Logger
	interval time.Duration
	timeout  time.Duration
}

func NewMonitor(accounts accountStore, readers ReaderFactory, status statusApplier, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Monitor{
		accounts: accounts,
		readers:  readers,
		status:   status,
		logger:   logger,
		interval: time.Minute,
		timeout:  10 * time.Second,
	}
}

func (m *Monitor) WithInterval(d time.Duration) *Monitor {
	if d > 0 {
		m.interval = d
	}
	return m
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll checks every connected or connecting account once and returns how many
// accounts changed.
func (m *Monitor) Poll(ctx context.Context) int {
	if m.accounts == nil || m.readers == nil || m.status == nil {
		return 0
	}
	accounts, err := m.accounts.ListAccountsByStatus(ctx, messaging.AccountConnected, messaging.AccountConnecting)
	if err != nil {
		m.logger.Error("session poll fetch failed", "error", err)
		return 0
	}
	changed := 0
	for i := range accounts {
		if ctx.Err() != nil {
			return changed
		}
		account := &accounts[i]
		ok, err := m.check(ctx, account)
		if err != nil {
			m.logger.Warn("session poll failed", "error", err, "session", account.Session)
			continue
		}
		if ok {
			changed++
		}
	}
	return changed
}

func (m *Monitor) check(ctx context.Context, account *messaging.Account) (bool, error) {
	reader, err := m.readers(account)
	if err != nil {
		return false, err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	session, err := reader.GetSession(callCtx)
	if err != nil {
		if !errors.Is(err, wahaclient.ErrNotFound) {
			return false, err
		}
		// The gateway forgot the session entirely.
		session = &wahaclient.Session{Status: "STOPPED"}
	}
	phoneUID := ""
	if session.Me != nil {
		phoneUID = session.Me.ID.String()
	}
	return m.status.ApplySessionStatus(ctx, account, session.Status, phoneUID)
}
