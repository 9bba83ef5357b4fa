package messaging

import (
	"context"
	"strings"
	"time"

	"github.com/wolfman30/waha-bridge/internal/events"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

// AccountStatusForSession maps a gateway session status onto an account
// status. Unknown statuses report ok=false.
func AccountStatusForSession(status string) (AccountStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "STOPPED":
		return AccountDisconnected, true
	case "STARTING", "SCAN_QR_CODE":
		return AccountConnecting, true
	case "WORKING":
		return AccountConnected, true
	case "FAILED":
		return AccountError, true
	default:
		return "", false
	}
}

// AccountStatusService applies session status reports to accounts.
type AccountStatusService struct {
	repo   Repository
	logger *logging.Logger
	now    func() time.Time
}

func NewAccountStatusService(repo Repository, logger *logging.Logger) *AccountStatusService {
	if logger == nil {
		logger = logging.Default()
	}
	return &AccountStatusService{repo: repo, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// ApplySessionStatus updates the account when the mapped status or phone uid
// changed. It reports whether anything was written.
func (s *AccountStatusService) ApplySessionStatus(ctx context.Context, account *Account, sessionStatus, phoneUID string) (bool, error) {
	status, ok := AccountStatusForSession(sessionStatus)
	if !ok {
		s.logger.Warn("unknown session status ignored", "session", account.Session, "status", sessionStatus)
		return false, nil
	}
	phoneUID = strings.TrimSpace(phoneUID)
	if status == account.Status && (phoneUID == "" || phoneUID == account.PhoneUID) {
		return false, nil
	}

	previous := account.Status
	err := s.repo.WithTx(ctx, func(tx Repository) error {
		if err := tx.UpdateAccountStatus(ctx, account.ID, status, phoneUID); err != nil {
			return err
		}
		if status == previous {
			return nil
		}
		return tx.AppendEvent(ctx, events.Aggregate("account", account.ID), events.AccountStatusChangedV1{
			AccountID: account.ID.String(),
			Session:   account.Session,
			From:      string(previous),
			To:        string(status),
			ChangedAt: s.now(),
		})
	})
	if err != nil {
		return false, err
	}
	account.Status = status
	if phoneUID != "" {
		account.PhoneUID = phoneUID
	}
	s.logger.Info("account status updated", "session", account.Session, "from", previous, "to", status)
	return true, nil
}
