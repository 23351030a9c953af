package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thriftbank/thriftbank/internal/tenant"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	BranchID int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditPort records domain events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log AuditLog) error
}

// Audit actions emitted by the ledger core.
const (
	AuditTransferSettled   = "transfer.settled"
	AuditTransferReversed  = "transfer.reversed"
	AuditTransferPending   = "transfer.pending"
	AuditTransferFailed    = "transfer.failed"
	AuditPINChanged        = "pin.changed"
	AuditFeeConfigActivate = "fee_config.activate"
	AuditVirtualAccount    = "customer.virtual_account"
	AuditCardIssued        = "card.issue"
)

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry. Actor and branch default to the tenant scope in ctx.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	log, err := normalizeAudit(ctx, log)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, branch_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, log.ActorID, log.BranchID, log.Action, log.Entity, log.EntityID, metaJSON, log.At)
	return err
}

func normalizeAudit(ctx context.Context, log AuditLog) (AuditLog, error) {
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return log, errors.New("audit log requires action/entity/entity_id")
	}
	if scope, ok := tenant.From(ctx); ok {
		if log.ActorID == 0 {
			log.ActorID = scope.UserID
		}
		if log.BranchID == 0 {
			log.BranchID = scope.BranchID
		}
	}
	if log.At.IsZero() {
		log.At = time.Now().UTC()
	}
	return log, nil
}
