package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/thriftbank/thriftbank/internal/customers"
	"github.com/thriftbank/thriftbank/internal/shared"
)

var pinPattern = regexp.MustCompile(`^\d{4}$`)

// PINStore reads and writes the stored PIN hash of a customer.
type PINStore interface {
	Get(ctx context.Context, id int64) (customers.Customer, error)
	SetPINHash(ctx context.Context, id int64, hash string) error
}

// PINService manages transaction PINs. Only bcrypt hashes are persisted.
type PINService struct {
	store  PINStore
	audit  shared.AuditPort
	logger *slog.Logger
	cost   int
	now    func() time.Time
}

// NewPINService constructs the service.
func NewPINService(store PINStore, audit shared.AuditPort, logger *slog.Logger) *PINService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PINService{store: store, audit: audit, logger: logger, cost: bcrypt.DefaultCost, now: time.Now}
}

// WithHashCost lowers the bcrypt cost in tests.
func (s *PINService) WithHashCost(cost int) {
	if cost >= bcrypt.MinCost {
		s.cost = cost
	}
}

// Set installs next as the customer's PIN. When a PIN already exists current
// must match it.
func (s *PINService) Set(ctx context.Context, customerID int64, current, next string) error {
	if !pinPattern.MatchString(next) {
		return ErrPINFormat
	}
	c, err := s.store.Get(ctx, customerID)
	if err != nil {
		return err
	}
	if c.HasPIN() {
		if current == "" {
			return ErrPINRequired
		}
		if err := Check(c, current); err != nil {
			return err
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.cost)
	if err != nil {
		return fmt.Errorf("challenge: hash pin: %w", err)
	}
	if err := s.store.SetPINHash(ctx, customerID, string(hash)); err != nil {
		return err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Action:   shared.AuditPINChanged,
			Entity:   "customer",
			EntityID: strconv.FormatInt(customerID, 10),
			Meta:     map[string]any{"first_time": !c.HasPIN()},
			At:       s.now(),
		})
	}
	s.logger.Info("transaction pin updated", slog.Int64("customer_id", customerID))
	return nil
}

// Verify checks pin against the stored hash of customerID.
func (s *PINService) Verify(ctx context.Context, customerID int64, pin string) error {
	c, err := s.store.Get(ctx, customerID)
	if err != nil {
		return err
	}
	return Check(c, pin)
}

// Check compares pin with the hash already loaded on c.
func Check(c customers.Customer, pin string) error {
	if !c.HasPIN() {
		return ErrPINNotSet
	}
	err := bcrypt.CompareHashAndPassword([]byte(c.PINHash), []byte(pin))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrInvalidPIN
	}
	if err != nil {
		return fmt.Errorf("challenge: compare pin: %w", err)
	}
	return nil
}
