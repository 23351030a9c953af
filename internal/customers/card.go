package customers

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/shared"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

// CardGL is the ledger gl_no every virtual card account lives under.
const CardGL = "20501"

// CardPrefix is the issuer prefix of generated card numbers.
const CardPrefix = "539999"

// CardStatus is the virtual card lifecycle.
type CardStatus string

const (
	CardPending  CardStatus = "pending"
	CardActive   CardStatus = "active"
	CardInactive CardStatus = "inactive"
)

var (
	ErrCardNotFound          = errors.New("customers: card not found")
	ErrCardNumberTaken       = errors.New("customers: card number already issued")
	ErrCardInvalidStatus     = errors.New("customers: invalid card status transition")
	// ErrCardAccountsExhausted means every account number under CardGL is taken.
	ErrCardAccountsExhausted = errors.New("customers: card account numbers exhausted")
)

// maxCardAccountNo is the largest account number that fits the AC width.
const maxCardAccountNo = 99999

// VirtualCard is a card bound to its own ledger account under CardGL.
type VirtualCard struct {
	ID          int64
	BranchID    int64
	CustomerID  int64
	Account     ledger.AccountID
	Number      string
	CVVHash     string
	ExpiryMonth int
	ExpiryYear  int
	Status      CardStatus
	CreatedAt   time.Time
}

// IssuedCard carries the plaintext CVV, returned exactly once.
type IssuedCard struct {
	VirtualCard
	CVV string
}

// CardRepository persists virtual cards.
type CardRepository interface {
	NextAccountNo(ctx context.Context) (int64, error)
	Create(ctx context.Context, card VirtualCard) (VirtualCard, error)
	Get(ctx context.Context, id int64) (VirtualCard, error)
	SetStatus(ctx context.Context, id int64, from, to CardStatus) error
}

// CardService issues and activates virtual cards.
type CardService struct {
	cards     CardRepository
	customers Repository
	audit     shared.AuditPort
	now       func() time.Time
	cost      int
}

// NewCardService constructs the service.
func NewCardService(cards CardRepository, customers Repository, audit shared.AuditPort) *CardService {
	return &CardService{cards: cards, customers: customers, audit: audit, now: time.Now, cost: bcrypt.DefaultCost}
}

// WithNow overrides the clock for testing.
func (s *CardService) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithHashCost lowers the bcrypt cost in tests.
func (s *CardService) WithHashCost(cost int) {
	s.cost = cost
}

// Issue creates a pending card for the customer.
func (s *CardService) Issue(ctx context.Context, customerID int64) (IssuedCard, error) {
	cust, err := s.customers.Get(ctx, customerID)
	if err != nil {
		return IssuedCard{}, err
	}
	seq, err := s.cards.NextAccountNo(ctx)
	if err != nil {
		return IssuedCard{}, err
	}
	if seq > maxCardAccountNo {
		return IssuedCard{}, ErrCardAccountsExhausted
	}
	ac, err := ledger.Normalize(fmt.Sprintf("%d", seq))
	if err != nil {
		return IssuedCard{}, err
	}
	cvv, err := randomDigits(3)
	if err != nil {
		return IssuedCard{}, err
	}
	cvvHash, err := bcrypt.GenerateFromPassword([]byte(cvv), s.cost)
	if err != nil {
		return IssuedCard{}, err
	}
	expiry := s.now().UTC().AddDate(3, 0, 0)

	var card VirtualCard
	for attempt := 0; attempt < 3; attempt++ {
		number, err := NewCardNumber()
		if err != nil {
			return IssuedCard{}, err
		}
		card, err = s.cards.Create(ctx, VirtualCard{
			BranchID:    cust.BranchID,
			CustomerID:  cust.ID,
			Account:     ledger.AccountID{GL: CardGL, AC: ac},
			Number:      number,
			CVVHash:     string(cvvHash),
			ExpiryMonth: int(expiry.Month()),
			ExpiryYear:  expiry.Year(),
			Status:      CardPending,
			CreatedAt:   s.now().UTC(),
		})
		if errors.Is(err, ErrCardNumberTaken) {
			continue
		}
		if err != nil {
			return IssuedCard{}, err
		}
		break
	}
	if card.ID == 0 {
		return IssuedCard{}, ErrCardNumberTaken
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Action:   shared.AuditCardIssued,
			Entity:   "virtual_card",
			EntityID: fmt.Sprintf("%d", card.ID),
			Meta:     map[string]any{"customer_id": cust.ID, "account": card.Account.String(), "last4": card.Number[len(card.Number)-4:]},
			At:       s.now(),
		})
	}
	return IssuedCard{VirtualCard: card, CVV: cvv}, nil
}

// Activate moves a pending card to active.
func (s *CardService) Activate(ctx context.Context, cardID int64) error {
	return s.cards.SetStatus(ctx, cardID, CardPending, CardActive)
}

// Deactivate moves an active card to inactive.
func (s *CardService) Deactivate(ctx context.Context, cardID int64) error {
	return s.cards.SetStatus(ctx, cardID, CardActive, CardInactive)
}

// NewCardNumber returns a random 16-digit Luhn-valid number with CardPrefix.
func NewCardNumber() (string, error) {
	body, err := randomDigits(16 - len(CardPrefix) - 1)
	if err != nil {
		return "", err
	}
	partial := CardPrefix + body
	return partial + string(rune('0'+luhnCheckDigit(partial))), nil
}

// LuhnValid reports whether number passes the Luhn checksum.
func LuhnValid(number string) bool {
	if len(number) < 2 {
		return false
	}
	return luhnCheckDigit(number[:len(number)-1]) == int(number[len(number)-1]-'0')
}

func luhnCheckDigit(partial string) int {
	sum := 0
	double := true
	for i := len(partial) - 1; i >= 0; i-- {
		d := int(partial[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return (10 - sum%10) % 10
}

func randomDigits(n int) (string, error) {
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		out[i] = byte('0' + v.Int64())
	}
	return string(out), nil
}

// MemoryCardRepository is an in-process CardRepository.
type MemoryCardRepository struct {
	mu     sync.Mutex
	cards  map[int64]VirtualCard
	seq    int64
	nextAC int64
}

// NewMemoryCardRepository constructs an empty repository.
func NewMemoryCardRepository() *MemoryCardRepository {
	return &MemoryCardRepository{cards: make(map[int64]VirtualCard)}
}

func (r *MemoryCardRepository) NextAccountNo(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextAC++
	return r.nextAC, nil
}

func (r *MemoryCardRepository) Create(_ context.Context, card VirtualCard) (VirtualCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.cards {
		if c.Number == card.Number {
			return VirtualCard{}, ErrCardNumberTaken
		}
	}
	r.seq++
	card.ID = r.seq
	r.cards[card.ID] = card
	return card, nil
}

func (r *MemoryCardRepository) Get(ctx context.Context, id int64) (VirtualCard, error) {
	branch, filtered, err := tenant.ReadFilter(ctx)
	if err != nil {
		return VirtualCard{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cards[id]
	if !ok || (filtered && c.BranchID != branch) {
		return VirtualCard{}, ErrCardNotFound
	}
	return c, nil
}

func (r *MemoryCardRepository) SetStatus(ctx context.Context, id int64, from, to CardStatus) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.cards[id]
	if c.Status != from {
		return ErrCardInvalidStatus
	}
	c.Status = to
	r.cards[id] = c
	return nil
}
