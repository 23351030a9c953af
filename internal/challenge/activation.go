package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thriftbank/thriftbank/internal/shared"
)

const activationTTL = 10 * time.Minute

// Binding ties a verified phone number to a customer until activation.
type Binding struct {
	CustomerID int64  `json:"customer_id"`
	Phone      string `json:"phone"`
}

// ActivationService issues single-use activation tokens.
type ActivationService struct {
	client redis.UniversalClient
}

// NewActivationService constructs the service.
func NewActivationService(client redis.UniversalClient) *ActivationService {
	return &ActivationService{client: client}
}

// Issue stores b under a new 32 character token.
func (s *ActivationService) Issue(ctx context.Context, b Binding) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("challenge: token entropy: %w", err)
	}
	token := hex.EncodeToString(raw)
	payload, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	ok, err := s.client.SetNX(ctx, shared.ActivationKey(token), payload, activationTTL).Result()
	if err != nil {
		return "", fmt.Errorf("challenge: store token: %w", err)
	}
	if !ok {
		return "", errors.New("challenge: token collision")
	}
	return token, nil
}

// Consume returns the binding for token and deletes it.
func (s *ActivationService) Consume(ctx context.Context, token string) (Binding, error) {
	if len(token) != 32 {
		return Binding{}, ErrTokenInvalid
	}
	raw, err := s.client.GetDel(ctx, shared.ActivationKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Binding{}, ErrTokenInvalid
	}
	if err != nil {
		return Binding{}, fmt.Errorf("challenge: consume token: %w", err)
	}
	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return Binding{}, fmt.Errorf("challenge: decode token: %w", err)
	}
	return b, nil
}
