package auth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/thriftbank/thriftbank/internal/shared"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

const issuer = "thriftbank"

// Service authenticates users and signs HS256 bearer tokens.
type Service struct {
	repo   Repository
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService constructs a new Service.
func NewService(repo Repository, secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{repo: repo, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Issue signs a token carrying the user's tenant scope.
func (s *Service) Issue(u User) (string, time.Time, error) {
	if len(s.secret) == 0 {
		return "", time.Time{}, errors.New("auth: signing secret not configured")
	}
	now := s.now()
	expires := now.Add(s.ttl)
	claims := Claims{
		BranchID:  u.BranchID,
		CompanyID: u.CompanyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Parse verifies token and returns the scope it grants.
func (s *Service) Parse(token string) (tenant.Scope, error) {
	if len(s.secret) == 0 {
		return tenant.Scope{}, shared.ErrInvalidCredentials
	}
	var claims Claims
	tok, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !tok.Valid {
		return tenant.Scope{}, shared.ErrInvalidCredentials
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 || claims.BranchID <= 0 {
		return tenant.Scope{}, shared.ErrInvalidCredentials
	}
	return tenant.Scope{BranchID: claims.BranchID, CompanyID: claims.CompanyID, UserID: userID}, nil
}
