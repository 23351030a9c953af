package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingToken = errors.New("auth: missing bearer token")

// User is an API login bound to one branch.
type User struct {
	ID           int64
	BranchID     int64
	CompanyID    int64
	Email        string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Claims is the bearer token payload. The subject is the user id.
type Claims struct {
	BranchID  int64 `json:"branch_id"`
	CompanyID int64 `json:"company_id"`
	jwt.RegisteredClaims
}
