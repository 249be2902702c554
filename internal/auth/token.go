package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/keystone/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token types carried in the typ claim.
const (
	TokenTypeAccess           = "access"
	TokenTypeTwoFactorPending = "2fa_pending"
	TokenTypeSSO              = "sso"
)

const (
	DefaultTokenTTL       = 8 * time.Hour
	TwoFactorChallengeTTL = 5 * time.Minute
	SSOTokenTTL           = 60 * time.Second

	// MaxTokenBytes bounds both issued and accepted tokens.
	MaxTokenBytes = 8 << 10
)

// ErrTokenTooLarge is returned by Issue when the signed token exceeds
// MaxTokenBytes.
var ErrTokenTooLarge = errors.New("token exceeds size limit")

// Claims is the contract every consuming backend reads. Role and
// Permissions are a snapshot taken at issuance.
type Claims struct {
	UserID         string   `json:"user_id"`
	Username       string   `json:"username"`
	Email          string   `json:"email"`
	FullName       string   `json:"full_name"`
	Role           string   `json:"role"`
	IsAdmin        bool     `json:"is_admin"`
	Permissions    []string `json:"permissions"`
	DepartmentID   *int64   `json:"department_id,omitempty"`
	DepartmentName string   `json:"department_name,omitempty"`
	PositionID     *int64   `json:"position_id,omitempty"`
	PositionName   string   `json:"position_name,omitempty"`
	TeamID         *int64   `json:"team_id,omitempty"`
	TeamName       string   `json:"team_name,omitempty"`
	Type           string   `json:"typ"`
	jwt.RegisteredClaims
}

// ClaimsForUser copies identity and organisation attributes from u.
func ClaimsForUser(u *models.User) Claims {
	return Claims{
		UserID:         u.ID,
		Username:       u.Username,
		Email:          u.Email,
		FullName:       u.FullName,
		Role:           u.Role,
		DepartmentID:   u.DepartmentID,
		DepartmentName: u.DepartmentName,
		PositionID:     u.PositionID,
		PositionName:   u.PositionName,
		TeamID:         u.TeamID,
		TeamName:       u.TeamName,
	}
}

// TokenManager signs and verifies HS256 tokens. Verification is stateless.
type TokenManager struct {
	secret     []byte
	defaultTTL time.Duration
	now        func() time.Time
}

// NewTokenManager creates a TokenManager. An empty secret is a
// configuration error.
func NewTokenManager(secret string, defaultTTL time.Duration) (*TokenManager, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: token signing secret is empty", models.ErrConfiguration)
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTokenTTL
	}
	return &TokenManager{
		secret:     []byte(secret),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}, nil
}

// DefaultTTL returns the lifetime used when Issue is called with ttl 0.
func (tm *TokenManager) DefaultTTL() time.Duration {
	return tm.defaultTTL
}

// Issue signs claims. A zero ttl uses the default lifetime; a negative ttl
// yields a token that is already expired. An empty Type becomes access.
func (tm *TokenManager) Issue(claims Claims, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = tm.defaultTTL
	}
	if claims.Type == "" {
		claims.Type = TokenTypeAccess
	}
	if !validTokenType(claims.Type) {
		return "", fmt.Errorf("unknown token type %q", claims.Type)
	}

	now := tm.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   claims.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	if len(signed) > MaxTokenBytes {
		return "", ErrTokenTooLarge
	}
	return signed, nil
}

// IssueTwoFactorChallenge mints the short-lived token returned when a
// password login still needs a second factor. It carries no permissions.
func (tm *TokenManager) IssueTwoFactorChallenge(userID, username string) (string, error) {
	return tm.Issue(Claims{UserID: userID, Username: username, Type: TokenTypeTwoFactorPending}, TwoFactorChallengeTTL)
}

// IssueSSO mints a handoff token another backend can exchange.
func (tm *TokenManager) IssueSSO(claims Claims) (string, error) {
	claims.Type = TokenTypeSSO
	return tm.Issue(claims, SSOTokenTTL)
}

// Verify checks signature, expiry and type. Every failure wraps
// models.ErrAuthenticationFailed.
func (tm *TokenManager) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", models.ErrAuthenticationFailed)
	}
	if len(tokenString) > MaxTokenBytes {
		return nil, fmt.Errorf("%w: %v", models.ErrAuthenticationFailed, ErrTokenTooLarge)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return tm.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(tm.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAuthenticationFailed, err)
	}
	if !token.Valid {
		return nil, models.ErrAuthenticationFailed
	}
	if !validTokenType(claims.Type) {
		return nil, fmt.Errorf("%w: invalid token type", models.ErrAuthenticationFailed)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user_id", models.ErrAuthenticationFailed)
	}
	return claims, nil
}

// VerifyType verifies the token and requires typ to equal want.
func (tm *TokenManager) VerifyType(tokenString, want string) (*Claims, error) {
	claims, err := tm.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != want {
		return nil, fmt.Errorf("%w: expected %s token", models.ErrAuthenticationFailed, want)
	}
	return claims, nil
}

func validTokenType(t string) bool {
	switch t {
	case TokenTypeAccess, TokenTypeTwoFactorPending, TokenTypeSSO:
		return true
	}
	return false
}
