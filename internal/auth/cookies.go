package auth

import (
	"net/http"
	"strings"
	"time"
)

// AccessTokenCookie is the cookie consuming backends read first.
const AccessTokenCookie = "access_token"

// CookieConfig holds cookie configuration settings
type CookieConfig struct {
	Domain string // empty = current host only
	Secure bool
}

// SetAccessTokenCookie sets the access token in an HttpOnly, SameSite=Lax
// cookie on path /.
func SetAccessTokenCookie(w http.ResponseWriter, token string, maxAge time.Duration, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    token,
		Path:     "/",
		Domain:   config.Domain,
		Expires:  time.Now().Add(maxAge),
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearAccessTokenCookie expires the access token cookie.
func ClearAccessTokenCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    "",
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ExtractToken returns the bearer token of r. The cookie wins when both the
// cookie and an Authorization header are present.
func ExtractToken(r *http.Request) (string, bool) {
	if c, err := r.Cookie(AccessTokenCookie); err == nil && c.Value != "" {
		return c.Value, true
	}

	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
