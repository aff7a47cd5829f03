package authcore

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Gate resolves the caller of a request to an AuthenticatedIdentity, first
// from the cookie session, then from a bearer access token. Session lookups
// only work behind SessionManager.LoadAndSave.
type Gate struct {
	Sessions *SessionManager
	Tokens   *TokenIssuer

	// GetRedirURL, when set and non-empty for a request, makes EnsureIdentity
	// redirect anonymous callers there instead of answering 401.
	GetRedirURL      func(r *http.Request) string
	CallbackURLParam string
}

// Resolve returns the identity of the caller.
func (g *Gate) Resolve(r *http.Request) (AuthenticatedIdentity, error) {
	if g.Sessions != nil {
		if userID := g.Sessions.UserID(r.Context()); userID != "" {
			return AuthenticatedIdentity{
				UserID:    userID,
				Transport: TransportSession,
				Method:    g.Sessions.Method(r.Context()),
			}, nil
		}
	}
	if g.Tokens != nil {
		if token := BearerToken(r.Header.Get("Authorization")); token != "" {
			claims, err := g.Tokens.VerifyAccess(token)
			if err != nil {
				return AuthenticatedIdentity{}, err
			}
			return AuthenticatedIdentity{UserID: claims.Subject, Transport: TransportBearer}, nil
		}
	}
	return AuthenticatedIdentity{}, ErrUnauthenticated
}

// ExtractIdentity attaches the caller's identity to the request context when
// there is one. Anonymous requests pass through untouched.
func (g *Gate) ExtractIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, err := g.Resolve(r); err == nil {
			r = r.WithContext(WithIdentity(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// EnsureIdentity rejects anonymous requests.
func (g *Gate) EnsureIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := g.Resolve(r)
		if err != nil {
			if redir := g.redirectURL(r); redir != "" {
				http.Redirect(w, r, redir, http.StatusFound)
				return
			}
			if !errors.Is(err, ErrTokenInvalid) {
				err = ErrUnauthenticated
			}
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (g *Gate) redirectURL(r *http.Request) string {
	if g.GetRedirURL == nil {
		return ""
	}
	redir := g.GetRedirURL(r)
	if redir == "" {
		return ""
	}
	param := g.CallbackURLParam
	if param == "" {
		param = "callbackURL"
	}
	encoded := strings.ReplaceAll(url.QueryEscape(r.URL.Path), "+", "%20")
	return fmt.Sprintf("%s?%s=%s", redir, param, encoded)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
