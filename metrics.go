package authcore

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts authentication outcomes. A nil *Metrics records nothing.
type Metrics struct {
	logins        *prometheus.CounterVec
	tokensIssued  *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	magicLinks    *prometheus.CounterVec
	sweptTokens   prometheus.Counter
	registrations prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_login_attempts_total",
			Help: "Login attempts by credential kind and outcome.",
		}, []string{"method", "outcome"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_tokens_issued_total",
			Help: "Tokens minted by type.",
		}, []string{"type"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_refresh_total",
			Help: "Refresh attempts by outcome.",
		}, []string{"outcome"}),
		magicLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_magic_links_total",
			Help: "Magic link requests and verifications by outcome.",
		}, []string{"stage", "outcome"}),
		sweptTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_refresh_tokens_swept_total",
			Help: "Expired refresh tokens removed by sweeps.",
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_registrations_total",
			Help: "Successful password registrations.",
		}),
	}
	reg.MustRegister(m.logins, m.tokensIssued, m.refreshes, m.magicLinks, m.sweptTokens, m.registrations)
	return m
}

// outcome labels err with its sentinel's short name.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credentials"
	case errors.Is(err, ErrTOTPRequired):
		return "totp_required"
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, ErrTokenRevoked):
		return "token_revoked"
	case errors.Is(err, ErrInvalidLink):
		return "invalid_link"
	case errors.Is(err, ErrExpiredLink):
		return "expired_link"
	case errors.Is(err, ErrUserExists):
		return "user_exists"
	}
	return "error"
}

func (m *Metrics) loginAttempt(method CredentialKind, err error) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(string(method), outcome(err)).Inc()
}

func (m *Metrics) tokenIssued(typ TokenType) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) refreshAttempt(err error) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) magicLink(stage string, err error) {
	if m == nil {
		return
	}
	m.magicLinks.WithLabelValues(stage, outcome(err)).Inc()
}

func (m *Metrics) swept(n int) {
	if m == nil {
		return
	}
	m.sweptTokens.Add(float64(n))
}

func (m *Metrics) registered() {
	if m == nil {
		return
	}
	m.registrations.Inc()
}

// MetricsHandler serves g in the Prometheus exposition format.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
