package authcore

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// Router mounts every route under a gorilla/mux router, wrapped in the
// session loader and request logger.
func (h *Handlers) Router(logger *slog.Logger) http.Handler {
	r := mux.NewRouter()
	h.Mount(r.PathPrefix("/auth").Subrouter())

	r.HandleFunc("/healthz", h.HandleHealthz).Methods(http.MethodGet)
	if h.gatherer != nil {
		r.Handle("/metrics", MetricsHandler(h.gatherer)).Methods(http.MethodGet)
	}
	return RequestLogger(logger)(h.svc.Sessions.LoadAndSave(r))
}

// Mount registers the /auth routes on r, which is expected to be rooted at
// /auth. Callers embedding the routes must wrap r in SessionManager.LoadAndSave.
func (h *Handlers) Mount(r *mux.Router) {
	post := func(path string, fn http.HandlerFunc) {
		r.HandleFunc(path, fn).Methods(http.MethodPost)
	}
	authed := func(path string, fn http.HandlerFunc, methods ...string) {
		r.Handle(path, h.gate.EnsureIdentity(fn)).Methods(methods...)
	}

	post("/register", h.HandleRegister)
	post("/session-login", h.HandleSessionLogin)
	post("/token-login", h.HandleTokenLogin)
	post("/refresh", h.HandleRefresh)
	post("/logout", h.HandleLogout)
	authed("/logout-all", h.HandleLogoutAll, http.MethodPost)

	for p := range h.providers {
		r.HandleFunc("/"+string(p), h.HandleOAuthStart(p)).Methods(http.MethodGet)
		r.HandleFunc("/"+string(p)+"/callback", h.HandleOAuthCallback(p)).Methods(http.MethodGet)
	}

	post("/magic/request", h.HandleMagicRequest)
	r.HandleFunc("/magic/verify", h.HandleMagicVerify).Methods(http.MethodGet)

	post("/totp/challenge", h.HandleTOTPChallenge)
	authed("/totp/setup", h.HandleTOTPSetup, http.MethodPost)
	authed("/totp/enable", h.HandleTOTPEnable, http.MethodPost)
	authed("/totp/verify", h.HandleTOTPVerify, http.MethodPost)
	authed("/totp/disable", h.HandleTOTPDisable, http.MethodPost)
	authed("/me", h.HandleMe, http.MethodGet)
}
