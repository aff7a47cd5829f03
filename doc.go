// Package authcore is an identity backend: password logins over cookie
// sessions or JWTs, Google and GitHub sign-in, TOTP second factor and
// passwordless magic links, all resolving to one canonical User.
//
// # Architecture
//
// CredentialStore: persists users. Backends live under stores/ (files, SQL
// via GORM, Cloud Datastore). Every backend enforces unique emails and
// provider ids and rejects stale writes through the User.Version counter.
//
// Authenticator: a closed table from CredentialKind (password, google,
// github, magic_link) to the verifier for that kind.
//
// TokenIssuer and RefreshRegistry: HS256 access tokens are stateless;
// refresh tokens are only honoured while their digest sits in the owner's
// list, so logout revokes them.
//
// Gate: resolves a request to an AuthenticatedIdentity from the session
// cookie or a bearer token. The grpc subpackage does the same for RPCs.
//
// # Basic Usage
//
//	store, _ := fs.NewCredentialStore("/var/lib/authcore")
//	svc, err := authcore.NewService(store, &authcore.ConsoleMailer{}, authcore.ServiceConfig{
//	    Tokens: authcore.TokenConfig{AccessSecret: accessSecret, RefreshSecret: refreshSecret},
//	    MagicLink: authcore.MagicLinkConfig{BaseURL: "https://example.com"},
//	})
//	handlers := authcore.NewHandlers(svc, authcore.HandlerConfig{
//	    Providers: []authcore.OAuthProvider{oauth2.NewGoogle(googleCfg)},
//	})
//	http.ListenAndServe(":4000", handlers.Router(logger))
//
// # Routes
//
//	POST /auth/register        {email, password, name?}    -> {ok}
//	POST /auth/session-login   {email, password, code?}    -> {ok} + session cookie
//	POST /auth/token-login     {email, password, code?}    -> {access, refresh, expiresIn}
//	POST /auth/refresh         {refresh}                   -> {access, refresh?}
//	POST /auth/logout          {refresh?}                  -> {ok}
//	POST /auth/logout-all                                  (authenticated)
//	GET  /auth/{google,github}[/callback]
//	POST /auth/magic/request   {email}                     -> {ok}
//	GET  /auth/magic/verify    ?token&email[&code]         -> {ok} + session cookie
//	POST /auth/totp/setup|enable|verify|disable            (authenticated)
//	POST /auth/totp/challenge  {code}                      completes a parked session login
//	GET  /auth/me                                          (authenticated)
//	GET  /healthz, /metrics
//
// Failures answer {"error": code, "error_description": text}.
package authcore
