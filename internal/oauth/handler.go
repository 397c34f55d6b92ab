package oauth

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"tasknest/internal/security"
)

// SessionCookieName is the login session cookie.
const SessionCookieName = "tasknest_session"

// Handler translates HTTP requests into authorization server calls. It owns
// the cookie handling and the minimal login/consent pages; all protocol
// decisions live in Server.
type Handler struct {
	server              *Server
	logger              *slog.Logger
	registrationLimiter *security.RateLimiter
}

// NewHandler creates an HTTP handler for the authorization server.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server: server,
		logger: logger,
		// Registration is the one unauthenticated write endpoint, so it
		// gets its own per-IP limiter.
		registrationLimiter: security.NewRateLimiter(1, 5, logger),
	}
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.registrationLimiter.Stop()
}

// RegisterRoutes attaches all OAuth endpoints to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", h.serveProtectedResourceMetadata)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.serveAuthorizationServerMetadata)
	mux.HandleFunc("POST /oauth/register", h.serveRegister)
	mux.HandleFunc("GET /oauth/authorize", h.serveAuthorizeGet)
	mux.HandleFunc("POST /oauth/authorize", h.serveAuthorizePost)
	mux.HandleFunc("GET /oauth/login", h.serveLoginGet)
	mux.HandleFunc("POST /oauth/login", h.serveLoginPost)
	mux.HandleFunc("POST /oauth/token", h.serveToken)
}

// ==================== Metadata endpoints ====================

func (h *Handler) serveProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.server.GetProtectedResourceMetadata())
}

func (h *Handler) serveAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.server.GetAuthorizationServerMetadata())
}

// ==================== Dynamic client registration ====================

func (h *Handler) serveRegister(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.registrationLimiter.Allow(ip) {
		h.logger.Warn("Client registration rate limited", "client_ip", ip)
		writeOAuthError(w, ErrInvalidRequest("too many registration requests"))
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, ErrInvalidRequest("request body is not valid JSON"))
		return
	}

	client, err := h.server.RegisterClient(r.Context(), &req, ip)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientName:              client.ClientName,
		ClientIDIssuedAt:        client.ClientIDIssuedAt,
		RedirectURIs:            client.RedirectURIs,
		ResponseTypes:           client.ResponseTypes,
		GrantTypes:              client.GrantTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
	})
}

// ==================== Authorization endpoint ====================

func (h *Handler) serveAuthorizeGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// A request_id resumes a pending request after login.
	if requestID := q.Get("request_id"); requestID != "" {
		pending := h.server.GetPendingAuthRequest(requestID)
		if pending == nil {
			h.renderErrorPage(w, http.StatusBadRequest, "This authorization request has expired. Please start over.")
			return
		}
		h.continueAuthorization(w, r, requestID, pending)
		return
	}

	req := &AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Resource:            q.Get("resource"),
	}

	client, oerr, redirectable := h.server.ValidateAuthorizationRequest(req)
	if oerr != nil {
		if redirectable {
			h.errorRedirect(w, r, req.RedirectURI, req.State, oerr)
		} else {
			h.renderErrorPage(w, oerr.Status, oerr.Description)
		}
		return
	}

	requestID := h.server.StorePendingAuthRequest(req, client)
	h.continueAuthorization(w, r, requestID, &PendingAuthorization{Request: req, Client: client})
}

// continueAuthorization sends the user to login or, with a valid session,
// to the consent page.
func (h *Handler) continueAuthorization(w http.ResponseWriter, r *http.Request, requestID string, pending *PendingAuthorization) {
	if h.sessionFromRequest(r) == nil {
		http.Redirect(w, r, "/oauth/login?request_id="+url.QueryEscape(requestID), http.StatusFound)
		return
	}
	h.renderConsentPage(w, requestID, pending)
}

func (h *Handler) serveAuthorizePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderErrorPage(w, http.StatusBadRequest, "Malformed form submission.")
		return
	}

	requestID := r.PostFormValue("request_id")
	pending := h.server.GetPendingAuthRequest(requestID)
	if pending == nil {
		h.renderErrorPage(w, http.StatusBadRequest, "This authorization request has expired. Please start over.")
		return
	}

	session := h.sessionFromRequest(r)
	if session == nil {
		http.Redirect(w, r, "/oauth/login?request_id="+url.QueryEscape(requestID), http.StatusFound)
		return
	}

	h.server.DeletePendingAuthRequest(requestID)
	req := pending.Request

	if r.PostFormValue("approve") != "true" {
		if h.server.Auditor != nil {
			h.server.Auditor.LogConsentDenied(session.UserID, req.ClientID)
		}
		h.errorRedirect(w, r, req.RedirectURI, req.State,
			ErrAccessDenied("the user denied the authorization request"))
		return
	}

	code := h.server.CompleteAuthorization(req, session.UserID)

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		h.renderErrorPage(w, http.StatusInternalServerError, "Invalid redirect target.")
		return
	}
	params := redirect.Query()
	params.Set("code", code)
	if req.State != "" {
		params.Set("state", req.State)
	}
	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// ==================== Login endpoint ====================

func (h *Handler) serveLoginGet(w http.ResponseWriter, r *http.Request) {
	h.renderLoginPage(w, r.URL.Query().Get("request_id"), "")
}

func (h *Handler) serveLoginPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderErrorPage(w, http.StatusBadRequest, "Malformed form submission.")
		return
	}

	requestID := r.PostFormValue("request_id")
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	session, oerr := h.server.AuthenticateUser(r.Context(), username, password)
	if oerr != nil {
		h.renderLoginPage(w, requestID, "Invalid username or password.")
		return
	}

	issuerHTTPS := strings.HasPrefix(h.server.Config.Issuer, "https://")
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   issuerHTTPS,
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})

	if requestID != "" {
		http.Redirect(w, r, "/oauth/authorize?request_id="+url.QueryEscape(requestID), http.StatusFound)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// sessionFromRequest resolves the login session cookie, honoring lazy
// expiry in the session store.
func (h *Handler) sessionFromRequest(r *http.Request) *sessionRef {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	session := h.server.Sessions().Get(cookie.Value)
	if session == nil {
		return nil
	}
	return &sessionRef{ID: session.ID, UserID: session.UserID}
}

// sessionRef is the handler's view of a login session.
type sessionRef struct {
	ID     string
	UserID string
}

// ==================== Token endpoint ====================

func (h *Handler) serveToken(w http.ResponseWriter, r *http.Request) {
	// RFC 6749 Section 5.1: token responses must not be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	clientID := r.PostFormValue("client_id")
	if clientID == "" || h.server.Clients().Get(clientID) == nil {
		writeOAuthError(w, ErrInvalidClient("unknown client"))
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		tokens, oerr := h.server.ExchangeAuthorizationCode(r.Context(),
			r.PostFormValue("code"),
			clientID,
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"),
			r.PostFormValue("resource"))
		if oerr != nil {
			writeOAuthError(w, oerr)
			return
		}
		writeJSON(w, http.StatusOK, tokens)

	case "refresh_token":
		tokens, oerr := h.server.ExchangeRefreshToken(r.Context(),
			r.PostFormValue("refresh_token"),
			clientID,
			r.PostFormValue("scope"))
		if oerr != nil {
			writeOAuthError(w, oerr)
			return
		}
		writeJSON(w, http.StatusOK, tokens)

	default:
		writeOAuthError(w, ErrUnsupportedGrantType("supported grant types: authorization_code, refresh_token"))
	}
}

// ==================== Bearer token middleware ====================

// ValidateToken guards a protected resource. Requests without a valid
// Bearer token get a 401 pointing at the protected resource metadata.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			h.unauthorized(w, "missing bearer token")
			return
		}

		info, err := h.server.ValidateAccessToken(token)
		if err != nil {
			h.unauthorized(w, "invalid or expired token")
			return
		}

		r.Header.Set("X-Authenticated-User", info.UserID)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer resource_metadata=%q`,
		h.server.Config.Issuer+"/.well-known/oauth-protected-resource"))
	writeJSON(w, http.StatusUnauthorized, &ErrorResponse{
		Error:            "invalid_token",
		ErrorDescription: description,
	})
}

// ==================== Pages ====================

var loginPageTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html><head><title>Sign in</title></head><body>
<h1>Sign in</h1>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<form method="post" action="/oauth/login">
<input type="hidden" name="request_id" value="{{.RequestID}}">
<label>Username <input type="text" name="username" autocomplete="username"></label>
<label>Password <input type="password" name="password" autocomplete="current-password"></label>
<button type="submit">Sign in</button>
</form>
</body></html>
`))

var consentPageTmpl = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html><head><title>Authorize {{.ClientName}}</title></head><body>
<h1>Authorize {{.ClientName}}</h1>
<p>{{.ClientName}} is requesting access with scope: <code>{{.Scope}}</code></p>
<form method="post" action="/oauth/authorize">
<input type="hidden" name="request_id" value="{{.RequestID}}">
<button type="submit" name="approve" value="true">Approve</button>
<button type="submit" name="approve" value="false">Deny</button>
</form>
</body></html>
`))

var errorPageTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html><head><title>Authorization error</title></head><body>
<h1>Authorization error</h1>
<p>{{.Message}}</p>
</body></html>
`))

func (h *Handler) renderLoginPage(w http.ResponseWriter, requestID, errorMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginPageTmpl.Execute(w, struct {
		RequestID string
		Error     string
	}{requestID, errorMsg})
}

func (h *Handler) renderConsentPage(w http.ResponseWriter, requestID string, pending *PendingAuthorization) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = consentPageTmpl.Execute(w, struct {
		ClientName string
		Scope      string
		RequestID  string
	}{pending.Client.ClientName, pending.Request.Scope, requestID})
}

func (h *Handler) renderErrorPage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = errorPageTmpl.Execute(w, struct{ Message string }{message})
}

// errorRedirect delivers an OAuth error to a trusted redirect URI via query
// parameters. The state parameter, when present, is echoed back.
func (h *Handler) errorRedirect(w http.ResponseWriter, r *http.Request, redirectURI, state string, oerr *OAuthError) {
	redirect, err := url.Parse(redirectURI)
	if err != nil {
		h.renderErrorPage(w, http.StatusBadRequest, oerr.Description)
		return
	}
	params := redirect.Query()
	params.Set("error", oerr.Code)
	params.Set("error_description", oerr.Description)
	if state != "" {
		params.Set("state", state)
	}
	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// ==================== Helpers ====================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOAuthError writes a typed OAuth error as a JSON response.
func writeOAuthError(w http.ResponseWriter, oerr *OAuthError) {
	writeJSON(w, oerr.Status, &ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	})
}

// clientIP extracts the remote IP for logging and rate limiting.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
