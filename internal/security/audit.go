package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// Audit event types.
const (
	EventLoginSucceeded             = "login_succeeded"
	EventLoginFailed                = "login_failed"
	EventClientRegistered           = "client_registered"
	EventClientRegistrationRejected = "client_registration_rejected"
	EventTokenIssued                = "token_issued"
	EventTokenRefreshed             = "token_refreshed"
	EventTokenReuseDetected         = "refresh_token_reuse_detected"
	EventConsentDenied              = "consent_denied"
	EventAuthFailure                = "auth_failure"
)

// LogEvent logs a security event with hashed user identifiers.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogLogin logs the outcome of a password login attempt.
func (a *Auditor) LogLogin(userID, ipAddress string, success bool) {
	eventType := EventLoginSucceeded
	if !success {
		eventType = EventLoginFailed
	}
	a.LogEvent(Event{
		Type:      eventType,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogClientRegistered logs a successful dynamic client registration.
func (a *Auditor) LogClientRegistered(clientID, clientName, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_name": clientName,
		},
	})
}

// LogClientRegistrationRejected logs a rejected dynamic client registration.
func (a *Auditor) LogClientRegistrationRejected(clientName, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventClientRegistrationRejected,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_name": clientName,
			"reason":      reason,
		},
	})
}

// LogTokenIssued logs an access/refresh token pair being minted.
func (a *Auditor) LogTokenIssued(userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs a refresh-token grant, including whether the
// presented token was rotated.
func (a *Auditor) LogTokenRefreshed(userID, clientID string, rotated bool) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenReuse logs an attempted exchange of an already-rotated refresh token.
func (a *Auditor) LogTokenReuse(clientID string) {
	a.LogEvent(Event{
		Type:     EventTokenReuseDetected,
		ClientID: clientID,
		Details: map[string]any{
			"severity": "critical",
		},
	})
}

// LogConsentDenied logs the user declining an authorization request.
func (a *Auditor) LogConsentDenied(userID, clientID string) {
	a.LogEvent(Event{
		Type:     EventConsentDenied,
		UserID:   userID,
		ClientID: clientID,
	})
}

// LogAuthFailure logs a protocol-level authorization failure.
func (a *Auditor) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
