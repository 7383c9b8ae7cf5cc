package oauth

import (
	"context"
	"log/slog"
	"time"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Flow events
	AuditEventClientRegistered     AuditEventType = "client_registered"
	AuditEventAuthorizationStarted AuditEventType = "authorization_started"
	AuditEventCallbackCompleted    AuditEventType = "callback_completed"
	AuditEventCallbackFailed       AuditEventType = "callback_failed"
	AuditEventTokenIssued          AuditEventType = "token_issued"

	// Security events
	AuditEventCodeReplay      AuditEventType = "code_replay"
	AuditEventInvalidPKCE     AuditEventType = "invalid_pkce"
	AuditEventInvalidRedirect AuditEventType = "invalid_redirect"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	Timestamp time.Time
	EventType AuditEventType
	ClientID  string

	// IPAddress is the source IP address (for security monitoring)
	IPAddress string

	Success bool

	// ErrorMessage contains error details if Success is false
	ErrorMessage string

	// Metadata contains additional context-specific data
	Metadata map[string]string
}

// AuditLogger writes proxy audit events. Codes, states and secrets are
// never passed to it.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{logger: logger.With("component", "oauth_audit")}
}

// LogEvent logs an audit event with structured logging
func (a *AuditLogger) LogEvent(event AuditEvent) {
	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	switch event.EventType {
	case AuditEventCodeReplay, AuditEventInvalidPKCE, AuditEventInvalidRedirect:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("event_type", string(event.EventType)),
		slog.Time("timestamp", event.Timestamp),
		slog.Bool("success", event.Success),
	}
	if event.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", event.ClientID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.ErrorMessage != "" {
		attrs = append(attrs, slog.String("error", event.ErrorMessage))
	}
	for key, value := range event.Metadata {
		attrs = append(attrs, slog.String("meta_"+key, value))
	}

	a.logger.LogAttrs(context.Background(), level, "audit_event", attrs...)
}

// LogClientRegistered logs when a new client is registered
func (a *AuditLogger) LogClientRegistered(clientID, ipAddress, authMethod string) {
	a.LogEvent(AuditEvent{
		Timestamp: time.Now(),
		EventType: AuditEventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Success:   true,
		Metadata:  map[string]string{"auth_method": authMethod},
	})
}

func (a *AuditLogger) LogAuthorizationStarted(clientID, ipAddress, scope string) {
	a.LogEvent(AuditEvent{
		Timestamp: time.Now(),
		EventType: AuditEventAuthorizationStarted,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Success:   true,
		Metadata:  map[string]string{"scope": scope},
	})
}

func (a *AuditLogger) LogCallbackCompleted(clientID, ipAddress string) {
	a.LogEvent(AuditEvent{
		Timestamp: time.Now(),
		EventType: AuditEventCallbackCompleted,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Success:   true,
	})
}

func (a *AuditLogger) LogCallbackFailed(clientID, ipAddress, reason string) {
	a.LogEvent(AuditEvent{
		Timestamp:    time.Now(),
		EventType:    AuditEventCallbackFailed,
		ClientID:     clientID,
		IPAddress:    ipAddress,
		ErrorMessage: reason,
	})
}

// LogTokenIssued logs when upstream tokens are handed to a client
func (a *AuditLogger) LogTokenIssued(clientID, ipAddress, scope string) {
	a.LogEvent(AuditEvent{
		Timestamp: time.Now(),
		EventType: AuditEventTokenIssued,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Success:   true,
		Metadata:  map[string]string{"scope": scope},
	})
}

// LogCodeReplay logs redemption of an unknown or already used code.
func (a *AuditLogger) LogCodeReplay(clientID, ipAddress string) {
	a.LogEvent(AuditEvent{
		Timestamp:    time.Now(),
		EventType:    AuditEventCodeReplay,
		ClientID:     clientID,
		IPAddress:    ipAddress,
		ErrorMessage: "authorization code unknown or already redeemed",
	})
}

// LogInvalidPKCE logs when PKCE validation fails
func (a *AuditLogger) LogInvalidPKCE(clientID, ipAddress string) {
	a.LogEvent(AuditEvent{
		Timestamp:    time.Now(),
		EventType:    AuditEventInvalidPKCE,
		ClientID:     clientID,
		IPAddress:    ipAddress,
		ErrorMessage: "code_verifier does not match the code challenge",
	})
}

func (a *AuditLogger) LogInvalidRedirect(clientID, ipAddress, redirectURI string) {
	a.LogEvent(AuditEvent{
		Timestamp:    time.Now(),
		EventType:    AuditEventInvalidRedirect,
		ClientID:     clientID,
		IPAddress:    ipAddress,
		ErrorMessage: "redirect_uri not registered",
		Metadata:     map[string]string{"redirect_uri": redirectURI},
	})
}
