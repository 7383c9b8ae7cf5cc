package oauth

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func decodeAuditLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log output: %v", err)
	}
	return entry
}

func TestAuditLogger_Events(t *testing.T) {
	tests := []struct {
		name      string
		log       func(a *AuditLogger)
		wantType  AuditEventType
		wantLevel string
		wantMeta  map[string]string
	}{
		{
			name:      "client registered",
			log:       func(a *AuditLogger) { a.LogClientRegistered("c1", "10.0.0.1", AuthMethodNone) },
			wantType:  AuditEventClientRegistered,
			wantLevel: "INFO",
			wantMeta:  map[string]string{"meta_auth_method": "none"},
		},
		{
			name:      "authorization started",
			log:       func(a *AuditLogger) { a.LogAuthorizationStarted("c1", "10.0.0.1", "read write") },
			wantType:  AuditEventAuthorizationStarted,
			wantLevel: "INFO",
			wantMeta:  map[string]string{"meta_scope": "read write"},
		},
		{
			name:      "callback failed",
			log:       func(a *AuditLogger) { a.LogCallbackFailed("c1", "10.0.0.1", "access_denied") },
			wantType:  AuditEventCallbackFailed,
			wantLevel: "WARN",
		},
		{
			name:      "token issued",
			log:       func(a *AuditLogger) { a.LogTokenIssued("c1", "10.0.0.1", "openid") },
			wantType:  AuditEventTokenIssued,
			wantLevel: "INFO",
			wantMeta:  map[string]string{"meta_scope": "openid"},
		},
		{
			name:      "code replay",
			log:       func(a *AuditLogger) { a.LogCodeReplay("c1", "10.0.0.1") },
			wantType:  AuditEventCodeReplay,
			wantLevel: "WARN",
		},
		{
			name:      "invalid pkce",
			log:       func(a *AuditLogger) { a.LogInvalidPKCE("c1", "10.0.0.1") },
			wantType:  AuditEventInvalidPKCE,
			wantLevel: "WARN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil))))

			entry := decodeAuditLine(t, &buf)
			if entry["event_type"] != string(tt.wantType) {
				t.Errorf("event_type = %v, want %v", entry["event_type"], tt.wantType)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %v", entry["level"], tt.wantLevel)
			}
			if entry["client_id"] != "c1" {
				t.Errorf("client_id = %v, want c1", entry["client_id"])
			}
			if entry["component"] != "oauth_audit" {
				t.Errorf("component = %v, want oauth_audit", entry["component"])
			}
			for k, v := range tt.wantMeta {
				if entry[k] != v {
					t.Errorf("%s = %v, want %v", k, entry[k], v)
				}
			}
		})
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "" {
		t.Errorf("hashForLogging(\"\") = %q, want empty", got)
	}
	h := hashForLogging("state-value")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h == "state-value" || h != hashForLogging("state-value") {
		t.Error("hashForLogging should be a stable digest")
	}
}
