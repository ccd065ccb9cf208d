package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewAuditor(t *testing.T) {
	auditor := NewAuditor(nil, true)
	if auditor.logger == nil {
		t.Error("logger should default when nil")
	}
	if !auditor.enabled {
		t.Error("enabled = false, want true")
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{name: "enabled", enabled: true, wantLog: true},
		{name: "disabled", enabled: false, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), tt.enabled)

			auditor.LogEvent(Event{Type: EventSessionStarted, Principal: "user-123", SessionID: "s-1"})

			if (buf.Len() > 0) != tt.wantLog {
				t.Errorf("LogEvent() logged = %v, want %v", buf.Len() > 0, tt.wantLog)
			}
		})
	}
}

func TestAuditor_HashesPrincipal(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	auditor.LogRefreshRejected("alice@example.com", "invalid_grant")

	out := buf.String()
	if strings.Contains(out, "alice@example.com") {
		t.Error("audit log contains the raw principal")
	}
	if !strings.Contains(out, hashForLogging("alice@example.com")) {
		t.Error("audit log is missing the principal hash")
	}
	if !strings.Contains(out, EventRefreshRejected) {
		t.Error("audit log is missing the event type")
	}
}

func TestAuditor_Helpers(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	calls := []struct {
		event string
		log   func()
	}{
		{EventLegacyEntryMigrated, func() { auditor.LogLegacyEntryMigrated("credential.alice|openid") }},
		{EventPersistenceDegraded, func() { auditor.LogPersistenceDegraded("put", "quota exceeded") }},
		{EventCredentialsRefreshed, func() { auditor.LogCredentialsRefreshed("alice", true) }},
		{EventStateMismatch, func() { auditor.LogStateMismatch("redirect", "no pending request") }},
		{EventNonceMismatch, func() { auditor.LogNonceMismatch("alice") }},
		{EventSessionExpired, func() { auditor.LogSessionEvent(EventSessionExpired, "alice", "s-1", "inactivity") }},
	}

	for _, c := range calls {
		buf.Reset()
		c.log()
		if !strings.Contains(buf.String(), c.event) {
			t.Errorf("log for %s = %q", c.event, buf.String())
		}
	}

	if strings.Contains(buf.String(), "credential.alice") {
		t.Error("cache key logged in clear")
	}
}

func TestAuditor_NilSafe(t *testing.T) {
	var auditor *Auditor
	auditor.LogNonceMismatch("alice")
}

func TestHashForLogging(t *testing.T) {
	if hashForLogging("") != "<empty>" {
		t.Error("hashForLogging(\"\") should be <empty>")
	}
	h := hashForLogging("user")
	if len(h) != 16 || h != hashForLogging("user") {
		t.Errorf("hashForLogging() = %q", h)
	}
}
