package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: never record credential values (access, ID or refresh
// tokens, authorization codes, PKCE verifiers) in spans or metrics. Only
// metadata such as scopes, expiry and result kinds.
const (
	// Credential attributes
	AttrAccountID   = "tokensync.account_id"
	AttrScopes      = "tokensync.scopes"
	AttrCacheResult = "tokensync.cache.result"
	AttrRotated     = "tokensync.refresh.rotated"
	AttrShared      = "tokensync.refresh.shared"
	AttrTrigger     = "tokensync.refresh.trigger"
	AttrErrorKind   = "tokensync.error.kind"
	AttrErrorCode   = "tokensync.error.code"

	// Flow attributes
	AttrFlow = "tokensync.flow"

	// Session attributes
	AttrSessionID   = "tokensync.session.id"
	AttrMessageType = "tokensync.message.type"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageBackend   = "storage.backend"

	// Provider attributes
	AttrProviderName      = "provider.name"
	AttrProviderOperation = "provider.operation"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddCredentialAttributes adds the account and scope set to a span (nil-safe)
func AddCredentialAttributes(span trace.Span, accountID string, scopes []string) {
	if accountID != "" {
		SetSpanAttributes(span, attribute.String(AttrAccountID, accountID))
	}
	if len(scopes) > 0 {
		SetSpanAttributes(span, attribute.StringSlice(AttrScopes, scopes))
	}
}

// AddStorageAttributes adds storage attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, backend string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageBackend, backend),
	)
}

// AddProviderAttributes adds provider attributes to a span (nil-safe)
func AddProviderAttributes(span trace.Span, providerName, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrProviderName, providerName),
		attribute.String(AttrProviderOperation, operation),
	)
}
