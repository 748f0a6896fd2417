// Package transport delivers raw MIME messages to their recipients.
package transport

import "context"

// Result is the provider's verdict on a send attempt.
type Result struct {
	// Accepted means the provider queued the message for delivery.
	Accepted bool
	// Permanent marks a rejection that no retry can fix.
	Permanent bool
	// Code is the SMTP reply code when the provider exposes one.
	Code int
	// EnhancedCode is the enhanced status code (e.g. "5.1.1").
	EnhancedCode string
	// Reason is the provider's human-readable explanation.
	Reason string
	// ProviderMessageID identifies the message in the provider's own
	// tracking, used to correlate delivery events later.
	ProviderMessageID string
}

// Transport sends one raw message with an explicit SMTP envelope.
type Transport interface {
	Send(ctx context.Context, mailFrom string, rcptTo []string, raw []byte) (*Result, error)
}
