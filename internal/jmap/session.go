package jmap

import (
	"context"
	"strconv"

	"github.com/harbormail/jmap-backend/internal/state"
)

// Session is the GET /.well-known/jmap document.
type Session struct {
	Capabilities    map[string]any     `json:"capabilities"`
	Accounts        map[string]Account `json:"accounts"`
	PrimaryAccounts map[string]string  `json:"primaryAccounts"`
	Username        string             `json:"username"`
	APIURL          string             `json:"apiUrl"`
	DownloadURL     string             `json:"downloadUrl"`
	UploadURL       string             `json:"uploadUrl"`
	State           string             `json:"state"`
}

// Account is one entry in the session's accounts map.
type Account struct {
	Name                string         `json:"name"`
	IsPersonal          bool           `json:"isPersonal"`
	IsReadOnly          bool           `json:"isReadOnly"`
	AccountCapabilities map[string]any `json:"accountCapabilities"`
}

// CoreLimits are the advertised urn:ietf:params:jmap:core limits.
type CoreLimits struct {
	MaxSizeUpload         int `json:"maxSizeUpload"`
	MaxConcurrentUpload   int `json:"maxConcurrentUpload"`
	MaxSizeRequest        int `json:"maxSizeRequest"`
	MaxConcurrentRequests int `json:"maxConcurrentRequests"`
	MaxCallsInRequest     int `json:"maxCallsInRequest"`
	MaxObjectsInGet       int `json:"maxObjectsInGet"`
	MaxObjectsInSet       int `json:"maxObjectsInSet"`
}

// StateReader provides the per-type counters used to derive the combined
// session state.
type StateReader interface {
	GetCurrentState(ctx context.Context, accountID string, objectType state.ObjectType) (int64, error)
}

// SessionBuilder assembles session documents.
type SessionBuilder struct {
	states               StateReader
	limits               CoreLimits
	maxMailboxesPerEmail int
	apiURL               string
	downloadURL          string
	uploadURL            string
}

// NewSessionBuilder creates a SessionBuilder.
func NewSessionBuilder(states StateReader, limits CoreLimits, maxMailboxesPerEmail int, apiURL, downloadURL, uploadURL string) *SessionBuilder {
	return &SessionBuilder{
		states:               states,
		limits:               limits,
		maxMailboxesPerEmail: maxMailboxesPerEmail,
		apiURL:               apiURL,
		downloadURL:          downloadURL,
		uploadURL:            uploadURL,
	}
}

// CombinedState is the session state string: the maximum counter across all
// tracked object types, so any mutation anywhere changes it.
func (b *SessionBuilder) CombinedState(ctx context.Context, accountID string) (string, error) {
	var max int64
	for _, objectType := range state.TrackedTypes {
		n, err := b.states.GetCurrentState(ctx, accountID, objectType)
		if err != nil {
			return "", err
		}
		if n > max {
			max = n
		}
	}
	return strconv.FormatInt(max, 10), nil
}

// Build assembles the session document for one account.
func (b *SessionBuilder) Build(ctx context.Context, accountID string) (*Session, error) {
	combined, err := b.CombinedState(ctx, accountID)
	if err != nil {
		return nil, err
	}

	mailCaps := map[string]any{
		"maxMailboxesPerEmail":       b.maxMailboxesPerEmail,
		"maxSizeAttachmentsPerEmail": b.limits.MaxSizeUpload,
		"mayCreateTopLevelMailbox":   true,
	}
	submissionCaps := map[string]any{
		"maxDelayedSend":       0,
		"submissionExtensions": map[string]any{},
	}

	return &Session{
		Capabilities: map[string]any{
			CapCore:       b.limits,
			CapMail:       mailCaps,
			CapSubmission: submissionCaps,
		},
		Accounts: map[string]Account{
			accountID: {
				Name:       accountID,
				IsPersonal: true,
				AccountCapabilities: map[string]any{
					CapMail:       mailCaps,
					CapSubmission: submissionCaps,
				},
			},
		},
		PrimaryAccounts: map[string]string{
			CapMail:       accountID,
			CapSubmission: accountID,
		},
		Username:    accountID,
		APIURL:      b.apiURL,
		DownloadURL: b.downloadURL,
		UploadURL:   b.uploadURL,
		State:       combined,
	}, nil
}
