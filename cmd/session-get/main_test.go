package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/harbormail/jmap-backend/internal/jmap"
)

type fakeSessions struct {
	session *jmap.Session
	err     error
	gotAcct string
}

func (f *fakeSessions) Build(ctx context.Context, accountID string) (*jmap.Session, error) {
	f.gotAcct = accountID
	return f.session, f.err
}

func TestHandleReturnsSession(t *testing.T) {
	sessions := &fakeSessions{session: &jmap.Session{Username: "acct1", State: "42"}}
	h := newHandler(sessions)

	resp, err := h.handle(context.Background(), events.APIGatewayV2HTTPRequest{
		Headers: map[string]string{"x-account-id": "acct1"},
	})
	if err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if sessions.gotAcct != "acct1" {
		t.Errorf("built session for %q, want acct1", sessions.gotAcct)
	}

	var session jmap.Session
	if err := json.Unmarshal([]byte(resp.Body), &session); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if session.State != "42" {
		t.Errorf("session state = %q, want 42", session.State)
	}
}

func TestHandleUnauthenticated(t *testing.T) {
	h := newHandler(&fakeSessions{})

	resp, err := h.handle(context.Background(), events.APIGatewayV2HTTPRequest{})
	if err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if resp.StatusCode != 401 {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandleBuildFailure(t *testing.T) {
	h := newHandler(&fakeSessions{err: errors.New("dynamo down")})

	resp, err := h.handle(context.Background(), events.APIGatewayV2HTTPRequest{
		Headers: map[string]string{"x-account-id": "acct1"},
	})
	if err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if resp.StatusCode != 500 {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}
