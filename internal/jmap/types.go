// Package jmap implements the JMAP request envelope: capability checking,
// method-call decoding, dispatch, and the error vocabulary.
package jmap

import (
	"encoding/json"
	"fmt"
)

// Capability URNs accepted in a request's "using" list.
const (
	CapCore       = "urn:ietf:params:jmap:core"
	CapMail       = "urn:ietf:params:jmap:mail"
	CapSubmission = "urn:ietf:params:jmap:submission"
)

// KnownCapabilities is the full capability set this server implements.
var KnownCapabilities = map[string]bool{
	CapCore:       true,
	CapMail:       true,
	CapSubmission: true,
}

// Request is the POST /jmap body.
type Request struct {
	Using       []string     `json:"using"`
	MethodCalls []Invocation `json:"methodCalls"`
}

// Invocation is one [name, args, tag] triple. Args stay raw until the
// dispatcher hands them to a method handler, which decodes them into that
// method's typed argument struct.
type Invocation struct {
	Name string
	Args json.RawMessage
	Tag  string
}

// UnmarshalJSON decodes the three-element array form.
func (inv *Invocation) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("method call must have 3 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &inv.Name); err != nil {
		return fmt.Errorf("method name: %w", err)
	}
	inv.Args = parts[1]
	if err := json.Unmarshal(parts[2], &inv.Tag); err != nil {
		return fmt.Errorf("method call tag: %w", err)
	}
	return nil
}

// MarshalJSON encodes the three-element array form.
func (inv Invocation) MarshalJSON() ([]byte, error) {
	args := inv.Args
	if args == nil {
		args = json.RawMessage("null")
	}
	return json.Marshal([]any{inv.Name, args, inv.Tag})
}

// Response is the POST /jmap response body.
type Response struct {
	MethodResponses []ResponseInvocation `json:"methodResponses"`
	SessionState    string               `json:"sessionState,omitempty"`
}

// ResponseInvocation is one [name, result, tag] triple in a response.
type ResponseInvocation struct {
	Name   string
	Result any
	Tag    string
}

// MarshalJSON encodes the three-element array form.
func (r ResponseInvocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Name, r.Result, r.Tag})
}
