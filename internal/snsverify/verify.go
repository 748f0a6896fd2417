// Package snsverify authenticates Amazon SNS webhook deliveries: signature
// check against the signing certificate, certificate origin check, and
// topic pinning.
package snsverify

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Error types for verification failures.
var (
	ErrBadSignature       = errors.New("sns signature verification failed")
	ErrWrongTopic         = errors.New("sns message for unexpected topic")
	ErrBadCertURL         = errors.New("sns signing certificate url rejected")
	ErrUnsupportedVersion = errors.New("unsupported sns signature version")
)

// Message is the SNS delivery envelope as posted to HTTPS endpoints.
type Message struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	Token            string `json:"Token"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject"`
	Message          string `json:"Message"`
	SubscribeURL     string `json:"SubscribeURL"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	UnsubscribeURL   string `json:"UnsubscribeURL"`
}

// Message types.
const (
	TypeNotification             = "Notification"
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// CertFetcher loads the signing certificate for a SigningCertURL.
type CertFetcher interface {
	Fetch(ctx context.Context, certURL string) (*x509.Certificate, error)
}

// Verifier checks SNS message authenticity for one pinned topic.
type Verifier struct {
	certs    CertFetcher
	topicARN string
}

// NewVerifier creates a Verifier pinned to topicARN. An empty topicARN
// disables the topic check.
func NewVerifier(certs CertFetcher, topicARN string) *Verifier {
	return &Verifier{certs: certs, topicARN: topicARN}
}

// Verify authenticates the message. Callers must drop anything that fails.
func (v *Verifier) Verify(ctx context.Context, msg *Message) error {
	if v.topicARN != "" && msg.TopicArn != v.topicARN {
		return fmt.Errorf("%w: %s", ErrWrongTopic, msg.TopicArn)
	}

	var hash crypto.Hash
	switch msg.SignatureVersion {
	case "1":
		hash = crypto.SHA1
	case "2":
		hash = crypto.SHA256
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, msg.SignatureVersion)
	}

	if err := checkCertURL(msg.SigningCertURL); err != nil {
		return err
	}

	cert, err := v.certs.Fetch(ctx, msg.SigningCertURL)
	if err != nil {
		return fmt.Errorf("fetch signing certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: certificate key is not RSA", ErrBadSignature)
	}

	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	canonical := canonicalString(msg)
	h := hash.New()
	h.Write([]byte(canonical))
	if err := rsa.VerifyPKCS1v15(pub, hash, h.Sum(nil), signature); err != nil {
		return ErrBadSignature
	}
	return nil
}

// checkCertURL only accepts certificates served by AWS over HTTPS.
func checkCertURL(certURL string) error {
	u, err := url.Parse(certURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCertURL, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrBadCertURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host != "amazonaws.com" && !strings.HasSuffix(host, ".amazonaws.com") {
		return fmt.Errorf("%w: host %q", ErrBadCertURL, u.Hostname())
	}
	return nil
}

// canonicalString rebuilds the exact byte string SNS signed: the
// type-specific key set, each key and value on its own line, keys in
// alphabetical order, absent optional keys skipped.
func canonicalString(msg *Message) string {
	var b strings.Builder

	add := func(key, value string) {
		b.WriteString(key)
		b.WriteByte('\n')
		b.WriteString(value)
		b.WriteByte('\n')
	}

	switch msg.Type {
	case TypeSubscriptionConfirmation, TypeUnsubscribeConfirmation:
		add("Message", msg.Message)
		add("MessageId", msg.MessageID)
		add("SubscribeURL", msg.SubscribeURL)
		add("Timestamp", msg.Timestamp)
		add("Token", msg.Token)
		add("TopicArn", msg.TopicArn)
		add("Type", msg.Type)
	default:
		add("Message", msg.Message)
		add("MessageId", msg.MessageID)
		if msg.Subject != "" {
			add("Subject", msg.Subject)
		}
		add("Timestamp", msg.Timestamp)
		add("TopicArn", msg.TopicArn)
		add("Type", msg.Type)
	}
	return b.String()
}
