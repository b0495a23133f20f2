package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/newsletter/internal/config"
)

func TestMessageBytes(t *testing.T) {
	msg := &Message{
		From:    "Example <news@example.com>",
		To:      "reader@example.org",
		Subject: "Résumé of the week",
		HTML:    "<p>line one\nline two</p>",
		Headers: map[string]string{"List-Unsubscribe": "<https://example.com/u>"},
	}

	data := string(msg.Bytes(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)))

	for _, want := range []string{
		"From: Example <news@example.com>\r\n",
		"To: reader@example.org\r\n",
		"Subject: =?utf-8?q?",
		"Date: Mon, 04 May 2026 12:00:00 +0000\r\n",
		"@example.com>\r\n",
		"List-Unsubscribe: <https://example.com/u>\r\n",
		"Content-Type: text/html; charset=utf-8\r\n",
		"\r\n\r\n<p>line one\r\nline two</p>\r\n",
	} {
		if !strings.Contains(data, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestAddress(t *testing.T) {
	tests := map[string]string{
		"Example <news@example.com>": "news@example.com",
		"news@example.com":           "news@example.com",
		" broken ":                   "broken",
	}
	for in, want := range tests {
		if got := Address(in); got != want {
			t.Errorf("Address(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSendError(t *testing.T) {
	cause := errors.New("mailbox full")
	err := temporary("a@example.com", cause)

	if !errors.Is(err, cause) {
		t.Error("SendError should unwrap to its cause")
	}
	if !IsTemporary(err) {
		t.Error("IsTemporary() = false for temporary error")
	}
	if IsTemporary(permanent("a@example.com", cause)) {
		t.Error("IsTemporary() = true for permanent error")
	}
	if !IsTemporary(errors.New("unknown")) {
		t.Error("unknown errors should be treated as temporary")
	}
	if !strings.Contains(err.Error(), "a@example.com") {
		t.Errorf("Error() = %q, want recipient", err.Error())
	}
}

func TestSendryClient(t *testing.T) {
	var got sendryRequest
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/send" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)

		switch got.To[0] {
		case "bounce@example.com":
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid recipient"})
		case "busy@example.com":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(sendryResponse{ID: "msg-1", Status: "queued"})
		}
	}))
	defer srv.Close()

	client := NewSendryClient(srv.URL+"/", "secret", "news@example.com")
	ctx := context.Background()

	if err := client.Send(ctx, "reader@example.com", "Hi", "<p>Hi</p>"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.From != "news@example.com" || got.Subject != "Hi" || got.HTML != "<p>Hi</p>" {
		t.Errorf("request = %+v", got)
	}

	err := client.Send(ctx, "bounce@example.com", "Hi", "<p>Hi</p>")
	if err == nil || IsTemporary(err) {
		t.Errorf("4xx should be a permanent failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid recipient") {
		t.Errorf("error = %v, want API message", err)
	}

	err = client.Send(ctx, "busy@example.com", "Hi", "<p>Hi</p>")
	if err == nil || !IsTemporary(err) {
		t.Errorf("5xx should be a temporary failure, got %v", err)
	}
}

func TestResendSender(t *testing.T) {
	var got map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"re_123"}`)
	}))
	defer srv.Close()

	sender := NewResendSender("re_key", "news@example.com", testLogger())
	base, _ := url.Parse(srv.URL + "/")
	sender.client.BaseURL = base

	if err := sender.Send(context.Background(), "reader@example.com", "Hi", "<p>Hi</p>"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got["from"] != "news@example.com" || got["subject"] != "Hi" {
		t.Errorf("request = %v", got)
	}
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESSender(t *testing.T) {
	fake := &fakeSES{}
	sender := newSESSender(fake, "news@example.com", testLogger())
	ctx := context.Background()

	if err := sender.Send(ctx, "reader@example.com", "Hi", "<p>Hi</p>"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if aws.ToString(fake.input.FromEmailAddress) != "news@example.com" {
		t.Errorf("FromEmailAddress = %v", aws.ToString(fake.input.FromEmailAddress))
	}
	if fake.input.Destination.ToAddresses[0] != "reader@example.com" {
		t.Errorf("ToAddresses = %v", fake.input.Destination.ToAddresses)
	}
	if aws.ToString(fake.input.Content.Simple.Body.Html.Data) != "<p>Hi</p>" {
		t.Error("HTML body not passed through")
	}

	fake.err = &types.MessageRejected{Message: aws.String("address blacklisted")}
	if err := sender.Send(ctx, "reader@example.com", "Hi", "x"); err == nil || IsTemporary(err) {
		t.Errorf("MessageRejected should be permanent, got %v", err)
	}

	fake.err = errors.New("throttled")
	if err := sender.Send(ctx, "reader@example.com", "Hi", "x"); err == nil || !IsTemporary(err) {
		t.Errorf("other SES errors should be temporary, got %v", err)
	}
}

// captureBackend is a go-smtp backend recording delivered messages
type captureBackend struct {
	mu       sync.Mutex
	messages []captured
	authed   []string
}

type captured struct {
	from string
	to   []string
	data string
}

func (b *captureBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &captureSession{backend: b}, nil
}

func (b *captureBackend) received() []captured {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]captured(nil), b.messages...)
}

func (b *captureBackend) authCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.authed)
}

type captureSession struct {
	backend *captureBackend
	from    string
	to      []string
}

func (s *captureSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *captureSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != "news" || password != "secret" {
			return errors.New("invalid credentials")
		}
		s.backend.mu.Lock()
		s.backend.authed = append(s.backend.authed, username)
		s.backend.mu.Unlock()
		return nil
	}), nil
}

func (s *captureSession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *captureSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if strings.HasPrefix(to, "unknown@") {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}
	}
	if strings.HasPrefix(to, "greylisted@") {
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 7, 1}, Message: "try again later"}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, captured{from: s.from, to: s.to, data: string(data)})
	s.backend.mu.Unlock()
	return nil
}

func (s *captureSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *captureSession) Logout() error {
	return nil
}

func startSMTPServer(t *testing.T) (*captureBackend, string) {
	t.Helper()

	backend := &captureBackend{}
	srv := smtp.NewServer(backend)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return backend, ln.Addr().String()
}

func TestSMTPSender(t *testing.T) {
	backend, addr := startSMTPServer(t)

	sender := NewSMTPSender(SMTPOptions{
		Addr:     addr,
		Username: "news",
		Password: "secret",
		HELO:     "newsletter.test",
		TLS:      "none",
		Timeout:  5 * time.Second,
	}, "Example <news@example.com>", nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sender.Send(ctx, "reader@example.org", "Weekly digest", "<p>Hello</p>"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs := backend.received()
	if len(msgs) != 1 {
		t.Fatalf("server received %d messages, want 1", len(msgs))
	}
	if msgs[0].from != "news@example.com" {
		t.Errorf("MAIL FROM = %q, want bare address", msgs[0].from)
	}
	if len(msgs[0].to) != 1 || msgs[0].to[0] != "reader@example.org" {
		t.Errorf("RCPT TO = %v", msgs[0].to)
	}
	if !strings.Contains(msgs[0].data, "Subject: Weekly digest") || !strings.Contains(msgs[0].data, "<p>Hello</p>") {
		t.Errorf("DATA = %q", msgs[0].data)
	}
	if n := backend.authCount(); n != 1 {
		t.Errorf("AUTH calls = %d, want 1", n)
	}

	err := sender.Send(ctx, "unknown@example.org", "Weekly digest", "<p>Hello</p>")
	if err == nil || IsTemporary(err) {
		t.Errorf("550 should be permanent, got %v", err)
	}

	err = sender.Send(ctx, "greylisted@example.org", "Weekly digest", "<p>Hello</p>")
	if err == nil || !IsTemporary(err) {
		t.Errorf("451 should be temporary, got %v", err)
	}
}

func TestSMTPSenderConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	sender := NewSMTPSender(SMTPOptions{Addr: addr, TLS: "none", Timeout: time.Second}, "news@example.com", nil, testLogger())
	err = sender.Send(context.Background(), "reader@example.org", "s", "b")
	if err == nil || !IsTemporary(err) {
		t.Errorf("connection failure should be temporary, got %v", err)
	}
}

func TestNewSender(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		gw      config.GatewayConfig
		want    string
		wantErr bool
	}{
		{"log", config.GatewayConfig{Driver: "log"}, "*mailer.LogSender", false},
		{"smtp", config.GatewayConfig{Driver: "smtp", SMTP: config.SMTPConfig{Addr: "relay:25"}}, "*mailer.SMTPSender", false},
		{"sendry", config.GatewayConfig{Driver: "sendry", Sendry: config.SendryConfig{BaseURL: "http://x", APIKey: "k"}}, "*mailer.SendryClient", false},
		{"resend", config.GatewayConfig{Driver: "resend", Resend: config.ResendConfig{APIKey: "k"}}, "*mailer.ResendSender", false},
		{"dkim key missing", config.GatewayConfig{Driver: "smtp", SMTP: config.SMTPConfig{
			Addr: "relay:25",
			DKIM: config.DKIMConfig{Enabled: true, Domain: "example.com", Selector: "s", KeyFile: "/nonexistent.key"},
		}}, "", true},
		{"unknown", config.GatewayConfig{Driver: "pigeon"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, err := NewSender(ctx, tt.gw, "news@example.com", testLogger())
			if tt.wantErr {
				if err == nil {
					t.Error("NewSender() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewSender() error = %v", err)
			}
			if got := fmt.Sprintf("%T", sender); got != tt.want {
				t.Errorf("NewSender() = %s, want %s", got, tt.want)
			}
		})
	}
}
