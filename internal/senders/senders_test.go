package senders

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gopkg.in/gomail.v2"

	"survey-dispatch/internal/provider"
)

func TestBrevoSendsTransactionalEmail(t *testing.T) {
	var gotKey string
	var got brevoEmail
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/smtp/email" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		gotKey = r.Header.Get("api-key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"messageId":"<abc@brevo>"}`)
	}))
	defer srv.Close()

	b := NewBrevo(BrevoConfig{BaseURL: srv.URL, APIKey: "k1", SenderEmail: "no-reply@x.com", SenderName: "Pesquisas"}, srv.Client())
	receipt, err := b.Send(context.Background(), provider.Message{
		Channel: provider.ChannelEmail, RecipientName: "Ana", Contact: "ana@example.com", Subject: "Oi", Body: "linha1\nlinha2",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if receipt.MessageID != "<abc@brevo>" {
		t.Fatalf("message id = %q", receipt.MessageID)
	}
	if gotKey != "k1" {
		t.Fatalf("api-key header = %q", gotKey)
	}
	if len(got.To) != 1 || got.To[0].Email != "ana@example.com" || got.Sender.Email != "no-reply@x.com" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if got.HTMLContent != "<p>linha1<br>linha2</p>" {
		t.Fatalf("html = %q", got.HTMLContent)
	}
}

func TestHTTPErrorsAreClassified(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusUnauthorized, `{"message":"bad key"}`, ErrInvalidCredential},
		{http.StatusTooManyRequests, `slow down`, ErrProviderRateLimited},
		{http.StatusBadRequest, `{"error":"Invalid number"}`, provider.ErrInvalidRecipient},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, tc.body)
		}))
		g := NewSMSGateway(srv.URL, "tok", srv.Client())
		_, err := g.Send(context.Background(), provider.Message{Contact: "5511999990000", Body: "hi"})
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || httpErr.Status != tc.status {
			t.Fatalf("status %d: expected HTTPError, got %v", tc.status, err)
		}
	}
}

func TestServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewVoIP(srv.URL, "tok", srv.Client()).Send(context.Background(), provider.Message{Contact: "5511999990000", Body: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, provider.ErrInvalidRecipient) {
		t.Fatalf("5xx must not be treated as an invalid recipient: %v", err)
	}
}

func TestEvolutionUsesInstancePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/message/sendText/inst-2" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("apikey") != "evo" {
			t.Fatalf("missing apikey header")
		}
		_, _ = io.WriteString(w, `{"key":{"id":"WA123"},"status":"PENDING"}`)
	}))
	defer srv.Close()

	receipt, err := NewEvolution(srv.URL+"/", "evo", "inst-2", srv.Client()).Send(context.Background(), provider.Message{Contact: "5511999990000", Body: "oi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if receipt.MessageID != "WA123" || receipt.Status != "PENDING" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestWebhookReportsWorkflowFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":false,"error":"no credentials"}`)
	}))
	defer srv.Close()

	_, err := NewWebhook(srv.URL, srv.Client()).Send(context.Background(), provider.Message{Channel: provider.ChannelSMS, Contact: "5511999990000"})
	if err == nil {
		t.Fatal("expected workflow failure")
	}
}

func TestWebhookErrorsAreNotClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid number in workflow"}`)
	}))
	defer srv.Close()

	_, err := NewWebhook(srv.URL, srv.Client()).Send(context.Background(), provider.Message{Channel: provider.ChannelSMS, Contact: "5511999990000"})
	if errors.Is(err, provider.ErrInvalidRecipient) {
		t.Fatalf("webhook error must stay retryable, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusBadRequest {
		t.Fatalf("expected *HTTPError with status 400, got %v", err)
	}
}

func TestSMTPRespectsContext(t *testing.T) {
	s := NewSMTP(SMTPConfig{Host: "localhost", Port: 25, From: "a@b.com"})
	release := make(chan struct{})
	s.send = func(*gomail.Message) error {
		<-release
		return nil
	}
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Send(ctx, provider.Message{Contact: "x@y.com", Body: "b"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestSMTPSendReturnsMessageID(t *testing.T) {
	s := NewSMTP(SMTPConfig{Host: "localhost", Port: 25, From: "a@b.com"})
	var sent *gomail.Message
	s.send = func(m *gomail.Message) error {
		sent = m
		return nil
	}
	receipt, err := s.Send(context.Background(), provider.Message{Contact: "x@y.com", Body: "b"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if receipt.MessageID == "" || sent == nil {
		t.Fatalf("expected message to be handed to the relay")
	}
	if got := sent.GetHeader("Subject"); len(got) != 1 || got[0] != "Pesquisa" {
		t.Fatalf("default subject = %v", got)
	}
}

func TestNormalizeContact(t *testing.T) {
	cases := []struct {
		ch      provider.Channel
		in      string
		want    string
		invalid bool
	}{
		{provider.ChannelEmail, " Ana@Example.com ", "ana@example.com", false},
		{provider.ChannelEmail, "not-an-email", "", true},
		{provider.ChannelSMS, "(11) 99999-0000", "5511999990000", false},
		{provider.ChannelWhatsApp, "+55 11 99999-0000", "5511999990000", false},
		{provider.ChannelVoIP, "1133334444", "551133334444", false},
		{provider.ChannelSMS, "12345", "", true},
		{provider.ChannelSMS, "   ", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizeContact(tc.ch, tc.in)
		if tc.invalid {
			if !errors.Is(err, provider.ErrInvalidRecipient) {
				t.Fatalf("%s %q: expected invalid recipient, got %v", tc.ch, tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s %q: %v", tc.ch, tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s %q: got %q want %q", tc.ch, tc.in, got, tc.want)
		}
	}
}

func TestClampTimeout(t *testing.T) {
	if ClampTimeout(0) != DefaultTimeout {
		t.Fatalf("zero should select default")
	}
	if ClampTimeout(time.Second) != 10*time.Second {
		t.Fatalf("expected lower clamp")
	}
	if ClampTimeout(time.Minute) != 30*time.Second {
		t.Fatalf("expected upper clamp")
	}
}
