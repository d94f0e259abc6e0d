package wa

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"survey-dispatch/internal/provider"
)

func TestRecipientJID(t *testing.T) {
	jid, err := recipientJID("+5511999990000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jid.User != "5511999990000" || jid.Server != "s.whatsapp.net" {
		t.Fatalf("unexpected jid %s", jid)
	}

	for _, bad := range []string{"", "55 11 9999", "abc"} {
		if _, err := recipientJID(bad); !errors.Is(err, provider.ErrInvalidRecipient) {
			t.Fatalf("%q: expected invalid recipient, got %v", bad, err)
		}
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := &Client{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if _, err := c.Send(context.Background(), provider.Message{Contact: "5511999990000"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
