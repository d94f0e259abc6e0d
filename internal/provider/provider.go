// Package provider holds the channel providers and the registry that picks
// the next one eligible to send.
package provider

import (
	"context"
	"errors"
)

// ErrInvalidRecipient marks a contact no provider can deliver to.
// Senders return it wrapped so the rotation stops instead of trying the next provider.
var ErrInvalidRecipient = errors.New("invalid recipient")

// Message is a rendered message for one recipient.
type Message struct {
	Channel       Channel
	RecipientName string
	Contact       string
	Subject       string
	Body          string
	CampaignID    string
}

// Receipt is what a provider returns after accepting a message.
type Receipt struct {
	MessageID string
	Status    string
}

// Sender delivers a message through one credential or endpoint.
type Sender interface {
	Send(ctx context.Context, msg Message) (*Receipt, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) (*Receipt, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg Message) (*Receipt, error) { return f(ctx, msg) }

// Provider is one sender credential for one channel.
type Provider struct {
	ID        string
	Name      string
	Channel   Channel
	Priority  int
	RateLimit int
	Endpoint  string
	Active    bool
	Sender    Sender
}

// Configured reports whether the provider can be used at all.
func (p *Provider) Configured() bool {
	return p != nil && p.Active && p.Sender != nil && p.ID != ""
}
