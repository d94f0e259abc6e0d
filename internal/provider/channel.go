package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Channel is a dispatch medium.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelVoIP     Channel = "voip"
	ChannelAI       Channel = "ai"
)

// ErrUnknownChannel is returned by ParseChannel for unsupported values.
var ErrUnknownChannel = errors.New("unknown channel")

// DispatchChannels lists the channels that deliver messages to recipients.
var DispatchChannels = []Channel{ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelVoIP}

// ParseChannel normalises raw into a Channel.
func ParseChannel(raw string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(raw)))
	switch ch {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelVoIP, ChannelAI:
		return ch, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannel, raw)
}

// Dispatchable reports whether the channel sends messages to contacts.
func (c Channel) Dispatchable() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelVoIP:
		return true
	}
	return false
}

func (c Channel) String() string { return string(c) }
