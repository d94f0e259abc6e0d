package senders

import (
	"fmt"
	"strings"

	"github.com/badoux/checkmail"

	"survey-dispatch/internal/provider"
)

// defaultCountryCode is prefixed to national numbers (DDD + number).
const defaultCountryCode = "55"

// NormalizeContact validates a contact address for ch and returns the form
// providers expect: a trimmed lower-case email, or digits only for phones.
func NormalizeContact(ch provider.Channel, contact string) (string, error) {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return "", fmt.Errorf("%w: empty contact", provider.ErrInvalidRecipient)
	}

	switch ch {
	case provider.ChannelEmail:
		email := strings.ToLower(contact)
		if err := checkmail.ValidateFormat(email); err != nil {
			return "", fmt.Errorf("%w: %s: %v", provider.ErrInvalidRecipient, contact, err)
		}
		return email, nil
	case provider.ChannelSMS, provider.ChannelWhatsApp, provider.ChannelVoIP:
		return normalizePhone(contact)
	default:
		return "", fmt.Errorf("%w: %s", provider.ErrUnknownChannel, ch)
	}
}

func normalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimLeft(b.String(), "0")
	if len(digits) == 10 || len(digits) == 11 {
		digits = defaultCountryCode + digits
	}
	if len(digits) < 12 || len(digits) > 15 {
		return "", fmt.Errorf("%w: phone %q", provider.ErrInvalidRecipient, raw)
	}
	return digits, nil
}
