package credit

import (
	"fmt"

	"survey-dispatch/internal/provider"
)

// Pricing maps channels to unit prices in centavos.
type Pricing struct {
	prices map[provider.Channel]int64
}

// NewPricing copies prices into a Pricing. Channels without a price are free.
func NewPricing(prices map[provider.Channel]int64) Pricing {
	p := Pricing{prices: make(map[provider.Channel]int64, len(prices))}
	for ch, price := range prices {
		p.prices[ch] = price
	}
	return p
}

// UnitPrice returns the price of one message on ch.
func (p Pricing) UnitPrice(ch provider.Channel) int64 {
	return p.prices[ch]
}

// RequiredCost returns the cost of sending n messages on ch.
func (p Pricing) RequiredCost(ch provider.Channel, n int) int64 {
	if n <= 0 {
		return 0
	}
	return p.UnitPrice(ch) * int64(n)
}

// FormatAmount renders centavos as a decimal string, e.g. 155 -> "1.55".
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
