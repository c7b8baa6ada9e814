package market

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// QuoteTotals is the result of totalling a structured quote.
type QuoteTotals struct {
	LineTotalsCents []int64
	GrandTotalCents int64
}

// ComputeQuote totals manually entered line items. Quantity and unit cost
// arrive as form strings; anything that does not parse as a decimal counts
// as zero, mirroring the permissive entry form. Each line total is
// quantity × unit cost rounded to cents, the grand total is their sum.
// Never fails.
func ComputeQuote(items []QuoteLineItem) QuoteTotals {
	totals := QuoteTotals{LineTotalsCents: make([]int64, 0, len(items))}
	for _, item := range items {
		quantity := parseDecimal(item.Quantity)
		unitCost := parseDecimal(item.UnitCost)
		lineCents := int64(math.Round(quantity * unitCost * 100))
		totals.LineTotalsCents = append(totals.LineTotalsCents, lineCents)
		totals.GrandTotalCents += lineCents
	}
	return totals
}

func parseDecimal(raw string) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}

// FormatCents renders a cent amount as a 2-decimal string, e.g. 2001 → "20.01".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
