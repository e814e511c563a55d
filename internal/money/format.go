package money

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Format renders a rounded amount with the locale's digit grouping, e.g.
// Format(language.English, "$") gives "$1,234.50".
func (m Money) Format(tag language.Tag, symbol string) string {
	rounded := m.Round().d
	abs := rounded.Abs()
	whole := abs.Truncate(0)
	cents := abs.Sub(whole).Shift(Places).IntPart()
	sign := ""
	if rounded.IsNegative() {
		sign = "-"
	}
	p := message.NewPrinter(tag)
	return fmt.Sprintf("%s%s%s.%02d", sign, symbol, p.Sprintf("%d", whole.IntPart()), cents)
}

// Quantity renders a decimal quantity with grouping and no trailing zeros.
func Quantity(tag language.Tag, q decimal.Decimal) string {
	if q.IsInteger() {
		return message.NewPrinter(tag).Sprintf("%d", q.IntPart())
	}
	return q.String()
}
