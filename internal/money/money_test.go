package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestAdditionIsExact(t *testing.T) {
	sum := MustParse("0.1").Add(MustParse("0.2"))
	require.True(t, sum.Equal(MustParse("0.3")))
	require.Equal(t, "0.30", sum.String())
}

func TestSumOfManyCents(t *testing.T) {
	values := make([]Money, 10000)
	for i := range values {
		values[i] = MustParse("0.01")
	}
	require.Equal(t, "100.00", Sum(values...).String())
	require.True(t, Sum().IsZero())
}

func TestRoundHalfUp(t *testing.T) {
	cases := map[string]string{
		"1.005":  "1.01",
		"1.004":  "1.00",
		"2.675":  "2.68",
		"-1.005": "-1.01",
		"10":     "10.00",
	}
	for in, want := range cases {
		require.Equal(t, want, MustParse(in).Round().String(), in)
	}
}

func TestDivision(t *testing.T) {
	third, err := FromInt(10).DivInt(3)
	require.NoError(t, err)
	require.Equal(t, "3.33", third.Round().String())
	require.Equal(t, "10.00", third.MulInt(3).Round().String())

	_, err = FromInt(1).Div(decimal.Zero)
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestCentsRoundTrip(t *testing.T) {
	require.Equal(t, int64(12345), MustParse("123.45").Cents())
	require.Equal(t, "123.45", FromCents(12345).String())
	require.Equal(t, int64(-101), MustParse("-1.005").Cents())
}

func TestComparisons(t *testing.T) {
	a, b := MustParse("5.00"), MustParse("5.01")
	require.True(t, a.LessThan(b))
	require.True(t, b.GreaterThan(a))
	require.True(t, a.GreaterThanOrEqual(MustParse("5")))
	require.Equal(t, -1, a.Cmp(b))
	require.Equal(t, 0, a.Cmp(MustParse("5.000")))
	require.True(t, a.WithinTolerance(b, MustParse("0.01")))
	require.False(t, a.WithinTolerance(MustParse("5.02"), MustParse("0.01")))
	require.Equal(t, "5.00", Min(b, a).String())
	require.Equal(t, "5.01", Max(a, b).String())
	require.True(t, Min().IsZero())
}

func TestPercentage(t *testing.T) {
	require.Equal(t, "5.00", FromInt(100).Percentage(decimal.NewFromInt(5)).Round().String())
	require.Equal(t, "0.83", MustParse("16.50").Percentage(decimal.NewFromInt(5)).Round().String())
}

func TestParseCurrency(t *testing.T) {
	cases := map[string]string{
		"$1,234.50":  "1234.50",
		"GBP 12":     "12.00",
		"(45.00)":    "-45.00",
		"€ 3,000.1":  "3000.10",
		" 0.99 ":     "0.99",
	}
	for in, want := range cases {
		m, err := ParseCurrency(in)
		require.NoError(t, err, in)
		require.Equal(t, want, m.String(), in)
	}
	_, err := ParseCurrency("abc")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFormat(t *testing.T) {
	require.Equal(t, "$1,234,567.89", MustParse("1234567.891").Format(language.English, "$"))
	require.Equal(t, "-£0.50", MustParse("-0.5").Format(language.English, "£"))
}

func TestJSON(t *testing.T) {
	raw, err := json.Marshal(struct {
		Amount Money `json:"amount"`
	}{Amount: MustParse("19.9")})
	require.NoError(t, err)
	require.JSONEq(t, `{"amount":"19.9"}`, string(raw))

	rate, err := json.Marshal(MustParse("0.012345"))
	require.NoError(t, err)
	require.Equal(t, `"0.012345"`, string(rate))

	var out struct {
		Amount Money `json:"amount"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"amount":12.345}`), &out))
	require.Equal(t, "12.35", out.Amount.Round().String())
}

func TestScanAndValue(t *testing.T) {
	var m Money
	require.NoError(t, m.Scan("42.10"))
	require.Equal(t, "42.10", m.String())
	v, err := m.Value()
	require.NoError(t, err)
	require.Equal(t, "42.1", v)
	require.NoError(t, m.Scan(nil))
	require.True(t, m.IsZero())
}
