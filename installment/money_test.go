package installment_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/installment-engine/installment"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in      string
		want    installment.Money
		wantErr bool
	}{
		{in: "880000", want: 88_000_000},
		{in: "880000.00", want: 88_000_000},
		{in: "12.5", want: 1250},
		{in: "0.01", want: 1},
		{in: "-3.10", want: -310},
		{in: "1.230", want: 123},
		{in: "1.234", wantErr: true},
		{in: "92233720368547758.07", want: installment.Money(9223372036854775807)},
		{in: "-92233720368547758.08", want: installment.Money(-9223372036854775808)},
		{in: "92233720368547758.08", wantErr: true},
		{in: "184467440737095516.17", wantErr: true},
		{in: "-92233720368547758.09", wantErr: true},
		{in: "1e30", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := installment.ParseMoney(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckedMoneyFromDecimal_OutOfRange(t *testing.T) {
	_, err := installment.CheckedMoneyFromDecimal(decimal.RequireFromString("1e20"))
	require.Error(t, err)
	assert.ErrorIs(t, err, installment.ErrValidation)

	m, err := installment.CheckedMoneyFromDecimal(decimal.RequireFromString("12.345"))
	require.NoError(t, err)
	assert.Equal(t, installment.Money(1235), m)
}

func TestMoney_WithinIsStrict(t *testing.T) {
	assert.True(t, installment.Money(100).Within(100, installment.Tolerance))
	assert.False(t, installment.Money(101).Within(100, installment.Tolerance))
	assert.False(t, installment.Money(99).Within(100, installment.Tolerance))
}

func TestMoney_String(t *testing.T) {
	assert.Equal(t, "880000.00", major(880_000).String())
	assert.Equal(t, "0.07", installment.Money(7).String())
	assert.Equal(t, "-12.50", installment.Money(-1250).String())
}

func TestMoneyFromDecimal_RoundsHalfAwayFromZero(t *testing.T) {
	assert.Equal(t, installment.Money(3), installment.MoneyFromDecimal(decimal.RequireFromString("0.025")))
	assert.Equal(t, installment.Money(2), installment.MoneyFromDecimal(decimal.RequireFromString("0.0249")))
	assert.Equal(t, installment.Money(-3), installment.MoneyFromDecimal(decimal.RequireFromString("-0.025")))
}

func TestMoney_Split_SumsBack(t *testing.T) {
	for _, total := range []installment.Money{0, 1, 99, 100, 88_000_000, 73_333_337} {
		for n := 1; n <= 36; n++ {
			shares := total.Split(n)
			require.Len(t, shares, n)
			assert.Equal(t, total, installment.SumMoney(shares...), "total=%d n=%d", total, n)
			for i := 0; i < n-1; i++ {
				assert.Equal(t, shares[0], shares[i])
			}
			assert.GreaterOrEqual(t, int64(shares[n-1]), int64(shares[0]))
		}
	}
	assert.Nil(t, major(1).Split(0))
}

func TestMoney_Within(t *testing.T) {
	assert.True(t, major(5).Within(major(5), installment.Tolerance))
	assert.False(t, installment.Money(501).Within(installment.Money(500), installment.Tolerance))
	assert.True(t, installment.Money(501).Within(installment.Money(500), 2))
}
