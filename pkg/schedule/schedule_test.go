package schedule

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sum(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}

func TestGenerate_TwelveMonthsAtTwelvePercent(t *testing.T) {
	terms := LoanTerms{
		Principal:    decimal.NewFromInt(100_000),
		AnnualRate:   decimal.NewFromInt(12),
		TenureMonths: 12,
		StartDate:    date(2024, time.January, 15),
	}

	entries, err := Generate(terms)
	require.NoError(t, err)
	require.Len(t, entries, 12)

	for i, e := range entries[:11] {
		assert.Equal(t, i+1, e.Sequence)
		assert.True(t, e.Amount.Equal(decimal.RequireFromString("9333.33")), "installment %d: got %s", e.Sequence, e.Amount)
	}
	assert.True(t, entries[11].Amount.Equal(decimal.RequireFromString("9333.37")), "last installment absorbs residual, got %s", entries[11].Amount)
	assert.True(t, sum(entries).Equal(decimal.NewFromInt(112_000)), "sum: got %s", sum(entries))
}

func TestGenerate_SumInvariant(t *testing.T) {
	start := date(2025, time.March, 31)
	principals := []string{"1", "99.99", "1000", "12345.67", "250000", "0.50"}
	rates := []string{"0", "0.5", "7.25", "12", "36", "1000"}
	tenures := []int{1, 3, 7, 12, 13, 24, 59, 360}

	for _, p := range principals {
		for _, r := range rates {
			for _, n := range tenures {
				terms := LoanTerms{
					Principal:    decimal.RequireFromString(p),
					AnnualRate:   decimal.RequireFromString(r),
					TenureMonths: n,
					StartDate:    start,
				}
				entries, err := Generate(terms)
				if err != nil {
					// Only tiny principals over long tenures may be rejected.
					var verr *ValidationError
					require.ErrorAs(t, err, &verr, "p=%s r=%s n=%d", p, r, n)
					require.Len(t, verr.Violations, 1)
					continue
				}
				require.Len(t, entries, n)
				want := TotalPayable(terms.Principal, terms.AnnualRate)
				assert.True(t, sum(entries).Equal(want), "p=%s r=%s n=%d: sum %s != %s", p, r, n, sum(entries), want)
				for _, e := range entries {
					assert.True(t, e.Amount.IsPositive(), "p=%s r=%s n=%d: non-positive installment %d", p, r, n, e.Sequence)
					assert.True(t, e.Amount.Equal(e.Amount.Round(CurrencyPlaces)), "installment %d not in currency units: %s", e.Sequence, e.Amount)
				}
			}
		}
	}
}

func TestGenerate_RoundHalfUp(t *testing.T) {
	// 100.05 / 2 = 50.025 -> 50.03, last absorbs 50.02
	entries, err := Generate(LoanTerms{
		Principal:    decimal.RequireFromString("100.05"),
		AnnualRate:   decimal.Zero,
		TenureMonths: 2,
		StartDate:    date(2024, time.May, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, "50.03", entries[0].Amount.StringFixed(2))
	assert.Equal(t, "50.02", entries[1].Amount.StringFixed(2))
}

func TestGenerate_ZeroRate(t *testing.T) {
	entries, err := Generate(LoanTerms{
		Principal:    decimal.NewFromInt(12_000),
		AnnualRate:   decimal.Zero,
		TenureMonths: 12,
		StartDate:    date(2025, time.January, 1),
	})
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, e.Amount.Equal(decimal.NewFromInt(1000)), "got %s", e.Amount)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	terms := LoanTerms{
		Principal:    decimal.RequireFromString("5432.10"),
		AnnualRate:   decimal.RequireFromString("18.5"),
		TenureMonths: 17,
		StartDate:    date(2024, time.August, 31),
	}
	a, err := Generate(terms)
	require.NoError(t, err)
	b, err := Generate(terms)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerate_DueDates(t *testing.T) {
	entries, err := Generate(LoanTerms{
		Principal:    decimal.NewFromInt(1200),
		AnnualRate:   decimal.NewFromInt(10),
		TenureMonths: 4,
		StartDate:    date(2024, time.January, 31),
	})
	require.NoError(t, err)

	want := []time.Time{
		date(2024, time.February, 29), // leap year
		date(2024, time.March, 31),
		date(2024, time.April, 30),
		date(2024, time.May, 31),
	}
	for i, e := range entries {
		assert.Equal(t, want[i], e.DueDate, "installment %d", e.Sequence)
	}
}

func TestAddMonths(t *testing.T) {
	tests := []struct {
		name   string
		start  time.Time
		months int
		want   time.Time
	}{
		{"same day", date(2024, time.January, 15), 1, date(2024, time.February, 15)},
		{"clamp non-leap february", date(2023, time.January, 31), 1, date(2023, time.February, 28)},
		{"clamp leap february", date(2024, time.January, 31), 1, date(2024, time.February, 29)},
		{"clamp thirty day month", date(2024, time.March, 31), 1, date(2024, time.April, 30)},
		{"no drift after clamp", date(2024, time.January, 31), 3, date(2024, time.April, 30)},
		{"year rollover", date(2024, time.November, 30), 3, date(2025, time.February, 28)},
		{"thirty years", date(2024, time.February, 29), 360, date(2054, time.February, 28)},
		{"leap day to leap day", date(2024, time.February, 29), 48, date(2028, time.February, 29)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AddMonths(tt.start, tt.months))
		})
	}
}

func TestAddMonths_KeepsClockAndLocation(t *testing.T) {
	loc := time.FixedZone("EAT", 3*60*60)
	start := time.Date(2024, time.January, 31, 9, 30, 0, 0, loc)
	got := AddMonths(start, 1)
	assert.Equal(t, time.Date(2024, time.February, 29, 9, 30, 0, 0, loc), got)
	assert.Equal(t, loc, got.Location())
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	err := Validate(LoanTerms{
		Principal:    decimal.NewFromInt(-5),
		AnnualRate:   decimal.NewFromInt(-1),
		TenureMonths: 0,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Violations, 4)
	assert.Contains(t, err.Error(), "principal must be greater than 0")
	assert.Contains(t, err.Error(), "annual rate must not be negative")
	assert.Contains(t, err.Error(), "tenure must be between 1 and 360 months")
	assert.Contains(t, err.Error(), "start date is required")
}

func TestValidate_Bounds(t *testing.T) {
	valid := LoanTerms{
		Principal:    decimal.NewFromInt(1000),
		AnnualRate:   decimal.NewFromInt(10),
		TenureMonths: 12,
		StartDate:    date(2024, time.January, 1),
	}
	require.NoError(t, Validate(valid))

	tests := []struct {
		name   string
		mutate func(*LoanTerms)
		ok     bool
	}{
		{"zero principal", func(l *LoanTerms) { l.Principal = decimal.Zero }, false},
		{"zero rate", func(l *LoanTerms) { l.AnnualRate = decimal.Zero }, true},
		{"rate at bound", func(l *LoanTerms) { l.AnnualRate = decimal.NewFromInt(1000) }, true},
		{"rate above bound", func(l *LoanTerms) { l.AnnualRate = decimal.RequireFromString("1000.01") }, false},
		{"tenure 360", func(l *LoanTerms) { l.TenureMonths = 360 }, true},
		{"tenure 361", func(l *LoanTerms) { l.TenureMonths = 361 }, false},
		{"negative tenure", func(l *LoanTerms) { l.TenureMonths = -3 }, false},
		{"principal too small for tenure", func(l *LoanTerms) {
			l.Principal = decimal.RequireFromString("0.05")
			l.AnnualRate = decimal.Zero
			l.TenureMonths = 10
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terms := valid
			tt.mutate(&terms)
			err := Validate(terms)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestGenerate_NoPartialOutputOnError(t *testing.T) {
	entries, err := Generate(LoanTerms{Principal: decimal.NewFromInt(100), TenureMonths: 400, StartDate: date(2024, 1, 1)})
	assert.Error(t, err)
	assert.Nil(t, entries)
}
