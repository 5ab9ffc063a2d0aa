package market

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateArithmetic(t *testing.T) {
	d := MustParseDate("2024-02-28")
	assert.Equal(t, "2024-02-29", d.AddDays(1).String())
	assert.Equal(t, "2024-03-01", d.AddDays(2).String())
	assert.Equal(t, "20240228", d.Compact())
	assert.Equal(t, 2, d.DaysUntil(MustParseDate("2024-03-01")))
	assert.Equal(t, -28, d.DaysUntil(MustParseDate("2024-01-31")))
	assert.Equal(t, time.Wednesday, d.Weekday())
	assert.Equal(t, NewDate(2024, 2, 1), NewDate(2024, 1, 32))

	_, err := ParseDate("2024-13-01")
	assert.Error(t, err)
}

func TestDateOfUsesOwnLocation(t *testing.T) {
	shanghai := time.FixedZone("CST", 8*3600)
	ts := time.Date(2024, 1, 10, 23, 30, 0, 0, time.UTC).In(shanghai)
	assert.Equal(t, MustParseDate("2024-01-11"), DateOf(ts))
}

func TestDateJSON(t *testing.T) {
	type wrapper struct {
		Day  Date `json:"day"`
		Zero Date `json:"zero"`
	}
	b, err := json.Marshal(wrapper{Day: MustParseDate("2024-01-05")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"day":"2024-01-05","zero":""}`, string(b))

	var back wrapper
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, MustParseDate("2024-01-05"), back.Day)
	assert.True(t, back.Zero.IsZero())
}

func TestDateRange(t *testing.T) {
	d := MustParseDate
	r := NewDateRange(d("2024-01-01"), d("2024-01-10"))

	tests := []struct {
		name  string
		other DateRange
		want  DateRange
		empty bool
	}{
		{"inside", NewDateRange(d("2024-01-03"), d("2024-01-05")), NewDateRange(d("2024-01-03"), d("2024-01-05")), false},
		{"overlap start", NewDateRange(d("2023-12-20"), d("2024-01-02")), NewDateRange(d("2024-01-01"), d("2024-01-02")), false},
		{"open start", DateRange{End: d("2024-01-04")}, NewDateRange(d("2024-01-01"), d("2024-01-04")), false},
		{"disjoint", NewDateRange(d("2024-02-01"), d("2024-02-05")), NewDateRange(d("2024-02-01"), d("2024-01-10")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Intersect(tt.other)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.empty, got.Empty())
		})
	}

	assert.Equal(t, 10, r.Days())
	assert.True(t, r.Contains(d("2024-01-10")))
	assert.False(t, r.Contains(d("2024-01-11")))
	assert.Equal(t, "2024-01-01..2024-01-10", r.String())
}

func TestParseDateRange(t *testing.T) {
	r, err := ParseDateRange("2024-01-01..2024-01-10")
	require.NoError(t, err)
	assert.Equal(t, 10, r.Days())

	single, err := ParseDateRange("2024-01-05")
	require.NoError(t, err)
	assert.Equal(t, single.Start, single.End)

	_, err = ParseDateRange("2024-01-10..2024-01-01")
	assert.Error(t, err)
	_, err = ParseDateRange("2024-01-01..soon")
	assert.Error(t, err)
}

func TestTradingDatesFiltersAndSorts(t *testing.T) {
	d := MustParseDate
	days := []TradingDay{
		{Exchange: "SSE", Day: d("2024-01-03"), IsTrading: true},
		{Exchange: "SSE", Day: d("2024-01-01"), IsTrading: true},
		{Exchange: "SSE", Day: d("2024-01-06"), IsTrading: false},
		{Exchange: "SSE", Day: d("2024-01-03"), IsTrading: true},
	}
	assert.Equal(t, []Date{d("2024-01-01"), d("2024-01-03")}, TradingDates(days))
}

func TestInstrumentIdentity(t *testing.T) {
	assert.Equal(t, "600000.SSE", InstrumentID(" sse ", "600000"))
	assert.True(t, Instrument{}.Active())
	assert.False(t, Instrument{Status: StatusDelisted}.Active())

	insts := []Instrument{{ID: "600001.SSE"}, {ID: "000001.SZSE"}, {ID: "600000.SSE"}}
	SortInstruments(insts)
	assert.Equal(t, "000001.SZSE", insts[0].ID)
	assert.Equal(t, "600001.SSE", insts[2].ID)
}
