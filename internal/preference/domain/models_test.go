package domain

import (
	"testing"
	"time"
)

func TestFrequencyPeriodStart(t *testing.T) {
	// 2026-08-19 is a Wednesday.
	ref := time.Date(2026, 8, 19, 15, 30, 0, 0, time.UTC)

	cases := []struct {
		freq Frequency
		want time.Time
	}{
		{FrequencyWeekly, time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)},
		{FrequencyMonthly, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := tc.freq.PeriodStart(ref); !got.Equal(tc.want) {
			t.Fatalf("%s PeriodStart = %v, want %v", tc.freq, got, tc.want)
		}
	}
}

func TestFrequencyBiweeklyStableAcrossWeeks(t *testing.T) {
	// Two dates one week apart must land in the same biweekly period when
	// the first falls on the period-opening week.
	first := time.Date(2026, 8, 17, 8, 0, 0, 0, time.UTC) // Monday
	start := FrequencyBiweekly.PeriodStart(first)

	within := FrequencyBiweekly.PeriodStart(start.AddDate(0, 0, 10))
	if !within.Equal(start) {
		t.Fatalf("date inside period mapped to %v, want %v", within, start)
	}

	next := FrequencyBiweekly.PeriodStart(start.AddDate(0, 0, 14))
	if !next.Equal(start.AddDate(0, 0, 14)) {
		t.Fatalf("next period start = %v, want %v", next, start.AddDate(0, 0, 14))
	}
}

func TestFrequencyPeriodEnd(t *testing.T) {
	ref := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)

	if got := FrequencyWeekly.PeriodEnd(ref); !got.Equal(time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("weekly PeriodEnd = %v", got)
	}
	if got := FrequencyMonthly.PeriodEnd(ref); !got.Equal(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("monthly PeriodEnd = %v", got)
	}
	start := FrequencyBiweekly.PeriodStart(ref)
	if got := FrequencyBiweekly.PeriodEnd(ref); !got.Equal(start.AddDate(0, 0, 14)) {
		t.Fatalf("biweekly PeriodEnd = %v", got)
	}
}

func TestFrequencyPeriodKey(t *testing.T) {
	ref := time.Date(2026, 8, 19, 23, 59, 0, 0, time.UTC)
	if got := FrequencyMonthly.PeriodKey(ref); got != "2026-08-01" {
		t.Fatalf("monthly PeriodKey = %q", got)
	}
	if got := FrequencyWeekly.PeriodKey(ref); got != "2026-08-17" {
		t.Fatalf("weekly PeriodKey = %q", got)
	}
}

func TestUpsertPreferenceRequestValidate(t *testing.T) {
	valid := UpsertPreferenceRequest{
		UserID:          1,
		OrgID:           2,
		Multiplier:      3,
		Frequency:       FrequencyWeekly,
		RoundupsEnabled: true,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	tooHigh := valid
	tooHigh.Multiplier = MaxMultiplier + 1
	if err := tooHigh.Validate(); err == nil {
		t.Fatal("multiplier above ceiling accepted")
	}

	zero := valid
	zero.Multiplier = 0
	if err := zero.Validate(); err == nil {
		t.Fatal("zero multiplier accepted")
	}

	capBelowMinimum := valid
	capBelowMinimum.MinimumRoundup = 200
	capBelowMinimum.MonthlyCap = 100
	if err := capBelowMinimum.Validate(); err == nil {
		t.Fatal("cap below minimum accepted")
	}
}
