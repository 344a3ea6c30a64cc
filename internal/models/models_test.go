package models

import (
	"testing"
	"time"
)

func TestEndTimeMatchesDuration(t *testing.T) {
	start := time.Date(2026, time.March, 9, 9, 0, 0, 0, time.UTC)
	schedule := Schedule{StartTime: start, DurationMinutes: 90}
	want := start.Add(90 * time.Minute)
	if got := schedule.EndTime(); !got.Equal(want) {
		t.Fatalf("EndTime() = %v, want %v", got, want)
	}
}

func TestRecurringDaysRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		days    []time.Weekday
		encoded string
	}{
		{name: "empty", days: nil, encoded: ""},
		{name: "single", days: []time.Weekday{time.Friday}, encoded: "5"},
		{name: "weekend", days: []time.Weekday{time.Sunday, time.Saturday}, encoded: "0,6"},
		{name: "weekdays", days: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}, encoded: "1,2,3,4,5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := EncodeRecurringDays(tc.days)
			if encoded != tc.encoded {
				t.Fatalf("EncodeRecurringDays(%v) = %q, want %q", tc.days, encoded, tc.encoded)
			}
			decoded := DecodeRecurringDays(encoded)
			if len(decoded) != len(tc.days) {
				t.Fatalf("DecodeRecurringDays(%q) = %v, want %v", encoded, decoded, tc.days)
			}
			for i := range decoded {
				if decoded[i] != tc.days[i] {
					t.Fatalf("DecodeRecurringDays(%q)[%d] = %v, want %v", encoded, i, decoded[i], tc.days[i])
				}
			}
		})
	}
}

func TestDecodeRecurringDaysDropsGarbage(t *testing.T) {
	if got := DecodeRecurringDays("5,x,9, 2 ,"); len(got) != 2 || got[0] != time.Friday || got[1] != time.Tuesday {
		t.Fatalf("DecodeRecurringDays = %v, want [Friday Tuesday]", got)
	}
	if got := DecodeRecurringDays("nope"); got != nil {
		t.Fatalf("DecodeRecurringDays(nope) = %v, want nil", got)
	}
}

func TestParseStreamStatus(t *testing.T) {
	cases := map[string]StreamStatus{
		"live":      StreamLive,
		" LIVE ":    StreamLive,
		"scheduled": StreamScheduled,
		"stopping":  StreamStopping,
		"error":     StreamError,
		"offline":   StreamOffline,
		"":          StreamOffline,
		"bogus":     StreamOffline,
	}
	for raw, want := range cases {
		if got := ParseStreamStatus(raw); got != want {
			t.Errorf("ParseStreamStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestCredentialConfigured(t *testing.T) {
	if (ChannelCredential{ClientID: "id"}).Configured() {
		t.Fatal("credential without secret reported configured")
	}
	if !(ChannelCredential{ClientID: "id", ClientSecret: "secret"}).Configured() {
		t.Fatal("credential with id and secret reported unconfigured")
	}
}
