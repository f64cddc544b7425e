package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdvancePeriod(t *testing.T) {
	date := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}

	tests := []struct {
		name      string
		start     time.Time
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "expired by one month",
			start:     date(2026, time.June, 15),
			now:       date(2026, time.July, 20),
			wantStart: date(2026, time.July, 15),
			wantEnd:   date(2026, time.August, 15),
		},
		{
			name:      "expired by several months",
			start:     date(2026, time.January, 10),
			now:       date(2026, time.June, 5),
			wantStart: date(2026, time.May, 10),
			wantEnd:   date(2026, time.June, 10),
		},
		{
			name:      "now exactly one period boundary",
			start:     date(2026, time.March, 1),
			now:       date(2026, time.April, 1),
			wantStart: date(2026, time.April, 1),
			wantEnd:   date(2026, time.May, 1),
		},
		{
			name:      "not yet advanceable",
			start:     date(2026, time.August, 1),
			now:       date(2026, time.August, 20),
			wantStart: date(2026, time.August, 1),
			wantEnd:   date(2026, time.September, 1),
		},
		{
			name:      "snaps to utc midnight",
			start:     time.Date(2026, time.May, 15, 13, 45, 30, 0, time.UTC),
			now:       date(2026, time.July, 1),
			wantStart: date(2026, time.June, 15),
			wantEnd:   date(2026, time.July, 15),
		},
		{
			name:      "month-end clamping across short months",
			start:     date(2026, time.January, 31),
			now:       date(2026, time.March, 15),
			wantStart: date(2026, time.March, 3), // Jan 31 + 1mo = Mar 3 (Go normalizes)
			wantEnd:   date(2026, time.April, 3),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotStart, gotEnd := advancePeriod(tt.start, tt.now)
			assert.Equal(t, tt.wantStart, gotStart)
			assert.Equal(t, tt.wantEnd, gotEnd)
		})
	}
}
