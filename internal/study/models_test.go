package study

import (
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		dateStr string
		want    *time.Time
	}{
		{
			name:    "full date",
			dateStr: "2024-06-15",
			want:    timePtr(time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)),
		},
		{
			name:    "year and month",
			dateStr: "2024-06",
			want:    timePtr(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
		},
		{
			name:    "bare year",
			dateStr: "2024",
			want:    timePtr(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		},
		{
			name:    "empty string",
			dateStr: "",
			want:    nil,
		},
		{
			name:    "unparseable",
			dateStr: "June 2024",
			want:    nil,
		},
		{
			name:    "out-of-range month",
			dateStr: "2024-13",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDate(tt.dateStr)

			switch {
			case got == nil && tt.want == nil:
			case got == nil || tt.want == nil:
				t.Errorf("ParseDate(%q) = %v, want %v", tt.dateStr, got, tt.want)
			case !got.Equal(*tt.want):
				t.Errorf("ParseDate(%q) = %v, want %v", tt.dateStr, *got, *tt.want)
			}
		})
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
