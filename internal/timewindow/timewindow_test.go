package timewindow

import (
	"testing"
	"time"
)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC)
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want TimeOfDay
		err  bool
	}{
		{"10:00", Clock(10, 0, 0), false},
		{"22:30:15", Clock(22, 30, 15), false},
		{"00:00", 0, false},
		{"24:00", 0, true},
		{"10", 0, true},
		{"ab:cd", 0, true},
		{"10:60", 0, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("Parse(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWindow_Wraparound(t *testing.T) {
	w := Window{Start: Clock(22, 0, 0), End: Clock(2, 0, 0)}

	if !w.Contains(at(23, 30), time.UTC) {
		t.Error("expected 23:30 inside 22:00–02:00")
	}
	if !w.Contains(at(1, 0), time.UTC) {
		t.Error("expected 01:00 inside 22:00–02:00")
	}
	if w.Contains(at(12, 0), time.UTC) {
		t.Error("expected 12:00 outside 22:00–02:00")
	}
	if w.Contains(at(2, 0), time.UTC) {
		t.Error("end bound is exclusive")
	}
	if !w.Contains(at(22, 0), time.UTC) {
		t.Error("start bound is inclusive")
	}
	if w.Duration() != 4*time.Hour {
		t.Errorf("expected 4h, got %v", w.Duration())
	}
}

func TestWindow_Progress(t *testing.T) {
	w := Window{Start: Clock(10, 0, 0), End: Clock(11, 0, 0)}
	if p := w.Progress(at(10, 30), time.UTC); p != 0.5 {
		t.Errorf("expected 0.5, got %v", p)
	}
	if p := w.Progress(at(10, 0), time.UTC); p != 0 {
		t.Errorf("expected 0, got %v", p)
	}

	wrap := Window{Start: Clock(22, 0, 0), End: Clock(2, 0, 0)}
	if p := wrap.Progress(at(0, 0), time.UTC); p != 0.5 {
		t.Errorf("expected 0.5 at midnight, got %v", p)
	}
	if p := wrap.Progress(at(1, 0), time.UTC); p != 0.75 {
		t.Errorf("expected 0.75 at 01:00, got %v", p)
	}
}

func TestWindow_StartedAt(t *testing.T) {
	wrap := Window{Start: Clock(22, 0, 0), End: Clock(2, 0, 0)}
	got := wrap.StartedAt(at(1, 0), time.UTC)
	want := time.Date(2026, 3, 9, 22, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestWindow_Location(t *testing.T) {
	// 10:00–11:00 in UTC+5:30 is 04:30–05:30 UTC.
	loc := time.FixedZone("IST", 5*3600+30*60)
	w := Window{Start: Clock(10, 0, 0), End: Clock(11, 0, 0)}
	if !w.Contains(at(4, 45), loc) {
		t.Error("expected 04:45 UTC inside the IST window")
	}
	if w.Contains(at(10, 30), loc) {
		t.Error("expected 10:30 UTC outside the IST window")
	}
}

func TestWindow_Validate(t *testing.T) {
	if err := (Window{Start: Clock(1, 0, 0), End: Clock(1, 0, 0)}).Validate(); err == nil {
		t.Error("expected zero-length window to be invalid")
	}
	if err := (Window{Start: TimeOfDay(25 * time.Hour), End: Clock(1, 0, 0)}).Validate(); err == nil {
		t.Error("expected out-of-range bound to be invalid")
	}
	if err := (Window{Start: Clock(22, 0, 0), End: Clock(2, 0, 0)}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
