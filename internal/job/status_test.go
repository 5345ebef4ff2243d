package job

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

var testTime = time.Date(2026, 3, 1, 12, 30, 45, 123456000, time.UTC)

func TestMapperApply(t *testing.T) {
	t.Parallel()
	mapper := NewMapper(100)
	output := Output{Stdout: "simulation done", Stderr: "warning: slow"}

	tests := []struct {
		name          string
		state         State
		wantStatus    Status
		wantLog       string
		wantCompleted bool
	}{
		{
			name:       "pending",
			state:      StatePending,
			wantStatus: StatusSubmitted,
			wantLog:    "Job ID: sub-1\n2026-03-01T12:30:45.123456    pending\n",
		},
		{
			name:       "running",
			state:      StateRunning,
			wantStatus: StatusRunning,
			wantLog:    "2026-03-01T12:30:45.123456    running\n",
		},
		{
			name:          "done",
			state:         StateDone,
			wantStatus:    StatusFinished,
			wantLog:       "2026-03-01T12:30:45.123456    finished\n\n\nsimulation done\n\nwarning: slow",
			wantCompleted: true,
		},
		{
			name:          "failed",
			state:         StateFailed,
			wantStatus:    StatusError,
			wantLog:       "2026-03-01T12:30:45.123456    failed\n\n\nsimulation done\n\nwarning: slow",
			wantCompleted: true,
		},
		{
			name:       "canceled keeps status",
			state:      StateCanceled,
			wantStatus: StatusRunning,
			wantLog:    "2026-03-01T12:30:45.123456    canceled\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			j := &Job{ID: 7, Status: StatusRunning, Log: "earlier\n"}

			got := mapper.Apply(j, Transition{
				State:        tt.state,
				SubmissionID: "sub-1",
				Output:       output,
				At:           testTime,
			})

			if got.Status != tt.wantStatus {
				t.Errorf("Expected status %s, got %s", tt.wantStatus, got.Status)
			}
			if got.Log != "earlier\n"+tt.wantLog {
				t.Errorf("Unexpected log:\n%q\nwant:\n%q", got.Log, "earlier\n"+tt.wantLog)
			}
			if tt.wantCompleted {
				if got.TimestampCompletion != "2026-03-01T12:30:45.123456" {
					t.Errorf("Expected completion timestamp, got %q", got.TimestampCompletion)
				}
				if got.ResourceUsage == nil || got.Provenance == nil {
					t.Error("Expected resource usage and provenance placeholders")
				}
			} else if got.TimestampCompletion != "" {
				t.Errorf("Expected no completion timestamp, got %q", got.TimestampCompletion)
			}

			// The input job is untouched.
			if j.Status != StatusRunning || j.Log != "earlier\n" {
				t.Errorf("Expected input job to be unchanged, got %+v", j)
			}
		})
	}
}

func TestMapperApplyIsRepeatable(t *testing.T) {
	t.Parallel()
	mapper := NewMapper(0)
	j := &Job{ID: 1, Status: StatusSubmitted}

	first := mapper.Apply(j, Transition{State: StateRunning, At: testTime})
	second := mapper.Apply(first, Transition{State: StateRunning, At: testTime.Add(time.Minute)})

	if first.Status != second.Status {
		t.Errorf("Expected status to be unchanged, got %s then %s", first.Status, second.Status)
	}
	lines := strings.Split(strings.TrimSuffix(second.Log, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected two log lines, got %q", second.Log)
	}
	for i, line := range lines {
		if !strings.HasSuffix(line, "    running") {
			t.Errorf("line %d: expected running entry, got %q", i, line)
		}
	}
	if strings.TrimPrefix(lines[0], "2026-03-01T12:30:45.123456") != strings.TrimPrefix(lines[1], "2026-03-01T12:31:45.123456") {
		t.Errorf("Expected lines to differ only by timestamp: %q vs %q", lines[0], lines[1])
	}
}

func TestMapperTruncatesStreamsIndependently(t *testing.T) {
	t.Parallel()
	mapper := NewMapper(10)
	j := &Job{ID: 1, Status: StatusRunning}

	got := mapper.Apply(j, Transition{
		State:  StateFailed,
		Output: Output{Stdout: "0123456789abcdef", Stderr: "short"},
		At:     testTime,
	})

	want := "\n\n01234" + TruncationMarker + "bcdef\n\nshort"
	if !strings.HasSuffix(got.Log, want) {
		t.Errorf("Expected log to end with %q, got %q", want, got.Log)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"empty", "", 10, ""},
		{"shorter", "abc", 10, "abc"},
		{"exact", "0123456789", 10, "0123456789"},
		{"longer", "0123456789X", 10, "01234" + TruncationMarker + "6789X"},
		{"multibyte", "ééééééééééé", 4, "éé" + TruncationMarker + "éé"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Truncate(tt.in, tt.max); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

func TestTruncateBound(t *testing.T) {
	t.Parallel()
	markerLen := utf8.RuneCountInString(TruncationMarker)
	for _, limit := range []int{1, 2, 7, 100, 10000} {
		for _, n := range []int{0, 1, limit - 1, limit, limit + 1, 3 * limit, 25000} {
			s := strings.Repeat("x", n)
			got := utf8.RuneCountInString(Truncate(s, limit))
			if got > limit+markerLen {
				t.Errorf("Truncate(len %d, %d) has length %d, exceeds %d", n, limit, got, limit+markerLen)
			}
		}
	}
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()
	for state, want := range map[State]bool{
		StatePending:  false,
		StateRunning:  false,
		StateDone:     true,
		StateFailed:   true,
		StateCanceled: true,
	} {
		if got := state.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}
