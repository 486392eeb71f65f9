package progress

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type update struct {
	Percent float64
	Message string
}

type recorder struct {
	updates []update
}

func (r *recorder) Report(percent float64, message string) {
	r.updates = append(r.updates, update{percent, message})
}

func TestSpan(t *testing.T) {
	var rec recorder
	s := Span(&rec, 20, 80)
	s.Report(0, "start")
	s.Report(50, "half")
	s.Report(100, "done")
	s.Report(150, "overshoot")
	want := []update{
		{20, "start"},
		{50, "half"},
		{80, "done"},
		{80, "overshoot"},
	}
	if diff := cmp.Diff(want, rec.updates); diff != "" {
		t.Errorf("Span: unexpected updates: diff (-want +got):\n%s", diff)
	}
}

func TestNestedSpan(t *testing.T) {
	var rec recorder
	Span(Span(&rec, 0, 20), 50, 100).Report(50, "nested")
	if got, want := rec.updates[0].Percent, 15.0; got != want {
		t.Errorf("nested span: got %v; want %v", got, want)
	}
}

func TestMonotonic(t *testing.T) {
	var rec recorder
	m := &Monotonic{Next: &rec}
	for _, p := range []float64{10, 30, 20, 40, -5} {
		m.Report(p, "")
	}
	var got []float64
	for _, u := range rec.updates {
		got = append(got, u.Percent)
	}
	want := []float64{10, 30, 30, 40, 40}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Monotonic: diff (-want +got):\n%s", diff)
	}
}

func TestFraction(t *testing.T) {
	for _, tt := range []struct {
		done, total int64
		want        float64
	}{
		{0, 100, 0},
		{25, 100, 25},
		{100, 100, 100},
		{0, 0, 100},
		{200, 100, 100},
	} {
		if got := Fraction(tt.done, tt.total); got != tt.want {
			t.Errorf("Fraction(%d, %d) = %v; want %v", tt.done, tt.total, got, tt.want)
		}
	}
}
