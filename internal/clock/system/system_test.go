package system

import (
	"testing"
	"time"

	"github.com/JakeFAU/extraction-jobs/internal/jobs"
	"github.com/JakeFAU/extraction-jobs/internal/webhook"
)

var (
	_ jobs.Clock    = (*Clock)(nil)
	_ webhook.Clock = (*Clock)(nil)
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
	if second := clk.Now(); second.Before(got) {
		t.Fatalf("expected second call %v to be >= first %v", second, got)
	}
}
