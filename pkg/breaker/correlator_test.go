package breaker

import (
	"testing"
	"time"

	"github.com/socialrelay/socialrelay/internal/testutil"
	apperrors "github.com/socialrelay/socialrelay/pkg/errors"
)

func TestCorrelator_WindowPruning(t *testing.T) {
	clk := testutil.NewFakeClock(time.Now())
	c := NewCorrelator(10*time.Second, 3, clk)

	c.Observe("piapi", apperrors.KindServer)
	c.Observe("piapi", apperrors.KindServer)
	c.Observe("piapi", apperrors.KindServer)
	if got := c.Count("piapi"); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}

	clk.Advance(5 * time.Second)
	c.Observe("piapi", apperrors.KindTimeout)
	if got := c.Count("piapi"); got != 4 {
		t.Fatalf("Count() = %d, want 4", got)
	}

	// The first three records are now a full window old and fall out.
	clk.Advance(5 * time.Second)
	if got := c.Count("piapi"); got != 1 {
		t.Errorf("Count() after pruning = %d, want 1", got)
	}

	clk.Advance(5 * time.Second)
	if got := c.Count("piapi"); got != 0 {
		t.Errorf("Count() after full expiry = %d, want 0", got)
	}
}

func TestCorrelator_Rate(t *testing.T) {
	clk := testutil.NewFakeClock(time.Now())
	c := NewCorrelator(10*time.Second, 3, clk)

	if got := c.Rate("piapi"); got != 0 {
		t.Errorf("Rate() on empty window = %v, want 0", got)
	}

	for i := 0; i < 5; i++ {
		c.Observe("piapi", apperrors.KindServer)
	}
	if got := c.Rate("piapi"); got != 0.5 {
		t.Errorf("Rate() = %v, want 0.5 (5 errors over 10s)", got)
	}
}

func TestCorrelator_SystemicVersusSporadic(t *testing.T) {
	clk := testutil.NewFakeClock(time.Now())
	c := NewCorrelator(10*time.Second, 3, clk)

	c.Observe("piapi", apperrors.KindServer)
	c.Observe("piapi", apperrors.KindServer)
	if got := c.SystemicCount("piapi"); got != 0 {
		t.Errorf("SystemicCount() below cluster floor = %d, want 0", got)
	}

	c.Observe("piapi", apperrors.KindServer)
	if got := c.SystemicCount("piapi"); got != 3 {
		t.Errorf("SystemicCount() at cluster floor = %d, want 3", got)
	}

	c.Observe("piapi", apperrors.KindNetwork)
	if got := c.SystemicCount("piapi"); got != 4 {
		t.Errorf("SystemicCount() = %d, want 4", got)
	}
}

func TestCorrelator_SporadicErrorsAgeOut(t *testing.T) {
	clk := testutil.NewFakeClock(time.Now())
	c := NewCorrelator(2*time.Second, 3, clk)

	// Spaced-out errors never coexist in the window.
	for i := 0; i < 6; i++ {
		c.Observe("piapi", apperrors.KindServer)
		clk.Advance(3 * time.Second)
	}

	if got := c.SystemicCount("piapi"); got != 0 {
		t.Errorf("SystemicCount() for spaced errors = %d, want 0", got)
	}
}

func TestCorrelator_DominantKind(t *testing.T) {
	clk := testutil.NewFakeClock(time.Now())
	c := NewCorrelator(10*time.Second, 3, clk)

	kind, n := c.Dominant("piapi")
	if kind != "" || n != 0 {
		t.Errorf("Dominant() on empty window = (%q, %d), want (\"\", 0)", kind, n)
	}

	c.Observe("piapi", apperrors.KindServer)
	c.Observe("piapi", apperrors.KindServer)
	c.Observe("piapi", apperrors.KindServer)
	c.Observe("piapi", apperrors.KindTimeout)

	kind, n = c.Dominant("piapi")
	if kind != apperrors.KindServer || n != 3 {
		t.Errorf("Dominant() = (%q, %d), want (%q, 3)", kind, n, apperrors.KindServer)
	}

	dist := c.Distribution("piapi")
	if dist[apperrors.KindServer] != 3 || dist[apperrors.KindTimeout] != 1 {
		t.Errorf("Distribution() = %v, want server:3 timeout:1", dist)
	}
}

func TestCorrelator_KeysAreIsolated(t *testing.T) {
	clk := testutil.NewFakeClock(time.Now())
	c := NewCorrelator(10*time.Second, 3, clk)

	c.Observe("piapi", apperrors.KindServer)
	c.Observe("piapi", apperrors.KindServer)
	c.Observe("piapi", apperrors.KindServer)

	if got := c.Count("webhook"); got != 0 {
		t.Errorf("Count(webhook) = %d, want 0 (no cross-key bleed)", got)
	}
	if got := c.SystemicCount("webhook"); got != 0 {
		t.Errorf("SystemicCount(webhook) = %d, want 0", got)
	}
}

func TestCorrelator_Reset(t *testing.T) {
	clk := testutil.NewFakeClock(time.Now())
	c := NewCorrelator(10*time.Second, 3, clk)

	c.Observe("piapi", apperrors.KindServer)
	c.Observe("piapi", apperrors.KindServer)
	c.Reset("piapi")

	if got := c.Count("piapi"); got != 0 {
		t.Errorf("Count() after Reset = %d, want 0", got)
	}
}
