package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/outpostrun/aigateway/internal/config"
)

func newTestChannel(keys ...string) *Channel {
	return New(config.Channel{
		Name:        "c1",
		Target:      "https://example.com",
		Keys:        keys,
		KeyStrategy: config.KeyStrategyRoundRobin,
		Weight:      10,
	})
}

func TestPickKey_RoundRobinAdvancesAndSkipsDead(t *testing.T) {
	c := newTestChannel("k1", "k2", "k3")
	c.MarkKeyFailed(1)
	c.MarkKeyFailed(1)
	c.MarkKeyFailed(1) // k2 now dead

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		v, _, ok := c.PickKey()
		if !ok {
			t.Fatalf("PickKey() returned ok=false with alive keys present")
		}
		seen[v] = true
	}
	if seen["k2"] {
		t.Fatalf("round-robin picked a dead key")
	}
	if !seen["k1"] || !seen["k3"] {
		t.Fatalf("round-robin did not cover every alive key: %+v", seen)
	}
}

func TestPickKey_NoneAliveReturnsFalse(t *testing.T) {
	c := newTestChannel("k1")
	c.MarkKeyFailed(0)
	c.MarkKeyFailed(0)
	c.MarkKeyFailed(0)

	if _, _, ok := c.PickKey(); ok {
		t.Fatalf("PickKey() = ok, want false with zero alive keys")
	}
}

func TestMarkKeyFailed_ThreeStrikesDisables(t *testing.T) {
	c := newTestChannel("k1", "k2")
	c.MarkKeyFailed(0)
	if !c.keys[0].Alive {
		t.Fatalf("key disabled after 1 failure, want still alive")
	}
	c.MarkKeyFailed(0)
	if !c.keys[0].Alive {
		t.Fatalf("key disabled after 2 failures, want still alive")
	}
	c.MarkKeyFailed(0)
	if c.keys[0].Alive {
		t.Fatalf("key still alive after 3 failures")
	}
	// idempotent beyond the threshold
	c.MarkKeyFailed(0)
	if c.keys[0].ConsecutiveFailures != 3 {
		t.Fatalf("consecutive failures = %d, want capped at 3", c.keys[0].ConsecutiveFailures)
	}
}

func TestMarkKeySuccess_SelfHeals(t *testing.T) {
	c := newTestChannel("k1")
	c.MarkKeyFailed(0)
	c.MarkKeyFailed(0)
	c.MarkKeyFailed(0)
	if c.AliveKeys() != 0 {
		t.Fatalf("alive keys = %d, want 0", c.AliveKeys())
	}
	c.MarkKeySuccess(0)
	if c.AliveKeys() != 1 {
		t.Fatalf("alive keys after success = %d, want 1", c.AliveKeys())
	}
}

func TestRecordFailure_ThreeStrikesDemotesHealth(t *testing.T) {
	c := newTestChannel("k1")
	c.RecordSuccess(10 * time.Millisecond)
	if c.Health() != HealthHealthy {
		t.Fatalf("health after success = %v, want healthy", c.Health())
	}
	c.RecordFailure("boom")
	c.RecordFailure("boom")
	if c.Health() == HealthUnhealthy {
		t.Fatalf("health demoted after only 2 failures")
	}
	c.RecordFailure("boom")
	if c.Health() != HealthUnhealthy {
		t.Fatalf("health after 3 failures = %v, want unhealthy", c.Health())
	}
}

func TestRecordSuccess_ResetsConsecutiveFailsAndHealth(t *testing.T) {
	c := newTestChannel("k1")
	c.RecordFailure("a")
	c.RecordFailure("a")
	c.RecordSuccess(5 * time.Millisecond)
	if c.Health() != HealthHealthy {
		t.Fatalf("health = %v, want healthy", c.Health())
	}
	c.RecordFailure("a")
	c.RecordFailure("a")
	if c.Health() == HealthUnhealthy {
		t.Fatalf("consecutive-fail counter was not reset by the prior success")
	}
}

func TestRemoveKey_PastCursorResetsCursor(t *testing.T) {
	c := newTestChannel("k1", "k2", "k3")
	c.PickKey() // cursor -> 1
	c.PickKey() // cursor -> 2
	if !c.RemoveKey(1) {
		t.Fatalf("RemoveKey(1) = false")
	}
	if c.rrCursor != 0 {
		t.Fatalf("cursor = %d, want reset to 0", c.rrCursor)
	}
}

func TestRemoveKey_BadIndex(t *testing.T) {
	c := newTestChannel("k1")
	if c.RemoveKey(5) {
		t.Fatalf("RemoveKey(5) = true, want false for out-of-range index")
	}
}

func TestAddThenRemoveLast_RestoresCredentialSet(t *testing.T) {
	c := newTestChannel("k1", "k2")
	before := c.TotalKeys()
	c.AddKey("k3")
	if !c.RemoveKey(c.TotalKeys() - 1) {
		t.Fatalf("RemoveKey(last) failed")
	}
	if c.TotalKeys() != before {
		t.Fatalf("total keys = %d, want %d after add+removeLast", c.TotalKeys(), before)
	}
}

func TestToggle_Idempotent(t *testing.T) {
	c := newTestChannel("k1")
	start := c.Enabled
	c.Toggle()
	c.Toggle()
	if c.Enabled != start {
		t.Fatalf("toggle;toggle changed enabled from %v to %v", start, c.Enabled)
	}
}

func TestIsAvailable_Invariant(t *testing.T) {
	c := newTestChannel("k1")
	if !c.IsAvailable() {
		t.Fatalf("fresh channel with an alive key and enabled=true must be available")
	}
	c.SetEnabled(false)
	if c.IsAvailable() {
		t.Fatalf("disabled channel reported available")
	}
	c.SetEnabled(true)
	c.RecordFailure("x")
	c.RecordFailure("x")
	c.RecordFailure("x")
	if c.IsAvailable() {
		t.Fatalf("unhealthy channel reported available")
	}
}

func TestToJSON_NeverExposesCredentialValues(t *testing.T) {
	c := newTestChannel("super-secret-key")
	c.RecordSuccess(time.Millisecond)
	summary := c.ToJSON()
	if summary.TotalKeys != 1 || summary.AliveKeys != 1 {
		t.Fatalf("summary key counts = %+v, want total=1 alive=1", summary)
	}
	// Summary has no field that could carry a raw key value; this is a
	// structural guarantee enforced by the Summary type itself.
}

func TestConcurrentPickKey_NoTornStateAndDistinctIndices(t *testing.T) {
	c := newTestChannel("k1", "k2")

	const n = 50
	results := make([]int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, idx, ok := c.PickKey()
			if !ok {
				t.Errorf("PickKey() returned ok=false concurrently")
				return
			}
			results[i] = idx
		}(i)
	}
	wg.Wait()

	if c.AliveKeys() != 2 {
		t.Fatalf("alive keys after concurrent picks = %d, want 2", c.AliveKeys())
	}
	// Picks are serialized by the channel's lock, so the cursor alternates
	// and each of the two keys is handed out exactly n/2 times.
	counts := map[int]int{}
	for _, idx := range results {
		counts[idx]++
	}
	if counts[0] != n/2 || counts[1] != n/2 {
		t.Fatalf("pick counts = %v, want %d for each index", counts, n/2)
	}
}

func TestStats_SuccessPlusFailEqualsTotal(t *testing.T) {
	c := newTestChannel("k1")
	c.RecordSuccess(time.Millisecond)
	c.RecordFailure("x")
	c.RecordSuccess(time.Millisecond)

	st := c.Stats()
	if st.SuccessCount+st.FailCount != st.TotalRequests {
		t.Fatalf("success(%d)+fail(%d) != total(%d)", st.SuccessCount, st.FailCount, st.TotalRequests)
	}
}
