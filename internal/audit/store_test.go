package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(tenant, actionType, outcome string, at time.Time, totalMs int64) *Record {
	return &Record{
		Namespace:    "prod",
		Tenant:       tenant,
		Provider:     "email",
		ActionType:   actionType,
		ActionID:     "a-" + actionType,
		Verdict:      "allow",
		MatchedRule:  "default",
		Outcome:      outcome,
		DispatchedAt: at,
		Timings:      Timings{TotalMs: totalMs},
	}
}

func TestMemoryStore_HashChain(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(true)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(ctx, record("acme", "alert", "executed", base.Add(time.Duration(i)*time.Minute), 10)))
	}
	require.NoError(t, s.Record(ctx, record("other", "alert", "executed", base, 10)))

	report, err := s.VerifyChain(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.Records)
	assert.Empty(t, report.Breaks)

	// Sequence numbers are strictly increasing per tenant.
	page, err := s.Query(ctx, Query{Tenant: "acme"})
	require.NoError(t, err)
	seen := make(map[uint64]bool)
	for _, r := range page.Records {
		assert.False(t, seen[r.SequenceNumber])
		seen[r.SequenceNumber] = true
		assert.NotEmpty(t, r.RecordHash)
	}
}

func TestMemoryStore_VerifyChainDetectsTampering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(true)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(ctx, record("acme", "alert", "executed", time.Now().UTC(), 10)))
	}

	s.mu.Lock()
	s.records[1].Outcome = "tampered"
	s.mu.Unlock()

	report, err := s.VerifyChain(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Breaks)
}

func TestMemoryStore_QueryFiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(false)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, record("acme", "alert", "executed", base, 5)))
	require.NoError(t, s.Record(ctx, record("acme", "alert", "failed", base.Add(time.Minute), 9)))
	require.NoError(t, s.Record(ctx, record("acme", "welcome", "executed", base.Add(2*time.Minute), 7)))
	require.NoError(t, s.Record(ctx, record("globex", "alert", "executed", base, 3)))

	page, err := s.Query(ctx, Query{Tenant: "acme", ActionType: "alert"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	// Sorted dispatched_at desc.
	assert.Equal(t, "failed", page.Records[0].Outcome)

	page, err = s.Query(ctx, Query{Tenant: "acme", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Records, 1)

	from := base.Add(90 * time.Second)
	page, err = s.Query(ctx, Query{Tenant: "acme", From: &from})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestBucketStart(t *testing.T) {
	// Wednesday 2026-03-04 13:45:30 UTC.
	at := time.Date(2026, 3, 4, 13, 45, 30, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 3, 4, 13, 0, 0, 0, time.UTC), BucketStart(at, IntervalHourly))
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), BucketStart(at, IntervalDaily))
	// Weekly starts Monday 2026-03-02.
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), BucketStart(at, IntervalWeekly))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), BucketStart(at, IntervalMonthly))

	// Sunday belongs to the week starting the previous Monday.
	sunday := time.Date(2026, 3, 8, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), BucketStart(sunday, IntervalWeekly))
}

func TestMemoryStore_Analytics(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(false)
	base := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, record("acme", "alert", "executed", base, 10)))
	require.NoError(t, s.Record(ctx, record("acme", "alert", "failed", base.Add(time.Minute), 30)))
	require.NoError(t, s.Record(ctx, record("acme", "welcome", "executed", base.Add(2*time.Minute), 20)))
	require.NoError(t, s.Record(ctx, record("acme", "alert", "executed", base.Add(2*time.Hour), 40)))

	vol, err := s.QueryAnalytics(ctx, AnalyticsQuery{Metric: MetricVolume, Interval: IntervalHourly, Tenant: "acme"})
	require.NoError(t, err)
	require.Len(t, vol.Buckets, 2)
	assert.Equal(t, int64(3), vol.Buckets[0].Count)
	assert.Equal(t, int64(1), vol.Buckets[1].Count)

	breakdown, err := s.QueryAnalytics(ctx, AnalyticsQuery{Metric: MetricOutcomeBreakdown, Interval: IntervalDaily, Tenant: "acme"})
	require.NoError(t, err)
	require.Len(t, breakdown.Buckets, 1)
	assert.Equal(t, int64(3), breakdown.Buckets[0].Outcomes["executed"])
	assert.Equal(t, int64(1), breakdown.Buckets[0].Outcomes["failed"])

	latency, err := s.QueryAnalytics(ctx, AnalyticsQuery{Metric: MetricLatency, Interval: IntervalDaily, Tenant: "acme"})
	require.NoError(t, err)
	require.Len(t, latency.Buckets, 1)
	assert.Equal(t, float64(25), latency.Buckets[0].AvgMs)
	assert.Equal(t, int64(20), latency.Buckets[0].P50Ms)
	assert.Equal(t, int64(40), latency.Buckets[0].P99Ms)

	errRate, err := s.QueryAnalytics(ctx, AnalyticsQuery{Metric: MetricErrorRate, Interval: IntervalDaily, Tenant: "acme"})
	require.NoError(t, err)
	assert.InDelta(t, 0.25, errRate.Buckets[0].ErrorRate, 1e-9)

	top, err := s.QueryAnalytics(ctx, AnalyticsQuery{Metric: MetricTopActionTypes, Interval: IntervalDaily, Tenant: "acme", TopN: 1})
	require.NoError(t, err)
	require.Len(t, top.Buckets[0].TopActionTypes, 1)
	assert.Equal(t, "alert", top.Buckets[0].TopActionTypes[0].ActionType)
	assert.Equal(t, int64(3), top.Buckets[0].TopActionTypes[0].Count)
}

func TestAsyncWriter_FlushesOnClose(t *testing.T) {
	inner := NewMemoryStore(false)
	w := NewAsyncWriter(inner, 16, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Record(context.Background(), record("acme", "alert", "executed", time.Now().UTC(), 1)))
	}
	w.Close()

	page, err := inner.Query(context.Background(), Query{Tenant: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 10, page.Total)
	assert.Equal(t, int64(0), w.Drops())
}
