package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Query filters an audit page. Nil/zero fields match everything.
type Query struct {
	Namespace  string
	Tenant     string
	Provider   string
	ActionType string
	Outcome    string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// Page is one query result page, sorted by dispatched_at desc.
type Page struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// ChainBreak describes one broken link or sequence gap found during
// chain verification.
type ChainBreak struct {
	SequenceNumber uint64 `json:"sequence_number"`
	Reason         string `json:"reason"`
}

// ChainReport is the result of verifying a tenant's hash chain. Gaps and
// broken links are reported, not fatal: the full report lets operators
// assess the blast radius in one pass.
type ChainReport struct {
	Tenant   string       `json:"tenant"`
	Records  int          `json:"records"`
	Valid    bool         `json:"valid"`
	Breaks   []ChainBreak `json:"breaks,omitempty"`
	LastHash string       `json:"last_hash,omitempty"`
}

// Store is the audit persistence capability.
type Store interface {
	Record(ctx context.Context, r *Record) error
	Query(ctx context.Context, q Query) (Page, error)
	QueryAnalytics(ctx context.Context, q AnalyticsQuery) (AnalyticsResponse, error)
	VerifyChain(ctx context.Context, tenant string) (ChainReport, error)
}

// MemoryStore is an in-process Store with optional per-tenant hash
// chaining. Records are immutable after write.
type MemoryStore struct {
	mu        sync.RWMutex
	records   []Record
	hashChain bool
	tails     map[string]chainTail
	now       func() time.Time
}

type chainTail struct {
	hash string
	seq  uint64
}

// NewMemoryStore creates an audit store. hashChain enables the per-tenant
// SHA-256 chain on every write.
func NewMemoryStore(hashChain bool) *MemoryStore {
	return &MemoryStore{
		hashChain: hashChain,
		tails:     make(map[string]chainTail),
		now:       time.Now,
	}
}

func (s *MemoryStore) Record(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.DispatchedAt.IsZero() {
		r.DispatchedAt = s.now().UTC()
	}
	if s.hashChain {
		tail := s.tails[r.Tenant]
		r.PreviousHash = tail.hash
		r.SequenceNumber = tail.seq + 1
		r.RecordHash = chainHash(tail.hash, *r)
		s.tails[r.Tenant] = chainTail{hash: r.RecordHash, seq: r.SequenceNumber}
	}
	s.records = append(s.records, *r)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, q Query) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Record
	for _, r := range s.records {
		if !matches(r, q) {
			continue
		}
		matched = append(matched, r)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].DispatchedAt.After(matched[j].DispatchedAt)
	})

	total := len(matched)
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	start := q.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	page := make([]Record, end-start)
	copy(page, matched[start:end])
	return Page{Records: page, Total: total, Limit: limit, Offset: q.Offset}, nil
}

func matches(r Record, q Query) bool {
	if q.Namespace != "" && r.Namespace != q.Namespace {
		return false
	}
	if q.Tenant != "" && r.Tenant != q.Tenant {
		return false
	}
	if q.Provider != "" && r.Provider != q.Provider {
		return false
	}
	if q.ActionType != "" && r.ActionType != q.ActionType {
		return false
	}
	if q.Outcome != "" && !strings.EqualFold(r.Outcome, q.Outcome) {
		return false
	}
	if q.From != nil && r.DispatchedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && r.DispatchedAt.After(*q.To) {
		return false
	}
	return true
}

func (s *MemoryStore) VerifyChain(ctx context.Context, tenant string) (ChainReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chained []Record
	for _, r := range s.records {
		if r.Tenant == tenant && r.SequenceNumber > 0 {
			chained = append(chained, r)
		}
	}
	sort.Slice(chained, func(i, j int) bool {
		return chained[i].SequenceNumber < chained[j].SequenceNumber
	})

	report := ChainReport{Tenant: tenant, Records: len(chained), Valid: true}
	prevHash := ""
	var prevSeq uint64
	for _, r := range chained {
		if r.SequenceNumber != prevSeq+1 {
			report.Valid = false
			report.Breaks = append(report.Breaks, ChainBreak{
				SequenceNumber: r.SequenceNumber,
				Reason:         "sequence gap",
			})
		}
		if r.PreviousHash != prevHash {
			report.Valid = false
			report.Breaks = append(report.Breaks, ChainBreak{
				SequenceNumber: r.SequenceNumber,
				Reason:         "previous hash mismatch",
			})
		}
		if chainHash(r.PreviousHash, r) != r.RecordHash {
			report.Valid = false
			report.Breaks = append(report.Breaks, ChainBreak{
				SequenceNumber: r.SequenceNumber,
				Reason:         "record hash mismatch",
			})
		}
		prevHash = r.RecordHash
		prevSeq = r.SequenceNumber
	}
	report.LastHash = prevHash
	return report, nil
}
