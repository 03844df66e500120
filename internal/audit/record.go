// Package audit implements Acteon's audit trail: append-only dispatch
// records with queries, time-bucketed analytics, and an optional
// per-tenant SHA-256 hash chain.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Timings is the per-stage latency breakdown recorded for every dispatch.
type Timings struct {
	LockWaitMs int64 `json:"lock_wait_ms"`
	EnrichMs   int64 `json:"enrich_ms"`
	EvalMs     int64 `json:"eval_ms"`
	ExecuteMs  int64 `json:"execute_ms"`
	TotalMs    int64 `json:"total_ms"`
}

// EnrichmentOutcome records one enrichment attempt on the dispatch.
type EnrichmentOutcome struct {
	Name     string `json:"name"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"duration_ms"`
}

// Record is one immutable audit entry. RecordHash/PreviousHash and
// SequenceNumber are populated by the store when hash chaining is enabled
// for the tenant.
type Record struct {
	ID                string              `json:"id"`
	Namespace         string              `json:"namespace"`
	Tenant            string              `json:"tenant"`
	Provider          string              `json:"provider"`
	ActionType        string              `json:"action_type"`
	ActionID          string              `json:"action_id"`
	ActionFingerprint string              `json:"action_fingerprint,omitempty"`
	Verdict           string              `json:"verdict"`
	MatchedRule       string              `json:"matched_rule"`
	Outcome           string              `json:"outcome"`
	Error             string              `json:"error,omitempty"`
	Caller            string              `json:"caller,omitempty"`
	DispatchedAt      time.Time           `json:"dispatched_at"`
	Timings           Timings             `json:"timings"`
	Enrichments       []EnrichmentOutcome `json:"enrichments,omitempty"`

	RecordHash     string `json:"record_hash,omitempty"`
	PreviousHash   string `json:"previous_hash,omitempty"`
	SequenceNumber uint64 `json:"sequence_number,omitempty"`
}

// canonicalSerialization renders the record's chained fields in a stable
// byte form: JSON of the record with the chain fields zeroed, so the hash
// covers content but not the chain metadata itself.
func canonicalSerialization(r Record) []byte {
	r.RecordHash = ""
	r.PreviousHash = ""
	r.SequenceNumber = 0
	b, _ := json.Marshal(r)
	return b
}

// chainHash computes SHA256(previous_hash || canonical(record)).
func chainHash(previousHash string, r Record) string {
	h := sha256.New()
	h.Write([]byte(previousHash))
	h.Write(canonicalSerialization(r))
	return hex.EncodeToString(h.Sum(nil))
}
