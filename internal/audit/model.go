package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/credlink/stampd/internal/shared/types"
)

// canonicalJSON produces deterministic JSON with sorted map keys. Go maps
// iterate in random order, so hashing requires a canonical encoding.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return canonicalMarshal(parsed)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			valBytes, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valBytes)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			itemBytes, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf.Write(itemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return json.Marshal(val)
	}
}

// Outcome classifies how a timestamp request ended.
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeRejected     Outcome = "rejected"
	OutcomeQueued       Outcome = "queued"
	OutcomeOverflow     Outcome = "overflow"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Record is one immutable audit entry. Records are hash-chained: each
// carries the SHA-256 of its own content and the hash of its predecessor,
// so any retroactive edit breaks the chain.
type Record struct {
	ID        types.ID  `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash,omitempty"`

	RequestID     types.ID `json:"request_id"`
	TenantID      types.ID `json:"tenant_id"`
	ProviderUsed  string   `json:"provider_used,omitempty"`
	Outcome       Outcome  `json:"outcome"`
	FaultKind     string   `json:"fault_kind,omitempty"`
	FailedCheck   string   `json:"failed_check,omitempty"`
	PolicyVersion int      `json:"policy_version"`
	SerialNumber  string   `json:"serial_number,omitempty"`

	// Transcript holds the per-check verification results, one line per
	// check, exactly as the validator recorded them.
	Transcript []string `json:"transcript,omitempty"`

	CorrelationID *types.ID `json:"correlation_id,omitempty"`
}

// NewRecord builds an unchained record. Sequence, PrevHash and Hash are
// assigned by the recorder at append time.
func NewRecord(requestID, tenantID types.ID, outcome Outcome) *Record {
	return &Record{
		ID:        types.NewID(),
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		RequestID: requestID,
		TenantID:  tenantID,
		Outcome:   outcome,
	}
}

// ComputeHash returns the canonical SHA-256 of the record's content.
// The timestamp is rendered in UTC so verification is timezone-stable.
func (r *Record) ComputeHash() string {
	data := map[string]any{
		"id":             r.ID,
		"timestamp":      r.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash":      r.PrevHash,
		"request_id":     r.RequestID,
		"tenant_id":      r.TenantID,
		"outcome":        r.Outcome,
		"policy_version": r.PolicyVersion,
	}
	if r.ProviderUsed != "" {
		data["provider_used"] = r.ProviderUsed
	}
	if r.FaultKind != "" {
		data["fault_kind"] = r.FaultKind
	}
	if r.FailedCheck != "" {
		data["failed_check"] = r.FailedCheck
	}
	if r.SerialNumber != "" {
		data["serial_number"] = r.SerialNumber
	}
	if len(r.Transcript) > 0 {
		data["transcript"] = r.Transcript
	}

	jsonData, _ := canonicalJSON(data)
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}

// VerifyHash reports whether the stored hash matches the content.
func (r *Record) VerifyHash() bool {
	return r.Hash == r.ComputeHash()
}

// ListFilter narrows a record listing.
type ListFilter struct {
	TenantID  *types.ID  `json:"tenant_id,omitempty"`
	RequestID *types.ID  `json:"request_id,omitempty"`
	Outcome   Outcome    `json:"outcome,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// VerifyResult reports the outcome of a chain verification pass.
type VerifyResult struct {
	Valid          bool     `json:"valid"`
	Checked        int      `json:"checked"`
	ContentValid   int      `json:"content_valid"`
	ContentInvalid int      `json:"content_invalid"`
	LinkageValid   int      `json:"linkage_valid"`
	LinkageInvalid int      `json:"linkage_invalid"`
	Violations     []string `json:"violations,omitempty"`
}
