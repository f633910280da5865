package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"

	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/metrics"
	"github.com/credlink/stampd/internal/shared/types"
)

const (
	// StreamName is the stream holding every audit record.
	StreamName = "$stampd-audit"
	// RecordEventType is the event type for audit records.
	RecordEventType = "TimestampAuditRecord"
)

// KurrentDBRecorder stores the audit chain in KurrentDB, which is itself
// append-only, so the storage layer cannot rewrite history either.
type KurrentDBRecorder struct {
	client   *esdb.Client
	mu       sync.Mutex
	lastHash string
	sequence int64
}

func NewKurrentDBRecorder(client *esdb.Client) *KurrentDBRecorder {
	return &KurrentDBRecorder{client: client}
}

// Initialize loads the chain head from the stream so appends continue the
// existing chain after a restart.
func (r *KurrentDBRecorder) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	opts := esdb.ReadStreamOptions{
		Direction: esdb.Backwards,
		From:      esdb.End{},
	}

	stream, err := r.client.ReadStream(ctx, StreamName, opts, 1)
	if err != nil {
		if esdbErr, ok := esdb.FromError(err); ok {
			if esdbErr.Code() == esdb.ErrorCodeResourceNotFound {
				r.lastHash = ""
				r.sequence = 0
				return nil
			}
		}
		return errors.Wrap(err, "failed to read audit stream")
	}
	defer stream.Close()

	event, err := stream.Recv()
	if err != nil {
		r.lastHash = ""
		r.sequence = 0
		return nil
	}

	if event.Event != nil && event.Event.EventType == RecordEventType {
		var rec Record
		if err := json.Unmarshal(event.Event.Data, &rec); err == nil {
			r.lastHash = rec.Hash
			r.sequence = rec.Sequence
		}
	}
	return nil
}

func (r *KurrentDBRecorder) Append(ctx context.Context, record *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sequence++
	record.Sequence = r.sequence
	record.PrevHash = r.lastHash
	record.Hash = record.ComputeHash()

	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to marshal audit record")
	}

	eventData := esdb.EventData{
		EventID:     uuid.New(),
		EventType:   RecordEventType,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		Metadata: []byte(fmt.Sprintf(`{"sequence":%d,"hash":"%s"}`,
			record.Sequence, record.Hash)),
	}

	_, err = r.client.AppendToStream(ctx, StreamName, esdb.AppendToStreamOptions{}, eventData)
	if err != nil {
		return errors.Wrap(err, "failed to append audit record")
	}

	r.lastHash = record.Hash
	metrics.RecordAuditRecord()
	return nil
}

func (r *KurrentDBRecorder) FindByRequest(ctx context.Context, requestID types.ID) ([]*Record, error) {
	filter := ListFilter{RequestID: &requestID}
	records, _, err := r.List(ctx, filter)
	return records, err
}

func (r *KurrentDBRecorder) List(ctx context.Context, filter ListFilter) ([]*Record, int, error) {
	opts := esdb.ReadStreamOptions{
		Direction: esdb.Backwards,
		From:      esdb.End{},
	}

	maxEvents := uint64(1000)
	if filter.Limit > 0 {
		maxEvents = uint64(filter.Limit + filter.Offset + 100)
	}

	stream, err := r.client.ReadStream(ctx, StreamName, opts, maxEvents)
	if err != nil {
		if esdbErr, ok := esdb.FromError(err); ok {
			if esdbErr.Code() == esdb.ErrorCodeResourceNotFound {
				return []*Record{}, 0, nil
			}
		}
		return nil, 0, errors.Wrap(err, "failed to read audit stream")
	}
	defer stream.Close()

	var records []*Record
	total := 0

	for {
		event, err := stream.Recv()
		if err != nil {
			break
		}
		if event.Event == nil || event.Event.EventType != RecordEventType {
			continue
		}
		var rec Record
		if err := json.Unmarshal(event.Event.Data, &rec); err != nil {
			continue
		}
		if !matchFilter(&rec, filter) {
			continue
		}
		total++
		if filter.Offset > 0 && total <= filter.Offset {
			continue
		}
		if filter.Limit > 0 && len(records) >= filter.Limit {
			continue
		}
		records = append(records, &rec)
	}

	return records, total, nil
}

func matchFilter(rec *Record, filter ListFilter) bool {
	if filter.TenantID != nil && rec.TenantID != *filter.TenantID {
		return false
	}
	if filter.RequestID != nil && rec.RequestID != *filter.RequestID {
		return false
	}
	if filter.Outcome != "" && rec.Outcome != filter.Outcome {
		return false
	}
	if filter.StartTime != nil && rec.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && rec.Timestamp.After(*filter.EndTime) {
		return false
	}
	return true
}

// VerifyChain recomputes content hashes and prev-hash linkage over the
// most recent limit records.
func (r *KurrentDBRecorder) VerifyChain(ctx context.Context, limit int) (*VerifyResult, error) {
	opts := esdb.ReadStreamOptions{
		Direction: esdb.Backwards,
		From:      esdb.End{},
	}

	stream, err := r.client.ReadStream(ctx, StreamName, opts, uint64(limit))
	if err != nil {
		if esdbErr, ok := esdb.FromError(err); ok {
			if esdbErr.Code() == esdb.ErrorCodeResourceNotFound {
				return &VerifyResult{Valid: true}, nil
			}
		}
		return nil, errors.Wrap(err, "failed to read audit stream")
	}
	defer stream.Close()

	var records []*Record
	for {
		event, err := stream.Recv()
		if err != nil {
			break
		}
		if event.Event != nil && event.Event.EventType == RecordEventType {
			var rec Record
			if err := json.Unmarshal(event.Event.Data, &rec); err == nil {
				records = append(records, &rec)
			}
		}
	}

	return verifyRecords(records), nil
}

// verifyRecords checks a newest-first slice of records.
func verifyRecords(records []*Record) *VerifyResult {
	result := &VerifyResult{Valid: true, Checked: len(records)}

	for i, rec := range records {
		computed := rec.ComputeHash()
		if computed == rec.Hash {
			result.ContentValid++
		} else {
			result.Valid = false
			result.ContentInvalid++
			result.Violations = append(result.Violations,
				fmt.Sprintf("content tampered: record %d hash mismatch (stored %.16s, computed %.16s)",
					rec.Sequence, rec.Hash, computed))
		}

		if i < len(records)-1 {
			prev := records[i+1]
			if rec.PrevHash != prev.Hash {
				result.Valid = false
				result.LinkageInvalid++
				result.Violations = append(result.Violations,
					fmt.Sprintf("chain broken: record %d prev_hash does not match record %d",
						rec.Sequence, prev.Sequence))
				continue
			}
		}
		result.LinkageValid++
	}

	return result
}
