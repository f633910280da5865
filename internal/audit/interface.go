package audit

import (
	"context"

	"github.com/credlink/stampd/internal/shared/types"
)

// Recorder is the append-only audit log. Appends assign sequence numbers
// and chain hashes; nothing is ever updated or deleted.
type Recorder interface {
	Append(ctx context.Context, record *Record) error
	FindByRequest(ctx context.Context, requestID types.ID) ([]*Record, error)
	List(ctx context.Context, filter ListFilter) ([]*Record, int, error)
	VerifyChain(ctx context.Context, limit int) (*VerifyResult, error)
}
