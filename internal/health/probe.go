package health

import (
	"context"
	"crypto"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/digitorus/timestamp"

	"github.com/credlink/stampd/internal/provider"
	"github.com/credlink/stampd/internal/tsa"
)

// NewRFC3161Prober probes a provider with a real timestamp query over a
// throwaway digest. A probe passes only if the provider returns a granted,
// parseable response; the token is discarded without policy validation.
func NewRFC3161Prober(adapter provider.Adapter) Prober {
	return ProberFunc(func(ctx context.Context, p *provider.Provider) (time.Duration, error) {
		digest := make([]byte, 32)
		if _, err := rand.Read(digest); err != nil {
			return 0, fmt.Errorf("probe digest: %w", err)
		}
		nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
		if err != nil {
			return 0, fmt.Errorf("probe nonce: %w", err)
		}

		req := timestamp.Request{
			HashAlgorithm: crypto.SHA256,
			HashedMessage: digest,
			Certificates:  true,
			Nonce:         nonce,
		}
		der, err := req.Marshal()
		if err != nil {
			return 0, fmt.Errorf("probe request: %w", err)
		}

		start := time.Now()
		raw, err := adapter.Send(ctx, der, p)
		if err != nil {
			return 0, err
		}
		elapsed := time.Since(start)

		tok, err := tsa.ParseResponse(raw)
		if err != nil {
			return elapsed, fmt.Errorf("probe response: %w", err)
		}
		if !tok.Granted() {
			return elapsed, fmt.Errorf("probe rejected: status %d (%s)", tok.Status, tok.StatusString)
		}
		return elapsed, nil
	})
}
