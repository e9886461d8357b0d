package provider

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled caps the outbound request rate of a Gateway so the aggregate
// of concurrent callers cannot exceed the provider's allowance.
type Throttled struct {
	inner   Gateway
	limiter *rate.Limiter
}

// NewThrottled wraps gw with a token-bucket limiter of rps requests per
// second (burst of one).
func NewThrottled(gw Gateway, rps float64) *Throttled {
	return &Throttled{
		inner:   gw,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (t *Throttled) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.Embed(ctx, texts)
}

func (t *Throttled) Generate(ctx context.Context, req GenerateRequest) (*Stream, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.Generate(ctx, req)
}

func (t *Throttled) EmbeddingModel() string { return t.inner.EmbeddingModel() }
func (t *Throttled) Model() string          { return t.inner.Model() }
