package server

import (
	"context"
	"time"
)

// ThrottleControl exposes the block/unblock escape hatch to operator
// tooling outside the request path. It shares the backend with the serving
// throttler, so a block placed here is visible to the next request.
type ThrottleControl struct {
	t *throttler
}

func NewThrottleControl() (*ThrottleControl, error) {
	rates, err := loadThrottleRates()
	if err != nil {
		return nil, err
	}
	return &ThrottleControl{t: newThrottler(throttleBackendFromEnv(), rates)}, nil
}

func newThrottleControlWithBackend(backend throttleBackend) (*ThrottleControl, error) {
	rates, err := loadThrottleRates()
	if err != nil {
		return nil, err
	}
	return &ThrottleControl{t: newThrottler(backend, rates)}, nil
}

func (c *ThrottleControl) Block(ctx context.Context, kind, value string, d time.Duration) error {
	return c.t.BlockIdentifier(ctx, kind, value, d)
}

func (c *ThrottleControl) Unblock(ctx context.Context, kind, value string) error {
	return c.t.UnblockIdentifier(ctx, kind, value)
}

func (c *ThrottleControl) Blocked(ctx context.Context, kind, value string) (bool, error) {
	return c.t.anyBlocked(ctx, [][2]string{{kind, value}})
}
