package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kebairia/drivebackup/internal/logger"
)

// BreakerConfig configures the circuit breaker placed in front of a Store.
type BreakerConfig struct {
	Name string

	// MaxRequests is the number of requests allowed in half-open state.
	MaxRequests uint32

	// Interval is the cyclic reset period for counts in closed state.
	Interval time.Duration

	// Timeout is the time spent open before probing again.
	Timeout time.Duration

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "remote-storage",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// BreakerStore fails fast once the remote keeps failing.
// Authorization errors and caller cancellation do not count as failures.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreakerStore(next Store, cfg BreakerConfig, log logger.Logger) *BreakerStore {
	if log == nil {
		log = logger.Nop()
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, ErrNotAuthorized) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerStore{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[any](settings),
	}
}

// State reports the breaker state, e.g. "closed" or "open".
func (b *BreakerStore) State() string {
	return b.cb.State().String()
}

func (b *BreakerStore) ResolveFolder(ctx context.Context, name string) (string, error) {
	return execute(b, func() (string, error) { return b.next.ResolveFolder(ctx, name) })
}

func (b *BreakerStore) Upload(ctx context.Context, localPath, name, folderID string) (string, error) {
	return execute(b, func() (string, error) { return b.next.Upload(ctx, localPath, name, folderID) })
}

func (b *BreakerStore) List(ctx context.Context, typeTag, folderID string) ([]Object, error) {
	return execute(b, func() ([]Object, error) { return b.next.List(ctx, typeTag, folderID) })
}

func (b *BreakerStore) Delete(ctx context.Context, id string) error {
	_, err := execute(b, func() (struct{}, error) { return struct{}{}, b.next.Delete(ctx, id) })
	return err
}

func execute[T any](b *BreakerStore, fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(func() (any, error) { return fn() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrRemote, err)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}
