package services

import (
	"context"
	"fmt"
	"time"

	"settlement-api/internal/affiliate"
	"settlement-api/internal/orders"
	"settlement-api/pkg/logging"
)

// Lease names for the single-writer jobs.
const (
	LeaseBatch    = "affiliate-batch"
	LeaseDispatch = "affiliate-dispatch"
	LeaseArchive  = "order-archive"
)

// Jobs runs the out-of-band phases, each under its own lease so two workers
// never batch or dispatch at the same time.
type Jobs struct {
	locker       Locker
	batcher      *affiliate.Batcher
	dispatcher   *affiliate.Dispatcher
	orders       *orders.Service
	ttl          time.Duration
	archiveAfter time.Duration
}

// NewJobs creates a job runner.
func NewJobs(locker Locker, batcher *affiliate.Batcher, dispatcher *affiliate.Dispatcher, svc *orders.Service, ttl, archiveAfter time.Duration) *Jobs {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Jobs{
		locker:       locker,
		batcher:      batcher,
		dispatcher:   dispatcher,
		orders:       svc,
		ttl:          ttl,
		archiveAfter: archiveAfter,
	}
}

// Batch groups accrued commission into payments.
func (j *Jobs) Batch(ctx context.Context) (*affiliate.BatchResult, error) {
	var res *affiliate.BatchResult
	err := j.guarded(ctx, LeaseBatch, func(ctx context.Context) error {
		var err error
		res, err = j.batcher.Run(ctx)
		return err
	})
	return res, err
}

// Dispatch sends unpaid payments to their payout gateways.
func (j *Jobs) Dispatch(ctx context.Context) (*affiliate.DispatchResult, error) {
	var res *affiliate.DispatchResult
	err := j.guarded(ctx, LeaseDispatch, func(ctx context.Context) error {
		var err error
		res, err = j.dispatcher.Run(ctx)
		return err
	})
	return res, err
}

// Archive moves aged closed and refunded orders to archived.
func (j *Jobs) Archive(ctx context.Context) (int, error) {
	var n int
	err := j.guarded(ctx, LeaseArchive, func(ctx context.Context) error {
		var err error
		n, err = j.orders.Archive(ctx, j.archiveAfter)
		return err
	})
	return n, err
}

func (j *Jobs) guarded(ctx context.Context, name string, fn func(context.Context) error) error {
	release, err := j.locker.Acquire(ctx, name, j.ttl)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, j.ttl)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil {
		logging.Errorf("Job %s failed after %v: %v", name, time.Since(start), err)
		return err
	}
	logging.Infof("Job %s finished in %v", name, time.Since(start))
	return nil
}
