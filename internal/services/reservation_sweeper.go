package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

const (
	defaultReservationTTL   = 30 * time.Minute
	defaultSweepBatchSize   = 100
	defaultSweepConcurrency = 4
	reservationSweeperActor = "system:reservation-sweeper"
)

// ReservationSweeperDeps bundles collaborators required to construct the sweeper.
type ReservationSweeperDeps struct {
	Orders   repositories.OrderRepository
	Service  OrderService
	Payments PaymentService
	// TTL is how long a pending order may hold stock before it is cancelled.
	TTL         time.Duration
	BatchSize   int
	Concurrency int
	Clock       func() time.Time
	Metrics     WorkflowMetrics
	Tracer      trace.Tracer
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type reservationSweeper struct {
	orders      repositories.OrderRepository
	service     OrderService
	payments    PaymentService
	ttl         time.Duration
	batchSize   int
	concurrency int
	clock       func() time.Time
	metrics     WorkflowMetrics
	tracer      trace.Tracer
	logger      func(context.Context, string, map[string]any)
}

var _ ReservationSweeper = (*reservationSweeper)(nil)

// NewReservationSweeper constructs a sweeper that cancels unpaid orders older than the TTL
// and finishes reversals left incomplete by earlier cancellations.
func NewReservationSweeper(deps ReservationSweeperDeps) (ReservationSweeper, error) {
	if deps.Orders == nil {
		return nil, errors.New("reservation sweeper: order repository is required")
	}
	if deps.Service == nil {
		return nil, errors.New("reservation sweeper: order service is required")
	}

	ttl := deps.TTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &reservationSweeper{
		orders:      deps.Orders,
		service:     deps.Service,
		payments:    deps.Payments,
		ttl:         ttl,
		batchSize:   batch,
		concurrency: concurrency,
		clock: func() time.Time {
			return clock().UTC()
		},
		metrics: metrics,
		tracer:  defaultTracer(deps.Tracer),
		logger:  logger,
	}, nil
}

// Sweep runs one pass. Per-order failures are counted and logged; only listing failures are
// returned as errors.
func (s *reservationSweeper) Sweep(ctx context.Context) (_ SweepResult, err error) {
	ctx, span := startSpan(ctx, s.tracer, "orders.SweepReservations")
	defer finishSpan(span, &err)

	result := SweepResult{StartedAt: s.clock()}
	var mu sync.Mutex
	tally := func(fn func(*SweepResult)) {
		mu.Lock()
		fn(&result)
		mu.Unlock()
	}

	expired, err := s.orders.ListForSweep(ctx, repositories.OrderSweepQuery{
		Status:        domain.OrderStatusPending,
		CreatedBefore: result.StartedAt.Add(-s.ttl),
		Limit:         s.batchSize,
	})
	if err != nil {
		return result, fmt.Errorf("reservation sweeper: list expired: %w", mapRepositoryError(err))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)
	for _, order := range expired {
		order := order
		group.Go(func() error {
			outcome := s.expire(groupCtx, order)
			tally(func(r *SweepResult) {
				r.Scanned++
				switch outcome {
				case sweepExpired:
					r.Expired++
				case sweepReconciled:
					r.Reconciled++
				case sweepFailed:
					r.Failed++
				}
			})
			return nil
		})
	}
	_ = group.Wait()

	stalled, err := s.orders.ListForSweep(ctx, repositories.OrderSweepQuery{
		Status:          domain.OrderStatusCancelled,
		PendingReversal: true,
		Limit:           s.batchSize,
	})
	if err != nil {
		return result, fmt.Errorf("reservation sweeper: list pending reversals: %w", mapRepositoryError(err))
	}
	group, groupCtx = errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)
	for _, order := range stalled {
		order := order
		group.Go(func() error {
			_, err := s.service.CompleteReversal(groupCtx, order.ID)
			if err != nil {
				s.logger(groupCtx, "order.sweep.resume_failed", map[string]any{"order": order.ID, "error": err.Error()})
			}
			tally(func(r *SweepResult) {
				r.Scanned++
				if err != nil {
					r.Failed++
				} else {
					r.Resumed++
				}
			})
			return nil
		})
	}
	_ = group.Wait()

	result.FinishedAt = s.clock()
	span.SetAttributes(
		attribute.Int("sweep.expired", result.Expired),
		attribute.Int("sweep.reconciled", result.Reconciled),
		attribute.Int("sweep.resumed", result.Resumed),
		attribute.Int("sweep.failed", result.Failed),
	)
	s.metrics.ReservationsSwept(result)
	if result.Scanned > 0 {
		s.logger(ctx, "order.sweep.completed", map[string]any{
			"scanned":    result.Scanned,
			"expired":    result.Expired,
			"reconciled": result.Reconciled,
			"resumed":    result.Resumed,
			"failed":     result.Failed,
		})
	}
	return result, nil
}

type sweepOutcome int

const (
	sweepSkipped sweepOutcome = iota
	sweepExpired
	sweepReconciled
	sweepFailed
)

// expire syncs the gateway state before cancelling so an order whose webhook was lost is
// confirmed rather than cancelled. When the gateway cannot be reached the order is left alone.
func (s *reservationSweeper) expire(ctx context.Context, order Order) sweepOutcome {
	if s.payments != nil && order.Payment.IntentID != "" {
		synced, err := s.payments.SyncOrderPayment(ctx, order.ID)
		if err != nil {
			s.logger(ctx, "order.sweep.sync_failed", map[string]any{"order": order.ID, "error": err.Error()})
			return sweepFailed
		}
		if synced.Status != domain.OrderStatusPending {
			return sweepReconciled
		}
	}

	_, err := s.service.CancelOrder(ctx, CancelOrderCommand{
		OrderID:    order.ID,
		ActorID:    reservationSweeperActor,
		Reason:     CancelReasonReservationExpired,
		Privileged: true,
	})
	switch {
	case err == nil:
		return sweepExpired
	case errors.Is(err, ErrCancellationNotAllowed):
		return sweepSkipped
	default:
		s.logger(ctx, "order.sweep.cancel_failed", map[string]any{"order": order.ID, "error": err.Error()})
		return sweepFailed
	}
}
