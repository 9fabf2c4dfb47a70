package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/link-verifier/internal/confirmation"
	"github.com/akylbek/payment-system/link-verifier/internal/interfaces"
	"github.com/akylbek/payment-system/link-verifier/internal/lock"
	"github.com/akylbek/payment-system/link-verifier/internal/matcher"
	"github.com/akylbek/payment-system/link-verifier/internal/models"
	"github.com/akylbek/payment-system/link-verifier/internal/telemetry"
)

type Config struct {
	PollInterval   time.Duration
	LookbackBlocks uint64
	Confirmations  uint64
	StoreTimeout   time.Duration
	MaxConcurrency int
}

// CycleReport summarizes one reconciliation cycle.
type CycleReport struct {
	Groups      int
	Transitions int
	Failures    int
	Skipped     int
}

type group struct {
	merchant string
	currency string
	links    []models.PaymentLink
}

func (g group) key() string {
	return g.merchant + "/" + g.currency
}

type groupResult struct {
	transitions int
	failed      bool
	skipped     bool
}

// Reconciler drives payment links through their lifecycle by polling the
// ledger. It is the only writer of link status and matched event fields.
type Reconciler struct {
	store      interfaces.LinkStore
	reader     interfaces.LedgerReader
	publisher  interfaces.StatusPublisher
	locker     interfaces.Locker
	currencies models.CurrencyTable
	tracker    confirmation.Tracker
	cfg        Config
	now        func() time.Time
}

func NewReconciler(
	store interfaces.LinkStore,
	reader interfaces.LedgerReader,
	publisher interfaces.StatusPublisher,
	locker interfaces.Locker,
	currencies models.CurrencyTable,
	cfg Config,
) *Reconciler {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if locker == nil {
		locker = lock.NoopLocker{}
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Reconciler{
		store:      store,
		reader:     reader,
		publisher:  publisher,
		locker:     locker,
		currencies: currencies,
		tracker:    confirmation.Tracker{Threshold: cfg.Confirmations},
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run executes a cycle immediately and then on every tick until ctx is done.
// A cycle in flight when ctx is cancelled finishes the groups it has started.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	telemetry.Logger.Info("Reconciliation loop started",
		zap.Duration("interval", r.cfg.PollInterval),
		zap.Uint64("lookback_blocks", r.cfg.LookbackBlocks),
		zap.Uint64("confirmations", r.cfg.Confirmations),
	)

	for {
		r.RunCycle(ctx)

		select {
		case <-ctx.Done():
			telemetry.Logger.Info("Reconciliation loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle performs one poll cycle. ctx acts as the stop signal: once it is
// done no further groups are started, but I/O already issued runs to
// completion under its own per-call timeouts.
func (r *Reconciler) RunCycle(ctx context.Context) CycleReport {
	start := time.Now()
	work := context.WithoutCancel(ctx)
	work, span := telemetry.Tracer.Start(work, "reconcile.cycle")
	defer span.End()

	var report CycleReport
	groups, failures := r.collectGroups(work)
	report.Failures += failures

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, r.cfg.MaxConcurrency)
	)

dispatch:
	for _, g := range groups {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}

		report.Groups++
		wg.Add(1)
		go func(g group) {
			defer wg.Done()
			defer func() { <-sem }()

			res := r.reconcileGroup(work, g)

			mu.Lock()
			defer mu.Unlock()
			report.Transitions += res.transitions
			if res.failed {
				report.Failures++
			}
			if res.skipped {
				report.Skipped++
			}
		}(g)
	}
	wg.Wait()

	elapsed := time.Since(start)
	telemetry.CyclesTotal.Inc()
	telemetry.CycleDuration.Observe(elapsed.Seconds())
	span.SetAttributes(
		attribute.Int("groups", report.Groups),
		attribute.Int("transitions", report.Transitions),
		attribute.Int("failures", report.Failures),
	)

	telemetry.Logger.Debug("Reconciliation cycle finished",
		zap.Int("groups", report.Groups),
		zap.Int("transitions", report.Transitions),
		zap.Int("failures", report.Failures),
		zap.Int("skipped", report.Skipped),
		zap.Duration("duration", elapsed),
	)
	return report
}

// collectGroups batches open links by (merchant, currency) so each pair is
// queried once per cycle.
func (r *Reconciler) collectGroups(ctx context.Context) ([]group, int) {
	listCtx, cancel := r.storeContext(ctx)
	merchants, err := r.store.ListMerchants(listCtx)
	cancel()
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("list").Inc()
		telemetry.Logger.Error("Failed to list merchants", zap.Error(err))
		return nil, 1
	}

	var (
		groups   []group
		failures int
	)
	for _, merchant := range merchants {
		listCtx, cancel := r.storeContext(ctx)
		links, err := r.store.ListPending(listCtx, merchant)
		cancel()
		if err != nil {
			failures++
			telemetry.StoreErrors.WithLabelValues("list").Inc()
			telemetry.Logger.Error("Failed to list pending links",
				zap.String("merchant", merchant),
				zap.Error(err),
			)
			continue
		}

		byCurrency := make(map[string][]models.PaymentLink)
		for _, link := range links {
			if _, ok := r.currencies[link.Currency]; !ok {
				telemetry.Logger.Warn("Skipping link with unconfigured currency",
					zap.String("link_id", link.ID),
					zap.String("currency", link.Currency),
				)
				continue
			}
			byCurrency[link.Currency] = append(byCurrency[link.Currency], link)
		}

		for currency, links := range byCurrency {
			groups = append(groups, group{
				merchant: models.NormalizeAddress(merchant),
				currency: currency,
				links:    links,
			})
		}
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].key() < groups[j].key()
	})
	return groups, failures
}

func (r *Reconciler) reconcileGroup(ctx context.Context, g group) groupResult {
	ctx, span := telemetry.Tracer.Start(ctx, "reconcile.group")
	defer span.End()
	span.SetAttributes(
		attribute.String("merchant", g.merchant),
		attribute.String("currency", g.currency),
	)

	release, ok, err := r.locker.TryLock(ctx, g.key())
	if err != nil {
		telemetry.Logger.Warn("Failed to acquire group lock", zap.String("group", g.key()), zap.Error(err))
		return groupResult{failed: true}
	}
	if !ok {
		telemetry.Logger.Debug("Group is being reconciled elsewhere", zap.String("group", g.key()))
		return groupResult{skipped: true}
	}
	defer release()

	batch, err := r.reader.RecentTransfers(ctx, g.merchant, g.currency, r.cfg.LookbackBlocks)
	if err != nil {
		telemetry.SourceErrors.WithLabelValues(g.currency).Inc()
		telemetry.Logger.Warn("Ledger query failed, no events observed this cycle",
			zap.String("merchant", g.merchant),
			zap.String("currency", g.currency),
			zap.Error(err),
		)
		return groupResult{failed: true}
	}

	refCtx, cancel := r.storeContext(ctx)
	bound, err := r.store.BoundEventRefs(refCtx, g.merchant)
	cancel()
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("list").Inc()
		telemetry.Logger.Error("Failed to load bound event references",
			zap.String("merchant", g.merchant),
			zap.Error(err),
		)
		return groupResult{failed: true}
	}

	var res groupResult
	for _, pair := range matcher.Match(g.links, batch.Events, r.currencies, bound) {
		to := models.StatusPending
		if r.tracker.Classify(pair.Event.BlockNumber, batch.Head) == confirmation.Final {
			to = models.StatusPaid
		}
		if r.transition(ctx, pair.Link, models.Transition{
			To:          to,
			EventRef:    pair.Event.Ref(),
			BlockNumber: pair.Event.BlockNumber,
		}) {
			res.transitions++
		}
	}

	observed := make(map[string]struct{}, len(batch.Events))
	for _, ev := range batch.Events {
		observed[ev.Ref()] = struct{}{}
	}

	for _, link := range g.links {
		if link.Status != models.StatusPending || link.MatchedEventRef == "" {
			continue
		}

		if link.MatchedBlock >= batch.FromBlock && link.MatchedBlock <= batch.Head {
			if _, ok := observed[link.MatchedEventRef]; !ok {
				telemetry.Logger.Warn("Matched event missing from ledger window, possible reorg",
					zap.String("link_id", link.ID),
					zap.String("event_ref", link.MatchedEventRef),
					zap.Uint64("matched_block", link.MatchedBlock),
					zap.Uint64("head", batch.Head),
				)
				continue
			}
		}

		if r.tracker.Classify(link.MatchedBlock, batch.Head) != confirmation.Final {
			continue
		}
		if r.transition(ctx, link, models.Transition{To: models.StatusPaid, EventRef: link.MatchedEventRef}) {
			res.transitions++
		}
	}
	return res
}

// transition persists t as a read-modify-write on the stored link and
// publishes the change. Store errors skip the link until the next cycle.
func (r *Reconciler) transition(ctx context.Context, link models.PaymentLink, t models.Transition) bool {
	storeCtx, cancel := r.storeContext(ctx)
	updated, err := r.store.Update(storeCtx, link.MerchantAddress, link.ID, t)
	cancel()
	if err != nil {
		kind := storeErrorKind(err)
		telemetry.StoreErrors.WithLabelValues(kind).Inc()
		logf := telemetry.Logger.Warn
		if kind == "not_found" || kind == "invalid_transition" {
			logf = telemetry.Logger.Error
		}
		logf("Skipping link transition",
			zap.String("link_id", link.ID),
			zap.String("merchant", link.MerchantAddress),
			zap.String("from_status", string(link.Status)),
			zap.String("to_status", string(t.To)),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return false
	}

	telemetry.TransitionsTotal.WithLabelValues(string(updated.Status)).Inc()
	telemetry.Logger.Info("Payment link status transition",
		zap.String("link_id", updated.ID),
		zap.String("merchant", updated.MerchantAddress),
		zap.String("from_status", string(link.Status)),
		zap.String("to_status", string(updated.Status)),
		zap.String("event_ref", updated.MatchedEventRef),
	)

	change := models.StatusChange{
		LinkID:          updated.ID,
		MerchantAddress: updated.MerchantAddress,
		PreviousStatus:  link.Status,
		Status:          updated.Status,
		EventRef:        updated.MatchedEventRef,
		Timestamp:       r.now(),
	}
	pubCtx, cancel := r.storeContext(ctx)
	defer cancel()
	if err := r.publisher.PublishStatusChange(pubCtx, change); err != nil {
		telemetry.Logger.Warn("Failed to publish status change",
			zap.String("link_id", updated.ID),
			zap.Error(err),
		)
	}
	return true
}

func (r *Reconciler) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.StoreTimeout)
}

func storeErrorKind(err error) string {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, models.ErrEventAlreadyBound):
		return "event_bound"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "io"
	}
}

type nopPublisher struct{}

func (nopPublisher) PublishStatusChange(ctx context.Context, change models.StatusChange) error {
	return nil
}

func (c CycleReport) String() string {
	return fmt.Sprintf("groups=%d transitions=%d failures=%d skipped=%d", c.Groups, c.Transitions, c.Failures, c.Skipped)
}
