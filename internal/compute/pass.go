// Package compute implements the batch state engine: the checkpointed pass
// that re-derives lifecycle state from the event log and flushes the results
// atomically.
package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
	"github.com/monstera-lab/monstera/internal/core/config"
	"github.com/monstera-lab/monstera/internal/core/lifecycle"
	"github.com/monstera-lab/monstera/internal/core/partition"
	"github.com/monstera-lab/monstera/internal/core/policy"
	"github.com/monstera-lab/monstera/internal/core/storage"
)

const (
	defaultBatchSize   = 50000
	defaultWorkerCount = 10
)

// Options controls throughput and scope for one pass.
type Options struct {
	BatchSize   int
	WorkerCount int

	// Full resets the checkpoint first, forcing a replay of the entire
	// event log. Incremental passes (the default) only touch entities with
	// new events since the last checkpoint.
	Full bool
}

func (o Options) normalized(cfg *config.Config) Options {
	n := o
	if n.BatchSize <= 0 {
		n.BatchSize = cfg.Compute.BatchSize
	}
	if n.BatchSize <= 0 {
		n.BatchSize = defaultBatchSize
	}
	if n.WorkerCount <= 0 {
		n.WorkerCount = cfg.Compute.WorkerCount
	}
	if n.WorkerCount <= 0 {
		n.WorkerCount = defaultWorkerCount
	}
	return n
}

// Engine runs compute passes. Each pass is a pure re-derivation: fetch events
// past the checkpoint, collect the touched entities, recompute their states
// from full history, diff against the stored records, and flush states,
// transitions, and the advanced checkpoint in one transaction.
type Engine struct {
	events     storage.EventStore
	states     storage.StateStore
	entities   storage.EntityStore
	classifier *policy.Classifier
	cfg        *config.Config
	nowFn      func() time.Time
}

// NewEngine wires a compute engine over the given stores.
func NewEngine(
	events storage.EventStore,
	states storage.StateStore,
	entities storage.EntityStore,
	classifier *policy.Classifier,
	cfg *config.Config,
) *Engine {
	return &Engine{
		events:     events,
		states:     states,
		entities:   entities,
		classifier: classifier,
		cfg:        cfg,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// userResult is one user's recomputed state plus the bookkeeping it implies.
type userResult struct {
	platform    *lifecycle.UserPlatformState
	products    []*lifecycle.UserProductState
	transitions []lifecycle.StateTransition
	anomalies   []lifecycle.Anomaly
}

// RunPass executes one compute pass and returns its report. A non-nil error
// means the pass could not run at all; partition-level failures are reported
// in Report.PartitionErrors and leave the checkpoint untouched so the batch
// is retried on the next tick.
func (e *Engine) RunPass(ctx context.Context, opts Options) (*Report, error) {
	opts = opts.normalized(e.cfg)
	report := &Report{StartedAt: e.nowFn()}

	if opts.Full {
		if err := e.states.ResetCheckpoint(ctx); err != nil {
			return nil, fmt.Errorf("reset checkpoint: %w", err)
		}
	}

	cursor, err := e.states.ReadCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	report.FromCursor = cursor
	report.ToCursor = cursor

	events, err := e.events.RetrieveEventsAfterCursor(ctx, cursor, opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	if len(events) == 0 {
		slog.Debug("[StatePass] No new events to process", "cursor", cursor)
		report.FinishedAt = e.nowFn()
		return report, nil
	}
	report.EventsProcessed = len(events)
	newCursor := events[len(events)-1].IngestSeq

	watermark := e.nowFn()

	slog.Info("[StatePass] Starting pass",
		"cursor", cursor,
		"events", len(events),
		"batch_size", opts.BatchSize,
		"workers", opts.WorkerCount,
	)

	touchedUsers, touchedAccounts := e.collectTouched(ctx, events, report)

	batch := storage.StateBatch{}
	var mu sync.Mutex

	// Partition the touched users and recompute each partition's users in a
	// worker. A failing partition is recorded and isolated; the others still
	// complete, but the checkpoint only advances when every partition
	// succeeded, so a retry re-covers the failed users.
	partitions := make(map[int][]*v1.User)
	for _, u := range touchedUsers {
		p := int(partition.For(u.UserID))
		partitions[p] = append(partitions[p], u)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.WorkerCount)
	for pid, users := range partitions {
		pid, users := pid, users
		g.Go(func() error {
			for _, u := range users {
				res, err := e.computeUser(gctx, u, watermark)
				if err != nil {
					mu.Lock()
					if report.PartitionErrors == nil {
						report.PartitionErrors = make(map[int]string)
					}
					report.PartitionErrors[pid] = err.Error()
					mu.Unlock()
					return nil // isolate: other partitions keep going
				}
				mu.Lock()
				batch.PlatformStates = append(batch.PlatformStates, res.platform)
				batch.ProductStates = append(batch.ProductStates, res.products...)
				batch.Transitions = append(batch.Transitions, res.transitions...)
				report.Anomalies = append(report.Anomalies, res.anomalies...)
				report.UsersComputed++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	if len(report.PartitionErrors) == 0 {
		// Account states depend on the users' fresh results, so they run
		// after the user phase, sequentially over the touched accounts.
		if err := e.computeAccounts(ctx, touchedAccounts, &batch, report, watermark); err != nil {
			return report, err
		}

		report.TransitionsRecorded = len(batch.Transitions)
		if err := e.states.FlushStates(ctx, batch, newCursor); err != nil {
			return report, fmt.Errorf("flush states: %w", err)
		}
		report.ToCursor = newCursor
	} else {
		slog.Warn("[StatePass] Partition failures, checkpoint not advanced",
			"failed_partitions", len(report.PartitionErrors))
	}

	report.FinishedAt = e.nowFn()
	slog.Info("[StatePass] Pass complete",
		"events_processed", report.EventsProcessed,
		"users_computed", report.UsersComputed,
		"accounts_computed", report.AccountsComputed,
		"transitions", report.TransitionsRecorded,
		"anomalies", len(report.Anomalies),
		"signal", report.Signal(),
		"cursor_advanced", fmt.Sprintf("%d -> %d", report.FromCursor, report.ToCursor),
	)
	return report, nil
}

// collectTouched resolves the distinct users and accounts the batch touches.
// Events pointing at entities missing from the directory are a data-quality
// finding, not a failure.
func (e *Engine) collectTouched(ctx context.Context, events []*v1.Event, report *Report) ([]*v1.User, map[string]bool) {
	userIDs := make(map[string]bool)
	accounts := make(map[string]bool)
	for _, evt := range events {
		switch evt.EntityType {
		case v1.EntityUser:
			userIDs[evt.EntityID] = true
		case v1.EntityAccount:
			accounts[evt.EntityID] = true
		}
	}

	users := make([]*v1.User, 0, len(userIDs))
	ids := make([]string, 0, len(userIDs))
	for id := range userIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		u, err := e.entities.GetUser(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			report.MissingEntities = append(report.MissingEntities, "user/"+id)
			continue
		}
		if err != nil {
			// Directory lookup failures degrade to a data-quality finding
			// for this user; the pass continues.
			report.MissingEntities = append(report.MissingEntities, "user/"+id)
			slog.Warn("[StatePass] User lookup failed", "user_id", id, "error", err)
			continue
		}
		users = append(users, u)
		if u.AccountID != "" {
			accounts[u.AccountID] = true
		}
	}
	return users, accounts
}

// computeUser re-derives one user's platform and product states from full
// history and diffs them against the stored records.
func (e *Engine) computeUser(ctx context.Context, user *v1.User, watermark time.Time) (userResult, error) {
	var res userResult

	history, err := e.events.RetrieveEntityHistory(ctx, user.UserID, watermark)
	if err != nil {
		return res, fmt.Errorf("history for user %q: %w", user.UserID, err)
	}

	// Re-stamp classification so a policy change applies on recompute, not
	// only to events ingested after it.
	for _, evt := range history {
		e.classifier.Classify(evt)
	}

	prevPlatform, err := e.getPrevPlatform(ctx, user.UserID)
	if err != nil {
		return res, err
	}
	prevProducts, err := e.getPrevProducts(ctx, user.UserID)
	if err != nil {
		return res, err
	}

	platformWindows, err := e.cfg.PlatformWindows()
	if err != nil {
		return res, fmt.Errorf("platform windows: %w", err)
	}

	platform := lifecycle.ComputePlatformState(lifecycle.PlatformInput{
		User:      *user,
		Prev:      prevPlatform,
		Events:    history,
		Watermark: watermark,
		Windows:   platformWindows,
	})

	// Product states, lazily: only products this user's history touches.
	byProduct := make(map[string][]*v1.Event)
	for _, evt := range history {
		if evt.ProductID != "" {
			byProduct[evt.ProductID] = append(byProduct[evt.ProductID], evt)
		}
	}
	productIDs := make([]string, 0, len(byProduct))
	for pid := range byProduct {
		productIDs = append(productIDs, pid)
	}
	sort.Strings(productIDs)

	var productStates []lifecycle.UserProductState
	for _, pid := range productIDs {
		windows, err := e.cfg.ProductWindows(pid)
		if err != nil {
			return res, fmt.Errorf("windows for product %q: %w", pid, err)
		}
		next := lifecycle.ComputeProductState(lifecycle.ProductInput{
			UserID:    user.UserID,
			ProductID: pid,
			Prev:      prevProducts[pid],
			Events:    byProduct[pid],
			Watermark: watermark,
			Windows:   windows,
		})
		kept, transition, anomaly := diffProduct(prevProducts[pid], next, watermark)
		productStates = append(productStates, kept)
		res.products = append(res.products, &kept)
		if transition != nil {
			res.transitions = append(res.transitions, *transition)
		}
		if anomaly != nil {
			res.anomalies = append(res.anomalies, *anomaly)
		}
	}

	reconciled := lifecycle.ReconcilePlatformState(platform, prevPlatform, productStates)

	keptPlatform, transition, anomaly := diffPlatform(prevPlatform, reconciled, watermark)
	res.platform = &keptPlatform
	if transition != nil {
		res.transitions = append(res.transitions, *transition)
	}
	if anomaly != nil {
		res.anomalies = append(res.anomalies, *anomaly)
	}
	return res, nil
}

func (e *Engine) getPrevPlatform(ctx context.Context, userID string) (*lifecycle.UserPlatformState, error) {
	prev, err := e.states.GetPlatformState(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prev platform state %q: %w", userID, err)
	}
	return prev, nil
}

func (e *Engine) getPrevProducts(ctx context.Context, userID string) (map[string]*lifecycle.UserProductState, error) {
	prev, err := e.states.GetProductStates(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("prev product states %q: %w", userID, err)
	}
	byProduct := make(map[string]*lifecycle.UserProductState, len(prev))
	for _, s := range prev {
		byProduct[s.ProductID] = s
	}
	return byProduct, nil
}

// diffPlatform validates the computed state change against the edge set.
// An invalid edge retains the previous record and yields an anomaly instead
// of a transition: anomalies are reported, never fatal.
func diffPlatform(prev *lifecycle.UserPlatformState, next lifecycle.UserPlatformState, watermark time.Time) (lifecycle.UserPlatformState, *lifecycle.StateTransition, *lifecycle.Anomaly) {
	var from lifecycle.PlatformState
	var prevSince time.Time
	if prev != nil {
		from = prev.State
		prevSince = prev.StateSince
	}
	if from == next.State {
		return next, nil, nil
	}
	if !lifecycle.ValidPlatformTransition(from, next.State) {
		kept := next
		if prev != nil {
			kept = *prev
		}
		return kept, nil, &lifecycle.Anomaly{
			EntityType:        v1.EntityUser,
			EntityID:          next.UserID,
			Scope:             lifecycle.ScopePlatform,
			FromState:         string(from),
			ToState:           string(next.State),
			TriggeringEventID: next.TriggeringEventID,
			DetectedAt:        watermark,
		}
	}
	t := lifecycle.NewTransition(
		v1.EntityUser, next.UserID, lifecycle.ScopePlatform,
		string(from), string(next.State),
		prevSince, next.StateSince, next.TriggeringEventID,
	)
	return next, &t, nil
}

func diffProduct(prev *lifecycle.UserProductState, next lifecycle.UserProductState, watermark time.Time) (lifecycle.UserProductState, *lifecycle.StateTransition, *lifecycle.Anomaly) {
	var from lifecycle.ProductState
	var prevSince time.Time
	if prev != nil {
		from = prev.State
		prevSince = prev.StateSince
	}
	if from == next.State {
		return next, nil, nil
	}
	scope := lifecycle.ProductScope(next.ProductID)
	if !lifecycle.ValidProductTransition(from, next.State) {
		kept := next
		if prev != nil {
			kept = *prev
		}
		return kept, nil, &lifecycle.Anomaly{
			EntityType:        v1.EntityUser,
			EntityID:          next.UserID,
			Scope:             scope,
			FromState:         string(from),
			ToState:           string(next.State),
			TriggeringEventID: next.TriggeringEventID,
			DetectedAt:        watermark,
		}
	}
	t := lifecycle.NewTransition(
		v1.EntityUser, next.UserID, scope,
		string(from), string(next.State),
		prevSince, next.StateSince, next.TriggeringEventID,
	)
	return next, &t, nil
}

// computeAccounts derives each touched account's state from its users'
// fresh records plus the account's own event history.
func (e *Engine) computeAccounts(
	ctx context.Context,
	touched map[string]bool,
	batch *storage.StateBatch,
	report *Report,
	watermark time.Time,
) error {
	if len(touched) == 0 {
		return nil
	}

	accountWindows, err := e.cfg.AccountWindows()
	if err != nil {
		return fmt.Errorf("account windows: %w", err)
	}
	weights := e.cfg.HealthWeights()
	threshold := e.cfg.AtRiskThreshold()

	productsAvailable, err := e.countAvailableProducts(ctx)
	if err != nil {
		return err
	}

	// Index this pass's fresh user results so account usage figures see
	// them instead of the soon-to-be-superseded stored records.
	freshPlatform := make(map[string]*lifecycle.UserPlatformState, len(batch.PlatformStates))
	for _, s := range batch.PlatformStates {
		freshPlatform[s.UserID] = s
	}
	freshProducts := make(map[string][]*lifecycle.UserProductState)
	for _, s := range batch.ProductStates {
		freshProducts[s.UserID] = append(freshProducts[s.UserID], s)
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, accountID := range ids {
		acct, err := e.entities.GetAccount(ctx, accountID)
		if errors.Is(err, storage.ErrNotFound) {
			report.MissingEntities = append(report.MissingEntities, "account/"+accountID)
			continue
		}
		if err != nil {
			return fmt.Errorf("account %q: %w", accountID, err)
		}

		in, err := e.buildAccountInput(ctx, acct, freshPlatform, freshProducts, watermark, accountWindows, productsAvailable)
		if err != nil {
			return err
		}
		in.Weights = weights
		in.AtRiskThreshold = threshold

		next := lifecycle.ComputeAccountState(in)

		kept, transition, anomaly := diffAccount(in.Prev, next, watermark)
		batch.AccountStates = append(batch.AccountStates, &kept)
		if transition != nil {
			batch.Transitions = append(batch.Transitions, *transition)
		}
		if anomaly != nil {
			report.Anomalies = append(report.Anomalies, *anomaly)
		}
		report.AccountsComputed++
	}
	return nil
}

func (e *Engine) countAvailableProducts(ctx context.Context) (int, error) {
	products, err := e.entities.ListProducts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list products: %w", err)
	}
	n := 0
	for _, p := range products {
		if p.Active && p.Tier == v1.TierProduct {
			n++
		}
	}
	return n, nil
}

func (e *Engine) buildAccountInput(
	ctx context.Context,
	acct *v1.Account,
	freshPlatform map[string]*lifecycle.UserPlatformState,
	freshProducts map[string][]*lifecycle.UserProductState,
	watermark time.Time,
	windows lifecycle.WindowSet,
	productsAvailable int,
) (lifecycle.AccountInput, error) {
	in := lifecycle.AccountInput{
		Account:           *acct,
		Watermark:         watermark,
		Windows:           windows,
		ProductsAvailable: productsAvailable,
	}

	prev, err := e.states.GetAccountState(ctx, acct.AccountID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return in, fmt.Errorf("prev account state %q: %w", acct.AccountID, err)
	}
	if err == nil {
		in.Prev = prev
	}

	users, err := e.entities.ListUsersByAccount(ctx, acct.AccountID)
	if err != nil {
		return in, fmt.Errorf("users for account %q: %w", acct.AccountID, err)
	}

	activeProducts := make(map[string]bool)
	for _, u := range users {
		ps := freshPlatform[u.UserID]
		if ps == nil {
			if ps, err = e.getPrevPlatform(ctx, u.UserID); err != nil {
				return in, err
			}
		}
		if ps != nil && lifecycle.Engaged(ps.State) {
			in.ActiveSeats++
		}

		prods := freshProducts[u.UserID]
		if prods == nil {
			stored, err := e.getPrevProducts(ctx, u.UserID)
			if err != nil {
				return in, err
			}
			for _, s := range stored {
				prods = append(prods, s)
			}
		}
		for _, s := range prods {
			if lifecycle.EngagedInProduct(s.State) {
				activeProducts[s.ProductID] = true
			}
		}
	}
	in.ProductsWithActiveUser = len(activeProducts)

	history, err := e.events.RetrieveAccountHistory(ctx, acct.AccountID, watermark)
	if err != nil {
		return in, fmt.Errorf("history for account %q: %w", acct.AccountID, err)
	}
	for _, evt := range history {
		e.classifier.Classify(evt)
	}

	in.QualifyingCurrent, in.QualifyingPrevious = qualifyingTrend(history, watermark, windows.ActiveWindow)
	in.Dunning = accountDunning(history, watermark)
	in.Frozen = accountFrozen(history, watermark)
	in.Cancelled = accountCancelled(history, watermark)
	in.SeatTrendDelta = seatTrendDelta(in.ActiveSeats, in.Prev, acct.TotalSeats)

	return in, nil
}

func diffAccount(prev *lifecycle.AccountStateRecord, next lifecycle.AccountStateRecord, watermark time.Time) (lifecycle.AccountStateRecord, *lifecycle.StateTransition, *lifecycle.Anomaly) {
	var from lifecycle.AccountState
	var prevSince time.Time
	if prev != nil {
		from = prev.State
		prevSince = prev.StateSince
	}
	if from == next.State {
		return next, nil, nil
	}
	if !lifecycle.ValidAccountTransition(from, next.State) {
		kept := next
		if prev != nil {
			kept = *prev
		}
		return kept, nil, &lifecycle.Anomaly{
			EntityType: v1.EntityAccount,
			EntityID:   next.AccountID,
			Scope:      lifecycle.ScopeAccount,
			FromState:  string(from),
			ToState:    string(next.State),
			DetectedAt: watermark,
		}
	}
	t := lifecycle.NewTransition(
		v1.EntityAccount, next.AccountID, lifecycle.ScopeAccount,
		string(from), string(next.State),
		prevSince, next.StateSince, next.TriggeringEventID,
	)
	return next, &t, nil
}

// qualifyingTrend counts qualifying events in the trailing window and in the
// window before it, both half-open.
func qualifyingTrend(events []*v1.Event, watermark time.Time, window time.Duration) (current, previous int) {
	prevWatermark := watermark.Add(-window)
	for _, evt := range events {
		if !evt.IsQualifying || evt.OccurredAt.After(watermark) {
			continue
		}
		if lifecycle.InWindow(evt.OccurredAt, watermark, window) {
			current++
		} else if lifecycle.InWindow(evt.OccurredAt, prevWatermark, window) {
			previous++
		}
	}
	return current, previous
}

// accountDunning reports an unresolved payment failure across the account's
// combined history.
func accountDunning(events []*v1.Event, watermark time.Time) bool {
	var lastFailed, lastOK time.Time
	for _, evt := range events {
		if evt.OccurredAt.After(watermark) {
			continue
		}
		switch evt.Type {
		case "payment_failed":
			if evt.OccurredAt.After(lastFailed) {
				lastFailed = evt.OccurredAt
			}
		case "payment_succeeded":
			if evt.OccurredAt.After(lastOK) {
				lastOK = evt.OccurredAt
			}
		}
	}
	return !lastFailed.IsZero() && lastFailed.After(lastOK)
}

// accountFrozen reports an administrative freeze not yet lifted.
func accountFrozen(events []*v1.Event, watermark time.Time) bool {
	var frozenAt, unfrozenAt time.Time
	for _, evt := range events {
		if evt.OccurredAt.After(watermark) {
			continue
		}
		switch evt.Type {
		case "account_frozen":
			if evt.OccurredAt.After(frozenAt) {
				frozenAt = evt.OccurredAt
			}
		case "account_unfrozen":
			if evt.OccurredAt.After(unfrozenAt) {
				unfrozenAt = evt.OccurredAt
			}
		}
	}
	return !frozenAt.IsZero() && frozenAt.After(unfrozenAt)
}

// accountCancelled reports an explicit cancellation with no later
// resubscription.
func accountCancelled(events []*v1.Event, watermark time.Time) bool {
	var cancelledAt, resubscribedAt time.Time
	for _, evt := range events {
		if evt.OccurredAt.After(watermark) {
			continue
		}
		switch evt.Type {
		case "subscription_cancelled":
			if evt.OccurredAt.After(cancelledAt) {
				cancelledAt = evt.OccurredAt
			}
		case "subscription_renewed":
			if evt.OccurredAt.After(resubscribedAt) {
				resubscribedAt = evt.OccurredAt
			}
		}
	}
	return !cancelledAt.IsZero() && cancelledAt.After(resubscribedAt)
}

// seatTrendDelta recovers the prior pass's seats-in-use figure from the
// stored utilization percentage. First computations have no trend.
func seatTrendDelta(activeSeats int, prev *lifecycle.AccountStateRecord, totalSeats int) int {
	if prev == nil || totalSeats <= 0 {
		return 0
	}
	prevSeats := prev.SeatUtilizationPct.
		Mul(decimal.NewFromInt(int64(totalSeats))).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
	return activeSeats - int(prevSeats)
}
