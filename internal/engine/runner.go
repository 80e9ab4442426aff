package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"gridtrader/internal/core"
	"gridtrader/internal/ledger"

	"golang.org/x/sync/errgroup"
)

// Runner drives the engine and the reconciler on their cadences. Each
// bot's work is serialized through a per-bot lock so a reconciliation
// pass and an engine cycle never interleave for the same bot; distinct
// bots run in parallel.
type Runner struct {
	engine            *Engine
	reconciler        core.IReconciler
	ledger            *ledger.Ledger
	cycleInterval     time.Duration
	reconcileInterval time.Duration
	only              string // restrict to one bot; empty runs all
	logger            core.ILogger

	locks sync.Map // bot name -> *sync.Mutex
}

// NewRunner builds a runner. only narrows the loop to a single bot, as
// used by foreground monitoring.
func NewRunner(eng *Engine, rec core.IReconciler, led *ledger.Ledger, cycleInterval, reconcileInterval time.Duration, only string, logger core.ILogger) *Runner {
	if cycleInterval <= 0 {
		cycleInterval = time.Minute
	}
	if reconcileInterval <= 0 {
		reconcileInterval = cycleInterval
	}
	return &Runner{
		engine:            eng,
		reconciler:        rec,
		ledger:            led,
		cycleInterval:     cycleInterval,
		reconcileInterval: reconcileInterval,
		only:              only,
		logger:            logger.WithField("component", "runner"),
	}
}

func (r *Runner) lockFor(bot string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(bot, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Run blocks until the context is cancelled. The first action is a full
// reconciliation pass so the ledger agrees with the exchange before any
// placement happens.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner starting",
		"cycle_interval", r.cycleInterval.String(),
		"reconcile_interval", r.reconcileInterval.String())

	r.reconcilePass(ctx, false)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.cycleLoop(ctx) })
	g.Go(func() error { return r.reconcileLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	r.logger.Info("runner stopped")
	return err
}

func (r *Runner) cycleLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cycleInterval)
	defer ticker.Stop()

	// Immediate first cycle; the ticker covers the rest.
	r.cyclePass(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.cyclePass(ctx)
		}
	}
}

func (r *Runner) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.reconcilePass(ctx, true)
		}
	}
}

// cyclePass runs one engine cycle for every running bot, in parallel
// across bots.
func (r *Runner) cyclePass(ctx context.Context) {
	bots, err := r.activeBots(ctx)
	if err != nil {
		r.logger.Error("failed to list bots", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, bot := range bots {
		bot := bot
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu := r.lockFor(bot.Name)
			mu.Lock()
			defer mu.Unlock()
			if _, err := r.engine.RunCycle(ctx, bot.Name); err != nil && ctx.Err() == nil {
				r.logger.Error("cycle failed", "bot", bot.Name, "error", err)
			}
		}()
	}
	wg.Wait()
}

// reconcilePass reconciles every running bot. Bots that saw fills get an
// immediate engine cycle while still holding the bot lock, so replacement
// placement observes the resolved fills.
func (r *Runner) reconcilePass(ctx context.Context, cycleOnFills bool) {
	if r.reconciler == nil {
		return
	}
	bots, err := r.activeBots(ctx)
	if err != nil {
		r.logger.Error("failed to list bots", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, bot := range bots {
		bot := bot
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu := r.lockFor(bot.Name)
			mu.Lock()
			defer mu.Unlock()

			report, err := r.reconciler.Reconcile(ctx, bot.Name)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error("reconciliation failed", "bot", bot.Name, "error", err)
				}
				return
			}
			if cycleOnFills && report.FillsResolved > 0 {
				r.logger.Info("fills resolved, triggering cycle",
					"bot", bot.Name, "fills", report.FillsResolved)
				if _, err := r.engine.RunCycle(ctx, bot.Name); err != nil && ctx.Err() == nil {
					r.logger.Error("post-fill cycle failed", "bot", bot.Name, "error", err)
				}
			}
		}()
	}
	wg.Wait()
}

func (r *Runner) activeBots(ctx context.Context) ([]*core.Bot, error) {
	bots, err := r.ledger.ListBots(ctx)
	if err != nil {
		return nil, err
	}
	out := bots[:0]
	for _, b := range bots {
		if b.Status != core.BotRunning {
			continue
		}
		if r.only != "" && b.Name != r.only {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
