package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"gridtrader/internal/core"
	"gridtrader/internal/engine"
	"gridtrader/internal/exchange"
	"gridtrader/internal/ledger"
	"gridtrader/internal/planner"
	"gridtrader/internal/reconciler"
	"gridtrader/pkg/concurrency"
	apperrors "gridtrader/pkg/errors"
	"gridtrader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "gridbot",
		Short:         "Multi-strategy spot grid trading service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")

	cmd.AddCommand(
		newCreateCmd(&configPath),
		newListCmd(&configPath),
		newShowCmd(&configPath),
		newStartCmd(&configPath),
		newStopCmd(&configPath),
		newDeleteCmd(&configPath),
		newRebalanceCmd(&configPath),
		newStatusCmd(&configPath),
		newMonitorCmd(&configPath),
		newBacktestCmd(&configPath),
	)
	return cmd
}

// withApp opens the app stack for one command invocation and tears it down
// afterwards.
func withApp(configPath *string, fn func(ctx context.Context, a *app, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(*configPath)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd.Context(), a, cmd)
	}
}

func parsePrice(flag, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, &apperrors.Validation{Field: flag, Message: "not a valid number: " + value}
	}
	return d, nil
}

func newCreateCmd(configPath *string) *cobra.Command {
	var name, symbol, lower, upper, size string
	var grids int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new grid bot in the stopped state",
		RunE: withApp(configPath, func(ctx context.Context, a *app, cmd *cobra.Command) error {
			lo, err := parsePrice("lower", lower)
			if err != nil {
				return err
			}
			up, err := parsePrice("upper", upper)
			if err != nil {
				return err
			}
			sz, err := parsePrice("size", size)
			if err != nil {
				return err
			}

			bot, err := a.ledger.CreateBot(ctx, ledger.BotConfig{
				Name:       name,
				Symbol:     symbol,
				LowerPrice: lo,
				UpperPrice: up,
				GridCount:  grids,
				OrderSize:  sz,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created bot %q: %s [%s, %s] %d grids, %s per level\n",
				bot.Name, bot.Symbol, bot.LowerPrice, bot.UpperPrice, bot.GridCount, bot.OrderSize)

			// Soft cap: the full grid commitment against the free quote
			// balance. Start refuses outright; create only warns.
			required := sz.Mul(decimal.NewFromInt(int64(grids)))
			if info, err := a.gateway.GetSymbolInfo(ctx, symbol); err == nil {
				if balances, err := a.gateway.FetchBalance(ctx); err == nil {
					if free := balances[info.QuoteAsset].Free; required.GreaterThan(free) {
						fmt.Fprintf(cmd.OutOrStdout(),
							"Warning: grid commits %s %s but only %s is free; the bot will not start until funded.\n",
							required, info.QuoteAsset, free)
					}
				}
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "bot name (required)")
	cmd.Flags().StringVar(&symbol, "symbol", "BTCUSDT", "trading symbol")
	cmd.Flags().StringVar(&lower, "lower", "", "lower band price (required)")
	cmd.Flags().StringVar(&upper, "upper", "", "upper band price (required)")
	cmd.Flags().StringVar(&size, "size", "", "quote size per grid level (required)")
	cmd.Flags().IntVar(&grids, "grids", 10, "number of grid intervals")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("lower")
	_ = cmd.MarkFlagRequired("upper")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func newListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all bots",
		RunE: withApp(configPath, func(ctx context.Context, a *app, cmd *cobra.Command) error {
			bots, err := a.ledger.ListBots(ctx)
			if err != nil {
				return err
			}
			if len(bots) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No bots configured.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSYMBOL\tRANGE\tGRIDS\tSIZE\tSTATUS\tREBALANCES")
			for _, b := range bots {
				status := string(b.Status)
				if b.StopReason != "" {
					status += " (" + b.StopReason + ")"
				}
				fmt.Fprintf(w, "%s\t%s\t[%s, %s]\t%d\t%s\t%s\t%d\n",
					b.Name, b.Symbol, b.LowerPrice, b.UpperPrice, b.GridCount, b.OrderSize, status, b.RebalanceCount)
			}
			return w.Flush()
		}),
	}
}

func newShowCmd(configPath *string) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show bot detail, the computed grid and metrics",
		RunE: withApp(configPath, func(ctx context.Context, a *app, cmd *cobra.Command) error {
			bot, err := a.ledger.GetBot(ctx, name)
			if err != nil {
				return err
			}

			// Grid preview uses the live price when reachable; otherwise the
			// band midpoint so the command still works offline.
			price := bot.LowerPrice.Add(bot.UpperPrice).Div(decimal.NewFromInt(2))
			vol := core.VolUnknown
			if ticker, err := a.gateway.FetchTicker(ctx, bot.Symbol); err == nil {
				price = ticker.Last
			}
			if feats, err := a.featureService(); err == nil {
				if snap, err := feats.Snapshot(ctx, bot.Symbol); err == nil {
					vol = snap.VolBucket
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Bot %q (%s)\n", bot.Name, bot.Symbol)
			fmt.Fprintf(out, "  range      [%s, %s], %d grids (adjusted %d, vol %s)\n",
				bot.LowerPrice, bot.UpperPrice, bot.GridCount, planner.AdjustGridCount(bot.GridCount, vol), vol)
			fmt.Fprintf(out, "  size       %s per level\n", bot.OrderSize)
			fmt.Fprintf(out, "  status     %s", bot.Status)
			if bot.StopReason != "" {
				fmt.Fprintf(out, " (%s)", bot.StopReason)
			}
			fmt.Fprintf(out, "\n  rebalances %d\n", bot.RebalanceCount)

			info, err := a.gateway.GetSymbolInfo(ctx, bot.Symbol)
			tick := decimal.Zero
			if err == nil {
				tick = info.TickSize
			}
			levels := planner.Plan(planner.Input{
				LowerPrice:   bot.LowerPrice,
				UpperPrice:   bot.UpperPrice,
				GridCount:    bot.GridCount,
				CurrentPrice: price,
				VolBucket:    vol,
				TickSize:     tick,
			})
			fmt.Fprintf(out, "\nGrid at price %s:\n", price)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "  LEVEL\tPRICE\tSIDE\tWEIGHT")
			for _, lv := range levels {
				fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", lv.Index, lv.Price, lv.SideAtPlan, lv.Weight.StringFixed(3))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			m, err := a.ledger.GetMetrics(ctx, bot.Name)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nMetrics:\n")
			fmt.Fprintf(out, "  trades %d (open %d), wins %d, losses %d, win rate %.1f%%\n",
				m.TotalTrades, m.OpenTrades, m.WinCount, m.LossCount, m.WinRate*100)
			fmt.Fprintf(out, "  pnl %s, fees %s, profit factor %.2f, sharpe %.3f, max dd %.2f%%\n",
				m.TotalPnl.StringFixed(2), m.TotalFees.StringFixed(2), m.ProfitFactor, m.Sharpe, m.MaxDrawdown*100)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "bot name (required)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newStartCmd(configPath *string) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Transition a bot to running",
		RunE: withApp(configPath, func(ctx context.Context, a *app, cmd *cobra.Command) error {
			eng := engine.New(a.ledger, a.gateway, nil, nil, a.engineConfig(), nil, a.logger)
			if err := eng.Resume(ctx, name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bot %q is running. Use 'gridbot monitor --name %s' to drive it in the foreground.\n", name, name)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "bot name (required)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newStopCmd(configPath *string) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Cancel a bot's open orders and transition it to stopped",
		RunE: withApp(configPath, func(ctx context.Context, a *app, cmd *cobra.Command) error {
			eng := engine.New(a.ledger, a.gateway, nil, nil, a.engineConfig(), nil, a.logger)
			if err := eng.Stop(ctx, name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bot %q stopped.\n", name)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "bot name (required)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newDeleteCmd(configPath *string) *cobra.Command {
	var name string
	var force bool

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a bot together with its orders and trades",
		RunE: withApp(configPath, func(ctx context.Context, a *app, cmd *cobra.Command) error {
			bot, err := a.ledger.GetBot(ctx, name)
			if err != nil {
				return err
			}
			if bot.Status == core.BotRunning && !force {
				return &apperrors.Validation{Field: "name", Message: "bot is running; stop it first or pass --force"}
			}

			eng := engine.New(a.ledger, a.gateway, nil, nil, a.engineConfig(), nil, a.logger)
			if err := eng.Stop(ctx, name); err != nil {
				return err
			}
			if err := a.ledger.DeleteBot(ctx, name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bot %q deleted.\n", name)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "bot name (required)")
	cmd.Flags().BoolVar(&force, "force", false, "delete even if the bot is running")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newRebalanceCmd(configPath *string) *cobra.Command {
	var name, lower, upper string

	cmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Cancel open orders and recenter the grid range",
		RunE: withApp(configPath, func(ctx context.Context, a *app, cmd *cobra.Command) error {
			bot, err := a.ledger.GetBot(ctx, name)
			if err != nil {
				return err
			}

			var newLower, newUpper decimal.Decimal
			if lower != "" || upper != "" {
				if lower == "" || upper == "" {
					return &apperrors.Validation{Field: "lower", Message: "both --lower and --upper must be given"}
				}
				if newLower, err = parsePrice("lower", lower); err != nil {
					return err
				}
				if newUpper, err = parsePrice("upper", upper); err != nil {
					return err
				}
				if newUpper.LessThanOrEqual(newLower) {
					return &apperrors.Validation{Field: "upper", Message: "upper must exceed lower"}
				}
			} else {
				// Recenter around the current price preserving the band width,
				// 40% below and 60% above.
				ticker, err := a.gateway.FetchTicker(ctx, bot.Symbol)
				if err != nil {
					return fmt.Errorf("failed to fetch ticker for recentering: %w", err)
				}
				width := bot.UpperPrice.Sub(bot.LowerPrice)
				newLower = ticker.Last.Sub(width.Mul(decimal.NewFromFloat(0.4)))
				newUpper = ticker.Last.Add(width.Mul(decimal.NewFromFloat(0.6)))
			}

			open, err := a.ledger.ListOpenOrders(ctx, name)
			if err != nil {
				return err
			}
			for _, o := range open {
				if err := a.gateway.CancelOrder(ctx, o.ID, o.Symbol); err != nil && !isGone(err) {
					return err
				}
				if err := a.ledger.CancelOrder(ctx, o.ID, core.CancelReasonRebalance); err != nil && !isGone(err) {
					return err
				}
			}

			patch := ledger.BotPatch{LowerPrice: &newLower, UpperPrice: &newUpper, IncRebalanceCount: true}
			if err := a.ledger.UpdateBot(ctx, name, patch); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bot %q rebalanced to [%s, %s], %d orders cancelled.\n",
				name, newLower, newUpper, len(open))
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "bot name (required)")
	cmd.Flags().StringVar(&lower, "lower", "", "new lower band price")
	cmd.Flags().StringVar(&upper, "upper", "", "new upper band price")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// isGone reports cancel errors that mean the order is already finished.
func isGone(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrOrderNotOpen)
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show exchange connectivity, balances and aggregate counts",
		RunE: withApp(configPath, func(ctx context.Context, a *app, cmd *cobra.Command) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Exchange: %s (%s mode)\n", a.gateway.GetName(), a.cfg.App.Mode)

			balances, err := a.gateway.FetchBalance(ctx)
			if err != nil {
				fmt.Fprintf(out, "  connection: FAILED (%v)\n", err)
			} else {
				fmt.Fprintln(out, "  connection: OK")
				for asset, b := range balances {
					if b.Total.IsZero() {
						continue
					}
					fmt.Fprintf(out, "  %s: %s free / %s total\n", asset, b.Free, b.Total)
				}
			}

			bots, err := a.ledger.ListBots(ctx)
			if err != nil {
				return err
			}
			var running, paused, stopped, trades, openOrders int
			for _, b := range bots {
				switch b.Status {
				case core.BotRunning:
					running++
				case core.BotPaused:
					paused++
				default:
					stopped++
				}
				if m, err := a.ledger.GetMetrics(ctx, b.Name); err == nil {
					trades += m.TotalTrades
				}
				if open, err := a.ledger.ListOpenOrders(ctx, b.Name); err == nil {
					openOrders += len(open)
				}
			}
			fmt.Fprintf(out, "Bots: %d total (%d running, %d paused, %d stopped)\n",
				len(bots), running, paused, stopped)
			fmt.Fprintf(out, "Open orders: %d, trades recorded: %d\n", openOrders, trades)
			return nil
		}),
	}
}

func newMonitorCmd(configPath *string) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the grid engine loop in the foreground for one bot",
		RunE: withApp(configPath, func(ctx context.Context, a *app, cmd *cobra.Command) error {
			bot, err := a.ledger.GetBot(ctx, name)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if a.cfg.Telemetry.EnableMetrics {
				tel, err := telemetry.Setup("gridtrader")
				if err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = tel.Shutdown(shutdownCtx)
				}()
				srv := telemetry.NewServer(a.cfg.Telemetry.MetricsPort, a.logger)
				srv.Start()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Stop(shutdownCtx)
				}()
			}

			pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
				Name:        "orders",
				MaxWorkers:  a.cfg.Concurrency.ExecPoolSize,
				MaxCapacity: a.cfg.Concurrency.ExecPoolBuffer,
			}, a.logger)
			defer pool.Stop()

			eng, err := a.buildEngine(pool)
			if err != nil {
				return err
			}
			rec := reconciler.New(a.ledger, a.gateway,
				time.Duration(a.cfg.Reconciler.TradeLookbackMinutes)*time.Minute, a.logger)

			// Paper runs get live prices from the websocket stream. MarkPrice
			// fills resting orders the stream trades through; the reconciler
			// resolves those fills into the ledger on its cadence.
			if paper, ok := a.gateway.(*exchange.PaperGateway); ok {
				stream := exchange.NewTickerStream("", a.logger)
				go func() {
					_ = stream.Run(ctx, bot.Symbol, func(t core.Ticker) {
						if fills := paper.MarkPrice(t); len(fills) > 0 {
							a.logger.Info("paper fills from stream",
								"symbol", t.Symbol, "fills", len(fills), "price", t.Last.String())
						}
					})
				}()
			}

			switch bot.Status {
			case core.BotStopped:
				if err := eng.Resume(ctx, name); err != nil {
					return err
				}
			case core.BotPaused:
				fmt.Fprintf(os.Stderr, "Bot %q is paused (%s); run 'gridbot start --name %s' to resume it.\n",
					name, bot.StopReason, name)
			}
			runner := engine.NewRunner(eng, rec, a.ledger,
				time.Duration(a.cfg.Engine.CycleIntervalSeconds)*time.Second,
				time.Duration(a.cfg.Reconciler.IntervalSeconds)*time.Second,
				name, a.logger)

			fmt.Fprintf(os.Stderr, "Monitoring bot %q, Ctrl-C to stop.\n", name)
			return runner.Run(ctx)
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "bot name (required)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
