package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/makerbot/internal/bot"
	"github.com/sawpanic/makerbot/internal/quote"
	"github.com/sawpanic/makerbot/internal/secrets"
)

func runBot(cmd *cobra.Command, configPath, metricsAddr string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		cfg.Metrics.ListenAddr = metricsAddr
	}
	a, err := wire(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.ListenAddr != "" {
		srv := a.opsServer(cfg.Metrics.ListenAddr)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error().Err(err).Msg("ops server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info().
		Str("symbol", cfg.Exchange.Symbol).
		Str("order_size", cfg.Quoting.OrderSize).
		Float64("target_bps", cfg.Quoting.TargetBps).
		Float64("min_bps", cfg.Quoting.MinBps).
		Float64("max_bps", cfg.Quoting.MaxBps).
		Dur("interval", cfg.Loop.Interval).
		Str("jwt", secrets.Mask(cfg.Auth.JWTToken)).
		Msg("starting market maker")

	a.feed.Start(ctx)
	handle := bot.NewHandle(a.bot)
	if err := handle.Run(ctx); err != nil {
		return fmt.Errorf("market maker stopped: %w", err)
	}
	log.Info().Msg("market maker stopped cleanly")
	return nil
}

func runFlatten(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := wire(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.bot.Shutdown()
}

func runOrders(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := wire(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	pos, err := a.gateway.Position(ctx)
	if err != nil {
		return fmt.Errorf("query position: %w", err)
	}
	open, err := a.gateway.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("query open orders: %w", err)
	}
	ref, refErr := a.gateway.SymbolPrice(ctx)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "symbol    %s\n", cfg.Exchange.Symbol)
	fmt.Fprintf(out, "position  %v\n", pos.Qty)
	if refErr == nil {
		fmt.Fprintf(out, "price     %v\n", ref)
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSIDE\tPRICE\tQTY\tDEV BPS")
	for _, o := range open {
		dev := "-"
		if refErr == nil {
			dev = fmt.Sprintf("%.2f", quote.DeviationBps(ref, o.Price))
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%v\t%s\n", o.ID, o.Side, o.Price, o.Qty, dev)
	}
	return tw.Flush()
}
