package main

import (
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"backfill/internal/ingest"
	"backfill/internal/market"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run all collection loops and the HTTP control surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.loadApp()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()
			return a.Run(ctx)
		},
	}
}

func newOnceCmd(opts *rootOptions) *cobra.Command {
	var granularity string
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run one pass of the collection loop for a granularity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := market.ParseGranularity(granularity)
			if err != nil {
				return err
			}
			a, err := opts.loadApp()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()
			run, err := a.Service().RunOnce(ctx, g)
			if run.ID == "" {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: chunks=%d inserted=%d failures=%d (%s)\n",
				run.ID, run.Chunks, run.Inserted, run.Failures, run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
			return err
		},
	}
	cmd.Flags().StringVarP(&granularity, "granularity", "g", "day", "minute | hour | day")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var granularity string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print progress records with completion percentage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var g market.Granularity
			if granularity != "" {
				parsed, err := market.ParseGranularity(granularity)
				if err != nil {
					return err
				}
				g = parsed
			}
			a, err := opts.loadApp()
			if err != nil {
				return err
			}
			defer a.Close()
			views, err := a.Service().Status(cmd.Context(), g)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), views)
			return nil
		},
	}
	cmd.Flags().StringVarP(&granularity, "granularity", "g", "", "filter by granularity")
	return cmd
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	var instrument, granularity string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear error count and pause for one instrument+granularity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := market.ParseGranularity(granularity)
			if err != nil {
				return err
			}
			a, err := opts.loadApp()
			if err != nil {
				return err
			}
			defer a.Close()
			rec, err := a.Service().Reset(cmd.Context(), instrument, g)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), []ingest.ProgressView{{ProgressRecord: rec, Percent: rec.Percent()}})
			return nil
		},
	}
	cmd.Flags().StringVarP(&instrument, "instrument", "i", "", "instrument, e.g. BTC/USDT")
	cmd.Flags().StringVarP(&granularity, "granularity", "g", "", "minute | hour | day")
	_ = cmd.MarkFlagRequired("instrument")
	_ = cmd.MarkFlagRequired("granularity")
	return cmd
}

func newCandlesCmd(opts *rootOptions) *cobra.Command {
	var instrument, granularity, start, end string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "candles",
		Short: "Print stored candles, best source per timestamp",
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := market.ParseGranularity(granularity)
			if err != nil {
				return err
			}
			from, err := parseDate(start, 0)
			if err != nil {
				return err
			}
			to, err := parseDate(end, math.MaxInt64)
			if err != nil {
				return err
			}
			a, err := opts.loadApp()
			if err != nil {
				return err
			}
			defer a.Close()
			points, err := a.Service().Candles(cmd.Context(), instrument, g, from, to)
			if err != nil {
				return err
			}
			printCandles(cmd.OutOrStdout(), market.Series(points), quiet)
			return nil
		},
	}
	cmd.Flags().StringVarP(&instrument, "instrument", "i", "", "instrument, e.g. BTC/USDT")
	cmd.Flags().StringVarP(&granularity, "granularity", "g", "day", "minute | hour | day")
	cmd.Flags().StringVar(&start, "start", "", "inclusive start, RFC3339 or 2006-01-02 (UTC)")
	cmd.Flags().StringVar(&end, "end", "", "inclusive end, RFC3339 or 2006-01-02 (UTC)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "summary line only")
	_ = cmd.MarkFlagRequired("instrument")
	return cmd
}

// parseDate 解析日期或 RFC3339 时间为毫秒；空串返回 fallback。
func parseDate(raw string, fallback int64) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("invalid time %q", raw)
}

func printCandles(w io.Writer, series market.Series, quiet bool) {
	if !quiet {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME\tSOURCE")
		for _, p := range series {
			fmt.Fprintf(tw, "%s\t%g\t%g\t%g\t%g\t%g\t%s\n",
				p.TimeString(), p.Open, p.High, p.Low, p.Close, p.Volume, p.Source)
		}
		_ = tw.Flush()
	}
	fmt.Fprintln(w, series.Summary())
}

func printStatus(w io.Writer, views []ingest.ProgressView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTRUMENT\tGRANULARITY\tSTATUS\tCOLLECTED\tTARGET\tPERCENT\tERRORS\tLAST ERROR")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%.2f%%\t%d\t%s\n",
			v.Instrument, v.Granularity, v.Status, v.Collected, v.Target, v.Percent, v.ErrorCount, v.LastError)
	}
	_ = tw.Flush()
}
