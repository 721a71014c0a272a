package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"ai4all/internal/daemon"
)

func newModelsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List installed models from the manifest or models directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := daemon.LoadRegistry(a.cfg)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tQUANT\tPATH")
			for _, m := range reg.Models() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.Kind, m.Quantization, m.Path)
			}
			return tw.Flush()
		},
	}
}

func newIndexCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "index", Short: "Build or query the retrieval index", RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("index requires a subcommand: build|query")
	}}

	var chunkSize int
	var overlap bool
	build := &cobra.Command{
		Use:     "build <dir>",
		Short:   "Chunk and embed every .txt/.md document under dir and save the snapshot",
		Example: "  ai4alld index build ./corpus --index-path ~/.ai4all/index.db",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.IndexPath == "" {
				return fmt.Errorf("index build needs --index-path (or index_path in the config)")
			}
			return withDaemon(cmd.Context(), a, func(d *daemon.Daemon) error {
				start := time.Now()
				n, err := d.BuildIndex(cmd.Context(), args[0], chunkSize, overlap)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "indexed %d fragments into %s in %s\n", n, a.cfg.IndexPath, time.Since(start).Round(time.Millisecond))
				return err
			})
		},
	}
	build.Flags().IntVar(&chunkSize, "chunk-size", 0, "Maximum fragment length in characters (0=default)")
	build.Flags().BoolVar(&overlap, "overlap", false, "Repeat the last sentence of each fragment at the start of the next")

	var k int
	query := &cobra.Command{
		Use:   "query <text>",
		Short: "Print the nearest indexed fragments for text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd.Context(), a, func(d *daemon.Daemon) error {
				hits, err := d.QueryIndex(cmd.Context(), strings.Join(args, " "), k)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "DISTANCE\tID\tTEXT")
				for _, h := range hits {
					fmt.Fprintf(tw, "%.4f\t%s\t%s\n", h.Distance, h.ID, h.SourceText)
				}
				return tw.Flush()
			})
		},
	}
	query.Flags().IntVarP(&k, "top-k", "k", 0, "Number of fragments to return (0=retrieval_k)")

	cmd.AddCommand(build, query)
	return cmd
}

// withDaemon runs fn against a daemon whose metrics stay off the default
// registry, closing it afterwards.
func withDaemon(ctx context.Context, a *app, fn func(d *daemon.Daemon) error) error {
	d, err := daemon.New(ctx, a.cfg, daemon.Options{Logger: a.log, Registerer: prometheus.NewRegistry()})
	if err != nil {
		return err
	}
	ferr := fn(d)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.DrainTimeout.D())
	defer cancel()
	if err := d.Close(cctx); err != nil && ferr == nil {
		return err
	}
	return ferr
}
