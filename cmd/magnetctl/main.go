package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"magnetstream/internal/app"
	"magnetstream/internal/domain"
	"magnetstream/internal/usecase"
)

var (
	envFile   string
	logLevel  string
	fileIndex int
	rangeSpec string
	outPath   string
	skipSync  bool
)

var rootCmd = &cobra.Command{
	Use:           "magnetctl",
	Short:         "Inspect and fetch byte ranges from magnet links",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var filesCmd = &cobra.Command{
	Use:   "files <magnet>",
	Short: "List the files of a magnet once its metadata resolves",
	Args:  cobra.ExactArgs(1),
	RunE:  runFiles,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <magnet>",
	Short: "Stream one file, or a byte range of it, to stdout or a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with service settings")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug|info|warn|error)")

	fetchCmd.Flags().IntVarP(&fileIndex, "file", "f", 0, "file index within the torrent")
	fetchCmd.Flags().StringVarP(&rangeSpec, "range", "r", "", "inclusive byte range, e.g. 0-1048575, 500- or -500")
	fetchCmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	fetchCmd.Flags().BoolVar(&skipSync, "skip-sync", false, "start reading without waiting for the first piece")

	rootCmd.AddCommand(filesCmd, fetchCmd)
}

// withService builds a throwaway service, runs fn and tears every swarm down
// with its data.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *usecase.Service) error) error {
	if err := app.LoadDotEnv(envFile); err != nil {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg := app.LoadConfig()
	logger := app.NewLogger(os.Stderr, logLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			logger.Warn("shutdown failed", slog.String("error", err.Error()))
		}
	}()
	return fn(ctx, rt.Service)
}

func runFiles(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, svc *usecase.Service) error {
		meta, err := svc.Files(ctx, args[0])
		if err != nil {
			return err
		}
		return printFiles(cmd.OutOrStdout(), meta)
	})
}

func printFiles(w io.Writer, meta domain.TorrentMetadata) error {
	fmt.Fprintf(w, "%s  %s  (%d pieces of %d bytes)\n", meta.InfoHash, meta.Name, meta.NumPieces, meta.PieceLength)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tSIZE\tTYPE\tPATH")
	for _, f := range meta.Files {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", f.Index, f.Length, domain.CategoryForPath(f.Path), f.Path)
	}
	return tw.Flush()
}

func runFetch(cmd *cobra.Command, args []string) error {
	byteRange, err := parseRangeFlag(rangeSpec)
	if err != nil {
		return err
	}

	return withService(cmd, func(ctx context.Context, svc *usecase.Service) error {
		result, err := svc.CreateStream(ctx, usecase.StreamRequest{
			MagnetURI: args[0],
			FileIndex: fileIndex,
			Range:     byteRange,
			SkipSync:  skipSync,
		})
		if err != nil {
			return err
		}
		defer result.Body.Close()

		out := cmd.OutOrStdout()
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		if result.IsPartial {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s (%d bytes)\n", result.File.Path, result.ContentRange, result.ContentLength)
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d bytes\n", result.File.Path, result.ContentLength)
		}

		n, err := io.Copy(out, result.Body)
		if err != nil {
			return fmt.Errorf("copy after %d bytes: %w", n, err)
		}
		if n != result.ContentLength {
			return fmt.Errorf("short read: got %d of %d bytes", n, result.ContentLength)
		}
		return nil
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
