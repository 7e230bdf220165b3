package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"nftguard/api"
	"nftguard/imageprocessor"
	"nftguard/logging"
	"nftguard/reporting"
	"nftguard/scanner"
	"nftguard/types"
	"nftguard/valuation"
	"nftguard/verdict"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// withApp opens the pipeline for the duration of fn
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logging.LogError("Failed to close resources: %v", cerr)
		}
	}()
	return fn(ctx, a)
}

func newIngestCmd() *cobra.Command {
	var (
		manifest     string
		skipExisting bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Add the assets listed in a manifest to the catalog",
		Long: `Reads a YAML or JSON manifest of asset records, fingerprints each image and
stores the assets. Image paths are relative to the manifest.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				startTime := time.Now()
				stats, err := scanner.ScanAndIngest(ctx, a.store, a.catalog, a.engine, scanner.ScanOptions{
					ManifestPath: manifest,
					Workers:      cfg.Workers,
					DebugMode:    cfg.Debug,
					SkipExisting: skipExisting,
					Progress:     cmd.OutOrStdout(),
				})
				if err != nil {
					return fmt.Errorf("error ingesting manifest: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "\nTotal execution time: %v\n", time.Since(startTime).Round(time.Millisecond))
				fmt.Fprintf(out, "Database: %s\n", cfg.Database)
				fmt.Fprintf(out, "Catalog size: %d\n", a.catalog.Len())
				if stats.Failed > 0 {
					return fmt.Errorf("%d of %d records failed", stats.Failed, stats.Total)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", "", "path to the asset manifest")
	cmd.Flags().BoolVar(&skipExisting, "skip-existing", false, "skip records whose id is already stored")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

func newTrainCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the valuation model on the priced catalog assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				samples := a.catalog.TrainingSamples()
				report, err := a.model.Fit(samples)
				if err != nil {
					return fmt.Errorf("error training model: %w", err)
				}

				path := out
				if path == "" {
					path = cfg.ModelPath
				}
				if err := a.saveModel(ctx, path, report.Samples); err != nil {
					return fmt.Errorf("error saving model: %w", err)
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Trained on %d samples (rank %d, R² %.4f, residual std err %.4f)\n",
					report.Samples, report.Rank, report.RSquared, report.ResidualStdErr)
				fmt.Fprintf(w, "  intercept          %12.6f\n", report.Coefficients.Intercept)
				for i, name := range valuation.FeatureNames {
					fmt.Fprintf(w, "  %-18s %12.6f\n", name, report.Coefficients.Weights[i])
				}
				for _, warning := range report.Warnings {
					fmt.Fprintf(w, "Warning: %s\n", warning)
				}
				if path != "" {
					fmt.Fprintf(w, "Model saved to %s\n", path)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the model to this file (default: model_path)")
	return cmd
}

func newEvaluateCmd() *cobra.Command {
	var (
		manifest   string
		imagePath  string
		id         string
		rarity     float64
		sales      int
		reputation float64
		price      float64
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Check a listing for duplicates and estimate its price",
		Long: `Evaluates one listing given by flags, or every record of a manifest with
--manifest. Verdicts are written to the ledger and, when configured, to Kafka.
Evaluated listings are not added to the catalog.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifest == "" && imagePath == "" {
				return errors.New("either --image or --manifest is required")
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				reporter := a.reporter
				if asJSON {
					reporter = reporting.Multi{a.reporter, reporting.NewJSONWriter(cmd.OutOrStdout())}
				}

				if manifest != "" {
					return evaluateManifest(ctx, cmd.OutOrStdout(), a, reporter, manifest, asJSON)
				}

				rec := types.AssetRecord{ID: id, Image: imagePath}
				flags := cmd.Flags()
				if flags.Changed("rarity") {
					rec.RarityScore = &rarity
				}
				if flags.Changed("sales") {
					rec.NumSales = &sales
				}
				if flags.Changed("reputation") {
					rec.ArtistReputation = &reputation
				}
				if flags.Changed("price") {
					rec.Price = &price
				}

				data, err := readImage(imagePath, a.engine.Options().MaxBytes)
				if err != nil {
					return err
				}

				v, err := a.assembler.Evaluate(ctx, verdict.Request{Record: rec, Image: data}, a.catalog.Snapshot(), a.model)
				if err != nil {
					return fmt.Errorf("error evaluating %s: %w", id, err)
				}
				if !asJSON {
					printVerdict(cmd.OutOrStdout(), v)
				}
				if err := reporter.Report(ctx, v); err != nil {
					return fmt.Errorf("error reporting verdict: %w", err)
				}
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&manifest, "manifest", "", "evaluate every record of this manifest")
	flags.StringVar(&imagePath, "image", "", "image of the listing")
	flags.StringVar(&id, "id", "", "asset id of the listing")
	flags.Float64Var(&rarity, "rarity", 0, "rarity score")
	flags.IntVar(&sales, "sales", 0, "number of past sales")
	flags.Float64Var(&reputation, "reputation", 0, "artist reputation in [0, 10]")
	flags.Float64Var(&price, "price", 0, "observed price, if any")
	flags.BoolVar(&asJSON, "json", false, "print verdicts as JSON lines")
	cmd.MarkFlagsMutuallyExclusive("manifest", "image")
	return cmd
}

// evaluateManifest evaluates every manifest record against one snapshot
func evaluateManifest(ctx context.Context, out io.Writer, a *app, reporter reporting.Reporter, path string, asJSON bool) error {
	records, err := scanner.ReadManifest(path)
	if err != nil {
		return err
	}

	baseDir := filepath.Dir(path)
	reqs := make([]verdict.Request, 0, len(records))
	var failures []types.EvaluationFailure
	for _, rec := range records {
		data, err := readImage(scanner.ResolveImagePath(baseDir, rec.Image), a.engine.Options().MaxBytes)
		if err != nil {
			failures = append(failures, types.EvaluationFailure{AssetID: rec.ID, Err: err})
			continue
		}
		reqs = append(reqs, verdict.Request{Record: rec, Image: data})
	}

	result := a.assembler.EvaluateBatch(ctx, reqs, a.catalog.Snapshot(), a.model)
	failures = append(failures, result.Failures...)

	var reportErrs []error
	for _, v := range result.Verdicts {
		if !asJSON {
			printVerdict(out, v)
		}
		if err := reporter.Report(ctx, v); err != nil {
			reportErrs = append(reportErrs, fmt.Errorf("verdict %s: %w", v.ID, err))
		}
	}

	fmt.Fprintf(out, "\nEvaluated %d of %d records, %d flagged.\n",
		len(result.Verdicts), len(records), countFlagged(result.Verdicts))
	for _, f := range failures {
		fmt.Fprintf(out, "  failed %s: %v\n", f.AssetID, f.Err)
	}

	if len(reportErrs) > 0 {
		return fmt.Errorf("error reporting verdicts: %w", errors.Join(reportErrs...))
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d records failed", len(failures), len(records))
	}
	return nil
}

func newCompareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compare IMAGE1 IMAGE2",
		Short: "Print the structural similarity of two images",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine := imageprocessor.NewEngine(cfg.EngineOptions())

			a, err := engine.FingerprintFile(ctx, args[0])
			if err != nil {
				return err
			}
			b, err := engine.FingerprintFile(ctx, args[1])
			if err != nil {
				return err
			}

			score, err := imageprocessor.Compare(a, b)
			if err != nil {
				return err
			}
			distance, err := imageprocessor.HammingDistance(a.AverageHash(), b.AverageHash())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "SSIM Score: %.4f\n", score)
			fmt.Fprintf(w, "Average hash distance: %d/64\n", distance)
			fmt.Fprintf(w, "Duplicate at threshold %.2f: %v\n", cfg.Threshold, imageprocessor.Classify(score, cfg.Threshold))
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show catalog and ledger statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stats, err := a.store.GetCatalogStats(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Database: %s\n", cfg.Database)
				fmt.Fprintf(w, "- Total assets: %d\n", stats.TotalAssets)
				fmt.Fprintf(w, "- Priced assets: %d\n", stats.PricedAssets)
				fmt.Fprintf(w, "- Unique image hashes: %d\n", stats.UniqueHashes)
				fmt.Fprintf(w, "- Verdicts recorded: %d (%d flagged)\n", stats.TotalVerdicts, stats.FlaggedVerdicts)
				fmt.Fprintf(w, "- Model trained: %v\n", a.model.Trained())
				return nil
			})
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var assetID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded verdicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rows, err := a.store.ListVerdicts(ctx, assetID)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(rows) == 0 {
					fmt.Fprintln(w, "No verdicts recorded.")
					return nil
				}
				for _, row := range rows {
					fmt.Fprintf(w, "%s  %-20s %-30s top=%s (%.4f) price=%.2f\n",
						row.EvaluatedAt.Format(time.RFC3339), row.AssetID, row.Reason,
						row.TopMatch, row.TopScore, row.PredictedPrice)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&assetID, "asset", "", "only list verdicts of this asset")
	return cmd
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.HTTP.Addr
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				server := api.NewServer(api.ServerConfig{Addr: addr}, a.apiDeps(version))

				errChan := make(chan error, 1)
				go func() {
					errChan <- server.Start()
				}()
				logging.LogInfo("Serving on %s", addr)

				select {
				case err := <-errChan:
					return err
				case <-ctx.Done():
				}

				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("error shutting down server: %w", err)
				}
				return <-errChan
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: http.addr)")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
		Long: `Configuration hierarchy (highest to lowest priority):
1. CLI flags
2. Environment variables (NFTGUARD_*)
3. Config file (--config)
4. Defaults`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if used := v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Configuration file: %s\n\n", used)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("error marshaling config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

func printVerdict(w io.Writer, v *types.Verdict) {
	r := verdict.Summarize(v)
	fmt.Fprintf(w, "%s: %s\n", r.AssetID, r.Reason)
	fmt.Fprintf(w, "   Predicted price: %.4f\n", r.PredictedPrice)
	if r.TopMatch != "" {
		fmt.Fprintf(w, "   Top match: %s (SSIM %.4f)\n", r.TopMatch, r.TopScore)
	}
	for _, d := range r.Duplicates {
		fmt.Fprintf(w, "   Duplicate of: %s\n", d)
	}
	if n := len(v.Incomparable); n > 0 {
		fmt.Fprintf(w, "   Skipped %d catalog assets with other dimensions\n", n)
	}
}

func countFlagged(verdicts []*types.Verdict) int {
	n := 0
	for _, v := range verdicts {
		if v.Flagged {
			n++
		}
	}
	return n
}

// readImage reads an image file, refusing files over limit bytes
func readImage(path string, limit int64) ([]byte, error) {
	if path == "" {
		return nil, errors.New("image path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot access image %s: %w", path, err)
	}
	if info.Size() > limit {
		return nil, &imageprocessor.DecodeError{Reason: fmt.Sprintf("%s is %d bytes, limit is %d", path, info.Size(), limit)}
	}
	return os.ReadFile(path)
}
