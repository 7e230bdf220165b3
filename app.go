package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"nftguard/api"
	"nftguard/catalog"
	"nftguard/config"
	"nftguard/database"
	"nftguard/imageprocessor"
	"nftguard/logging"
	"nftguard/metrics"
	"nftguard/reporting"
	"nftguard/valuation"
	"nftguard/verdict"
)

// app is the wired pipeline shared by every command
type app struct {
	cfg       *config.Config
	store     *database.Store
	catalog   *catalog.Catalog
	engine    *imageprocessor.Engine
	model     *valuation.Model
	metrics   *metrics.Metrics
	assembler *verdict.Assembler
	reporter  reporting.Reporter
	kafka     *reporting.KafkaPublisher
}

// openApp opens the database, restores the catalog and the last trained
// model, and builds the verdict pipeline
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := database.InitDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}

	a := &app{
		cfg:     cfg,
		store:   store,
		catalog: catalog.New(),
		model:   valuation.New(),
		metrics: metrics.New(),
	}

	opts := cfg.EngineOptions()
	opts.CacheObserver = a.metrics
	a.engine = imageprocessor.NewEngine(opts)

	if _, err := store.LoadCatalog(ctx, a.catalog); err != nil {
		store.Close()
		return nil, fmt.Errorf("error restoring catalog: %w", err)
	}
	a.metrics.SetCatalogSize(a.catalog.Len())

	a.loadModel(ctx)

	a.assembler, err = verdict.NewAssembler(a.engine,
		verdict.WithThreshold(cfg.Threshold),
		verdict.WithWorkers(cfg.Workers),
		verdict.WithLenientDimensions(!cfg.StrictDimensions),
		verdict.WithClampedPredictions(cfg.ClampPredictions),
		verdict.WithRecorder(a.metrics),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	reporters := reporting.Multi{reporting.NewLedger(store)}
	if cfg.KafkaEnabled() {
		a.kafka, err = reporting.NewKafkaPublisher(cfg.KafkaOptions())
		if err != nil {
			store.Close()
			return nil, err
		}
		reporters = append(reporters, a.kafka)
		logging.LogInfo("Publishing verdicts to Kafka topic %s", cfg.Kafka.Topic)
	}
	a.reporter = reporters

	return a, nil
}

// loadModel restores the model from the model file when configured, falling
// back to the blob stored in the database. A missing model is not an error;
// predictions fail until the model is trained.
func (a *app) loadModel(ctx context.Context) {
	if path := a.cfg.ModelPath; path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := a.model.Load(path); err != nil {
				logging.LogWarning("Failed to load model from %s: %v", path, err)
			} else {
				logging.LogInfo("Loaded valuation model from %s", path)
				return
			}
		}
	}

	blob, err := a.store.LoadModelBlob(ctx, api.DefaultModelName)
	if err != nil {
		if errors.Is(err, database.ErrModelNotFound) {
			logging.DebugLog("No stored valuation model")
		} else {
			logging.LogWarning("Failed to read stored model: %v", err)
		}
		return
	}
	if err := a.model.UnmarshalBinary(blob); err != nil {
		logging.LogWarning("Stored model is unusable: %v", err)
		return
	}
	logging.LogInfo("Loaded valuation model from database")
}

// saveModel writes the model to path (when set) and to the database
func (a *app) saveModel(ctx context.Context, path string, samples int) error {
	if path != "" {
		if err := a.model.Save(path); err != nil {
			return err
		}
	}
	blob, err := a.model.MarshalBinary()
	if err != nil {
		return err
	}
	return a.store.SaveModelBlob(ctx, api.DefaultModelName, blob, samples)
}

// apiDeps exposes the pipeline to the HTTP server
func (a *app) apiDeps(version string) api.Deps {
	return api.Deps{
		Catalog:   a.catalog,
		Engine:    a.engine,
		Model:     a.model,
		Assembler: a.assembler,
		Store:     a.store,
		Reporter:  a.reporter,
		Metrics:   a.metrics,
		ModelPath: a.cfg.ModelPath,
		Version:   version,
	}
}

func (a *app) Close() error {
	var errs []error
	if a.kafka != nil {
		errs = append(errs, a.kafka.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
