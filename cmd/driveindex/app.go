package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentworkforce/driveindex/internal/config"
	"github.com/agentworkforce/driveindex/internal/dispatch"
	"github.com/agentworkforce/driveindex/internal/drive"
	"github.com/agentworkforce/driveindex/internal/extract"
	"github.com/agentworkforce/driveindex/internal/httpapi"
	"github.com/agentworkforce/driveindex/internal/logging"
	"github.com/agentworkforce/driveindex/internal/mirror"
	"github.com/agentworkforce/driveindex/internal/notify"
	"github.com/agentworkforce/driveindex/internal/reconcile"
	"github.com/agentworkforce/driveindex/internal/solr"
	"github.com/agentworkforce/driveindex/internal/state"
)

const shutdownTimeout = 15 * time.Second

// app is the wired process: stores, remote tree, consumers, dispatcher and
// engine, built from one Config.
type app struct {
	cfg         *config.Config
	logger      *logging.Logger
	checkpoints state.CheckpointBackend
	identities  state.IdentityBackend
	drive       *drive.Client
	mirror      *mirror.Mirror
	dispatcher  *dispatch.Dispatcher
	stream      *httpapi.Stream
	engine      *reconcile.Engine
	closers     []func() error
}

type appOptions struct {
	// HTTPClient replaces the service-account transport for Drive and Solr.
	HTTPClient *http.Client
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.build(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, opts appOptions) error {
	cfg := a.cfg
	var err error

	a.checkpoints, err = state.OpenCheckpoints(cfg.State.CheckpointDSN)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	a.closers = append(a.closers, a.checkpoints.Close)
	a.identities, err = state.OpenIdentities(cfg.State.IdentityDSN)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	a.closers = append(a.closers, a.identities.Close)

	a.drive, err = drive.New(ctx, drive.Options{
		CredentialsFile: cfg.Drive.CredentialsFile,
		Subject:         cfg.Drive.Subject,
		Endpoint:        cfg.Drive.Endpoint,
		HTTPClient:      opts.HTTPClient,
		PageSize:        cfg.Drive.PageSize,
		RequestTimeout:  cfg.Drive.RequestTimeout.Std(),
		MaxRetries:      cfg.Drive.MaxRetries,
		UserAgent:       userAgent,
		Logger:          a.logger.Component("drive"),
	})
	if err != nil {
		return fmt.Errorf("create drive client: %w", err)
	}

	a.mirror, err = mirror.New(mirror.Options{
		Root:     cfg.Mirror.Root,
		Source:   a.drive,
		MaxBytes: cfg.Mirror.MaxBytes,
		Logger:   a.logger.Component("mirror"),
	})
	if err != nil {
		return fmt.Errorf("create mirror: %w", err)
	}
	handlers := []dispatch.Handler{a.mirror}

	if cfg.Solr.BaseURL != "" {
		client, err := solr.NewClient(solr.ClientOptions{
			BaseURL:      cfg.Solr.BaseURL,
			HTTPClient:   opts.HTTPClient,
			Username:     cfg.Solr.Username,
			Password:     cfg.Solr.Password,
			CommitWithin: cfg.Solr.CommitWithin.Std(),
			UserAgent:    userAgent,
		})
		if err != nil {
			return fmt.Errorf("create solr client: %w", err)
		}
		extractor := extract.New(extract.Options{
			MaxBytes:         cfg.Extract.MaxBytes,
			MaxDocumentBytes: cfg.Extract.MaxDocumentBytes,
		})
		indexer, err := solr.NewIndexer(solr.IndexerOptions{
			Client:    client,
			Locator:   a.mirror,
			Extractor: extractor,
			Genre:     cfg.Solr.Genre,
			Logger:    a.logger.Component("solr"),
		})
		if err != nil {
			return fmt.Errorf("create solr indexer: %w", err)
		}
		handlers = append(handlers, indexer)
	} else {
		a.logger.Warn("solr base url not configured, indexing disabled")
	}

	queue, err := dispatch.BuildQueueFromDSN(cfg.Dispatch.QueueDSN, cfg.Dispatch.Capacity)
	if err != nil {
		return fmt.Errorf("build action queue: %w", err)
	}
	a.dispatcher, err = dispatch.New(queue, dispatch.Chain(handlers...), dispatch.Options{
		Workers:         cfg.Dispatch.Workers,
		MaxAttempts:     cfg.Dispatch.MaxAttempts,
		RetryDelay:      cfg.Dispatch.RetryDelay.Std(),
		MaxRetryDelay:   cfg.Dispatch.MaxRetryDelay.Std(),
		EnqueueTimeout:  cfg.Dispatch.EnqueueTimeout.Std(),
		DeadLetterLimit: cfg.Dispatch.DeadLetterLimit,
		Logger:          a.logger.Component("dispatch"),
	})
	if err != nil {
		_ = queue.Close()
		return fmt.Errorf("create dispatcher: %w", err)
	}
	a.closers = append(a.closers, a.dispatcher.Close)
	a.stream = httpapi.NewStream(a.logger.Component("stream"))
	a.dispatcher.AddObserver(a.stream)

	notifiers := notify.Multi{notify.NewLog(a.logger.Component("notify"))}
	if cfg.Notify.WebhookURL != "" {
		webhook, err := notify.NewWebhook(notify.WebhookOptions{
			URL:        cfg.Notify.WebhookURL,
			Headers:    cfg.Notify.WebhookHeaders,
			HTTPClient: opts.HTTPClient,
		})
		if err != nil {
			return fmt.Errorf("create webhook notifier: %w", err)
		}
		notifiers = append(notifiers, webhook)
	}

	a.engine, err = reconcile.NewEngine(a.drive, a.checkpoints, a.identities, a.dispatcher, reconcile.Options{
		PublishedRoot:     cfg.Drive.PublishedRoot,
		MaxDepth:          cfg.Poll.MaxDepth,
		Concurrency:       cfg.Poll.Concurrency,
		ResolverCacheSize: cfg.Poll.ResolverCacheSize,
		Facets:            facetsFrom(cfg),
		Notifier:          notifiers,
		Logger:            a.logger.Component("reconcile"),
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	return nil
}

func facetsFrom(cfg *config.Config) *reconcile.Facets {
	return reconcile.NewFacets(cfg.Facets.Categories, cfg.Facets.Groups)
}

// applyConfig takes the parts of a reloaded config that can change without
// a restart.
func (a *app) applyConfig(next *config.Config) {
	a.engine.SetFacets(facetsFrom(next))
	a.logger.Info("config reloaded", "categories", len(next.Facets.Categories), "groups", len(next.Facets.Groups))
}

// runOnce runs a single cycle, waits for the dispatcher to deliver every
// action it produced, and reports a cycle failure as an error.
func (a *app) runOnce(ctx context.Context) (reconcile.CycleReport, error) {
	a.dispatcher.Start()
	report, err := a.engine.RunCycle(ctx)
	drainCtx, cancel := context.WithTimeout(ctx, a.cfg.Dispatch.DrainTimeout.Std())
	defer cancel()
	if drainErr := a.dispatcher.Drain(drainCtx); drainErr != nil {
		err = errors.Join(err, drainErr)
	}
	if err == nil {
		for _, collection := range report.Collections {
			if collection.Error != "" {
				err = errors.Join(err, fmt.Errorf("collection %s: %s", collection.CollectionID, collection.Error))
			}
		}
	}
	return report, err
}

// serve runs the poll loop and the HTTP server until ctx is done.
func (a *app) serve(ctx context.Context) error {
	a.dispatcher.Start()

	var server *http.Server
	serverErr := make(chan error, 1)
	if a.cfg.HTTP.Addr != "" {
		handler := httpapi.NewServer(httpapi.ServerConfig{
			Token:       a.cfg.HTTP.Token,
			Checkpoints: a.checkpoints,
			Identities:  a.identities,
			Engine:      a.engine,
			Dispatcher:  a.dispatcher,
			Stream:      a.stream,
			Logger:      a.logger.Component("http"),
		})
		server = &http.Server{
			Addr:              a.cfg.HTTP.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("driveindex listening", "addr", a.cfg.HTTP.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	loopErr := make(chan error, 1)
	go func() {
		loopErr <- a.engine.Run(loopCtx, reconcile.ScheduleOptions{
			Interval:     a.cfg.Poll.Interval.Std(),
			Jitter:       a.cfg.Poll.Jitter,
			CycleTimeout: a.cfg.Poll.CycleTimeout.Std(),
		})
	}()

	var err error
	select {
	case err = <-loopErr:
	case err = <-serverErr:
		cancel()
		<-loopErr
	}

	a.stream.Close()
	if server != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown http server: %w", shutdownErr))
		}
	}
	return err
}

// Close releases resources in reverse build order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
