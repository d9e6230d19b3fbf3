// Package daemon assembles and runs the full service: store, drive
// sentinel, pipeline orchestrator, and HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"spool/internal/api"
	"spool/internal/bus"
	"spool/internal/config"
	"spool/internal/disc"
	"spool/internal/fileready"
	"spool/internal/logging"
	"spool/internal/matching"
	"spool/internal/media/ffprobe"
	"spool/internal/notifications"
	"spool/internal/orchestrator"
	"spool/internal/organizer"
	"spool/internal/sentinel"
	"spool/internal/services/makemkv"
	"spool/internal/state"
	"spool/internal/store"
	"spool/internal/subtitles"
	"spool/internal/tmdb"
)

// Run boots the daemon from the config at configPath and blocks until ctx
// is cancelled.
func Run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lockPath := filepath.Join(cfg.LogPath, "spoold.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return errors.New("another spoold instance is already running")
	}
	defer lock.Unlock() //nolint:errcheck

	logger, err := logging.NewForDir(cfg.LogLevel, cfg.LogFormat, cfg.LogPath)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// The config file seeds defaults; a persisted config carries every
	// change made through the API since and wins over the file.
	stored, found, err := st.LoadConfig(ctx)
	if err != nil {
		return err
	}
	if found {
		cfg = stored
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}
	} else if err := st.SaveConfig(ctx, cfg); err != nil {
		return err
	}

	logger.Info("daemon starting",
		logging.String("database", cfg.DatabasePath),
		logging.Any("drives", cfg.OpticalDrives))

	return run(ctx, cfg, st, logger)
}

func run(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) error {
	eventBus := bus.New(logger)
	defer eventBus.Close()
	machine := state.NewMachine(st, eventBus, logger)

	ripper, err := makemkv.New(cfg.MakeMKVPath)
	if err != nil {
		return fmt.Errorf("makemkv client: %w", err)
	}

	gate := fileready.New(cfg.RippingFilePollInterval, cfg.RippingStabilityChecks, cfg.RippingFileReadyTimeout, logger)
	org := organizer.New(cfg.LibraryMoviesPath, cfg.LibraryTVPath, organizer.Policy(cfg.ConflictResolutionDefault), logger)

	metadata := tmdb.New(cfg.TMDBBaseURL, cfg.TMDBAPIKey, cfg.TMDBLanguage, logger)
	seasons := tmdb.NewSeasonSource(metadata)

	var fetcher subtitles.Fetcher
	if cfg.SubtitleSourceURL != "" {
		fetcher = subtitles.NewHTTPFetcher(cfg.SubtitleSourceURL, seasons.EpisodeCount, logger)
	}
	subs := subtitles.NewCoordinator(st, eventBus, fetcher, logger)

	matcher := matching.NewCommandMatcher(cfg.MatcherPath, logger)
	prober := ffprobe.New(cfg.FFprobePath)
	pool := matching.NewPool(st, machine, eventBus, subs, gate, org, matcher, seasons, prober, matching.Config{
		MaxConcurrent:       cfg.MaxConcurrentMatches,
		ConfidenceThreshold: cfg.MatchConfidenceThreshold,
		SubtitleWaitSeconds: cfg.SubtitleWaitTimeout,
	}, logger)
	resolver := matching.NewResolver(st, machine, org, logger)

	notifier := notifications.NewService(cfg)
	orch := orchestrator.New(cfg, st, machine, eventBus, ripper, pool, resolver, subs, org,
		disc.NewEjector(logger), notifier, logger)

	watcher := sentinel.New(cfg.OpticalDrives, cfg.SentinelPollInterval, logger)
	netlink := sentinel.NewNetlinkMonitor(watcher, cfg.OpticalDrives, logger)
	server := api.NewServer(cfg, st, eventBus, orch, logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return watcher.Run(groupCtx) })
	group.Go(func() error { netlink.Run(groupCtx); return nil })
	group.Go(func() error { return orch.Run(groupCtx, watcher.Events()) })
	group.Go(func() error { return server.Run(groupCtx) })

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
