package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tetherweb/crawlcore/internal/clock/system"
	"github.com/tetherweb/crawlcore/internal/config"
	"github.com/tetherweb/crawlcore/internal/crawl"
	"github.com/tetherweb/crawlcore/internal/downloader"
	"github.com/tetherweb/crawlcore/internal/engine"
	"github.com/tetherweb/crawlcore/internal/logging"
	"github.com/tetherweb/crawlcore/internal/mediacache"
	"github.com/tetherweb/crawlcore/internal/middleware"
	"github.com/tetherweb/crawlcore/internal/pipeline"
	"github.com/tetherweb/crawlcore/internal/scheduler"
	"github.com/tetherweb/crawlcore/internal/signals"
	"github.com/tetherweb/crawlcore/internal/telemetry"
	collytransport "github.com/tetherweb/crawlcore/internal/transport/colly"
)

// newCrawlCmd creates the 'crawl' subcommand: fetch the given seed URLs,
// one domain per distinct hostname, and report what was crawled.
func newCrawlCmd() *cobra.Command {
	var userAgent string
	cmd := &cobra.Command{
		Use:   "crawl [urls...]",
		Short: "Crawls the given seed URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), args, userAgent)
		},
	}
	cmd.Flags().StringVar(&userAgent, "user-agent", "crawlcore/0.1", "User-Agent header for fetches")
	return cmd
}

func runCrawl(parent context.Context, seeds []string, userAgent string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, bus, err := buildEngine(cfg, userAgent, logger)
	if err != nil {
		return err
	}
	bus.OnDomainClosed(func(domain string, reason signals.Reason) {
		logger.Info("crawl target done", zap.String("domain", domain), zap.String("reason", string(reason)))
	})

	byDomain := make(map[string][]string)
	order := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		u, err := url.Parse(seed)
		if err != nil || u.Hostname() == "" {
			return fmt.Errorf("seed %q is not a valid URL", seed)
		}
		name := u.Hostname()
		if _, seen := byDomain[name]; !seen {
			order = append(order, name)
		}
		byDomain[name] = append(byDomain[name], seed)
	}
	for _, name := range order {
		eng.AddDomain(engine.Domain{Name: name, Seeds: byDomain[name]})
	}

	if cfg.Metrics.Enabled {
		srv := telemetry.NewServer(cfg.Metrics.Port, logger)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run engine: %w", err)
	}
	return nil
}

// buildEngine assembles the component graph from configuration.
func buildEngine(cfg config.Config, userAgent string, logger *zap.Logger) (*engine.Engine, *signals.Bus, error) {
	clk := system.New()
	bus := signals.NewBus(logger)

	downloadChain := middleware.NewChain("download", logger,
		middleware.Builder{
			Name: "robots",
			New: func() (any, error) {
				return middleware.NewRobots(cfg.Download.RespectRobots, userAgent, logger)
			},
		},
		middleware.Builder{
			Name: "ratelimit",
			New:  func() (any, error) { return middleware.NewRateLimit(cfg.Download.HostRPS, 1) },
		})
	transport := downloadChain.Transport(collytransport.New(collytransport.Config{
		UserAgent: userAgent,
	}))

	policies := make(map[string]downloader.SlotPolicy, len(cfg.Policies))
	for domain, o := range cfg.Policies {
		policies[domain] = downloader.SlotPolicy{
			Concurrency: o.Concurrency,
			Delay:       time.Duration(o.DelaySeconds * float64(time.Second)),
		}
	}
	dl := downloader.New(downloader.Config{
		MaxConcurrent:  cfg.Download.MaxConcurrent,
		MaxPerSlot:     cfg.Download.MaxPerSlot,
		Delay:          cfg.Delay(),
		RandomizeDelay: cfg.Download.RandomizeDelay,
		KeyMode:        downloader.KeyMode(cfg.Download.SlotKeyMode),
		PerDomainSlots: cfg.Download.PerDomainSlots,
		DomainPolicies: policies,
	}, transport, clk, logger)

	dupes := middleware.NewDuplicateFilter()
	bus.OnDomainClosed(func(domain string, _ signals.Reason) { dupes.Forget(domain) })
	sched := scheduler.New(middleware.NewChain("enqueue", logger,
		middleware.Builder{
			Name: "offsite",
			New:  func() (any, error) { return middleware.NewOffsite(cfg.Domains.Deny), nil },
		},
		middleware.Builder{
			Name: "dupefilter",
			New:  func() (any, error) { return dupes, nil },
		}), logger)

	mediaCfg := mediacache.Config{Expiry: cfg.MediaExpiry()}
	var stageOpts []mediacache.StageOption
	if cfg.Media.Dir != "" {
		store, err := mediacache.NewFSStore(cfg.Media.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("media store: %w", err)
		}
		mediaCfg.Stat = store.Stat
		stageOpts = append(stageOpts, mediacache.WithStore(store))
	}
	media := mediacache.New(mediaCfg, logger)
	pipe := pipeline.New(pipeline.Config{PerDomainLimit: cfg.Pipeline.PerDomainLimit},
		bus, logger,
		mediacache.NewStage(media, transport, logger, stageOpts...),
		pipeline.NewLogStage(logger))

	resultChain := middleware.NewChain("result", logger)

	eng := engine.New(engine.Config{
		MaxOpenDomains: cfg.Domains.MaxOpen,
		CloseDelay:     cfg.CloseDelay(),
		IdleRecheck:    cfg.IdleRecheck(),
	}, dl, sched, pipe, pageExtractor{}, resultChain, bus, clk, logger)
	return eng, bus, nil
}

// pageExtractor is the CLI's stand-in for real extraction logic: it emits
// one item per fetched page and discovers no further links.
type pageExtractor struct{}

func (pageExtractor) Extract(_ context.Context, resp *crawl.Response) ([]*crawl.Request, []*crawl.Item, error) {
	return nil, []*crawl.Item{{
		Domain: resp.Request.Domain,
		Payload: map[string]any{
			"url":    resp.Request.URL,
			"status": resp.StatusCode,
			"bytes":  len(resp.Body),
		},
	}}, nil
}
