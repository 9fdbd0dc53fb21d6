package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

// ErrCycleInProgress is returned when a site already has a running cycle.
var ErrCycleInProgress = errors.New("collection cycle already in progress")

// PipelineConfig bounds concurrency and alerting.
type PipelineConfig struct {
	Workers        int
	AlertThreshold int
	PeriodTypes    []domain.PeriodType
}

// PipelineDeps wires all driven adapters into the orchestration pipeline.
type PipelineDeps struct {
	Registry   *SiteRegistry
	Collector  *Collector
	Resolver   *ArticleResolver
	Aggregator *StatsAggregator
	Snapshots  ports.SnapshotRepository
	Limiter    ports.RateLimiter
	Notifier   ports.Notifier
	Logger     *slog.Logger
	Config     PipelineConfig
}

// CycleReport summarizes one site cycle.
type CycleReport struct {
	Site       string
	Snapshot   domain.Snapshot
	Resolution domain.ResolutionResult
	Stats      []domain.CollectionStats
}

// Pipeline runs collect, resolve and aggregate for every active site.
type Pipeline struct {
	registry   *SiteRegistry
	collector  *Collector
	resolver   *ArticleResolver
	aggregator *StatsAggregator
	snapshots  ports.SnapshotRepository
	limiter    ports.RateLimiter
	notifier   ports.Notifier
	logger     *slog.Logger
	cfg        PipelineConfig

	mu      sync.Mutex
	running map[int64]struct{}
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	p := &Pipeline{
		registry:   deps.Registry,
		collector:  deps.Collector,
		resolver:   deps.Resolver,
		aggregator: deps.Aggregator,
		snapshots:  deps.Snapshots,
		limiter:    deps.Limiter,
		notifier:   deps.Notifier,
		logger:     deps.Logger,
		cfg:        deps.Config,
		running:    map[int64]struct{}{},
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "pipeline")
	if p.cfg.Workers <= 0 {
		p.cfg.Workers = 1
	}
	if len(p.cfg.PeriodTypes) == 0 {
		p.cfg.PeriodTypes = []domain.PeriodType{domain.PeriodHour, domain.PeriodDay}
	}
	return p
}

// RunAll runs one cycle for every active site on a bounded worker pool.
// Cycle failures are logged and never abort the other sites.
func (p *Pipeline) RunAll(ctx context.Context) error {
	sites, err := p.registry.Active(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, site := range sites {
		site := site
		g.Go(func() error {
			if _, err := p.RunCycle(gctx, site); err != nil {
				p.logger.Error("cycle failed", "site", site.Key, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunCycle waits for the site's rate limit, collects, resolves the snapshot
// and refreshes the stats of the periods containing the capture.
func (p *Pipeline) RunCycle(ctx context.Context, site domain.Site) (CycleReport, error) {
	report := CycleReport{Site: site.Key}
	if !p.acquire(site.ID) {
		return report, fmt.Errorf("site %s: %w", site.Key, ErrCycleInProgress)
	}
	defer p.release(site.ID)

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, site); err != nil {
			return report, fmt.Errorf("rate limit wait for %s: %w", site.Key, err)
		}
	}

	snapshot, err := p.collector.Collect(ctx, site)
	report.Snapshot = snapshot
	if err != nil {
		var collectErr *domain.CollectionError
		if errors.As(err, &collectErr) {
			p.alertOnFailure(ctx, site, collectErr)
			report.Stats = p.aggregate(ctx, site, snapshot.CapturedAt)
		}
		return report, err
	}

	report.Resolution, err = p.resolver.Resolve(ctx, snapshot)
	if err != nil {
		return report, fmt.Errorf("resolve snapshot %d: %w", snapshot.ID, err)
	}
	report.Stats = p.aggregate(ctx, site, snapshot.CapturedAt)
	return report, nil
}

// Replay resolves the site's unprocessed snapshots in capture order and
// re-aggregates every period they touch.
func (p *Pipeline) Replay(ctx context.Context, site domain.Site) ([]domain.ResolutionResult, error) {
	if !p.acquire(site.ID) {
		return nil, fmt.Errorf("site %s: %w", site.Key, ErrCycleInProgress)
	}
	defer p.release(site.ID)

	pending, err := p.snapshots.ListUnprocessedSnapshots(ctx, site.ID)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed snapshots: %w", err)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if !pending[i].CapturedAt.Equal(pending[j].CapturedAt) {
			return pending[i].CapturedAt.Before(pending[j].CapturedAt)
		}
		return pending[i].ID < pending[j].ID
	})

	results := make([]domain.ResolutionResult, 0, len(pending))
	touched := map[domain.Period]struct{}{}
	for _, snapshot := range pending {
		result, err := p.resolver.Resolve(ctx, snapshot)
		if err != nil {
			p.logger.Error("replay failed", "site", site.Key, "snapshot_id", snapshot.ID, "error", err)
			continue
		}
		results = append(results, result)
		for _, typ := range p.cfg.PeriodTypes {
			if period, err := domain.PeriodFor(snapshot.CapturedAt, typ); err == nil {
				touched[period] = struct{}{}
			}
		}
	}

	periods := make([]domain.Period, 0, len(touched))
	for period := range touched {
		periods = append(periods, period)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].End.Before(periods[j].End) })
	for _, period := range periods {
		if _, err := p.aggregator.Aggregate(ctx, site, period); err != nil {
			p.logger.Error("replay aggregation failed", "site", site.Key, "period_type", period.Type, "error", err)
		}
	}
	p.logger.Info("replay finished", "site", site.Key, "snapshots", len(results), "periods", len(periods))
	return results, nil
}

func (p *Pipeline) aggregate(ctx context.Context, site domain.Site, at time.Time) []domain.CollectionStats {
	if p.aggregator == nil || at.IsZero() {
		return nil
	}
	var out []domain.CollectionStats
	for _, typ := range p.cfg.PeriodTypes {
		period, err := domain.PeriodFor(at, typ)
		if err != nil {
			p.logger.Warn("skipping period", "period_type", typ, "error", err)
			continue
		}
		stats, err := p.aggregator.Aggregate(ctx, site, period)
		if err != nil {
			p.logger.Error("aggregation failed", "site", site.Key, "period_type", typ, "error", err)
			continue
		}
		out = append(out, stats)
	}
	return out
}

func (p *Pipeline) alertOnFailure(ctx context.Context, site domain.Site, collectErr *domain.CollectionError) {
	if p.notifier == nil || p.cfg.AlertThreshold <= 0 {
		return
	}
	current, err := p.registry.Get(ctx, site.Key)
	if err != nil {
		p.logger.Warn("cannot load site health", "site", site.Key, "error", err)
		return
	}
	count := current.CollectionErrorCount
	if count < p.cfg.AlertThreshold || count%p.cfg.AlertThreshold != 0 {
		return
	}
	if err := p.notifier.PublishAlert(ctx, buildAlertMessage(current, collectErr)); err != nil {
		p.logger.Warn("alert delivery failed", "site", site.Key, "error", err)
	}
}

func buildAlertMessage(site domain.Site, collectErr *domain.CollectionError) string {
	last := "never"
	if site.LastSuccessfulCollection != nil {
		last = site.LastSuccessfulCollection.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("Site %s (%s) failed %d consecutive cycles.\nLast success: %s\nLast error: %v",
		site.Name, site.Key, site.CollectionErrorCount, last, collectErr.Err)
}

func (p *Pipeline) acquire(siteID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.running[siteID]; busy {
		return false
	}
	p.running[siteID] = struct{}{}
	return true
}

func (p *Pipeline) release(siteID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, siteID)
}
