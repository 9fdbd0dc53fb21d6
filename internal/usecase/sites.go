package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

// SiteRegistry owns site configuration and the health counters the collector reports.
type SiteRegistry struct {
	repo   ports.SiteRepository
	logger *slog.Logger
}

// NewSiteRegistry wires the registry to its repository.
func NewSiteRegistry(repo ports.SiteRepository, logger *slog.Logger) *SiteRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SiteRegistry{repo: repo, logger: logger.With("component", "site_registry")}
}

// Sync upserts configured sites. Invalid definitions are skipped and reported
// together; valid ones are still stored.
func (r *SiteRegistry) Sync(ctx context.Context, sites []domain.Site) ([]domain.Site, error) {
	stored := make([]domain.Site, 0, len(sites))
	var errs []error
	for _, site := range sites {
		if err := ValidateSite(site); err != nil {
			r.logger.Warn("skipping invalid site", "site", site.Key, "error", err)
			errs = append(errs, err)
			continue
		}
		saved, err := r.repo.UpsertSite(ctx, site)
		if err != nil {
			return stored, fmt.Errorf("upsert site %s: %w", site.Key, err)
		}
		stored = append(stored, saved)
	}
	r.logger.Info("sites synchronised", "stored", len(stored), "invalid", len(errs))
	return stored, errors.Join(errs...)
}

// Get loads a site by its key.
func (r *SiteRegistry) Get(ctx context.Context, key string) (domain.Site, error) {
	site, err := r.repo.GetSiteByKey(ctx, key)
	if err != nil {
		return domain.Site{}, fmt.Errorf("get site %s: %w", key, err)
	}
	return site, nil
}

// Active lists sites eligible for collection.
func (r *SiteRegistry) Active(ctx context.Context) ([]domain.Site, error) {
	sites, err := r.repo.ListActiveSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sites: %w", err)
	}
	return sites, nil
}

// RecordSuccess resets the consecutive error counter.
func (r *SiteRegistry) RecordSuccess(ctx context.Context, site domain.Site, at time.Time) error {
	if err := r.repo.RecordCollectionSuccess(ctx, site.ID, at); err != nil {
		return fmt.Errorf("record success for %s: %w", site.Key, err)
	}
	return nil
}

// RecordFailure bumps the consecutive error counter and returns its new value.
func (r *SiteRegistry) RecordFailure(ctx context.Context, site domain.Site) (int, error) {
	count, err := r.repo.RecordCollectionFailure(ctx, site.ID)
	if err != nil {
		return 0, fmt.Errorf("record failure for %s: %w", site.Key, err)
	}
	return count, nil
}

// Deactivate soft-deletes a site; its snapshots and articles stay untouched.
func (r *SiteRegistry) Deactivate(ctx context.Context, key string, at time.Time) error {
	site, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := r.repo.SoftDeleteSite(ctx, site.ID, at); err != nil {
		return fmt.Errorf("soft delete site %s: %w", key, err)
	}
	return nil
}

// ValidateSite checks the options the collector relies on.
func ValidateSite(site domain.Site) error {
	invalid := func(format string, args ...any) error {
		return &domain.ConfigurationError{Site: site.Key, Reason: fmt.Sprintf(format, args...)}
	}

	if strings.TrimSpace(site.Key) == "" {
		return invalid("site key is required")
	}
	base, err := url.Parse(site.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return invalid("base url %q must be absolute", site.BaseURL)
	}
	switch site.Format {
	case domain.FormatJSON, domain.FormatRSS:
	default:
		return invalid("unsupported payload format %q", site.Format)
	}
	if len(site.Endpoints) == 0 {
		return invalid("at least one endpoint is required")
	}
	for name, tpl := range site.Endpoints {
		if strings.TrimSpace(tpl) == "" {
			return invalid("endpoint %q has an empty template", name)
		}
	}
	if site.RateLimitPerHour < 0 {
		return invalid("rate limit per hour must not be negative")
	}
	if site.RequestTimeout <= 0 {
		return invalid("request timeout must be positive")
	}
	if site.RetryCount < 0 || site.RetryDelay < 0 {
		return invalid("retry policy must not be negative")
	}
	if site.RequiresAuth && (site.Auth.Header == "" || site.Auth.Token == "") {
		return invalid("auth header and token are required")
	}
	return nil
}

// BuildRequest expands the endpoint template of site. Placeholders look like
// {name} and are filled from site params; params not consumed by the template
// travel as query parameters.
func BuildRequest(site domain.Site, template, userAgent string) (domain.FetchRequest, error) {
	rendered := template
	extra := map[string]string{}
	for key, value := range site.Params {
		placeholder := "{" + key + "}"
		if strings.Contains(rendered, placeholder) {
			rendered = strings.ReplaceAll(rendered, placeholder, url.QueryEscape(value))
			continue
		}
		extra[key] = value
	}
	if start := strings.Index(rendered, "{"); start >= 0 && strings.Contains(rendered[start:], "}") {
		return domain.FetchRequest{}, &domain.ConfigurationError{
			Site:   site.Key,
			Reason: fmt.Sprintf("unresolved placeholder in endpoint %q", template),
		}
	}

	target := rendered
	if !strings.HasPrefix(rendered, "http://") && !strings.HasPrefix(rendered, "https://") {
		target = strings.TrimRight(site.BaseURL, "/") + "/" + strings.TrimLeft(rendered, "/")
	}

	headers := map[string]string{}
	if userAgent != "" {
		headers["User-Agent"] = userAgent
	}
	if site.RequiresAuth {
		headers[site.Auth.Header] = strings.TrimSpace(site.Auth.Scheme + " " + site.Auth.Token)
	}
	if len(extra) == 0 {
		extra = nil
	}

	return domain.FetchRequest{
		Method:  "GET",
		URL:     target,
		Params:  extra,
		Headers: headers,
	}, nil
}
