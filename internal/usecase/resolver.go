package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"TechThermometer/internal/canonical"
	"TechThermometer/internal/domain"
	"TechThermometer/internal/extract"
	"TechThermometer/internal/ports"
)

const (
	wordsPerMinute        = 250
	maxStoredErrorDetails = 5
)

type recordOutcome int

const (
	outcomeCreated recordOutcome = iota
	outcomeUpdated
	outcomeUnchanged
	outcomeDuplicate
	outcomeStale
)

// ResolverConfig tunes the optional classifier.
type ResolverConfig struct {
	ClassifierMinConfidence float64
}

// ResolverDeps wires the resolver to storage and helpers.
type ResolverDeps struct {
	Sites      ports.SiteRepository
	Snapshots  ports.SnapshotRepository
	Articles   ports.ArticleRepository
	Extractors *extract.Registry
	Tracker    *ChangeTracker
	Locker     ports.KeyLocker
	Classifier ports.Classifier
	Metrics    ports.Metrics
	Logger     *slog.Logger
	Config     ResolverConfig
	Now        func() time.Time
}

// ArticleResolver turns snapshot payloads into canonical articles.
type ArticleResolver struct {
	sites      ports.SiteRepository
	snapshots  ports.SnapshotRepository
	articles   ports.ArticleRepository
	extractors *extract.Registry
	tracker    *ChangeTracker
	locker     ports.KeyLocker
	classifier ports.Classifier
	metrics    ports.Metrics
	logger     *slog.Logger
	cfg        ResolverConfig
	now        func() time.Time
}

// NewArticleResolver constructs the resolver.
func NewArticleResolver(deps ResolverDeps) *ArticleResolver {
	r := &ArticleResolver{
		sites:      deps.Sites,
		snapshots:  deps.Snapshots,
		articles:   deps.Articles,
		extractors: deps.Extractors,
		tracker:    deps.Tracker,
		locker:     deps.Locker,
		classifier: deps.Classifier,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        deps.Config,
		now:        deps.Now,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "resolver")
	if r.tracker == nil {
		r.tracker = NewChangeTracker(DefaultChangeTrackerConfig())
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// Resolve extracts every record of snapshot and reconciles it with the
// catalog. Bad records are counted, never fatal; the snapshot's completion
// fields are written once at the end.
func (r *ArticleResolver) Resolve(ctx context.Context, snapshot domain.Snapshot) (domain.ResolutionResult, error) {
	result := domain.ResolutionResult{SnapshotID: snapshot.ID}

	site, err := r.sites.GetSite(ctx, snapshot.SiteID)
	if err != nil {
		return result, fmt.Errorf("load site %d: %w", snapshot.SiteID, err)
	}
	logger := r.logger.With("site", site.Key, "snapshot_id", snapshot.ID)

	if !snapshot.IsSuccessful() {
		msg := snapshot.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("nothing to resolve: response status %d", snapshot.ResponseStatus)
		}
		return result, r.complete(ctx, snapshot, result, []string{msg})
	}

	extractor, err := r.extractors.Resolve(site.Format)
	if err != nil {
		cfgErr := &domain.ConfigurationError{Site: site.Key, Reason: err.Error()}
		if markErr := r.complete(ctx, snapshot, result, []string{cfgErr.Error()}); markErr != nil {
			return result, markErr
		}
		return result, cfgErr
	}

	records, extractErrs := extractor.Extract(snapshot.Payload, site.BaseURL)
	result.Found = len(records) + len(extractErrs)
	result.Errors = len(extractErrs)

	var details []string
	for _, e := range extractErrs {
		details = append(details, e.Error())
	}

	for i, record := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome, changes, err := r.resolveRecord(ctx, site, snapshot, i, record)
		if err != nil {
			result.Errors++
			details = append(details, err.Error())
			var malformed *domain.MalformedRecordError
			if errors.As(err, &malformed) {
				logger.Debug("record skipped", "index", i, "reason", malformed.Reason)
			} else {
				logger.Warn("record failed", "index", i, "error", err)
			}
			continue
		}
		result.Changes += changes
		switch outcome {
		case outcomeCreated:
			result.Created++
		case outcomeUpdated:
			result.Updated++
		case outcomeUnchanged:
			result.Unchanged++
		case outcomeDuplicate:
			result.Duplicates++
		case outcomeStale:
			result.Stale++
		}
	}

	if err := r.complete(ctx, snapshot, result, details); err != nil {
		return result, err
	}
	if r.metrics != nil {
		r.metrics.ObserveResolution(site.Key, result)
	}
	logger.Info("snapshot resolved",
		"found", result.Found,
		"created", result.Created,
		"updated", result.Updated,
		"unchanged", result.Unchanged,
		"duplicates", result.Duplicates,
		"stale", result.Stale,
		"errors", result.Errors,
		"changes", result.Changes)
	return result, nil
}

func (r *ArticleResolver) complete(ctx context.Context, snapshot domain.Snapshot, result domain.ResolutionResult, details []string) error {
	if snapshot.IsProcessed() {
		return nil
	}
	if len(details) > maxStoredErrorDetails {
		extra := len(details) - maxStoredErrorDetails
		details = append(details[:maxStoredErrorDetails:maxStoredErrorDetails], fmt.Sprintf("and %d more", extra))
	}
	outcome := domain.ProcessingOutcome{
		ProcessedCount: result.Processed(),
		ErrorCount:     result.Errors,
		ErrorMessage:   strings.Join(details, "; "),
		ProcessedAt:    r.now(),
	}
	if err := r.snapshots.MarkSnapshotProcessed(context.WithoutCancel(ctx), snapshot.ID, outcome); err != nil {
		return fmt.Errorf("mark snapshot %d processed: %w", snapshot.ID, err)
	}
	return nil
}

// normalizedRecord is a record after identity derivation.
type normalizedRecord struct {
	domain.Record
	canonicalURL string
	fingerprint  bool
}

func normalizeRecord(index int, record domain.Record) (normalizedRecord, error) {
	n := normalizedRecord{Record: record}
	n.Title = strings.TrimSpace(record.Title)
	n.ExternalID = strings.TrimSpace(record.ExternalID)
	n.URL = strings.TrimSpace(record.URL)

	if n.Title == "" {
		return n, &domain.MalformedRecordError{Index: index, Reason: "missing title"}
	}
	if n.URL != "" {
		canon, err := canonical.URL(n.URL)
		if err != nil {
			return n, &domain.MalformedRecordError{Index: index, Reason: fmt.Sprintf("invalid url %q", n.URL)}
		}
		n.canonicalURL = canon
	}
	if n.ExternalID == "" {
		if n.canonicalURL == "" {
			return n, &domain.MalformedRecordError{Index: index, Reason: "missing url and external id"}
		}
		n.ExternalID = canonical.Fingerprint(n.canonicalURL, n.Title)
		n.fingerprint = true
	}
	return n, nil
}

func (r *ArticleResolver) resolveRecord(ctx context.Context, site domain.Site, snapshot domain.Snapshot, index int, record domain.Record) (recordOutcome, int, error) {
	rec, err := normalizeRecord(index, record)
	if err != nil {
		return 0, 0, err
	}

	if rec.Category == "" && r.classifier != nil {
		rec.Category = r.classify(ctx, site, rec)
	}

	unlock, err := r.lock(ctx, site, rec)
	if err != nil {
		return 0, 0, fmt.Errorf("record %d: %w", index, err)
	}
	defer unlock()

	var (
		outcome recordOutcome
		changes int
	)
	run := func() error {
		return r.articles.WithinTx(ctx, func(ctx context.Context, tx ports.ArticleTx) error {
			var txErr error
			outcome, changes, txErr = r.apply(ctx, tx, site, snapshot, index, rec)
			return txErr
		})
	}

	err = run()
	if errors.Is(err, domain.ErrConflict) {
		r.logger.Debug("retrying record after write conflict", "site", site.Key, "external_id", rec.ExternalID)
		err = run()
	}
	if err != nil {
		var malformed *domain.MalformedRecordError
		if errors.As(err, &malformed) {
			return 0, 0, err
		}
		return 0, 0, fmt.Errorf("record %d (%s): %w", index, rec.ExternalID, err)
	}
	return outcome, changes, nil
}

// lock serializes work on the record's identity keys. Keys are taken in
// sorted order so two records sharing both keys cannot deadlock.
func (r *ArticleResolver) lock(ctx context.Context, site domain.Site, rec normalizedRecord) (func(), error) {
	if r.locker == nil {
		return func() {}, nil
	}
	prefix := strconv.FormatInt(site.ID, 10)
	keys := []string{prefix + ":id:" + rec.ExternalID}
	if rec.canonicalURL != "" {
		keys = append(keys, prefix+":url:"+rec.canonicalURL)
	}
	sort.Strings(keys)

	unlocks := make([]func(), 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, key := range keys {
		unlock, err := r.locker.Lock(ctx, key)
		if err != nil {
			release()
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

func (r *ArticleResolver) classify(ctx context.Context, site domain.Site, rec normalizedRecord) string {
	text := strings.TrimSpace(rec.Title + "\n" + rec.Summary)
	class, err := r.classifier.Classify(ctx, text)
	if err != nil {
		r.logger.Warn("classifier failed", "site", site.Key, "external_id", rec.ExternalID, "error", err)
		return ""
	}
	if class.Category == "" || class.Confidence < r.cfg.ClassifierMinConfidence {
		return ""
	}
	return class.Category
}

func (r *ArticleResolver) apply(ctx context.Context, tx ports.ArticleTx, site domain.Site, snapshot domain.Snapshot, index int, rec normalizedRecord) (recordOutcome, int, error) {
	captured := snapshot.CapturedAt

	existing, err := tx.FindArticleByExternalID(ctx, site.ID, rec.ExternalID)
	if err != nil {
		return 0, 0, fmt.Errorf("find by external id: %w", err)
	}
	match := domain.MatchExternalID

	if existing == nil && rec.canonicalURL != "" {
		original, err := r.findOriginal(ctx, tx, site.ID, rec.canonicalURL)
		if err != nil {
			return 0, 0, err
		}
		if original != nil {
			if !rec.fingerprint && !canonical.IsFingerprint(original.ExternalID) {
				return r.insertDuplicate(ctx, tx, site, snapshot, rec, *original)
			}
			existing = original
			match = domain.MatchCanonicalURL
		}
	}

	if existing == nil {
		if rec.canonicalURL == "" {
			return 0, 0, &domain.MalformedRecordError{Index: index, Reason: "missing url"}
		}
		return r.insertArticle(ctx, tx, site, rec, captured)
	}

	if captured.Before(existing.LastSeen) {
		return outcomeStale, 0, nil
	}

	if existing.IsDuplicate {
		if captured.Equal(existing.LastSeen) {
			return outcomeDuplicate, 0, nil
		}
		bumped := *existing
		bumped.LastSeen = captured
		if err := tx.UpdateArticle(ctx, bumped, existing.LastSeen); err != nil {
			if errors.Is(err, domain.ErrStaleUpdate) {
				return outcomeStale, 0, nil
			}
			return 0, 0, fmt.Errorf("touch duplicate: %w", err)
		}
		return outcomeDuplicate, 0, nil
	}

	return r.updateArticle(ctx, tx, site, snapshot, rec, *existing, match)
}

// findOriginal returns the oldest non-duplicate article with the canonical
// URL, collapsing a duplicate hit onto the article it points at.
func (r *ArticleResolver) findOriginal(ctx context.Context, tx ports.ArticleTx, siteID int64, canonicalURL string) (*domain.Article, error) {
	found, err := tx.FindCanonicalByURL(ctx, siteID, canonicalURL)
	if err != nil {
		return nil, fmt.Errorf("find by canonical url: %w", err)
	}
	if found == nil || !found.IsDuplicate || found.DuplicateOfID == nil {
		return found, nil
	}
	original, err := tx.GetArticle(ctx, *found.DuplicateOfID)
	if err != nil {
		return nil, fmt.Errorf("collapse duplicate %d: %w", found.ID, err)
	}
	return original, nil
}

func (r *ArticleResolver) insertArticle(ctx context.Context, tx ports.ArticleTx, site domain.Site, rec normalizedRecord, captured time.Time) (recordOutcome, int, error) {
	article := domain.Article{
		ExternalID:     rec.ExternalID,
		SiteID:         site.ID,
		Title:          rec.Title,
		Slug:           canonical.Slug(rec.URL),
		URL:            rec.URL,
		CanonicalURL:   rec.canonicalURL,
		Summary:        rec.Summary,
		ContentExcerpt: rec.Content,
		ImageURL:       rec.ImageURL,
		Tags:           rec.Tags,
		PublishedAt:    rec.PublishedAt,
		WordCount:      rec.WordCount,
		Language:       site.Language,
		FirstSeen:      captured,
		LastSeen:       captured,
		IsActive:       true,
	}
	if err := r.resolveRefs(ctx, tx, site.ID, rec, &article); err != nil {
		return 0, 0, err
	}
	finalize(&article)

	if _, err := tx.InsertArticle(ctx, article); err != nil {
		return 0, 0, fmt.Errorf("insert article: %w", err)
	}
	return outcomeCreated, 0, nil
}

func (r *ArticleResolver) insertDuplicate(ctx context.Context, tx ports.ArticleTx, site domain.Site, snapshot domain.Snapshot, rec normalizedRecord, original domain.Article) (recordOutcome, int, error) {
	article := domain.Article{
		ExternalID:     rec.ExternalID,
		SiteID:         site.ID,
		Title:          rec.Title,
		Slug:           canonical.Slug(rec.URL),
		URL:            rec.URL,
		CanonicalURL:   rec.canonicalURL,
		Summary:        rec.Summary,
		ContentExcerpt: rec.Content,
		ImageURL:       rec.ImageURL,
		Tags:           rec.Tags,
		PublishedAt:    rec.PublishedAt,
		WordCount:      rec.WordCount,
		Language:       site.Language,
		FirstSeen:      snapshot.CapturedAt,
		LastSeen:       snapshot.CapturedAt,
		IsActive:       true,
		IsDuplicate:    true,
		DuplicateOfID:  &original.ID,
	}
	if err := r.resolveRefs(ctx, tx, site.ID, rec, &article); err != nil {
		return 0, 0, err
	}
	finalize(&article)

	if _, err := tx.InsertArticle(ctx, article); err != nil {
		return 0, 0, fmt.Errorf("insert duplicate of %d: %w", original.ID, err)
	}
	return outcomeDuplicate, 0, nil
}

func (r *ArticleResolver) updateArticle(ctx context.Context, tx ports.ArticleTx, site domain.Site, snapshot domain.Snapshot, rec normalizedRecord, stored domain.Article, match domain.MatchKind) (recordOutcome, int, error) {
	captured := snapshot.CapturedAt
	candidate := stored
	candidate.Tags = append([]string(nil), stored.Tags...)

	candidate.Title = rec.Title
	if rec.URL != "" {
		candidate.URL = rec.URL
		candidate.CanonicalURL = rec.canonicalURL
		candidate.Slug = canonical.Slug(rec.URL)
	}
	if rec.Summary != "" {
		candidate.Summary = rec.Summary
	}
	if rec.Content != "" {
		candidate.ContentExcerpt = rec.Content
	}
	if rec.ImageURL != "" {
		candidate.ImageURL = rec.ImageURL
	}
	if len(rec.Tags) > 0 {
		candidate.Tags = rec.Tags
	}
	if rec.PublishedAt != nil {
		candidate.PublishedAt = rec.PublishedAt
	}
	if rec.WordCount > 0 {
		candidate.WordCount = rec.WordCount
	}
	if err := r.resolveRefs(ctx, tx, site.ID, rec, &candidate); err != nil {
		return 0, 0, err
	}
	finalize(&candidate)

	history := r.tracker.Diff(stored, candidate, snapshot.ID, match, captured)
	contentChanged := len(history) > 0 || candidate.ContentHash != stored.ContentHash

	if !contentChanged && captured.Equal(stored.LastSeen) && sameMetadata(stored, candidate) {
		return outcomeUnchanged, 0, nil
	}

	candidate.LastSeen = captured
	if contentChanged {
		candidate.LastUpdated = &captured
	}
	if err := tx.UpdateArticle(ctx, candidate, stored.LastSeen); err != nil {
		if errors.Is(err, domain.ErrStaleUpdate) {
			return outcomeStale, 0, nil
		}
		return 0, 0, fmt.Errorf("update article %d: %w", stored.ID, err)
	}
	if len(history) > 0 {
		if err := tx.InsertHistory(ctx, history); err != nil {
			return 0, 0, fmt.Errorf("insert history for %d: %w", stored.ID, err)
		}
		for _, h := range history {
			if r.metrics != nil {
				r.metrics.ObserveHistory(site.Key, h.ChangeType)
			}
		}
	}

	if contentChanged {
		return outcomeUpdated, len(history), nil
	}
	return outcomeUnchanged, 0, nil
}

func (r *ArticleResolver) resolveRefs(ctx context.Context, tx ports.ArticleTx, siteID int64, rec normalizedRecord, article *domain.Article) error {
	if name := strings.TrimSpace(rec.Author); name != "" {
		id, err := tx.GetOrCreateAuthor(ctx, siteID, name)
		if err != nil {
			return fmt.Errorf("author %q: %w", name, err)
		}
		article.AuthorID = &id
	}
	if name := strings.TrimSpace(rec.Category); name != "" {
		id, err := tx.GetOrCreateCategory(ctx, siteID, name)
		if err != nil {
			return fmt.Errorf("category %q: %w", name, err)
		}
		article.CategoryID = &id
	}
	return nil
}

// finalize recomputes the derived columns of an article.
func finalize(a *domain.Article) {
	a.ContentHash = canonical.ContentHash(a.Title, a.Summary, a.ContentExcerpt, a.ImageURL)
	a.ReadingTimeMinutes = ReadingTime(a.WordCount)
	a.QualityScore = QualityScore(*a)
}

func sameMetadata(a, b domain.Article) bool {
	return a.URL == b.URL &&
		a.WordCount == b.WordCount &&
		a.QualityScore == b.QualityScore &&
		equalTime(a.PublishedAt, b.PublishedAt)
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// ReadingTime estimates minutes at 250 words per minute, at least one for non-empty text.
func ReadingTime(words int) int {
	if words <= 0 {
		return 0
	}
	return int(math.Max(1, math.Ceil(float64(words)/wordsPerMinute)))
}

// QualityScore weighs field completeness plus a bonus for substantial text, capped at 100.
func QualityScore(a domain.Article) float64 {
	score := 0.0
	if a.Title != "" {
		score += 20
	}
	if a.ExternalID != "" && !canonical.IsFingerprint(a.ExternalID) {
		score += 20
	}
	if a.AuthorID != nil {
		score += 10
	}
	if a.CategoryID != nil {
		score += 10
	}
	if a.URL != "" {
		score += 10
	}
	if a.Summary != "" {
		score += 10
	}
	if a.ImageURL != "" {
		score += 10
	}
	if a.PublishedAt != nil {
		score += 5
	}
	if a.WordCount > 50 {
		score += 5
	}
	return math.Min(score, 100)
}
