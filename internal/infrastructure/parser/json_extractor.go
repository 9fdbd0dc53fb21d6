package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"TechThermometer/internal/canonical"
	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

const (
	maxTitleLength   = 500
	maxSummaryLength = 1000
	maxExcerptLength = 600
	minSummaryLength = 10
)

var (
	listKeys      = []string{"posts", "articles", "data", "items", "results", "content"}
	idFields      = []string{"id", "post_id", "ID", "guid", "uuid", "slug"}
	titleFields   = []string{"title", "post_title", "name", "headline", "subject"}
	authorFields  = []string{"author", "post_author", "author_name", "by", "created_by", "writer", "journalist", "redator"}
	catFields     = []string{"category", "categories", "section", "channel", "topic"}
	tagFields     = []string{"tags", "keywords"}
	urlFields     = []string{"url", "link", "permalink", "href", "canonical_url"}
	summaryFields = []string{"summary", "excerpt", "description", "lead", "subtitle", "abstract", "preview"}
	contentFields = []string{"content", "body", "text"}
	imageFields   = []string{"image", "featured_image", "thumbnail", "cover_image", "picture", "photo", "media", "image_url"}
	dateFields    = []string{"published_at", "date", "created_at", "publication_date", "post_date", "publish_date", "timestamp"}

	nestedValueKeys = []string{"rendered", "raw", "plain", "value", "name", "title", "label", "display_name", "nickname"}
	nestedURLKeys   = []string{"url", "src", "source_url", "link", "href"}

	imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg", ".avif"}
	imageHints      = []string{"image", "img", "photo", "pic", "thumb", "media"}

	dateLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		time.RFC1123Z,
		time.RFC1123,
	}
)

// JSONExtractor probes arbitrary JSON listings (WordPress-like or custom APIs)
// for article-shaped objects. Missing fields are left empty; validation is the
// resolver's job.
type JSONExtractor struct{}

var _ ports.Extractor = (*JSONExtractor)(nil)

// NewJSONExtractor builds the JSON payload extractor.
func NewJSONExtractor() *JSONExtractor {
	return &JSONExtractor{}
}

// Format identifies the extractor inside the registry.
func (e *JSONExtractor) Format() domain.PayloadFormat {
	return domain.FormatJSON
}

// Extract decodes payload and maps each listed item onto a Record.
func (e *JSONExtractor) Extract(payload []byte, baseURL string) ([]domain.Record, []error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err != nil {
		return nil, []error{fmt.Errorf("decode json payload: %w", err)}
	}

	items := articleList(data)
	records := make([]domain.Record, 0, len(items))
	var errs []error
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			errs = append(errs, &domain.MalformedRecordError{Index: i, Reason: fmt.Sprintf("item is %T, not an object", item)})
			continue
		}
		records = append(records, parseItem(obj, baseURL))
	}
	return records, errs
}

func articleList(data any) []any {
	switch v := data.(type) {
	case []any:
		return v
	case map[string]any:
		for _, key := range listKeys {
			if list, ok := v[key].([]any); ok {
				return list
			}
		}
		for _, value := range v {
			nested, ok := value.(map[string]any)
			if !ok {
				continue
			}
			for _, key := range []string{"posts", "data", "items"} {
				if list, ok := nested[key].([]any); ok {
					return list
				}
			}
		}
		if _, ok := v["title"]; ok {
			return []any{v}
		}
		if _, ok := v["id"]; ok {
			return []any{v}
		}
	}
	return nil
}

func parseItem(obj map[string]any, baseURL string) domain.Record {
	content := PlainText(firstString(obj, contentFields))

	summary := ""
	for _, field := range summaryFields {
		candidate := PlainText(firstString(obj, []string{field}))
		if len([]rune(candidate)) > minSummaryLength {
			summary = Truncate(candidate, maxSummaryLength)
			break
		}
	}
	if summary == "" && len([]rune(content)) > minSummaryLength {
		summary = Truncate(content, maxSummaryLength)
	}

	wordSource := content
	if wordSource == "" {
		wordSource = summary
	}

	record := domain.Record{
		ExternalID:  firstString(obj, idFields),
		Title:       Truncate(PlainText(firstString(obj, titleFields)), maxTitleLength),
		URL:         absoluteURL(baseURL, firstString(obj, urlFields)),
		Summary:     summary,
		Content:     Truncate(content, maxExcerptLength),
		ImageURL:    extractImage(obj, baseURL),
		Author:      CollapseSpace(firstString(obj, authorFields)),
		Category:    CollapseSpace(firstString(obj, catFields)),
		Tags:        stringList(obj, tagFields),
		PublishedAt: extractDate(obj),
		WordCount:   WordCount(wordSource),
	}
	if record.ImageURL == "" {
		if img := FirstImage(firstString(obj, contentFields)); img != "" {
			record.ImageURL = absoluteURL(baseURL, img)
		}
	}
	return record
}

func absoluteURL(baseURL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	if strings.HasPrefix(raw, "/") {
		return canonical.Resolve(baseURL, raw)
	}
	return ""
}

// firstString returns the first non-empty scalar found under any of names,
// descending one level into objects and lists.
func firstString(obj map[string]any, names []string) string {
	for _, name := range names {
		value, ok := obj[name]
		if !ok {
			continue
		}
		if s := scalarString(value); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return ""
	case map[string]any:
		for _, key := range nestedValueKeys {
			if s := scalarString(v[key]); s != "" {
				return s
			}
		}
	case []any:
		for _, item := range v {
			if s := scalarString(item); s != "" {
				return s
			}
		}
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

func stringList(obj map[string]any, names []string) []string {
	for _, name := range names {
		switch v := obj[name].(type) {
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s := CollapseSpace(scalarString(item)); s != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		case string:
			var out []string
			for _, part := range strings.Split(v, ",") {
				if s := CollapseSpace(part); s != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

func extractImage(obj map[string]any, baseURL string) string {
	for _, field := range imageFields {
		value, ok := obj[field]
		if !ok {
			continue
		}
		var candidate string
		if nested, isMap := value.(map[string]any); isMap {
			for _, key := range nestedURLKeys {
				if s := scalarString(nested[key]); s != "" {
					candidate = s
					break
				}
			}
		} else {
			candidate = scalarString(value)
		}
		if candidate == "" || !looksLikeImage(candidate) {
			continue
		}
		if strings.HasPrefix(candidate, "//") {
			return "https:" + candidate
		}
		if abs := absoluteURL(baseURL, candidate); abs != "" {
			return abs
		}
	}
	return ""
}

func looksLikeImage(u string) bool {
	lower := strings.ToLower(u)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	for _, hint := range imageHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func extractDate(obj map[string]any) *time.Time {
	for _, field := range dateFields {
		value, ok := obj[field]
		if !ok {
			continue
		}
		if t, ok := parseDate(value); ok {
			return &t
		}
	}
	return nil
}

func parseDate(value any) (time.Time, bool) {
	switch v := value.(type) {
	case json.Number:
		secs, err := v.Int64()
		if err != nil || secs <= 0 {
			return time.Time{}, false
		}
		if secs > 1e12 {
			return time.UnixMilli(secs).UTC(), true
		}
		return time.Unix(secs, 0).UTC(), true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			return parseDate(json.Number(strconv.FormatInt(secs, 10)))
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	case map[string]any:
		return parseDate(v["rendered"])
	}
	return time.Time{}, false
}
