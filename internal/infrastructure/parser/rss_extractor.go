package parser

import (
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"

	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

// RSSExtractor maps RSS, Atom and JSON Feed documents onto records.
type RSSExtractor struct{}

var _ ports.Extractor = (*RSSExtractor)(nil)

// NewRSSExtractor builds the feed payload extractor.
func NewRSSExtractor() *RSSExtractor {
	return &RSSExtractor{}
}

// Format identifies the extractor inside the registry.
func (e *RSSExtractor) Format() domain.PayloadFormat {
	return domain.FormatRSS
}

// Extract parses the feed. Entries without any link are reported as malformed.
func (e *RSSExtractor) Extract(payload []byte, baseURL string) ([]domain.Record, []error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return nil, nil
	}

	feed, err := gofeed.NewParser().ParseString(string(payload))
	if err != nil {
		return nil, []error{fmt.Errorf("parse feed: %w", err)}
	}

	records := make([]domain.Record, 0, len(feed.Items))
	var errs []error
	for i, item := range feed.Items {
		if item == nil {
			continue
		}
		link := itemLink(item)
		if link == "" {
			errs = append(errs, &domain.MalformedRecordError{Index: i, Reason: "feed entry has no link"})
			continue
		}
		records = append(records, feedRecord(item, absoluteURL(baseURL, link)))
	}
	return records, errs
}

func feedRecord(item *gofeed.Item, link string) domain.Record {
	content := PlainText(item.Content)
	summary := PlainText(item.Description)
	if summary == "" {
		summary = content
	}

	wordSource := content
	if wordSource == "" {
		wordSource = summary
	}

	record := domain.Record{
		ExternalID: strings.TrimSpace(item.GUID),
		Title:      Truncate(PlainText(item.Title), maxTitleLength),
		URL:        link,
		Summary:    Truncate(summary, maxSummaryLength),
		Content:    Truncate(content, maxExcerptLength),
		ImageURL:   itemImage(item),
		WordCount:  WordCount(wordSource),
	}

	switch {
	case len(item.Authors) > 0 && item.Authors[0] != nil:
		record.Author = CollapseSpace(item.Authors[0].Name)
	case item.Author != nil:
		record.Author = CollapseSpace(item.Author.Name)
	}

	if len(item.Categories) > 0 {
		record.Category = CollapseSpace(item.Categories[0])
		for _, c := range item.Categories[1:] {
			if c = CollapseSpace(c); c != "" {
				record.Tags = append(record.Tags, c)
			}
		}
	}

	if item.PublishedParsed != nil {
		t := item.PublishedParsed.UTC()
		record.PublishedAt = &t
	} else if item.UpdatedParsed != nil {
		t := item.UpdatedParsed.UTC()
		record.PublishedAt = &t
	}

	if record.ImageURL == "" {
		if img := FirstImage(item.Content); img != "" {
			record.ImageURL = absoluteURL(link, img)
		} else if img := FirstImage(item.Description); img != "" {
			record.ImageURL = absoluteURL(link, img)
		}
	}
	return record
}

// itemLink prefers the explicit link and falls back to a URL-shaped GUID.
func itemLink(item *gofeed.Item) string {
	if link := strings.TrimSpace(item.Link); link != "" {
		return link
	}
	for _, link := range item.Links {
		if link = strings.TrimSpace(link); link != "" {
			return link
		}
	}
	if strings.HasPrefix(item.GUID, "http") {
		return strings.TrimSpace(item.GUID)
	}
	return ""
}

func itemImage(item *gofeed.Item) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	return ""
}
