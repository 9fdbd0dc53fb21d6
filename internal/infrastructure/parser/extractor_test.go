package parser

import (
	"errors"
	"testing"
	"time"

	"TechThermometer/internal/domain"
)

func TestJSONExtractorWordPressListing(t *testing.T) {
	t.Parallel()

	payload := []byte(`[
	  {
	    "id": 101,
	    "date": "2025-11-08T10:30:00",
	    "link": "https://news.example.com/seguranca/101-novo-golpe?utm_source=rss",
	    "title": {"rendered": "Novo golpe &amp; phishing"},
	    "excerpt": {"rendered": "<p>Um golpe que usa mensagens falsas para roubar dados.</p>"},
	    "content": {"rendered": "<p>Primeiro paragrafo.</p><p>Segundo <img src=\"/img/golpe.jpg\"> paragrafo.</p>"},
	    "author": {"name": "Ana Souza"},
	    "categories": ["Seguranca", "Golpes"],
	    "tags": ["phishing", "whatsapp"]
	  },
	  "not an object"
	]`)

	records, errs := NewJSONExtractor().Extract(payload, "https://news.example.com")
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 per-item error, got %d", len(errs))
	}
	var malformed *domain.MalformedRecordError
	if !errors.As(errs[0], &malformed) || malformed.Index != 1 {
		t.Fatalf("unexpected error: %v", errs[0])
	}

	r := records[0]
	if r.ExternalID != "101" {
		t.Fatalf("unexpected external id: %q", r.ExternalID)
	}
	if r.Title != "Novo golpe & phishing" {
		t.Fatalf("unexpected title: %q", r.Title)
	}
	if r.Summary != "Um golpe que usa mensagens falsas para roubar dados." {
		t.Fatalf("unexpected summary: %q", r.Summary)
	}
	if r.Author != "Ana Souza" || r.Category != "Seguranca" {
		t.Fatalf("unexpected author/category: %q / %q", r.Author, r.Category)
	}
	if len(r.Tags) != 2 || r.Tags[0] != "phishing" {
		t.Fatalf("unexpected tags: %v", r.Tags)
	}
	if r.ImageURL != "https://news.example.com/img/golpe.jpg" {
		t.Fatalf("unexpected image: %q", r.ImageURL)
	}
	if r.WordCount != 4 {
		t.Fatalf("expected 4 words from content, got %d", r.WordCount)
	}
	want := time.Date(2025, time.November, 8, 10, 30, 0, 0, time.UTC)
	if r.PublishedAt == nil || !r.PublishedAt.Equal(want) {
		t.Fatalf("unexpected published at: %v", r.PublishedAt)
	}
}

func TestJSONExtractorWrappedListAndRelativeURL(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"data": {"posts": [
	  {"post_id": "a-1", "headline": "Chip novo", "url": "/hardware/chip-novo", "published_at": 1762597800, "section": "Hardware"}
	]}}`)

	records, errs := NewJSONExtractor().Extract(payload, "https://www.example.com")
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if r.ExternalID != "a-1" || r.Title != "Chip novo" || r.Category != "Hardware" {
		t.Fatalf("unexpected record: %+v", r)
	}
	if r.URL != "https://www.example.com/hardware/chip-novo" {
		t.Fatalf("unexpected url: %q", r.URL)
	}
	if r.PublishedAt == nil || r.PublishedAt.Unix() != 1762597800 {
		t.Fatalf("unexpected published at: %v", r.PublishedAt)
	}
	if r.Summary != "" {
		t.Fatalf("expected no summary, got %q", r.Summary)
	}
}

func TestJSONExtractorMissingFieldsStayEmpty(t *testing.T) {
	t.Parallel()

	records, errs := NewJSONExtractor().Extract([]byte(`{"items": [{"title": "Only a title"}]}`), "https://x.example")
	if len(errs) != 0 || len(records) != 1 {
		t.Fatalf("unexpected result: %v %v", records, errs)
	}
	r := records[0]
	if r.ExternalID != "" || r.URL != "" || r.PublishedAt != nil || r.ImageURL != "" {
		t.Fatalf("expected absent fields to stay empty: %+v", r)
	}
}

func TestJSONExtractorInvalidPayload(t *testing.T) {
	t.Parallel()

	records, errs := NewJSONExtractor().Extract([]byte(`{"items": [`), "")
	if len(records) != 0 || len(errs) != 1 {
		t.Fatalf("expected a single decode error, got %v %v", records, errs)
	}

	records, errs = NewJSONExtractor().Extract(nil, "")
	if records != nil || errs != nil {
		t.Fatalf("empty payload should yield nothing")
	}
}

func TestRSSExtractor(t *testing.T) {
	t.Parallel()

	payload := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example Tech</title>
    <link>https://tech.example.com</link>
    <item>
      <title>Linux 7.0 lançado</title>
      <link>https://tech.example.com/linux-7?utm_campaign=feed</link>
      <guid isPermaLink="false">post-77</guid>
      <description><![CDATA[<p>O kernel chegou com <b>novidades</b> importantes.</p>]]></description>
      <category>Software</category>
      <category>kernel</category>
      <pubDate>Sat, 08 Nov 2025 12:00:00 +0000</pubDate>
      <enclosure url="https://tech.example.com/img/linux.png" type="image/png" length="100"/>
    </item>
    <item>
      <title>No link at all</title>
    </item>
  </channel>
</rss>`)

	records, errs := NewRSSExtractor().Extract(payload, "https://tech.example.com")
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 malformed entry, got %v", errs)
	}

	r := records[0]
	if r.ExternalID != "post-77" {
		t.Fatalf("unexpected guid: %q", r.ExternalID)
	}
	if r.Title != "Linux 7.0 lançado" {
		t.Fatalf("unexpected title: %q", r.Title)
	}
	if r.Summary != "O kernel chegou com novidades importantes." {
		t.Fatalf("unexpected summary: %q", r.Summary)
	}
	if r.Category != "Software" || len(r.Tags) != 1 || r.Tags[0] != "kernel" {
		t.Fatalf("unexpected category/tags: %q %v", r.Category, r.Tags)
	}
	if r.ImageURL != "https://tech.example.com/img/linux.png" {
		t.Fatalf("unexpected image: %q", r.ImageURL)
	}
	if r.PublishedAt == nil || !r.PublishedAt.Equal(time.Date(2025, time.November, 8, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected published at: %v", r.PublishedAt)
	}
}

func TestRSSExtractorRejectsGarbage(t *testing.T) {
	t.Parallel()

	records, errs := NewRSSExtractor().Extract([]byte("definitely not a feed"), "")
	if len(records) != 0 || len(errs) != 1 {
		t.Fatalf("expected parse error, got %v %v", records, errs)
	}
}
