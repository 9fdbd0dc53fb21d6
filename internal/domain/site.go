package domain

import (
	"sort"
	"time"
)

// PayloadFormat selects how a site's raw payload is turned into records.
type PayloadFormat string

const (
	FormatJSON PayloadFormat = "json"
	FormatRSS  PayloadFormat = "rss"
)

// AuthConfig describes how authenticated sites sign their requests.
type AuthConfig struct {
	Header string
	Scheme string
	Token  string
}

// Site holds collection policy and health counters for one source.
type Site struct {
	ID                       int64
	Key                      string
	Name                     string
	BaseURL                  string
	Endpoints                map[string]string
	Params                   map[string]string
	Format                   PayloadFormat
	Language                 string
	RateLimitPerHour         int
	RequestTimeout           time.Duration
	RetryCount               int
	RetryDelay               time.Duration
	RequiresAuth             bool
	Auth                     AuthConfig
	IsActive                 bool
	CollectionErrorCount     int
	LastSuccessfulCollection *time.Time
	IsDeleted                bool
	DeletedAt                *time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// IsHealthy reports whether the site stays under the consecutive-error threshold.
func (s Site) IsHealthy(threshold int) bool {
	return s.CollectionErrorCount < threshold
}

// PrimaryEndpointName is the endpoint collected when a site declares several.
const PrimaryEndpointName = "articles"

// PrimaryEndpoint returns the endpoint collected on every cycle: the one named
// "articles" when present, otherwise the first by name.
func (s Site) PrimaryEndpoint() (name, template string) {
	if tpl, ok := s.Endpoints[PrimaryEndpointName]; ok {
		return PrimaryEndpointName, tpl
	}
	names := make([]string, 0, len(s.Endpoints))
	for n := range s.Endpoints {
		names = append(names, n)
	}
	if len(names) == 0 {
		return "", ""
	}
	sort.Strings(names)
	return names[0], s.Endpoints[names[0]]
}
