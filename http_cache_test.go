package fetchkit

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func durationPtr(d time.Duration) *time.Duration { return &d }

func TestParseCacheControl(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected *CacheDirectives
	}{
		{
			name:     "empty header",
			header:   "",
			expected: &CacheDirectives{},
		},
		{
			name:     "max-age directive",
			header:   "max-age=3600",
			expected: &CacheDirectives{MaxAge: durationPtr(time.Hour)},
		},
		{
			name:   "multiple directives",
			header: "Max-Age=3600, no-cache, PUBLIC",
			expected: &CacheDirectives{
				MaxAge:  durationPtr(time.Hour),
				NoCache: true,
				Public:  true,
			},
		},
		{
			name:   "shared max age",
			header: `private, s-maxage="60"`,
			expected: &CacheDirectives{
				SMaxAge: durationPtr(time.Minute),
				Private: true,
			},
		},
		{
			name:     "no-store directive",
			header:   "no-store",
			expected: &CacheDirectives{NoStore: true},
		},
		{
			name:   "must-revalidate directive",
			header: "max-age=0, must-revalidate",
			expected: &CacheDirectives{
				MaxAge:         durationPtr(0),
				MustRevalidate: true,
			},
		},
		{
			name:     "malformed values are skipped",
			header:   "max-age=abc, max-age=-1, ,",
			expected: &CacheDirectives{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseCacheControl(tt.header))
		})
	}
}

func TestParseExpires(t *testing.T) {
	assert.Nil(t, parseExpires(""))
	assert.Nil(t, parseExpires("invalid-date"))

	got := parseExpires("Wed, 21 Oct 2015 07:28:00 GMT")
	if assert.NotNil(t, got) {
		assert.Equal(t, time.Date(2015, 10, 21, 7, 28, 0, 0, time.UTC), got.UTC())
	}
}

func TestStorableTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ttl := 5 * time.Minute

	tests := []struct {
		name      string
		header    http.Header
		wantTTL   time.Duration
		wantStore bool
	}{
		{"no headers", http.Header{}, ttl, true},
		{"no-store", http.Header{"Cache-Control": {"no-store"}}, 0, false},
		{"private", http.Header{"Cache-Control": {"private, max-age=60"}}, 0, false},
		{"max-age caps ttl", http.Header{"Cache-Control": {"max-age=60"}}, time.Minute, true},
		{"max-age above ttl", http.Header{"Cache-Control": {"max-age=3600"}}, ttl, true},
		{"s-maxage wins", http.Header{"Cache-Control": {"max-age=3600, s-maxage=30"}}, 30 * time.Second, true},
		{"max-age zero", http.Header{"Cache-Control": {"max-age=0"}}, 0, false},
		{
			"expires caps ttl",
			http.Header{"Expires": {now.Add(2 * time.Minute).Format(http.TimeFormat)}},
			2 * time.Minute, true,
		},
		{
			"expires in the past",
			http.Header{"Expires": {now.Add(-time.Minute).Format(http.TimeFormat)}},
			0, false,
		},
		{
			"max-age beats expires",
			http.Header{
				"Cache-Control": {"max-age=90"},
				"Expires":       {now.Add(-time.Minute).Format(http.TimeFormat)},
			},
			90 * time.Second, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := storableTTL(tt.header, ttl, now)
			assert.Equal(t, tt.wantStore, ok)
			if tt.wantStore {
				assert.Equal(t, tt.wantTTL, got)
			}
		})
	}
}
