package fetchkit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheDirectives represents parsed Cache-Control directives.
type CacheDirectives struct {
	NoStore        bool
	NoCache        bool
	MaxAge         *time.Duration
	SMaxAge        *time.Duration
	MustRevalidate bool
	Public         bool
	Private        bool
}

// parseCacheControl parses Cache-Control header into structured directives.
func parseCacheControl(header string) *CacheDirectives {
	directives := &CacheDirectives{}
	if header == "" {
		return directives
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}

		if key, value, ok := strings.Cut(part, "="); ok {
			value = strings.Trim(strings.TrimSpace(value), "\"")
			seconds, err := strconv.Atoi(value)
			if err != nil || seconds < 0 {
				continue
			}
			d := time.Duration(seconds) * time.Second
			switch strings.TrimSpace(key) {
			case "max-age":
				directives.MaxAge = &d
			case "s-maxage":
				directives.SMaxAge = &d
			}
			continue
		}

		switch part {
		case "no-store":
			directives.NoStore = true
		case "no-cache":
			directives.NoCache = true
		case "must-revalidate":
			directives.MustRevalidate = true
		case "public":
			directives.Public = true
		case "private":
			directives.Private = true
		}
	}

	return directives
}

// parseExpires parses the Expires header into a time.Time.
func parseExpires(header string) *time.Time {
	if header == "" {
		return nil
	}
	if t, err := http.ParseTime(header); err == nil {
		return &t
	}
	return nil
}

// storableTTL applies response caching headers to ttl. ok is false when the
// response must not be stored.
func storableTTL(header http.Header, ttl time.Duration, now time.Time) (time.Duration, bool) {
	cc := parseCacheControl(header.Get("Cache-Control"))
	if cc.NoStore || cc.Private {
		return 0, false
	}

	limit := cc.MaxAge
	if cc.SMaxAge != nil {
		limit = cc.SMaxAge
	}
	if limit == nil {
		if expires := parseExpires(header.Get("Expires")); expires != nil {
			d := expires.Sub(now)
			limit = &d
		}
	}
	if limit != nil {
		if *limit <= 0 {
			return 0, false
		}
		if *limit < ttl {
			ttl = *limit
		}
	}
	return ttl, true
}
