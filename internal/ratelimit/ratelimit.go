// Package ratelimit reads the agent CLI's local usage cache to learn
// whether the account is currently rate limited. It is a passive file
// read; this package never shells out.
package ratelimit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const defaultCacheRelPath = ".claude/usage_cache.json"

// Result is one probe's view of the agent CLI's usage state.
type Result struct {
	Tier      string
	Used      int64
	Limit     int64
	Percent   float64
	IsLimited bool
	ResetAt   int64 // unix seconds, 0 = unknown
	Raw       string
}

// cacheFile is the shape the agent CLI writes. Fields are all optional;
// a field absent from the JSON is simply left at its zero value.
type cacheFile struct {
	Tier      string  `json:"tier"`
	Used      int64   `json:"used"`
	Limit     int64   `json:"limit"`
	Percent   float64 `json:"percent"`
	IsLimited bool    `json:"is_limited"`
	ResetAt   string  `json:"reset_at"` // RFC3339 or free-form text
	Raw       string  `json:"raw"`
}

// Probe reads the agent CLI's usage cache file.
type Probe struct {
	cachePath string
	logger    zerolog.Logger
}

// New builds a Probe. If cachePath is empty, it resolves
// RATE_LIMIT_CACHE_PATH, falling back to ~/.claude/usage_cache.json.
func New(cachePath string, logger zerolog.Logger) *Probe {
	if cachePath == "" {
		if env := os.Getenv("RATE_LIMIT_CACHE_PATH"); env != "" {
			cachePath = env
		} else if home, err := os.UserHomeDir(); err == nil {
			cachePath = filepath.Join(home, defaultCacheRelPath)
		} else {
			cachePath = defaultCacheRelPath
		}
	}
	return &Probe{
		cachePath: cachePath,
		logger:    logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Check reads and parses the cache file. A missing file or malformed JSON
// is never an error: it yields an unknown, not-limited result and a logged
// warning.
func (p *Probe) Check() Result {
	data, err := os.ReadFile(p.cachePath)
	if err != nil {
		p.logger.Warn().Err(err).Str("path", p.cachePath).Msg("failed to read rate limit cache")
		return unknownResult()
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		p.logger.Warn().Err(err).Str("path", p.cachePath).Msg("malformed rate limit cache")
		return unknownResult()
	}

	result := Result{
		Tier:      cf.Tier,
		Used:      cf.Used,
		Limit:     cf.Limit,
		Percent:   cf.Percent,
		IsLimited: cf.IsLimited,
		Raw:       cf.Raw,
	}
	if result.Tier == "" {
		result.Tier = "unknown"
	}

	if t, err := time.Parse(time.RFC3339, cf.ResetAt); err == nil {
		result.ResetAt = t.Unix()
	} else if cf.ResetAt != "" {
		if t, ok := parseResetTime(cf.ResetAt); ok {
			result.ResetAt = t.Unix()
		}
	} else if cf.Raw != "" {
		if t, ok := parseResetTime(cf.Raw); ok {
			result.ResetAt = t.Unix()
		}
	}

	return result
}

func unknownResult() Result {
	return Result{Tier: "unknown", IsLimited: false}
}
