package config

import (
	"log"
	"os"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"
)

const defaultTimezone = "America/New_York"

// EngineSettings holds the tunables of the scheduling and sync engine.
//
// Env overrides (optional):
// - COMPLIANCE_TIMEZONE (default America/New_York)
// - COMPLIANCE_HORIZON_YEARS (default 5)
// - COMPLIANCE_PAST_GRACE_DAYS (default 30)
// - COMPLIANCE_PERIODS_AHEAD (default 6)
// - SYNC_STALE_LOCK_MINUTES (default 15)
// - SYNC_FETCH_CONCURRENCY (default 4)
// - SYNC_RECENT_EVENTS_LIMIT (default 200)
// - SYNC_PAGE_SIZE (default 1000)
// - SYNC_MAX_PAGES (default 20)
// - SYNC_CURSOR_OVERLAP_DAYS (default 30)
type EngineSettings struct {
	Location          *time.Location
	HorizonYears      int
	PastGraceDays     int
	PeriodsAhead      int
	StaleLockAfter    time.Duration
	FetchConcurrency  int
	RecentEventsLimit int
	PageSize          int
	MaxPages          int
	CursorOverlapDays int
	SocrataAppToken   string
	SocrataBaseURL    string
	HTTPTimeout       time.Duration
	HTTPMaxRetries    int
	RequestsPerSecond float64
}

var (
	settingsOnce sync.Once
	settings     EngineSettings
)

// Settings returns the process-wide engine settings, read from env once.
func Settings() EngineSettings {
	settingsOnce.Do(func() {
		settings = LoadSettings()
	})
	return settings
}

// LoadSettings reads the engine settings from the environment.
func LoadSettings() EngineSettings {
	tz := strings.TrimSpace(os.Getenv("COMPLIANCE_TIMEZONE"))
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("invalid COMPLIANCE_TIMEZONE %q: %v; using %s", tz, err, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	baseURL := strings.TrimSpace(os.Getenv("SOCRATA_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://data.cityofnewyork.us"
	}
	return EngineSettings{
		Location:          loc,
		HorizonYears:      intFromEnv("COMPLIANCE_HORIZON_YEARS", 5),
		PastGraceDays:     intFromEnv("COMPLIANCE_PAST_GRACE_DAYS", 30),
		PeriodsAhead:      intFromEnv("COMPLIANCE_PERIODS_AHEAD", 6),
		StaleLockAfter:    time.Duration(intFromEnv("SYNC_STALE_LOCK_MINUTES", 15)) * time.Minute,
		FetchConcurrency:  intFromEnv("SYNC_FETCH_CONCURRENCY", 4),
		RecentEventsLimit: intFromEnv("SYNC_RECENT_EVENTS_LIMIT", 200),
		PageSize:          intFromEnv("SYNC_PAGE_SIZE", 1000),
		MaxPages:          intFromEnv("SYNC_MAX_PAGES", 20),
		CursorOverlapDays: intFromEnv("SYNC_CURSOR_OVERLAP_DAYS", 30),
		SocrataAppToken:   strings.TrimSpace(os.Getenv("SOCRATA_APP_TOKEN")),
		SocrataBaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPTimeout:       time.Duration(intFromEnv("SYNC_HTTP_TIMEOUT_SECONDS", 30)) * time.Second,
		HTTPMaxRetries:    intFromEnv("SYNC_HTTP_MAX_RETRIES", 3),
		RequestsPerSecond: float64(intFromEnv("SYNC_REQUESTS_PER_SECOND", 5)),
	}
}

// EnvBoolDefault parses common truthy/falsy spellings.
func EnvBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
