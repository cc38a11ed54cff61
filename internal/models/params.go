package models

// ScopeKind selects which URLs are in bounds for a job relative to its seed.
type ScopeKind string

const (
	ScopeDomain     ScopeKind = "domain"      // same registered domain as the seed
	ScopeHost       ScopeKind = "host"        // same fully qualified host as the seed
	ScopePathPrefix ScopeKind = "path_prefix" // same host and path under PathPrefix
	ScopeCustom     ScopeKind = "custom"      // include/exclude patterns only
)

// WaitUntil mirrors the browser lifecycle events a render can wait on.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle      WaitUntil = "networkidle"
	WaitCommit           WaitUntil = "commit"
)

// RenderMode selects the renderer implementation for a job.
type RenderMode string

const (
	RenderAuto    RenderMode = "auto"    // static unless browser features are requested
	RenderBrowser RenderMode = "browser" // headless browser
	RenderStatic  RenderMode = "static"  // plain HTTP fetch
)

// Device labels understood by the browser renderer. An empty device is
// treated as desktop.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
)

// RenderOptions are passed through to the renderer collaborator.
type RenderOptions struct {
	Mode         RenderMode        `json:"mode,omitempty" toml:"mode"`
	Screenshot   bool              `json:"screenshot,omitempty" toml:"screenshot"`
	FullContent  bool              `json:"full_content,omitempty" toml:"full_content"`
	WaitUntil    WaitUntil         `json:"wait_until,omitempty" toml:"wait_until" validate:"omitempty,oneof=load domcontentloaded networkidle commit"`
	TimeoutMs    int               `json:"timeout_ms,omitempty" toml:"timeout_ms" validate:"omitempty,gte=0"`
	SleepMs      int               `json:"sleep_ms,omitempty" toml:"sleep_ms" validate:"omitempty,gte=0"`
	Device       string            `json:"device,omitempty" toml:"device"`
	UserScripts  []string          `json:"user_scripts,omitempty" toml:"user_scripts"`
	Incognito    bool              `json:"incognito,omitempty" toml:"incognito"`
	Proxy        string            `json:"proxy,omitempty" toml:"proxy"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty" toml:"extra_headers"`
}

// CrawlParams is the full configuration of one crawl job. It is built once
// from the submit request plus system ceilings and never mutated afterwards,
// so a job can be audited or re-run from its manifest alone.
type CrawlParams struct {
	StartURL   string    `json:"start_url" validate:"required,url"`
	Scope      ScopeKind `json:"scope" validate:"oneof=domain host path_prefix custom"`
	PathPrefix string    `json:"path_prefix,omitempty"`

	// IncludePatterns and ExcludePatterns are regular expressions tested
	// against the full URL string. Includes are OR-ed, excludes veto.
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`

	MaxDepth       int `json:"max_depth" validate:"gte=0"`
	MaxPages       int `json:"max_pages" validate:"gte=1"`
	MaxDurationSec int `json:"max_duration_sec" validate:"gte=1"`
	Concurrency    int `json:"concurrency" validate:"gte=1"`

	RateLimitPerDomainPerSec float64 `json:"rate_limit_per_domain_per_sec" validate:"gt=0"`
	GlobalRatePerSec         float64 `json:"global_rate_per_sec,omitempty" validate:"gte=0"`

	RespectRobots    bool `json:"respect_robots"`
	FollowNofollow   bool `json:"follow_nofollow"`
	SameProtocolOnly bool `json:"same_protocol_only"`

	// IgnoreQueryParams are glob patterns; matching query parameters are
	// stripped during canonicalization.
	IgnoreQueryParams []string `json:"ignore_query_params,omitempty"`

	// ContentTypes are glob patterns matched against the HEAD content type.
	ContentTypes []string `json:"content_types,omitempty"`

	CaptureAssets     bool     `json:"capture_assets"`
	CaptureAssetTypes []string `json:"capture_asset_types,omitempty"`
	MaxAssetSizeMB    int      `json:"max_asset_size_mb" validate:"gte=1"`

	UserAgent string        `json:"user_agent,omitempty"`
	Render    RenderOptions `json:"render,omitempty"`
}

// DefaultCrawlParams returns the stock configuration for a seed URL.
func DefaultCrawlParams(startURL string) *CrawlParams {
	return &CrawlParams{
		StartURL:                 startURL,
		Scope:                    ScopeDomain,
		MaxDepth:                 3,
		MaxPages:                 1000,
		MaxDurationSec:           3600,
		Concurrency:              4,
		RateLimitPerDomainPerSec: 1.0,
		RespectRobots:            true,
		FollowNofollow:           false,
		SameProtocolOnly:         true,
		IgnoreQueryParams:        []string{"utm_*", "fbclid"},
		ContentTypes:             []string{"text/html"},
		CaptureAssets:            false,
		CaptureAssetTypes:        []string{"image/*", "application/pdf"},
		MaxAssetSizeMB:           20,
		Render: RenderOptions{
			Mode:        RenderAuto,
			FullContent: true,
			WaitUntil:   WaitDOMContentLoaded,
			TimeoutMs:   60000,
		},
	}
}

// MaxAssetSizeBytes converts the configured asset cap to bytes.
func (p *CrawlParams) MaxAssetSizeBytes() int64 {
	return int64(p.MaxAssetSizeMB) * 1024 * 1024
}
