package domain

import (
	"net/url"
	"path"
	"strings"
	"time"
)

// AccessRecord is one historical load of a resource, as observed by the host.
type AccessRecord struct {
	Key         string        `json:"key"`
	Kind        ResourceKind  `json:"kind"`
	Timestamp   time.Time     `json:"timestamp"`
	LoadTime    time.Duration `json:"load_time"`
	SizeBytes   int64         `json:"size_bytes"`
	NetworkType NetworkClass  `json:"network_type"`
	Context     string        `json:"context"`
	CrossOrigin bool          `json:"cross_origin,omitempty"`
}

type PreloadCandidate struct {
	Key             string        `json:"key"`
	Kind            ResourceKind  `json:"kind"`
	Confidence      float64       `json:"confidence"`
	Occurrences     int           `json:"occurrences"`
	AvgLoadTime     time.Duration `json:"avg_load_time"`
	AvgSize         int64         `json:"avg_size"`
	EstimatedImpact float64       `json:"estimated_impact"`
	CrossOrigin     bool          `json:"cross_origin,omitempty"`
}

type HintRel string

const (
	HintPreload     HintRel = "preload"
	HintPrefetch    HintRel = "prefetch"
	HintPreconnect  HintRel = "preconnect"
	HintDNSPrefetch HintRel = "dns-prefetch"
)

type FetchPriority string

const (
	FetchPriorityHigh FetchPriority = "high"
	FetchPriorityLow  FetchPriority = "low"
	FetchPriorityAuto FetchPriority = "auto"
)

// ResourceHint is a link directive handed to the host resource loader.
type ResourceHint struct {
	Rel           HintRel       `json:"rel"`
	Href          string        `json:"href"`
	As            string        `json:"as,omitempty"`
	Type          string        `json:"type,omitempty"`
	CrossOrigin   bool          `json:"crossorigin,omitempty"`
	FetchPriority FetchPriority `json:"fetchpriority,omitempty"`
}

// HintAs maps a resource kind to the link "as" attribute.
func HintAs(kind ResourceKind) string {
	switch kind {
	case ResourceScript:
		return "script"
	case ResourceStyle:
		return "style"
	case ResourceFont:
		return "font"
	case ResourceImage:
		return "image"
	case ResourceVideo:
		return "video"
	case ResourceDocument:
		return "document"
	case ResourceFetch:
		return "fetch"
	default:
		return ""
	}
}

var hintTypes = map[string]string{
	".woff2": "font/woff2",
	".woff":  "font/woff",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".avif":  "image/avif",
	".webp":  "image/webp",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".css":   "text/css",
	".js":    "text/javascript",
	".mjs":   "text/javascript",
	".json":  "application/json",
}

// HintType returns the link "type" attribute for key from its file
// extension, or "" when it cannot be derived. Fonts without a known extension
// are assumed to be woff2.
func HintType(key string, kind ResourceKind) string {
	p := key
	if u, err := url.Parse(key); err == nil {
		p = u.Path
	}
	if t, ok := hintTypes[strings.ToLower(path.Ext(p))]; ok {
		return t
	}
	if kind == ResourceFont {
		return "font/woff2"
	}
	return ""
}

// RequiresCORS reports kinds that browsers always fetch in CORS mode.
func RequiresCORS(kind ResourceKind) bool {
	return kind == ResourceFont || kind == ResourceFetch
}

// Origin returns scheme://host of an absolute resource key, or "" for relative keys.
func Origin(key string) string {
	u, err := url.Parse(key)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
