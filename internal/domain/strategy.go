package domain

import (
	"fmt"
	"strings"
	"time"
)

type NetworkClass string
type DeviceTier string
type UserClass string
type Tolerance string
type StrategyKind string
type ResourceKind string

const (
	NetworkSlow2G   NetworkClass = "slow-2g"
	Network2G       NetworkClass = "2g"
	Network3G       NetworkClass = "3g"
	Network4G       NetworkClass = "4g"
	NetworkUnknown  NetworkClass = "unknown"
	DeviceTierLow   DeviceTier   = "low"
	DeviceTierMid   DeviceTier   = "medium"
	DeviceTierHigh  DeviceTier   = "high"
	UserNew         UserClass    = "new"
	UserReturning   UserClass    = "returning"
	UserPower       UserClass    = "power"
	ToleranceLow    Tolerance    = "low"
	ToleranceMedium Tolerance    = "medium"
	ToleranceHigh   Tolerance    = "high"
)

const (
	StrategyEager       StrategyKind = "eager"
	StrategyLazy        StrategyKind = "lazy"
	StrategyProgressive StrategyKind = "progressive"
	StrategyConditional StrategyKind = "conditional"
)

const (
	ResourceScript   ResourceKind = "script"
	ResourceStyle    ResourceKind = "style"
	ResourceFont     ResourceKind = "font"
	ResourceImage    ResourceKind = "image"
	ResourceVideo    ResourceKind = "video"
	ResourceDocument ResourceKind = "document"
	ResourceFetch    ResourceKind = "fetch"
	ResourceIframe   ResourceKind = "iframe"
	ResourceAny      ResourceKind = "*"
)

// IsSlow reports the classes on which speculative loading is withheld.
func (c NetworkClass) IsSlow() bool {
	return c == NetworkSlow2G || c == Network2G
}

// IsConstrained widens IsSlow with 3g for content adaptation.
func (c NetworkClass) IsConstrained() bool {
	return c.IsSlow() || c == Network3G
}

func ParseNetworkClass(raw string) NetworkClass {
	switch c := NetworkClass(strings.ToLower(strings.TrimSpace(raw))); c {
	case NetworkSlow2G, Network2G, Network3G, Network4G:
		return c
	default:
		return NetworkUnknown
	}
}

type NetworkInfo struct {
	EffectiveType NetworkClass `json:"effective_type"`
	DownlinkMbps  float64      `json:"downlink_mbps"`
	RTTMillis     int          `json:"rtt_ms"`
	SaveData      bool         `json:"save_data"`
}

// Constrained is true when speculative work should be avoided entirely.
func (n NetworkInfo) Constrained() bool {
	return n.SaveData || n.EffectiveType.IsSlow()
}

func (n NetworkInfo) Connection() ConnectionInfo {
	return ConnectionInfo{
		EffectiveType: n.EffectiveType,
		DownlinkMbps:  n.DownlinkMbps,
		RTTMillis:     n.RTTMillis,
		SaveData:      n.SaveData,
	}
}

type DeviceInfo struct {
	MemoryGB  float64       `json:"memory_gb"`
	Cores     int           `json:"cores"`
	CPUTier   DeviceTier    `json:"cpu_tier"`
	Tier      DeviceTier    `json:"tier"`
	Viewport  Viewport      `json:"viewport"`
	Benchmark time.Duration `json:"benchmark"`
}

type BatteryInfo struct {
	Level    float64 `json:"level"`
	Charging bool    `json:"charging"`
}

// Low reports a battery under 20% that is not charging.
func (b *BatteryInfo) Low() bool {
	return b != nil && !b.Charging && b.Level < 0.2
}

type DetectedContext struct {
	Network    NetworkInfo  `json:"network"`
	Device     DeviceInfo   `json:"device"`
	Battery    *BatteryInfo `json:"battery,omitempty"`
	DetectedAt time.Time    `json:"detected_at"`
}

type UserContext struct {
	Class     UserClass `json:"class"`
	Tolerance Tolerance `json:"tolerance"`
}

type Conditions struct {
	NetworkClasses  []NetworkClass `json:"network_classes,omitempty"`
	DeviceTiers     []DeviceTier   `json:"device_tiers,omitempty"`
	UserClasses     []UserClass    `json:"user_classes,omitempty"`
	MinDownlinkMbps float64        `json:"min_downlink_mbps,omitempty"`
	MaxRTTMillis    int            `json:"max_rtt_ms,omitempty"`
	MinMemoryGB     float64        `json:"min_memory_gb,omitempty"`
}

type ExecutionParams struct {
	Concurrency int           `json:"concurrency"`
	ChunkSize   int           `json:"chunk_size"`
	Timeout     time.Duration `json:"timeout"`
	RetryBudget int           `json:"retry_budget"`
}

// DefaultExecution fills the execution parameters a stored profile leaves
// unset. A zero retry budget is meaningful and is never filled.
var DefaultExecution = ExecutionParams{Concurrency: 4, ChunkSize: 1, Timeout: 15 * time.Second}

type StrategyProfile struct {
	Name       string          `json:"name"`
	Kind       StrategyKind    `json:"kind"`
	Conditions Conditions      `json:"conditions"`
	Resources  []ResourceKind  `json:"resources"`
	Execution  ExecutionParams `json:"execution"`
}

func (p StrategyProfile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	switch p.Kind {
	case StrategyEager, StrategyLazy, StrategyProgressive, StrategyConditional:
	case "":
		return fmt.Errorf("profile %q: kind is required", p.Name)
	default:
		return fmt.Errorf("profile %q: unsupported kind %q", p.Name, p.Kind)
	}
	if len(p.Resources) == 0 {
		return fmt.Errorf("profile %q: at least one resource kind is required", p.Name)
	}
	if p.Execution.Concurrency < 0 || p.Execution.ChunkSize < 0 || p.Execution.RetryBudget < 0 {
		return fmt.Errorf("profile %q: execution parameters must not be negative", p.Name)
	}

	return nil
}

func (p StrategyProfile) Handles(kind ResourceKind) bool {
	for _, r := range p.Resources {
		if r == kind || r == ResourceAny {
			return true
		}
	}
	return false
}

type StrategyDecision struct {
	Profile    StrategyProfile  `json:"profile"`
	Fallback   *StrategyProfile `json:"fallback,omitempty"`
	Resource   ResourceKind     `json:"resource"`
	Confidence float64          `json:"confidence"`
	Score      float64          `json:"score"`
	Reason     string           `json:"reason"`
	DecidedAt  time.Time        `json:"decided_at"`
}

// Quality levels are ordered from most to least generous so that adaptation
// rules can only move towards the end of each list.
type ImageQuality string
type FontLoading string
type AnimationMode string

const (
	ImageQualityHigh   ImageQuality  = "high"
	ImageQualityMedium ImageQuality  = "medium"
	ImageQualityLow    ImageQuality  = "low"
	FontBlock          FontLoading   = "block"
	FontSwap           FontLoading   = "swap"
	FontOptional       FontLoading   = "optional"
	AnimationsFull     AnimationMode = "full"
	AnimationsReduced  AnimationMode = "reduced"
	AnimationsNone     AnimationMode = "none"
)

var (
	imageQualityOrder = []ImageQuality{ImageQualityHigh, ImageQualityMedium, ImageQualityLow}
	fontLoadingOrder  = []FontLoading{FontBlock, FontSwap, FontOptional}
	animationOrder    = []AnimationMode{AnimationsFull, AnimationsReduced, AnimationsNone}
)

type ContentAdaptation struct {
	ImageQuality    ImageQuality  `json:"image_quality"`
	VideoBitrate    int           `json:"video_bitrate_kbps"`
	VideoResolution int           `json:"video_resolution"`
	FontLoading     FontLoading   `json:"font_loading"`
	Animations      AnimationMode `json:"animations"`
	Reasons         []string      `json:"reasons,omitempty"`
}

func DefaultContentAdaptation() ContentAdaptation {
	return ContentAdaptation{
		ImageQuality:    ImageQualityHigh,
		VideoBitrate:    2500,
		VideoResolution: 1080,
		FontLoading:     FontSwap,
		Animations:      AnimationsFull,
	}
}

// Tighten applies a downgrade; every field keeps the stricter of the current
// and proposed value so no rule can loosen an earlier one.
func (a ContentAdaptation) Tighten(reason string, proposed ContentAdaptation) ContentAdaptation {
	a.ImageQuality = stricter(imageQualityOrder, a.ImageQuality, proposed.ImageQuality)
	a.FontLoading = stricter(fontLoadingOrder, a.FontLoading, proposed.FontLoading)
	a.Animations = stricter(animationOrder, a.Animations, proposed.Animations)
	if proposed.VideoBitrate > 0 && proposed.VideoBitrate < a.VideoBitrate {
		a.VideoBitrate = proposed.VideoBitrate
	}
	if proposed.VideoResolution > 0 && proposed.VideoResolution < a.VideoResolution {
		a.VideoResolution = proposed.VideoResolution
	}
	a.Reasons = append(append([]string(nil), a.Reasons...), reason)
	return a
}

func stricter[T comparable](order []T, current, proposed T) T {
	var zero T
	if proposed == zero {
		return current
	}
	if indexOf(order, proposed) > indexOf(order, current) {
		return proposed
	}
	return current
}

func indexOf[T comparable](order []T, value T) int {
	for i, v := range order {
		if v == value {
			return i
		}
	}
	return -1
}
