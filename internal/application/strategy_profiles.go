package application

import (
	"time"

	"github.com/bnema/perfpilot/internal/domain"
)

// BuiltinProfiles is the strategy set used when no profile file is configured.
func BuiltinProfiles() []domain.StrategyProfile {
	return []domain.StrategyProfile{
		{
			Name: "eager-critical",
			Kind: domain.StrategyEager,
			Conditions: domain.Conditions{
				NetworkClasses:  []domain.NetworkClass{domain.Network4G},
				DeviceTiers:     []domain.DeviceTier{domain.DeviceTierHigh},
				UserClasses:     []domain.UserClass{domain.UserReturning, domain.UserPower},
				MinDownlinkMbps: 5,
				MaxRTTMillis:    150,
				MinMemoryGB:     4,
			},
			Resources: []domain.ResourceKind{domain.ResourceScript, domain.ResourceStyle, domain.ResourceFont, domain.ResourceImage},
			Execution: domain.ExecutionParams{Concurrency: 6, ChunkSize: 4, Timeout: 10 * time.Second, RetryBudget: 2},
		},
		{
			Name: "progressive-images",
			Kind: domain.StrategyProgressive,
			Conditions: domain.Conditions{
				NetworkClasses:  []domain.NetworkClass{domain.Network4G, domain.Network3G},
				DeviceTiers:     []domain.DeviceTier{domain.DeviceTierHigh, domain.DeviceTierMid},
				MinDownlinkMbps: 1.5,
			},
			Resources: []domain.ResourceKind{domain.ResourceImage, domain.ResourceVideo},
			Execution: domain.ExecutionParams{Concurrency: 4, ChunkSize: 2, Timeout: 15 * time.Second, RetryBudget: 2},
		},
		{
			Name: "lazy-below-fold",
			Kind: domain.StrategyLazy,
			Conditions: domain.Conditions{
				NetworkClasses: []domain.NetworkClass{domain.Network3G, domain.Network2G, domain.NetworkSlow2G},
				DeviceTiers:    []domain.DeviceTier{domain.DeviceTierLow, domain.DeviceTierMid},
			},
			Resources: []domain.ResourceKind{domain.ResourceImage, domain.ResourceVideo, domain.ResourceIframe},
			Execution: domain.ExecutionParams{Concurrency: 2, ChunkSize: 1, Timeout: 20 * time.Second, RetryBudget: 1},
		},
		{
			Name: "conditional-data-saver",
			Kind: domain.StrategyConditional,
			Conditions: domain.Conditions{
				NetworkClasses: []domain.NetworkClass{domain.NetworkSlow2G, domain.Network2G, domain.Network3G},
				DeviceTiers:    []domain.DeviceTier{domain.DeviceTierLow},
				UserClasses:    []domain.UserClass{domain.UserNew},
			},
			Resources: []domain.ResourceKind{domain.ResourceAny},
			Execution: domain.ExecutionParams{Concurrency: 1, ChunkSize: 1, Timeout: 30 * time.Second},
		},
	}
}

// toleranceAlignment scores how well a strategy kind suits the user's
// tolerance for slow loading.
var toleranceAlignment = map[domain.Tolerance]map[domain.StrategyKind]float64{
	domain.ToleranceLow: {
		domain.StrategyEager:       15,
		domain.StrategyProgressive: 8,
		domain.StrategyConditional: 8,
	},
	domain.ToleranceMedium: {
		domain.StrategyProgressive: 15,
		domain.StrategyConditional: 8,
		domain.StrategyLazy:        8,
	},
	domain.ToleranceHigh: {
		domain.StrategyLazy:        15,
		domain.StrategyConditional: 8,
		domain.StrategyProgressive: 8,
	},
}
