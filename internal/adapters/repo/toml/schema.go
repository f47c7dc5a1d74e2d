package toml

import "fmt"

const currentSchemaVersion = 1

type profilesSchema struct {
	Version  int             `toml:"version"`
	Profiles []profileSchema `toml:"profiles"`
}

func (s *profilesSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
}

func (s profilesSchema) validateVersion() error {
	if s.Version > currentSchemaVersion {
		return fmt.Errorf("unsupported profiles schema version %d (current %d)", s.Version, currentSchemaVersion)
	}

	return nil
}

type profileSchema struct {
	Name       string           `toml:"name"`
	Kind       string           `toml:"kind"`
	Resources  []string         `toml:"resources"`
	Conditions conditionsSchema `toml:"conditions,omitempty"`
	Execution  executionSchema  `toml:"execution,omitempty"`
}

type conditionsSchema struct {
	NetworkClasses  []string `toml:"network_classes,omitempty"`
	DeviceTiers     []string `toml:"device_tiers,omitempty"`
	UserClasses     []string `toml:"user_classes,omitempty"`
	MinDownlinkMbps float64  `toml:"min_downlink_mbps,omitempty"`
	MaxRTTMillis    int      `toml:"max_rtt_ms,omitempty"`
	MinMemoryGB     float64  `toml:"min_memory_gb,omitempty"`
}

type executionSchema struct {
	Concurrency int    `toml:"concurrency,omitempty"`
	ChunkSize   int    `toml:"chunk_size,omitempty"`
	Timeout     string `toml:"timeout,omitempty"`
	RetryBudget int    `toml:"retry_budget,omitempty"`
}

type scenarioSchema struct {
	Name          string           `toml:"name"`
	Tail          string           `toml:"tail"`
	BeaconRefuses bool             `toml:"beacon_refuses"`
	Network       networkSchema    `toml:"network"`
	Device        deviceSchema     `toml:"device"`
	Battery       *batterySchema   `toml:"battery"`
	Resources     []resourceSchema `toml:"resources"`
	Events        []eventSchema    `toml:"events"`
}

type networkSchema struct {
	EffectiveType string  `toml:"effective_type"`
	DownlinkMbps  float64 `toml:"downlink_mbps"`
	RTTMillis     int     `toml:"rtt_ms"`
	SaveData      bool    `toml:"save_data"`
}

type deviceSchema struct {
	MemoryGB float64 `toml:"memory_gb"`
	Cores    int     `toml:"cores"`
	Width    int     `toml:"width"`
	Height   int     `toml:"height"`
	DPR      float64 `toml:"dpr"`
}

type batterySchema struct {
	Level    float64 `toml:"level"`
	Charging bool    `toml:"charging"`
}

type resourceSchema struct {
	Key      string `toml:"key"`
	Kind     string `toml:"kind"`
	Size     int64  `toml:"size"`
	LoadTime string `toml:"load_time"`
	Fail     bool   `toml:"fail"`
}

type eventSchema struct {
	At       string            `toml:"at"`
	Type     string            `toml:"type"`
	Page     string            `toml:"page"`
	Name     string            `toml:"name"`
	Metadata map[string]string `toml:"metadata"`
	UserID   string            `toml:"user_id"`
	Key      string            `toml:"key"`
	Context  string            `toml:"context"`
	Priority string            `toml:"priority"`
	Tags     []string          `toml:"tags"`
	Loop     string            `toml:"loop"`
	Network  *networkSchema    `toml:"network"`
	Signals  *signalsSchema    `toml:"signals"`
}

type signalsSchema struct {
	FCP        string   `toml:"fcp"`
	LCP        string   `toml:"lcp"`
	InputDelay string   `toml:"input_delay"`
	CLS        *float64 `toml:"cls"`
	TTFB       string   `toml:"ttfb"`
}
