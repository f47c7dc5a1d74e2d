// Package summary renders an engine summary for the terminal.
package summary

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bnema/perfpilot/internal/application"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/charmbracelet/lipgloss"
)

type RenderOptions struct {
	Now time.Time
	// Decisions caps how many of the most recent decisions are listed.
	Decisions int
}

var strategyOrder = []domain.ResourceKind{
	domain.ResourceScript,
	domain.ResourceStyle,
	domain.ResourceFont,
	domain.ResourceImage,
	domain.ResourceVideo,
}

// renderSections returns the summary blocks in display order. An engine that
// never initialized only gets the title and header.
func renderSections(summary application.Summary, opts RenderOptions, s styles) []string {
	sections := []string{
		s.title.Render("Performance Summary"),
		s.header.Render(headerLine(summary)),
	}

	if summary.State.Phase == application.PhaseUninitialized {
		return append(sections, s.empty.Render("Engine not initialized."))
	}

	return append(sections,
		s.section.Render(renderContext(summary, s)),
		s.section.Render(renderStrategies(summary, s)),
		s.section.Render(renderAdaptation(summary.Adaptation, s)),
		s.section.Render(renderTelemetry(summary.State.Telemetry, s)),
		s.section.Render(renderCache(summary.State.Cache, s)),
		s.section.Render(renderPreload(summary.State.Preload, s)),
		s.section.Render(renderLoops(summary.State.Loops, opts, s)),
		s.section.Render(renderDecisions(summary.Decisions, opts, s)),
	)
}

func headerLine(summary application.Summary) string {
	session := "not sampled"
	if summary.Session != nil {
		session = string(summary.Session.ID)
	}
	return fmt.Sprintf("phase: %s  session: %s", summary.State.Phase, session)
}

func renderContext(summary application.Summary, s styles) string {
	parts := []string{s.heading.Render("Context")}
	if !summary.State.Detected {
		return lipgloss.JoinVertical(lipgloss.Left, append(parts, s.empty.Render("detection pending"))...)
	}

	ctx := summary.State.Context
	network := fmt.Sprintf("%s, %.1f Mbps, %d ms RTT", ctx.Network.EffectiveType, ctx.Network.DownlinkMbps, ctx.Network.RTTMillis)
	if ctx.Network.SaveData {
		network += ", save-data"
	}
	device := fmt.Sprintf("%s tier (cpu %s), %.0f GB, %d cores", ctx.Device.Tier, ctx.Device.CPUTier, ctx.Device.MemoryGB, ctx.Device.Cores)
	battery := "n/a"
	if ctx.Battery != nil {
		battery = fmt.Sprintf("%.0f%%", ctx.Battery.Level*100)
		if ctx.Battery.Charging {
			battery += " charging"
		}
	}

	parts = append(parts,
		keyValue("network:", network, s),
		keyValue("device:", device, s),
		keyValue("battery:", battery, s),
	)
	if ctx.Battery.Low() {
		parts = append(parts, s.warning.Render("battery conservation active"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderStrategies(summary application.Summary, s styles) string {
	parts := []string{s.heading.Render("Strategies")}
	for _, kind := range strategyOrder {
		decision, ok := summary.Strategies[kind]
		if !ok {
			continue
		}
		fallback := ""
		if decision.Fallback != nil {
			fallback = s.meta.Render(" fallback " + decision.Fallback.Name)
		}
		line := lipgloss.JoinHorizontal(
			lipgloss.Top,
			s.key.Render(fmt.Sprintf("%-7s", kind)),
			" ",
			renderBar(decision.Confidence*100, 16, s),
			" ",
			s.detail.Render(fmt.Sprintf("%s (%s) %2.0f%%", decision.Profile.Name, decision.Profile.Kind, decision.Confidence*100)),
			fallback,
		)
		parts = append(parts, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderAdaptation(a domain.ContentAdaptation, s styles) string {
	parts := []string{
		s.heading.Render("Content adaptation"),
		keyValue("images:", string(a.ImageQuality), s),
		keyValue("video:", fmt.Sprintf("%dp @ %d kbps", a.VideoResolution, a.VideoBitrate), s),
		keyValue("fonts:", string(a.FontLoading), s),
		keyValue("animations:", string(a.Animations), s),
	}
	if len(a.Reasons) > 0 {
		parts = append(parts, s.meta.Render("because: "+strings.Join(a.Reasons, ", ")))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderTelemetry(t application.TelemetryStats, s styles) string {
	parts := []string{s.heading.Render("Telemetry")}
	if !t.Sampled {
		return lipgloss.JoinVertical(lipgloss.Left, append(parts, s.empty.Render("session not sampled"))...)
	}

	parts = append(parts,
		keyValue("delivered:", fmt.Sprintf("%d records in %d batches", t.Sent, t.Batches), s),
		keyValue("waiting:", fmt.Sprintf("%d queued, %d pending identity, %d offline, %d buffered", t.Queued, t.Pending, t.Offline, t.Buffered), s),
	)
	if t.FailedBatches > 0 || t.Discarded > 0 || t.Dropped > 0 || t.Rejected > 0 {
		parts = append(parts, s.warning.Render(fmt.Sprintf("%d failed batches, %d retries, %d discarded, %d dropped, %d rejected", t.FailedBatches, t.Retries, t.Discarded, t.Dropped, t.Rejected)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderCache(c application.CacheStats, s styles) string {
	usage := lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.key.Render("usage:"),
		" ",
		renderBar(c.Usage()*100, 24, s),
		" ",
		s.detail.Render(fmt.Sprintf("%s of %s, %d entries", formatBytes(c.Bytes), formatBytes(c.MaxBytes), c.Entries)),
	)

	hitRate := "n/a"
	if c.Lookups() > 0 {
		hitRate = fmt.Sprintf("%.0f%% of %d lookups", c.HitRate*100, c.Lookups())
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		s.heading.Render("Cache"),
		usage,
		keyValue("hit rate:", hitRate, s),
		keyValue("churn:", fmt.Sprintf("%d evicted, %d expired, %d rejected, %d prefetched", c.Evictions, c.Expirations, c.Rejected, c.Prefetches), s),
	)
}

func renderPreload(p application.PreloadStats, s styles) string {
	line := fmt.Sprintf("%d applied, %d wasted, %d keys preloaded, %d accesses in history", p.Applied, p.Wasted, p.Preloaded, p.History)
	return lipgloss.JoinVertical(lipgloss.Left, s.heading.Render("Preload"), s.detail.Render(line))
}

func renderLoops(loops []application.LoopStatus, opts RenderOptions, s styles) string {
	parts := []string{s.heading.Render("Optimization loops")}
	if len(loops) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, append(parts, s.empty.Render("no loops registered"))...)
	}

	for _, loop := range loops {
		state := s.ok.Render(string(loop.State))
		if loop.State == application.LoopErrored {
			state = s.warning.Render(string(loop.State))
		}
		line := fmt.Sprintf("every %s, %d runs, %d applied, %d skipped, %d failed%s", loop.Interval, loop.Runs, loop.Applied, loop.Skipped, loop.Failures, lastRun(loop.LastRun, opts.Now))
		parts = append(parts, lipgloss.JoinHorizontal(lipgloss.Top, s.key.Render(fmt.Sprintf("%-17s", loop.Name)), " ", state, " ", s.meta.Render(line)))
		if loop.LastError != "" {
			parts = append(parts, s.warning.Render("  last error: "+loop.LastError))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderDecisions(decisions []domain.OrchestrationDecision, opts RenderOptions, s styles) string {
	parts := []string{s.heading.Render("Recent decisions")}
	if len(decisions) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, append(parts, s.empty.Render("none yet"))...)
	}

	if limit := opts.Decisions; limit > 0 && len(decisions) > limit {
		decisions = decisions[len(decisions)-opts.Decisions:]
	}

	for i := len(decisions) - 1; i >= 0; i-- {
		d := decisions[i]
		mark := s.meta.Render("skipped")
		if d.Applied {
			mark = s.ok.Render("applied")
		}
		parts = append(parts, lipgloss.JoinHorizontal(
			lipgloss.Top,
			s.key.Render(fmt.Sprintf("%-17s", d.Loop)),
			" ",
			s.detail.Render(fmt.Sprintf("%-6s", d.Priority)),
			" ",
			mark,
			" ",
			s.meta.Render(d.Rationale),
		))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func keyValue(key, value string, s styles) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, s.key.Render(key), " ", s.detail.Render(value))
}

func renderBar(percent float64, width int, s styles) string {
	if width <= 0 {
		return ""
	}

	filled := int(math.Round(float64(width) * clampPercent(percent) / 100))
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		s.barFill.Render(strings.Repeat("=", filled)),
		s.barEmpty.Render(strings.Repeat("-", width-filled)),
		s.barBracket.Render("]"),
	)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func lastRun(at, now time.Time) string {
	if at.IsZero() || now.IsZero() || at.After(now) {
		return ""
	}
	return fmt.Sprintf(", last %s ago", now.Sub(at).Round(time.Second))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
