package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	cdphost "github.com/bnema/perfpilot/internal/adapters/host/cdp"
	"github.com/bnema/perfpilot/internal/adapters/host/sim"
	"github.com/bnema/perfpilot/internal/adapters/host/system"
	"github.com/bnema/perfpilot/internal/application"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports"
	"github.com/spf13/cobra"
)

type selectionOutput struct {
	Context    domain.DetectedContext   `json:"context"`
	Decision   domain.StrategyDecision  `json:"decision"`
	Adaptation domain.ContentAdaptation `json:"adaptation"`
}

func newSelectCmd(app *app) *cobra.Command {
	var (
		kind      string
		network   string
		downlink  float64
		rtt       int
		saveData  bool
		battery   float64
		charging  bool
		user      string
		tolerance string
		devtools  string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Pick a loading strategy for a resource kind under given conditions",
		Long:  "select inspects the device (or a browser tab with --devtools), applies the network and battery conditions from flags and prints the strategy decision with the content adaptation.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resource, err := parseResourceKind(kind)
			if err != nil {
				return err
			}
			userCtx, err := parseUserContext(user, tolerance)
			if err != nil {
				return err
			}

			deps := application.SelectorDeps{Logger: app.logger}
			if devtools != "" {
				host, err := cdphost.Attach(cmd.Context(), cdphost.Config{
					DevToolsURL:   devtools,
					SchemaVersion: app.cfg.Sink.SchemaVersion,
				}, ports.SystemClock{}, app.logger)
				if err != nil {
					return err
				}
				defer func() {
					if err := host.Close(); err != nil {
						app.logger.Warn().Err(err).Msg("close devtools connection")
					}
				}()
				deps.Network, deps.Device, deps.Battery = host, host, host
			} else {
				scenario := sim.Scenario{
					Network: domain.NetworkInfo{
						EffectiveType: domain.ParseNetworkClass(network),
						DownlinkMbps:  downlink,
						RTTMillis:     rtt,
						SaveData:      saveData,
					},
				}
				if battery >= 0 {
					scenario.Battery = &domain.BatteryInfo{Level: battery, Charging: charging}
				}
				host := sim.New(scenario)
				deps.Network, deps.Battery = host, host
				deps.Device = system.NewDeviceSensor(domain.Viewport{Width: 1920, Height: 1080, DevicePixelRatio: 1})
			}

			repo, err := openProfiles(app.cfg.Strategy.ProfilesFile)
			if err != nil {
				return err
			}
			if repo != nil {
				if deps.Profiles, err = repo.List(cmd.Context()); err != nil {
					return err
				}
			}

			selector := application.NewStrategySelector(app.cfg.Strategy, deps)
			detected, err := selector.DetectContext(cmd.Context())
			if err != nil {
				return err
			}

			out := selectionOutput{
				Context:    detected,
				Decision:   selector.SelectStrategy(resource, userCtx),
				Adaptation: selector.ContentAdaptation(),
			}
			return writeSelection(cmd, out, asJSON)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(domain.ResourceImage), "Resource kind (script, style, font, image, video, document, fetch, iframe)")
	cmd.Flags().StringVar(&network, "network", string(domain.Network4G), "Effective connection type (slow-2g, 2g, 3g, 4g)")
	cmd.Flags().Float64Var(&downlink, "downlink", 10, "Downlink in Mbps")
	cmd.Flags().IntVar(&rtt, "rtt", 50, "Round-trip time in milliseconds")
	cmd.Flags().BoolVar(&saveData, "save-data", false, "Data saver is on")
	cmd.Flags().Float64Var(&battery, "battery", -1, "Battery level in [0, 1]; negative when unknown")
	cmd.Flags().BoolVar(&charging, "charging", false, "Battery is charging")
	cmd.Flags().StringVar(&user, "user", "", "User class (new, returning, power)")
	cmd.Flags().StringVar(&tolerance, "tolerance", "", "Latency tolerance (low, medium, high)")
	cmd.Flags().StringVar(&devtools, "devtools", "", "Sensor a browser tab over the DevTools protocol, e.g. http://127.0.0.1:9222")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	return cmd
}

func writeSelection(cmd *cobra.Command, out selectionOutput, asJSON bool) error {
	w := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	d := out.Decision
	lines := []string{
		fmt.Sprintf("network: %s, %.1f Mbps, %d ms RTT", out.Context.Network.EffectiveType, out.Context.Network.DownlinkMbps, out.Context.Network.RTTMillis),
		fmt.Sprintf("device: %s tier, %.0f GB, %d cores", out.Context.Device.Tier, out.Context.Device.MemoryGB, out.Context.Device.Cores),
		fmt.Sprintf("strategy: %s (%s), confidence %.0f%%", d.Profile.Name, d.Profile.Kind, d.Confidence*100),
	}
	if d.Fallback != nil {
		lines = append(lines, "fallback: "+d.Fallback.Name)
	}
	if d.Reason != "" {
		lines = append(lines, "reason: "+d.Reason)
	}
	a := out.Adaptation
	lines = append(lines, fmt.Sprintf("adaptation: images %s, video %dp @ %d kbps, fonts %s, animations %s",
		a.ImageQuality, a.VideoResolution, a.VideoBitrate, a.FontLoading, a.Animations))

	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}

func parseResourceKind(raw string) (domain.ResourceKind, error) {
	switch k := domain.ResourceKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case domain.ResourceScript, domain.ResourceStyle, domain.ResourceFont, domain.ResourceImage,
		domain.ResourceVideo, domain.ResourceDocument, domain.ResourceFetch, domain.ResourceIframe:
		return k, nil
	default:
		return "", fmt.Errorf("unknown resource kind %q", raw)
	}
}

func parseUserContext(class, tolerance string) (domain.UserContext, error) {
	var ctx domain.UserContext
	switch c := domain.UserClass(class); c {
	case "":
	case domain.UserNew, domain.UserReturning, domain.UserPower:
		ctx.Class = c
	default:
		return domain.UserContext{}, fmt.Errorf("unknown user class %q", class)
	}
	switch t := domain.Tolerance(tolerance); t {
	case "":
	case domain.ToleranceLow, domain.ToleranceMedium, domain.ToleranceHigh:
		ctx.Tolerance = t
	default:
		return domain.UserContext{}, fmt.Errorf("unknown tolerance %q", tolerance)
	}
	return ctx, nil
}
