package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

var checkoutScenario = filepath.Join("..", "internal", "adapters", "repo", "toml", "testdata", "checkout.toml")

func TestVersionPrintsBuildInfo(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "dev (none)")
}

func TestUnknownCommandIsRejected(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command \"status\"")
}

func TestRunRequiresScenarioFlag(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag(s) \"scenario\" not set")
}

func TestRunReplaysScenarioAsJSON(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), "run", "--scenario", checkoutScenario, "--json")
	require.NoError(t, err)
	require.True(t, gjson.Valid(stdout))

	report := gjson.Parse(stdout)
	assert.Equal(t, "checkout on a mid-range phone", report.Get("scenario").String())
	assert.EqualValues(t, 22, report.Get("events").Int())
	assert.Equal(t, "destroyed", report.Get("summary.state.phase").String())
	assert.True(t, report.Get("summary.state.telemetry.sampled").Bool())
	assert.Len(t, report.Get("summary.state.loops").Array(), 3)
	assert.NotEmpty(t, report.Get("summary.decisions").Array())
	assert.GreaterOrEqual(t, report.Get("summary.state.cache.hits").Int(), int64(1))

	delivered := report.Get("summary.state.telemetry.sent").Int() + report.Get("beacon_records").Int()
	assert.Positive(t, delivered)
}

func TestRunRendersSummary(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), "run", "--scenario", checkoutScenario, "--no-progress")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Performance Summary")
	assert.Contains(t, stdout, "Optimization loops")
	assert.Contains(t, stdout, "scenario \"checkout on a mid-range phone\": 22 events over 3m30s")
}

func TestRunRejectsMissingScenarioFile(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "run", "--scenario", filepath.Join(t.TempDir(), "missing.toml"), "--json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read scenario file")
}

func TestRunWithFileStorePersistsAcrossRuns(t *testing.T) {
	home := t.TempDir()
	storeDir := filepath.Join(t.TempDir(), "store")
	t.Setenv("PERFPILOT_STORAGE_DRIVER", "file")
	t.Setenv("PERFPILOT_STORAGE_PATH", storeDir)

	_, _, err := executeCLI(t, home, "run", "--scenario", checkoutScenario, "--json")
	require.NoError(t, err)

	entries, err := os.ReadDir(storeDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "preload history and durable cache entries are persisted on shutdown")
}

func TestSelectUnderConstrainedConditions(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(),
		"select",
		"--kind", "image",
		"--network", "2g",
		"--save-data",
		"--battery", "0.1",
		"--json",
	)
	require.NoError(t, err)

	out := gjson.Parse(stdout)
	assert.Equal(t, "image", out.Get("decision.resource").String())
	assert.NotEmpty(t, out.Get("decision.profile.name").String())
	assert.Equal(t, "low", out.Get("adaptation.image_quality").String())
	assert.Equal(t, "none", out.Get("adaptation.animations").String())
	assert.Equal(t, "2g", out.Get("context.network.effective_type").String())
	assert.Positive(t, out.Get("context.device.cores").Int())
}

func TestSelectTextOutput(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), "select", "--kind", "script", "--user", "returning")
	require.NoError(t, err)
	assert.Contains(t, stdout, "network: 4g, 10.0 Mbps, 50 ms RTT")
	assert.Contains(t, stdout, "strategy: ")
	assert.Contains(t, stdout, "adaptation: images ")
}

func TestSelectRejectsUnknownInputs(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "select", "--kind", "hologram")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown resource kind")

	_, _, err = executeCLI(t, t.TempDir(), "select", "--user", "vip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown user class")
}

func TestProfilesListFallsBackToBuiltins(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), "profiles", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "source: built-in")
	assert.Contains(t, stdout, "eager-critical\teager\t")
	assert.Contains(t, stdout, "progressive-images\tprogressive\t")
}

func TestProfilesInitThenList(t *testing.T) {
	home := t.TempDir()
	file := filepath.Join(t.TempDir(), "profiles.toml")

	stdout, _, err := executeCLI(t, home, "profiles", "init", "--file", file)
	require.NoError(t, err)
	assert.Contains(t, stdout, "profiles to "+file)

	stdout, _, err = executeCLI(t, home, "profiles", "list", "--file", file)
	require.NoError(t, err)
	assert.Contains(t, stdout, "source: "+file)
	assert.Contains(t, stdout, "eager-critical")

	_, _, err = executeCLI(t, home, "profiles", "init", "--file", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, _, err = executeCLI(t, home, "profiles", "init", "--file", file, "--force")
	require.NoError(t, err)
}

func TestConfigShowMergesFileAndEnvironment(t *testing.T) {
	home := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("[cache]\nmax_entries = 5\n"), 0o600))
	t.Setenv("PERFPILOT_SINK_DRIVER", "none")

	stdout, _, err := executeCLI(t, home, "--config", configPath, "config", "show")
	require.NoError(t, err)

	var decoded map[string]map[string]any
	require.NoError(t, toml.Unmarshal([]byte(stdout), &decoded))
	assert.EqualValues(t, 5, decoded["cache"]["max_entries"])
	assert.Equal(t, "none", decoded["sink"]["driver"])
	assert.Equal(t, "30s", decoded["telemetry"]["flush_interval"])
}

func TestInvalidConfigFailsEveryCommand(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("[storage]\ndriver = \"etcd\"\n"), 0o600))

	_, _, err := executeCLI(t, t.TempDir(), "--config", configPath, "profiles", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage driver \"etcd\" is not supported")
}

func executeCLI(t *testing.T, home string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", home)
	t.Setenv("PERFPILOT_DATA_DIR", filepath.Join(home, "data"))
	if os.Getenv("PERFPILOT_SINK_DRIVER") == "" {
		t.Setenv("PERFPILOT_SINK_DRIVER", "none")
	}

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}
