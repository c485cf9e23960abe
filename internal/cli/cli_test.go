package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dl-alexandre/docsync/internal/config"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/dl-alexandre/docsync/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type envelope struct {
	Command  string             `json:"command"`
	Data     json.RawMessage    `json:"data"`
	Warnings []types.CLIWarning `json:"warnings"`
	Errors   []types.CLIError   `json:"errors"`
}

// demoEnv is a throwaway data directory and config file for --demo runs
type demoEnv struct {
	dataDir    string
	configPath string
}

func newDemoEnv(t *testing.T) demoEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DOCSYNC_CONFIG_DIR", filepath.Join(dir, "config"))
	return demoEnv{
		dataDir:    filepath.Join(dir, "data"),
		configPath: filepath.Join(dir, "config", "config.json"),
	}
}

func (e demoEnv) run(t *testing.T, args ...string) (envelope, error) {
	t.Helper()
	full := append([]string{"--demo", "--data-dir", e.dataDir, "--config", e.configPath}, args...)
	out, err := execute(t, full...)
	var env envelope
	if err == nil && strings.HasPrefix(strings.TrimSpace(out), "{") {
		if jerr := json.Unmarshal([]byte(out), &env); jerr != nil {
			t.Fatalf("output is not an envelope: %v\n%s", jerr, out)
		}
	}
	return env, err
}

// execute runs the root command with fresh flag state and returns stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	globalFlags = types.GlobalFlags{}
	appConfig = config.DefaultConfig()

	var buf bytes.Buffer
	stdout, stderr = &buf, &bytes.Buffer{}
	t.Cleanup(func() {
		stdout, stderr = &bytes.Buffer{}, &bytes.Buffer{}
	})

	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteContextC(context.Background())
	return buf.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func decodeNodes(t *testing.T, env envelope) map[string]nodeView {
	t.Helper()
	var views []nodeView
	if err := json.Unmarshal(env.Data, &views); err != nil {
		t.Fatalf("failed to decode nodes: %v", err)
	}
	byID := make(map[string]nodeView, len(views))
	for _, v := range views {
		byID[v.NodeSyncID] = v
	}
	return byID
}

func TestDemo_EnableAndStatus(t *testing.T) {
	e := newDemoEnv(t)

	env, err := e.run(t, "account", "enable", "alice")
	if err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if env.Command != "account.enable" {
		t.Fatalf("unexpected command %q", env.Command)
	}
	var summary struct {
		Account   string `json:"account"`
		Completed bool   `json:"completed"`
		Failed    int    `json:"failed"`
	}
	if err := json.Unmarshal(env.Data, &summary); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if summary.Account != "alice" || !summary.Completed || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	env, err = e.run(t, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	nodes := decodeNodes(t, env)
	for _, id := range []string{"projects", "roadmap", "minutes", "drafts", "proposal", "readme"} {
		n, ok := nodes[id]
		if !ok {
			t.Fatalf("expected %s to be synced", id)
		}
		if n.Status != types.StatusSuccessful {
			t.Fatalf("expected %s to be successful, got %q", id, n.Status)
		}
	}
	if _, ok := nodes["archive"]; ok {
		t.Fatalf("archive is not a favorite and should not be synced")
	}
	if !nodes["readme"].IsTopLevelSyncNode || nodes["roadmap"].IsTopLevelSyncNode {
		t.Fatalf("unexpected top-level flags")
	}

	env, err = e.run(t, "status", "drafts")
	if err != nil {
		t.Fatalf("status drafts failed: %v", err)
	}
	if got := len(decodeNodes(t, env)); got != 2 {
		t.Fatalf("expected drafts and proposal, got %d nodes", got)
	}
}

func TestDemo_AccountList(t *testing.T) {
	e := newDemoEnv(t)
	if _, err := e.run(t, "account", "enable", "alice"); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if _, err := e.run(t, "account", "enable", "bob"); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if _, err := e.run(t, "--yes", "account", "disable", "bob"); err != nil {
		t.Fatalf("disable failed: %v", err)
	}

	env, err := e.run(t, "account", "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var accounts []accountView
	if err := json.Unmarshal(env.Data, &accounts); err != nil {
		t.Fatalf("failed to decode accounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %+v", accounts)
	}
	if !accounts[0].Enabled || accounts[0].Nodes == 0 || accounts[1].Enabled {
		t.Fatalf("unexpected accounts: %+v", accounts)
	}

	// With two partitions on disk the account must be named.
	if _, err := e.run(t, "status"); exitCode(err) != utils.ExitAccountUnknown {
		t.Fatalf("expected account unknown, got %v", err)
	}
	if _, err := e.run(t, "--account", "alice", "status"); err != nil {
		t.Fatalf("status failed: %v", err)
	}
}

func TestDemo_RemoveRefusesLocalChanges(t *testing.T) {
	e := newDemoEnv(t)
	if _, err := e.run(t, "account", "enable", "alice"); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if _, err := e.run(t, "mark-modified", "readme"); err != nil {
		t.Fatalf("mark-modified failed: %v", err)
	}

	_, err := e.run(t, "remove", "readme")
	if got := exitCode(err); got != utils.ExitLocalChanges {
		t.Fatalf("expected exit code %d, got %d (%v)", utils.ExitLocalChanges, got, err)
	}

	if _, err := e.run(t, "--yes", "remove", "readme", "--discard-local-changes"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	env, err := e.run(t, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if _, ok := decodeNodes(t, env)["readme"]; ok {
		t.Fatalf("readme should be gone")
	}
}

func TestDemo_UnsyncRequiresTopLevel(t *testing.T) {
	e := newDemoEnv(t)
	if _, err := e.run(t, "account", "enable", "alice"); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	_, err := e.run(t, "unsync", "roadmap")
	if got := exitCode(usageError(err)); got != utils.ExitInvalidArgument {
		t.Fatalf("expected invalid argument, got %d (%v)", got, err)
	}
	if _, err := e.run(t, "unsync", "projects"); err != nil {
		t.Fatalf("unsync failed: %v", err)
	}
}

func TestDemo_CancelIdleFolder(t *testing.T) {
	e := newDemoEnv(t)
	if _, err := e.run(t, "account", "enable", "alice"); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	env, err := e.run(t, "cancel", "projects")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	var data struct {
		NodeSyncID string `json:"nodeSyncId"`
		Cancelled  int    `json:"cancelled"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("failed to decode cancel result: %v", err)
	}
	if data.NodeSyncID != "projects" || data.Cancelled != 0 {
		t.Fatalf("unexpected cancel result: %+v", data)
	}

	_, err = e.run(t, "cancel", "no-such-node")
	if err == nil {
		t.Fatalf("expected cancel of an unknown node to fail")
	}
}

func TestDemo_ObstaclesListEmpty(t *testing.T) {
	e := newDemoEnv(t)
	if _, err := e.run(t, "account", "enable", "alice"); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	env, err := e.run(t, "obstacles", "list")
	if err != nil {
		t.Fatalf("obstacles list failed: %v", err)
	}
	var obstacles []types.Obstacle
	if err := json.Unmarshal(env.Data, &obstacles); err != nil {
		t.Fatalf("failed to decode obstacles: %v", err)
	}
	if len(obstacles) != 0 {
		t.Fatalf("expected no obstacles, got %+v", obstacles)
	}

	_, err = e.run(t, "obstacles", "resolve", "readme", "--resolution", "merge")
	if got := exitCode(err); got != utils.ExitInvalidArgument {
		t.Fatalf("expected invalid argument, got %d (%v)", got, err)
	}
}

func TestDemo_TableOutput(t *testing.T) {
	e := newDemoEnv(t)
	if _, err := e.run(t, "account", "enable", "alice"); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	out, err := execute(t, "--demo", "--data-dir", e.dataDir, "--config", e.configPath, "--output", "table", "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"TITLE", "Readme", "Proposal", "folder *"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in table output:\n%s", want, out)
		}
	}
}

func TestConfigShowTable(t *testing.T) {
	e := newDemoEnv(t)
	if _, err := e.run(t, "config", "set", "maxRetries", "5"); err != nil {
		t.Fatalf("config set failed: %v", err)
	}
	out, err := execute(t, "--config", e.configPath, "--output", "table", "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	for _, want := range []string{"ENV", "maxRetries", "DOCSYNC_MAX_RETRIES", "refreshSchedule"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in table output:\n%s", want, out)
		}
	}
}

func TestConfigSetAndShow(t *testing.T) {
	e := newDemoEnv(t)
	if _, err := e.run(t, "config", "set", "maxRetries", "5"); err != nil {
		t.Fatalf("config set failed: %v", err)
	}
	cfg, err := config.LoadFrom(e.configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.MaxRetries != 5 {
		t.Fatalf("expected maxRetries 5, got %d", cfg.MaxRetries)
	}

	_, err = e.run(t, "config", "set", "bogus", "1")
	if got := exitCode(err); got != utils.ExitInvalidArgument {
		t.Fatalf("expected invalid argument, got %d (%v)", got, err)
	}

	env, err := e.run(t, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	var shown config.Config
	if err := json.Unmarshal(env.Data, &shown); err != nil {
		t.Fatalf("failed to decode config: %v", err)
	}
	if shown.MaxRetries != 5 {
		t.Fatalf("expected maxRetries 5, got %d", shown.MaxRetries)
	}
}

func TestAccountUseSetsDefault(t *testing.T) {
	e := newDemoEnv(t)
	if _, err := e.run(t, "account", "use", "alice"); err != nil {
		t.Fatalf("account use failed: %v", err)
	}
	cfg, err := config.LoadFrom(e.configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.DefaultAccount != "alice" {
		t.Fatalf("expected default account alice, got %q", cfg.DefaultAccount)
	}
}

func TestInvalidOutputFormat(t *testing.T) {
	e := newDemoEnv(t)
	_, err := e.run(t, "--output", "xml", "version")
	if got := exitCode(err); got != utils.ExitInvalidArgument {
		t.Fatalf("expected invalid argument, got %d (%v)", got, err)
	}
}

func TestVersion(t *testing.T) {
	e := newDemoEnv(t)
	env, err := e.run(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if env.Command != "version" {
		t.Fatalf("unexpected command %q", env.Command)
	}
}

func TestCommandName(t *testing.T) {
	if got := commandName(obstaclesResolveCmd); got != "obstacles.resolve" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := commandName(rootCmd); got != "docsync" {
		t.Fatalf("unexpected name %q", got)
	}
}

func TestConfirm(t *testing.T) {
	t.Cleanup(func() {
		globalFlags = types.GlobalFlags{}
		confirmInput = strings.NewReader("")
	})
	stderr = &bytes.Buffer{}

	confirmInput = strings.NewReader("yes\n")
	if !confirm("Proceed?") {
		t.Fatalf("expected yes")
	}
	confirmInput = strings.NewReader("\n")
	if confirm("Proceed?") {
		t.Fatalf("expected no by default")
	}
	confirmInput = strings.NewReader("")
	globalFlags.Yes = true
	if !confirm("Proceed?") {
		t.Fatalf("--yes should answer")
	}
}

func TestLevelFor(t *testing.T) {
	if levelFor("quiet") <= levelFor("normal") || levelFor("verbose") >= levelFor("normal") {
		t.Fatalf("unexpected level ordering")
	}
}

func TestDaemon_NoEnabledAccounts(t *testing.T) {
	e := newDemoEnv(t)
	_, err := e.run(t, "daemon", "--no-watch")
	if got := exitCode(err); got != utils.ExitAccountUnknown {
		t.Fatalf("expected account unknown, got %d (%v)", got, err)
	}
}

func TestOutputWriter_TableErrorGoesToStderr(t *testing.T) {
	var out, errOut bytes.Buffer
	w := NewOutputWriter(types.OutputFormatTable, false, false)
	w.stdout, w.stderr = &out, &errOut

	if err := w.WriteError("refresh", utils.NewCLIError(utils.ErrCodeOffline, "repository unreachable").Build()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected empty stdout, got %q", out.String())
	}
	if !strings.Contains(errOut.String(), "OFFLINE") {
		t.Fatalf("expected error code on stderr, got %q", errOut.String())
	}
}

func TestOutputWriter_EmptyTable(t *testing.T) {
	var out bytes.Buffer
	w := NewOutputWriter(types.OutputFormatTable, false, false)
	w.stdout = &out
	if err := w.WriteSuccess("obstacles.list", obstacleList(nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out.String()) != "No obstacles." {
		t.Fatalf("unexpected output %q", out.String())
	}
}
