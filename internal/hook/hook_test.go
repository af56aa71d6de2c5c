package hook

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/agent"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/protocol"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestRun_NoDaemonIsSilent(t *testing.T) {
	dir, err := os.MkdirTemp("", "hk")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	// Capture stderr to prove nothing is written there.
	r, w, err := os.Pipe()
	require.NoError(t, err)
	saved := os.Stderr
	os.Stderr = w
	defer func() { os.Stderr = saved }()

	start := time.Now()
	sent := Run(strings.NewReader(`{"session_id":"abc","cwd":"/tmp","tool_name":"Read","tool_input":{"file_path":"/tmp/a.go"}}`), Options{
		Paths:   config.NewPaths(dir),
		Timeout: 300 * time.Millisecond,
		Getenv:  env(nil),
	})
	w.Close()
	os.Stderr = saved

	require.True(t, sent)
	require.Less(t, time.Since(start), time.Second)
	out, _ := io.ReadAll(r)
	require.Empty(t, out)
}

func TestRun_GarbageInputIsIgnored(t *testing.T) {
	called := false
	sent := Run(strings.NewReader("not json"), Options{
		Send: func(config.Paths, *protocol.PluginEvent, time.Duration) { called = true },
	})
	require.False(t, sent)
	require.False(t, called)
}

func TestRun_PrefersConductorSessionID(t *testing.T) {
	var got *protocol.PluginEvent
	Run(strings.NewReader(`{"session_id":"agent-own","tool_name":"Bash","tool_input":{"command":"go test ./...\necho done"}}`), Options{
		Getenv: env(map[string]string{agent.EnvSessionID: "web-1234abcd"}),
		Send:   func(_ config.Paths, ev *protocol.PluginEvent, _ time.Duration) { got = ev },
	})
	require.NotNil(t, got)
	require.Equal(t, "web-1234abcd", got.SessionID)
	require.Equal(t, "go test ./...", got.Payload.Target)
	require.Nil(t, got.Payload.ToolInput)
}

func TestBuild_PrivacyContract(t *testing.T) {
	now := time.UnixMilli(1700000000000)

	ev := Build(Input{
		SessionID: "s1",
		ToolName:  "Write",
		ToolInput: map[string]interface{}{"file_path": strings.Repeat("d/", 300) + "x.go", "content": "SECRET"},
	}, "", now)
	require.NotNil(t, ev)
	require.LessOrEqual(t, utf8.RuneCountInString(ev.Payload.Target), protocol.MaxTargetRunes)
	require.Nil(t, ev.Payload.ToolInput)
	require.Equal(t, int64(1700000000000), ev.Timestamp)

	ev = Build(Input{
		SessionID: "s1",
		ToolName:  "AskUserQuestion",
		ToolInput: map[string]interface{}{"questions": []interface{}{"proceed?"}},
	}, "", now)
	require.True(t, ev.Payload.NeedsApproval)
	require.JSONEq(t, `{"questions":["proceed?"]}`, string(ev.Payload.ToolInput))
}

func TestBuild_RequiresToolAndSession(t *testing.T) {
	require.Nil(t, Build(Input{SessionID: "s1"}, "", time.Now()))
	require.Nil(t, Build(Input{ToolName: "Read"}, "", time.Now()))
}

func TestBuild_ProjectContextFromRepoRoot(t *testing.T) {
	root := t.TempDir()
	repo := filepath.Join(root, "my-app")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git"), 0755))
	sub := filepath.Join(repo, "internal", "pkg")
	require.NoError(t, os.MkdirAll(sub, 0755))

	ev := Build(Input{SessionID: "s1", ToolName: "Read", Cwd: sub}, "", time.Now())
	require.Equal(t, "my-app", ev.Context.Project)
	require.Equal(t, repo, ev.Context.ProjectPath)
}

func TestTarget(t *testing.T) {
	tests := []struct {
		tool  string
		input map[string]interface{}
		want  string
	}{
		{"Read", map[string]interface{}{"file_path": "/a.go"}, "/a.go"},
		{"Grep", map[string]interface{}{"pattern": "TODO", "path": "src"}, "TODO in src"},
		{"Glob", map[string]interface{}{"pattern": "**/*.go"}, "**/*.go"},
		{"WebFetch", map[string]interface{}{"url": "https://go.dev"}, "https://go.dev"},
		{"ExitPlanMode", map[string]interface{}{"plan": "do it"}, ""},
		{"mcp__custom", map[string]interface{}{"path": "/x"}, "/x"},
		{"Read", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			require.Equal(t, tt.want, Target(tt.tool, tt.input))
		})
	}
}
