package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a configuration with a temporary store, rendering
// disabled and the given engine list.
func writeConfig(t *testing.T, engines string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.cue")
	content := fmt.Sprintf(`
telemetry: log_level: "error"
store: path: %q
render: {
	mode:       "disabled"
	output_dir: %q
}
engines: %s
`, filepath.Join(dir, "conductor.db"), filepath.Join(dir, "output"), engines)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const ruleAndExpert = `[
	{name: "rule_engine", kind: "rule"},
	{name: "expert_engine", kind: "expert"},
]`

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decode(t *testing.T, out string, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestProcess_Shortform(t *testing.T) {
	cfg := writeConfig(t, ruleAndExpert)

	out, err := execute(t, "", "-c", cfg, "-o", "json", "process", "make a short video about cats", "--type", "shortform", "--duration", "10")
	require.NoError(t, err, out)

	var env struct {
		Success      bool                   `json:"success"`
		TaskID       string                 `json:"task_id"`
		FallbackUsed bool                   `json:"fallback_used"`
		Data         map[string]interface{} `json:"data"`
	}
	decode(t, out, &env)
	assert.True(t, env.Success)
	assert.True(t, env.FallbackUsed, "the script step is bound to ai and runs on the rule engine")
	require.NotEmpty(t, env.TaskID)
	assert.Equal(t, "shortform", env.Data["type"])
	assert.FileExists(t, env.Data["video_path"].(string))

	out, err = execute(t, "", "-c", cfg, "-o", "json", "status", env.TaskID)
	require.NoError(t, err, out)
	var task struct {
		TaskID string `json:"task_id"`
		State  string `json:"state"`
		Intent string `json:"intent"`
		Steps  []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"steps"`
	}
	decode(t, out, &task)
	assert.Equal(t, env.TaskID, task.TaskID)
	assert.Equal(t, "completed", task.State)
	assert.Equal(t, "create_shortform", task.Intent)
	assert.Len(t, task.Steps, 5)

	out, err = execute(t, "", "-c", cfg, "-o", "json", "tasks", "--state", "completed")
	require.NoError(t, err, out)
	var tasks []map[string]interface{}
	decode(t, out, &tasks)
	require.Len(t, tasks, 1)
	assert.Equal(t, env.TaskID, tasks[0]["id"])

	out, err = execute(t, "", "-c", cfg, "status", "no-such-task")
	require.NoError(t, err)
	assert.Contains(t, out, "not found")
}

func TestProcess_HandOff(t *testing.T) {
	cfg := writeConfig(t, `[{name: "expert_engine", kind: "expert"}]`)

	out, err := execute(t, "", "-c", cfg, "-o", "json", "process", "write a story about dragons", "--type", "text")
	require.NoError(t, err, out)

	var env struct {
		Success bool                   `json:"success"`
		Queued  bool                   `json:"queued"`
		TaskID  string                 `json:"task_id"`
		Data    map[string]interface{} `json:"data"`
	}
	decode(t, out, &env)
	assert.False(t, env.Success)
	assert.True(t, env.Queued)
	ticketID, _ := env.Data["ticket_id"].(string)
	require.NotEmpty(t, ticketID)

	out, err = execute(t, "", "-c", cfg, "-o", "json", "tickets", "list")
	require.NoError(t, err, out)
	var tickets []map[string]interface{}
	decode(t, out, &tickets)
	require.Len(t, tickets, 1)
	assert.Equal(t, ticketID, tickets[0]["id"])
	assert.Equal(t, env.TaskID, tickets[0]["task_id"])

	out, err = execute(t, "", "-c", cfg, "tickets", "resolve", ticketID, "--resolution", "written by hand", "--actor", "alice")
	require.NoError(t, err, out)
	assert.Contains(t, out, "resolved")

	_, err = execute(t, "", "-c", cfg, "tickets", "resolve", ticketID, "--resolution", "again")
	assert.Error(t, err)

	out, err = execute(t, "", "-c", cfg, "-o", "json", "tickets", "list")
	require.NoError(t, err, out)
	decode(t, out, &tickets)
	assert.Empty(t, tickets)

	out, err = execute(t, "", "-c", cfg, "-o", "json", "audit", "--action", "ticket.resolved")
	require.NoError(t, err, out)
	var entries []map[string]interface{}
	decode(t, out, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0]["actor"])
}

func TestConsent(t *testing.T) {
	cfg := writeConfig(t, ruleAndExpert)
	grant := []string{"-c", cfg, "consent", "grant",
		"--user", "u1", "--subject", "Jane Doe", "--subject-status", "living",
		"--content-type", "video", "--purpose", "personal", "--consent-type", "self"}

	out, err := execute(t, "", grant...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "u1:Jane Doe:video")

	out, err = execute(t, "", "-c", cfg, "-o", "json", "consent", "list")
	require.NoError(t, err, out)
	var consents []map[string]interface{}
	decode(t, out, &consents)
	require.Len(t, consents, 1)
	assert.Equal(t, "self", consents[0]["consent_type"])

	_, err = execute(t, "", "-c", cfg, "consent", "grant",
		"--user", "u1", "--subject", "Jane Doe", "--subject-status", "living",
		"--content-type", "video", "--purpose", "personal", "--consent-type", "family")
	assert.Error(t, err, "living subjects consent for themselves")

	_, err = execute(t, "", "-c", cfg, "consent", "revoke", "--user", "u1", "--subject", "Jane Doe", "--content-type", "video")
	require.NoError(t, err)
	_, err = execute(t, "", "-c", cfg, "consent", "revoke", "--user", "u1", "--subject", "Jane Doe", "--content-type", "video")
	assert.Error(t, err)

	out, err = execute(t, "", "-c", cfg, "-o", "json", "consent", "list")
	require.NoError(t, err, out)
	decode(t, out, &consents)
	assert.Empty(t, consents)
}

func TestConsent_BlockedUser(t *testing.T) {
	cfg := writeConfig(t, ruleAndExpert)

	_, err := execute(t, "", "-c", cfg, "consent", "block", "mallory", "--reason", "abuse")
	require.NoError(t, err)

	out, err := execute(t, "", "-c", cfg, "-o", "json", "process", "write a poem", "--user", "mallory")
	require.Error(t, err)
	var env struct {
		Blocked bool `json:"blocked"`
	}
	decode(t, out, &env)
	assert.True(t, env.Blocked)

	_, err = execute(t, "", "-c", cfg, "policy", "check", "write a poem", "--user", "mallory")
	assert.Error(t, err)
}

func TestPolicy(t *testing.T) {
	cfg := writeConfig(t, ruleAndExpert)

	out, err := execute(t, "", "-c", cfg, "policy", "list")
	require.NoError(t, err, out)
	for _, name := range []string{"content-safety", "consent", "misuse-risk", "blocked-user"} {
		assert.Contains(t, out, name)
	}

	out, err = execute(t, "", "-c", cfg, "policy", "check", "write a story about dragons")
	require.NoError(t, err, out)
	assert.Contains(t, out, "allowed")
}

func TestEngines(t *testing.T) {
	cfg := writeConfig(t, ruleAndExpert)

	out, err := execute(t, "", "-c", cfg, "-o", "json", "engines")
	require.NoError(t, err, out)
	var engines []struct {
		Name      string   `json:"name"`
		Type      string   `json:"type"`
		Enabled   bool     `json:"enabled"`
		Available bool     `json:"available"`
		Steps     []string `json:"steps"`
	}
	decode(t, out, &engines)
	require.Len(t, engines, 2)

	byName := map[string]int{}
	for i, e := range engines {
		byName[e.Name] = i
	}
	rule := engines[byName["rule_engine"]]
	assert.Equal(t, "rule", rule.Type)
	assert.True(t, rule.Available)
	assert.Contains(t, rule.Steps, "render_video")
	assert.Equal(t, "expert", engines[byName["expert_engine"]].Type)

	out, err = execute(t, "", "-c", cfg, "engines")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Steps without an enabled engine of their type:")
	assert.Contains(t, out, "create_image: generate_image")
}

func TestConfig(t *testing.T) {
	cfg := writeConfig(t, ruleAndExpert)

	out, err := execute(t, "", "config", "validate", cfg)
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 file(s) valid")

	bad := filepath.Join(t.TempDir(), "bad.cue")
	require.NoError(t, os.WriteFile(bad, []byte(`render: mode: "cloud"`), 0o644))
	_, err = execute(t, "", "config", "validate", bad)
	assert.Error(t, err)

	out, err = execute(t, "", "-c", cfg, "-o", "yaml", "config", "show")
	require.NoError(t, err, out)
	assert.Contains(t, out, "mode: disabled")
	assert.Contains(t, out, "name: rule_engine")

	_, err = execute(t, "", "-o", "xml", "config", "show")
	assert.Error(t, err)
}

func TestServe(t *testing.T) {
	cfg := writeConfig(t, ruleAndExpert)
	stdin := strings.Join([]string{
		`{"prompt":"make a short video about cats","type":"shortform","duration":10}`,
		`not json`,
		``,
		`{"prompt":""}`,
	}, "\n")

	out, err := execute(t, stdin, "-c", cfg, "serve", "--concurrency", "2")
	require.NoError(t, err, out)

	results := map[int]map[string]interface{}{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var r map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r), scanner.Text())
		results[int(r["line"].(float64))] = r
	}
	require.Len(t, results, 3)

	assert.Equal(t, true, results[1]["success"])
	assert.NotEmpty(t, results[1]["task_id"])
	assert.Equal(t, "validation", results[2]["error_kind"])
	assert.Contains(t, results[2]["error"], "invalid request")
	assert.Equal(t, "validation", results[4]["error_kind"])
}
