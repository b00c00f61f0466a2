package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/questd/internal/application"
	"github.com/bnema/questd/internal/domain"
)

// credential42 encodes identity 42 ("NDI" is base64 for "42").
const credential42 = "NDI.MTcwMDAwMDAwMA.c2lnbmF0dXJl"

func TestCredentialAddThenList(t *testing.T) {
	home := t.TempDir()

	stdout, _, err := executeCLI(t, home, "credential", "add", "--name", "Primary", "--credential", credential42)
	require.NoError(t, err)
	assert.Contains(t, stdout, "stored credential for Primary (42)")

	stdout, _, err = executeCLI(t, home, "credential", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "42")
	assert.Contains(t, stdout, "Primary")
	assert.Contains(t, stdout, "active")

	secret, err := os.ReadFile(filepath.Join(home, ".questd", "secrets", "credentials", "42"))
	require.NoError(t, err)
	assert.Equal(t, credential42, strings.TrimSpace(string(secret)))

	identities, err := os.ReadFile(filepath.Join(home, ".questd", "identities.toml"))
	require.NoError(t, err)
	assert.NotContains(t, string(identities), credential42, "the credential only lives in the secret store")
}

func TestCredentialAddReadsStdin(t *testing.T) {
	home := t.TempDir()

	stdout, _, err := executeCLIWithInput(t, home, strings.NewReader(credential42+"\n"), "credential", "add")
	require.NoError(t, err)
	assert.Contains(t, stdout, "stored credential for Identity 42 (42)")
}

func TestCredentialAddRejectsMalformedCredential(t *testing.T) {
	home := t.TempDir()

	_, _, err := executeCLI(t, home, "credential", "add", "--credential", "not-a-credential")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)

	_, _, err = executeCLIWithInput(t, home, strings.NewReader(""), "credential", "add")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credential given")
}

func TestCredentialRemove(t *testing.T) {
	home := t.TempDir()

	_, _, err := executeCLI(t, home, "credential", "add", "--credential", credential42)
	require.NoError(t, err)

	_, _, err = executeCLI(t, home, "credential", "remove", "--account", "42")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, "credential", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "no identities")

	_, err = os.Stat(filepath.Join(home, ".questd", "secrets", "credentials", "42"))
	assert.True(t, os.IsNotExist(err))

	_, _, err = executeCLI(t, home, "credential", "remove", "--account", "42")
	assert.ErrorIs(t, err, domain.ErrIdentityNotFound)
}

func TestCredentialRemoveRequiresAccountFlag(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "credential", "remove")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag(s) \"account\" not set")
}

const questsFixture = `{"quests":[
  {"id":"q-1","config":{"expires_at":"2099-01-01T00:00:00Z","messages":{"quest_name":"Watch the trailer","game_title":"Nebula"},
   "task_config_v2":{"tasks":{"WATCH_VIDEO":{"target":900}}}},
   "user_status":{"enrolled_at":"2026-03-01T10:00:00Z","progress":{"WATCH_VIDEO":{"value":450}}}},
  {"id":"q-old","config":{"expires_at":"2020-01-01T00:00:00Z","messages":{"quest_name":"Expired"},
   "task_config":{"tasks":{"PLAY_ON_DESKTOP":{"target":900}}}},"user_status":null}
]}`

func TestQuestsListsActiveQuests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/quests/@me", r.URL.Path)
		assert.Equal(t, "Bearer "+credential42, r.Header.Get("Authorization"))
		time.Sleep(200 * time.Millisecond)
		_, _ = fmt.Fprint(w, questsFixture)
	}))
	defer server.Close()

	t.Setenv("QUESTD_API_BASE_URL", server.URL+"/api")

	home := t.TempDir()
	_, _, err := executeCLI(t, home, "credential", "add", "--credential", credential42)
	require.NoError(t, err)

	stdout, stderr, err := executeCLI(t, home, "quests", "--account", "42")
	require.NoError(t, err)
	assert.Contains(t, stdout, "q-1")
	assert.Contains(t, stdout, "Nebula: Watch the trailer")
	assert.Contains(t, stdout, "enrolled")
	assert.Contains(t, stdout, "WATCH_VIDEO 50% (duration)")
	assert.NotContains(t, stdout, "q-old")
	assert.Contains(t, stderr, "Fetching quests")
}

func TestQuestsJSONOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, questsFixture)
	}))
	defer server.Close()

	t.Setenv("QUESTD_API_BASE_URL", server.URL+"/api")

	home := t.TempDir()
	_, _, err := executeCLI(t, home, "credential", "add", "--credential", credential42)
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, "quests", "--account", "42", "--json")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(stdout)))
	assert.Contains(t, stdout, "\"ID\": \"q-1\"")
}

func TestQuestsRequiresConfiguredBaseURL(t *testing.T) {
	home := t.TempDir()
	_, _, err := executeCLI(t, home, "credential", "add", "--credential", credential42)
	require.NoError(t, err)

	_, _, err = executeCLI(t, home, "quests", "--account", "42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.base_url is not configured")
}

func TestQuestsReadsConfigFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"quests":[]}`)
	}))
	defer server.Close()

	home := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "questd.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf("[api]\nbase_url = %q\n", server.URL)), 0o600))

	_, _, err := executeCLI(t, home, "--config", configPath, "credential", "add", "--credential", credential42)
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, "--config", configPath, "quests", "--account", "42", "--json")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(stdout))
}

func TestStatusRendersServerReport(t *testing.T) {
	report := application.StatusReport{
		RunID:  "run-1234",
		Global: 1,
		Limits: application.PoolLimits{PerWorkerCap: 25, GlobalCap: 50},
		Workers: []domain.WorkerSlot{
			{Index: 0, PID: 1001, Tasks: 1, Reported: 1, Ready: true, Healthy: true},
		},
		Sessions: []domain.SessionSnapshot{{
			Identity: "42",
			State:    domain.SessionStarted,
			Worker:   0,
			Task:     &domain.TaskTarget{QuestID: "q-1", ID: "WATCH_VIDEO", Kind: domain.TaskKindDuration, Target: 900, Current: 300},
			Percent:  33,
			Logs:     []string{"logged in"},
		}},
	}
	listen := controlServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})
	t.Setenv("QUESTD_HTTP_LISTEN", listen)

	home := t.TempDir()
	stdout, _, err := executeCLI(t, home, "status")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Quest Supervisor")
	assert.Contains(t, stdout, "worker 0 (pid 1001)")
	assert.Contains(t, stdout, "WATCH_VIDEO (q-1):")
	assert.Contains(t, stdout, "logged in")

	stdout, _, err = executeCLI(t, home, "status", "--yaml")
	require.NoError(t, err)
	assert.Contains(t, stdout, "run_id: run-1234")
	assert.Contains(t, stdout, "per_worker_cap: 25")

	stdout, _, err = executeCLI(t, home, "status", "--json")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(stdout)))
	assert.Contains(t, stdout, "\"run_id\": \"run-1234\"")

	_, _, err = executeCLI(t, home, "status", "--json", "--yaml")
	require.Error(t, err)
}

func TestStatusHintsWhenServerIsDown(t *testing.T) {
	t.Setenv("QUESTD_HTTP_LISTEN", closedAddress(t))

	_, _, err := executeCLI(t, t.TempDir(), "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is `questd serve` listening on")
}

func TestEnrollStartStopUseControlSurface(t *testing.T) {
	var calls []string
	listen := controlServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sessions":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]string{"account": "42", "quest": "q-1"}, body)
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"identity":"42","state":"enrolled","worker":-1,"task":{"quest_id":"q-1","id":"WATCH_VIDEO","kind":"duration","target":900,"current":0,"completed":false},"percent":0}`)
		case r.Method == http.MethodPost && r.URL.Path == "/sessions/42/start":
			_, _ = io.WriteString(w, `{"identity":"42","state":"started","worker":1,"task":{"quest_id":"q-1","id":"WATCH_VIDEO","kind":"duration","target":900,"current":0,"completed":false},"percent":0}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/sessions/42":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	t.Setenv("QUESTD_HTTP_LISTEN", listen)

	home := t.TempDir()
	stdout, _, err := executeCLI(t, home, "enroll", "--account", "42", "--quest", "q-1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "42 enrolled q-1/WATCH_VIDEO 0%")

	stdout, _, err = executeCLI(t, home, "start", "--account", "42")
	require.NoError(t, err)
	assert.Contains(t, stdout, "42 started q-1/WATCH_VIDEO 0% worker=1")

	stdout, _, err = executeCLI(t, home, "stop", "--account", "42")
	require.NoError(t, err)
	assert.Contains(t, stdout, "stopped 42")

	assert.Equal(t, []string{"POST /sessions", "POST /sessions/42/start", "DELETE /sessions/42"}, calls)
}

func TestStartSurfacesCapacityError(t *testing.T) {
	listen := controlServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":"capacity reached","code":"capacity_reached"}`)
	})
	t.Setenv("QUESTD_HTTP_LISTEN", listen)

	_, _, err := executeCLI(t, t.TempDir(), "start", "--account", "42")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCapacityReached)
	assert.NotContains(t, err.Error(), "questd serve")
}

func TestWorkerAnnouncesReadyAndExitsOnEOF(t *testing.T) {
	stdout, _, err := executeCLIWithInput(t, t.TempDir(), strings.NewReader(""), "worker")
	require.NoError(t, err)

	first := strings.SplitN(stdout, "\n", 2)[0]
	assert.JSONEq(t, `{"type":"ready"}`, first)
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Equal(t, "dev", strings.TrimSpace(stdout))
}

func TestAccountCommandIsRemoved(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "account")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command \"account\"")
}

func TestInvalidConfigFails(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "questd.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("[pool]\nworkers = 0\n"), 0o600))

	_, _, err := executeCLI(t, t.TempDir(), "--config", configPath, "credential", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool.workers must be at least 1")
}

func executeCLI(t *testing.T, home string, args ...string) (string, string, error) {
	t.Helper()
	return executeCLIWithInput(t, home, nil, args...)
}

func executeCLIWithInput(t *testing.T, home string, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", home)

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	if stdin != nil {
		root.SetIn(stdin)
	}
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// controlServer starts a stand-in for the control surface and returns its host:port.
func controlServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return strings.TrimPrefix(server.URL, "http://")
}

func closedAddress(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	// Give the kernel a moment to release the port.
	time.Sleep(10 * time.Millisecond)
	return addr
}
