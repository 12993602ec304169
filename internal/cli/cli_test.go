package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/eduabjr/cartorio-sub002/internal/capture/models"
	"github.com/eduabjr/cartorio-sub002/internal/capture/service"
	"github.com/eduabjr/cartorio-sub002/internal/registry/handler"
	registryservice "github.com/eduabjr/cartorio-sub002/internal/registry/service"
	registrystore "github.com/eduabjr/cartorio-sub002/internal/registry/store"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/middleware/metadata"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "cartorio", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"capture", "list", "show", "export", "import", "purge", "sync", "status", "requeue"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestSyncCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	syncCmd, _, err := cmd.Find([]string{"sync"})
	require.NoError(t, err)

	for flag, def := range map[string]string{
		"interval":          "0s",
		"transport":         "http",
		"workers":           "1",
		"max-attempts":      "0",
		"failure-threshold": "5",
		"cooldown-ms":       "30000",
		"retry-attempts":    "3",
		"backoff-base-ms":   "200",
		"call-timeout-ms":   "10000",
	} {
		f := syncCmd.Flags().Lookup(flag)
		require.NotNil(t, f, flag)
		assert.Equal(t, def, f.DefValue, flag)
	}
}

// =============================================================================
// End to end against a local database and an in-process registry
// =============================================================================

type CLISuite struct {
	suite.Suite
	db       string
	registry *registrystore.InMemoryStore
	server   *httptest.Server
}

func TestCLISuite(t *testing.T) {
	suite.Run(t, new(CLISuite))
}

func (s *CLISuite) SetupTest() {
	s.db = filepath.Join(s.T().TempDir(), "capture.db")

	s.registry = registrystore.NewInMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := registryservice.New(s.registry, registryservice.WithLogger(logger))
	s.Require().NoError(err)
	r := chi.NewRouter()
	r.Use(metadata.ClientMetadata)
	handler.New(svc, logger).Register(r)
	s.server = httptest.NewServer(r)
	s.T().Cleanup(s.server.Close)
}

func (s *CLISuite) run(stdin string, args ...string) (string, error) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--db", s.db}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (s *CLISuite) capture(kind, payload string) string {
	out, err := s.run("", "capture", "--kind", kind, payload)
	s.Require().NoError(err)
	return strings.TrimSpace(out)
}

func (s *CLISuite) status() models.Totals {
	out, err := s.run("", "status", "--format", "json")
	s.Require().NoError(err)
	var view statusView
	s.Require().NoError(json.Unmarshal([]byte(out), &view))
	return view.Totals
}

func (s *CLISuite) TestCaptureAndList() {
	first := s.capture("birth", `{"name": "Maria"}`)
	s.NotEmpty(first)

	out, err := s.run(`{"name":"João"}`, "capture", "--kind", "death", "--format", "json")
	s.Require().NoError(err)
	var created map[string]string
	s.Require().NoError(json.Unmarshal([]byte(out), &created))
	s.NotEqual(first, created["id"])

	out, err = s.run("", "list", "--format", "json")
	s.Require().NoError(err)
	var records []models.CapturedRecord
	s.Require().NoError(json.Unmarshal([]byte(out), &records))
	s.Require().Len(records, 2)
	s.JSONEq(`{"name":"Maria"}`, string(records[1].Payload))

	out, err = s.run("", "list")
	s.Require().NoError(err)
	s.Contains(out, first)
	s.Contains(out, "birth")

	s.Equal(models.Totals{Records: 2, Synced: 0, Pending: 2}, s.status())
}

func (s *CLISuite) TestCaptureRejectsNonObjectPayload() {
	_, err := s.run("", "capture", "[1,2,3]")
	s.Error(err)
	s.Equal(0, s.status().Records)
}

func (s *CLISuite) TestSyncDeliversToRegistry() {
	id := s.capture("birth", `{"name":"Maria"}`)
	s.capture("death", `{"name":"José"}`)

	out, err := s.run("", "sync", "--registry-url", s.server.URL, "--format", "json")
	s.Require().NoError(err)
	var report syncReport
	s.Require().NoError(json.Unmarshal([]byte(out), &report))
	s.Equal(2, report.Succeeded)
	s.Equal(0, report.Failed)
	s.Require().Len(report.Breakers, 1)
	s.Equal("CLOSED", report.Breakers[0].State)

	record, err := s.registry.FindByID(s.T().Context(), id)
	s.Require().NoError(err)
	s.Equal("birth", record.Kind)
	s.Equal("cartorio-sync/1.0", record.Source)
	s.Equal(models.Totals{Records: 2, Synced: 2, Pending: 0}, s.status())

	out, err = s.run("", "sync", "--registry-url", s.server.URL)
	s.Require().NoError(err)
	s.Contains(out, "synced 0, failed 0, skipped 0")
}

func (s *CLISuite) TestSyncAgainstFailingRegistryOpensCircuit() {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	id := s.capture("birth", `{"name":"Maria"}`)
	s.capture("birth", `{"name":"Ana"}`)

	out, err := s.run("", "sync",
		"--registry-url", failing.URL,
		"--failure-threshold", "1",
		"--retry-attempts", "1",
		"--format", "json",
	)
	s.Require().NoError(err)
	var report syncReport
	s.Require().NoError(json.Unmarshal([]byte(out), &report))
	s.Equal(0, report.Succeeded)
	s.Equal(2, report.Failed)
	s.Equal("OPEN", report.Breakers[0].State)
	s.Equal(models.Totals{Records: 2, Synced: 0, Pending: 2}, s.status())

	out, err = s.run("", "show", id)
	s.Require().NoError(err)
	var view service.RecordView
	s.Require().NoError(json.Unmarshal([]byte(out), &view))
	s.Require().NotNil(view.Entry)
	s.Equal(models.StatusError, view.Entry.Status)
	s.Equal(1, view.Entry.Attempts)
}

func (s *CLISuite) TestMaxAttemptsAndRequeue() {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	id := s.capture("birth", `{"name":"Maria"}`)
	_, err := s.run("", "sync", "--registry-url", failing.URL, "--retry-attempts", "1")
	s.Require().NoError(err)

	out, err := s.run("", "sync", "--registry-url", s.server.URL, "--max-attempts", "1")
	s.Require().NoError(err)
	s.Contains(out, "synced 0, failed 0, skipped 1")

	out, err = s.run("", "requeue", id)
	s.Require().NoError(err)
	s.Contains(out, "requeued "+id)

	out, err = s.run("", "sync", "--registry-url", s.server.URL, "--max-attempts", "1")
	s.Require().NoError(err)
	s.Contains(out, "synced 1, failed 0, skipped 0")
}

func (s *CLISuite) TestExportImportRoundTrip() {
	s.capture("birth", `{"name":"Maria"}`)
	s.capture("death", `{"name":"José"}`)

	snapshot := filepath.Join(s.T().TempDir(), "snapshot.json")
	_, err := s.run("", "export", "-o", snapshot)
	s.Require().NoError(err)

	s.db = filepath.Join(s.T().TempDir(), "restored.db")
	out, err := s.run("", "import", snapshot)
	s.Require().NoError(err)
	s.Equal("imported 2, failed 0\n", out)

	body, err := os.ReadFile(snapshot)
	s.Require().NoError(err)
	out, err = s.run(string(body), "import", "-", "--format", "json")
	s.Require().NoError(err)
	s.JSONEq(`{"imported":2,"failed":0}`, out)
	s.Equal(4, s.status().Records)
}

func (s *CLISuite) TestPurgeKeepsUnsyncedRecords() {
	s.capture("birth", `{"name":"Maria"}`)

	out, err := s.run("", "purge", "--older-than", "0s")
	s.Require().NoError(err)
	s.Equal("deleted 0 synced record(s)\n", out)
	s.Equal(1, s.status().Records)
}

func (s *CLISuite) TestConfigFileAndEnvironment() {
	dir := s.T().TempDir()
	fromFile := filepath.Join(dir, "file.db")
	config := filepath.Join(dir, "cartorio.yaml")
	s.Require().NoError(os.WriteFile(config, []byte("db: "+fromFile+"\nformat: json\n"), 0o600))

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(`{"name":"Maria"}`))
	cmd.SetArgs([]string{"--config", config, "capture", "-"})
	s.Require().NoError(cmd.Execute())
	s.Contains(out.String(), `"id"`)
	s.FileExists(fromFile)

	fromEnv := filepath.Join(dir, "env.db")
	s.T().Setenv("CARTORIO_DB", fromEnv)
	cmd = NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"capture", `{"name":"Ana"}`})
	s.Require().NoError(cmd.Execute())
	s.FileExists(fromEnv)
}

func (s *CLISuite) TestInvalidSettings() {
	_, err := s.run("", "list", "--format", "xml")
	s.ErrorContains(err, "invalid format")

	_, err = s.run("", "sync", "--transport", "carrier-pigeon")
	s.ErrorContains(err, "unknown transport")

	_, err = s.run("", "capture", "--id-generator", "sequence", `{}`)
	s.ErrorContains(err, "machine tag")
}
