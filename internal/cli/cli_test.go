package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/ledger-extract/internal/testutil"
	"github.com/Sternrassler/ledger-extract/pkg/checkpoint"
	"github.com/Sternrassler/ledger-extract/pkg/streams"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func credentials() map[string]any {
	return map[string]any{
		"netsuite_account":         "1234567_SB1",
		"netsuite_consumer_key":    "ck",
		"netsuite_consumer_secret": "cs",
		"netsuite_token_id":        "tk",
		"netsuite_token_secret":    "ts",
	}
}

func TestStreams_Table(t *testing.T) {
	out, err := execute(t, "streams")
	if err != nil {
		t.Fatalf("streams error = %v", err)
	}
	for _, s := range streams.Default().All() {
		if !strings.Contains(out, s.Name) {
			t.Errorf("output misses stream %s:\n%s", s.Name, out)
		}
	}
	if !strings.HasPrefix(out, "STREAM") {
		t.Errorf("output should start with a header, got %q", out)
	}
}

func TestStreams_JSON(t *testing.T) {
	out, err := execute(t, "streams", "--json", streams.GeneralLedgerDetailName)
	if err != nil {
		t.Fatalf("streams error = %v", err)
	}
	var catalog struct {
		Streams []catalogEntry `json:"streams"`
	}
	if err := json.Unmarshal([]byte(out), &catalog); err != nil {
		t.Fatalf("decode catalog: %v", err)
	}
	if len(catalog.Streams) != 1 {
		t.Fatalf("streams = %d, want 1", len(catalog.Streams))
	}
	gl := catalog.Streams[0]
	if !gl.Partitioned {
		t.Error("general ledger should be partitioned by period")
	}
	if gl.SortKey != "internal_id" {
		t.Errorf("SortKey = %s, want internal_id", gl.SortKey)
	}
	if gl.Schema["type"] != "object" {
		t.Errorf("schema type = %v, want object", gl.Schema["type"])
	}
}

func TestStreams_Unknown(t *testing.T) {
	if _, err := execute(t, "streams", "netsuite_nope"); err == nil {
		t.Error("expected error for unknown stream")
	}
}

func TestSync_WritesJSONLines(t *testing.T) {
	rows := make([]map[string]any, 25)
	for i := range rows {
		rows[i] = map[string]any{
			"id":          fmt.Sprint(i + 1),
			"entityid":    fmt.Sprintf("E%03d", i+1),
			"companyname": "Jane Doe",
		}
	}
	mock := testutil.NewMockSuiteQL(testutil.MockConfig{IDColumn: "id", IDField: "id"}, rows)
	defer mock.Close()

	statePath := filepath.Join(t.TempDir(), "state.json")
	cfg := credentials()
	cfg["base_url"] = mock.URL()
	cfg["state_path"] = statePath
	cfg["streams"] = []string{"netsuite_employee"}
	cfg["page_size"] = 10
	path := writeConfig(t, cfg)

	out, err := execute(t, "sync", "--config", path, "--concurrency", "2")
	if err != nil {
		t.Fatalf("sync error = %v", err)
	}

	counts := map[string]int{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatalf("line %q is not JSON: %v", scanner.Text(), err)
		}
		counts[msg.Type]++
	}
	if counts["SCHEMA"] != 1 {
		t.Errorf("SCHEMA messages = %d, want 1", counts["SCHEMA"])
	}
	if counts["RECORD"] != 25 {
		t.Errorf("RECORD messages = %d, want 25", counts["RECORD"])
	}
	if counts["STATE"] == 0 {
		t.Error("expected at least one STATE message")
	}

	state, err := checkpoint.NewFileStore(statePath).Load(t.Context(), "netsuite_employee")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.LastProcessedID != 25 {
		t.Errorf("LastProcessedID = %d, want 25", state.LastProcessedID)
	}
	if state.TotalRecordCount != 25 {
		t.Errorf("TotalRecordCount = %d, want 25", state.TotalRecordCount)
	}
}

func TestSync_ClampsPageSize(t *testing.T) {
	rows := make([]map[string]any, 1500)
	for i := range rows {
		rows[i] = map[string]any{"id": fmt.Sprint(i + 1), "entityid": fmt.Sprintf("E%04d", i+1)}
	}
	mock := testutil.NewMockSuiteQL(testutil.MockConfig{IDColumn: "id", IDField: "id"}, rows)
	defer mock.Close()

	cfg := credentials()
	cfg["base_url"] = mock.URL()
	cfg["state_path"] = filepath.Join(t.TempDir(), "state.json")
	cfg["streams"] = []string{"netsuite_employee"}

	if _, err := execute(t, "sync", "--config", writeConfig(t, cfg), "--page-size", "5000"); err != nil {
		t.Fatalf("sync error = %v", err)
	}

	reqs := mock.Requests()
	if len(reqs) == 0 {
		t.Fatal("no requests received")
	}
	for _, r := range reqs {
		if r.Limit != 1000 {
			t.Errorf("request limit = %d, want 1000", r.Limit)
		}
	}
}

func TestSync_ResetOneStreamKeepsCorruptFile(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(statePath, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	mock := testutil.NewMockSuiteQL(testutil.MockConfig{IDColumn: "id", IDField: "id"}, nil)
	defer mock.Close()

	cfg := credentials()
	cfg["base_url"] = mock.URL()
	cfg["state_path"] = statePath
	cfg["streams"] = []string{"netsuite_employee"}

	_, err := execute(t, "sync", "--config", writeConfig(t, cfg), "--reset")
	if !errors.Is(err, checkpoint.ErrCorrupt) {
		t.Fatalf("sync error = %v, want ErrCorrupt", err)
	}
	data, err := os.ReadFile(statePath)
	if err != nil || string(data) != "{not json" {
		t.Errorf("state file changed: %q, %v", data, err)
	}
}

func TestSelectsAll(t *testing.T) {
	all := streams.Default().All()
	if !selectsAll(all) {
		t.Error("selectsAll(all streams) = false")
	}
	if selectsAll(all[:1]) {
		t.Error("selectsAll(one stream) = true")
	}
}

func TestSync_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]any
		args []string
	}{
		{
			name: "missing credentials",
			cfg:  map[string]any{"base_url": "http://127.0.0.1:1"},
		},
		{
			name: "zero page size",
			cfg:  credentials(),
			args: []string{"--page-size", "0"},
		},
		{
			name: "unknown stream",
			cfg:  credentials(),
			args: []string{"--streams", "netsuite_nope"},
		},
		{
			name: "bad last modified date",
			cfg:  credentials(),
			args: []string{"--last-modified", "01/02/2025"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg["state_path"] = filepath.Join(t.TempDir(), "state.json")
			args := append([]string{"sync", "--config", writeConfig(t, tt.cfg)}, tt.args...)
			if _, err := execute(t, args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}
