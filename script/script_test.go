package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/perch-ai/perch"
)

const sampleScript = `-- @id: math-tools
-- @name: Math Tools
-- @version: 1.2.0
-- @description: arithmetic helpers
-- @author: perch
-- @command: add Add Numbers
-- @command: metrics
-- @command: health_check
-- @metric: sum

function add(args)
  return { sum = args.a + args.b }
end

function metrics()
  return { sum = 42 }
end

function health_check()
  return config.healthy ~= false
end
`

func writeScript(t *testing.T, name, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadSample(t *testing.T) perch.Extension {
	t.Helper()
	ext, err := NewLoader().Load(context.Background(), writeScript(t, "math.lua", sampleScript))
	if err != nil {
		t.Fatal(err)
	}
	return ext
}

func TestParseHeader(t *testing.T) {
	meta, metrics, commands := parseHeader(sampleScript)

	if meta.ID != "math-tools" {
		t.Errorf("id = %q, want math-tools", meta.ID)
	}
	if meta.Name != "Math Tools" {
		t.Errorf("name = %q", meta.Name)
	}
	if meta.Version != "1.2.0" {
		t.Errorf("version = %q", meta.Version)
	}
	if meta.Author != "perch" {
		t.Errorf("author = %q", meta.Author)
	}
	if len(commands) != 3 || commands[0].Name != "add" {
		t.Fatalf("commands = %+v", commands)
	}
	if commands[0].DisplayName != "Add Numbers" {
		t.Errorf("display name = %q", commands[0].DisplayName)
	}
	if len(metrics) != 1 || metrics[0].Name != "sum" {
		t.Fatalf("metrics = %+v", metrics)
	}
}

func TestParseHeaderStopsAtCode(t *testing.T) {
	source := "-- @id: early\nlocal x = 1\n-- @name: Too Late\n"
	meta, _, _ := parseHeader(source)
	if meta.ID != "early" {
		t.Errorf("id = %q, want early", meta.ID)
	}
	if meta.Name != "" {
		t.Errorf("name = %q, annotations after code must be ignored", meta.Name)
	}
}

func TestLoadDefaultsFromFilename(t *testing.T) {
	path := writeScript(t, "probe.lua", "-- @command: ping\nfunction ping(args) return {} end\n")
	ext, err := NewLoader().Load(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	meta := ext.Metadata()
	if meta.ID != "probe" {
		t.Errorf("id = %q, want probe", meta.ID)
	}
	if meta.Name != "probe" {
		t.Errorf("name = %q, want probe", meta.Name)
	}
	if meta.Version != "0.0.0" {
		t.Errorf("version = %q, want 0.0.0", meta.Version)
	}
	if meta.Source != path {
		t.Errorf("source = %q, want %q", meta.Source, path)
	}
}

func TestLoadRejectsWrongExtension(t *testing.T) {
	path := writeScript(t, "notes.txt", "hello")
	if _, err := NewLoader().Load(context.Background(), path); !errors.Is(err, perch.ErrInvalidFormat) {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
}

func TestLoadRejectsBrokenScript(t *testing.T) {
	path := writeScript(t, "broken.lua", "function oops( -- never closed")
	if _, err := NewLoader().Load(context.Background(), path); !errors.Is(err, perch.ErrLoadFailed) {
		t.Fatalf("err = %v, want ErrLoadFailed", err)
	}
}

func TestExecuteCommand(t *testing.T) {
	ext := loadSample(t)
	raw, err := ext.ExecuteCommand(context.Background(), "add", map[string]interface{}{
		"a": 2, "b": 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(raw); got != `{"sum":5}` {
		t.Errorf("result = %s, want {\"sum\":5}", got)
	}
}

func TestExecuteCommandUnknown(t *testing.T) {
	ext := loadSample(t)
	_, err := ext.ExecuteCommand(context.Background(), "subtract", nil)
	if !errors.Is(err, perch.ErrCommandNotFound) {
		t.Fatalf("err = %v, want ErrCommandNotFound", err)
	}
}

func TestExecuteCommandRuntimeError(t *testing.T) {
	ext := loadSample(t)
	// add without arguments trips arithmetic on nil inside the script.
	_, err := ext.ExecuteCommand(context.Background(), "add", nil)
	if !errors.Is(err, perch.ErrExecutionFailed) {
		t.Fatalf("err = %v, want ErrExecutionFailed", err)
	}
	if rep, ok := ext.(perch.StatsReporter); ok {
		if rep.ErrorCount() != 1 {
			t.Errorf("error count = %d, want 1", rep.ErrorCount())
		}
	}
}

func TestProduceMetricsRefreshesCache(t *testing.T) {
	ext := loadSample(t)
	values, err := ext.ProduceMetrics(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 1 {
		t.Fatalf("got %d metric values, want 1", len(values))
	}
	if values[0].Name != "sum" || values[0].Value != float64(42) {
		t.Errorf("metric = %+v", values[0])
	}
}

func TestHealthCheckUsesConfig(t *testing.T) {
	ext := loadSample(t)
	if !ext.HealthCheck(context.Background()) {
		t.Error("default config should be healthy")
	}
	if err := ext.Configure(map[string]interface{}{"healthy": false}); err != nil {
		t.Fatal(err)
	}
	if ext.HealthCheck(context.Background()) {
		t.Error("config.healthy=false should report unhealthy")
	}
}

func TestHealthCheckWithoutCommand(t *testing.T) {
	path := writeScript(t, "plain.lua", "-- @command: ping\nfunction ping(args) return {} end\n")
	ext, err := NewLoader().Load(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if !ext.HealthCheck(context.Background()) {
		t.Error("script without health_check must report healthy")
	}
}

func TestScriptSeesConfigTable(t *testing.T) {
	source := `-- @id: echo-config
-- @command: get

function get(args)
  return { value = config[args.key] }
end
`
	ext, err := NewLoader().Load(context.Background(), writeScript(t, "echo.lua", source))
	if err != nil {
		t.Fatal(err)
	}
	if err := ext.Configure(map[string]interface{}{"endpoint": "http://hub.local"}); err != nil {
		t.Fatal(err)
	}
	raw, err := ext.ExecuteCommand(context.Background(), "get", map[string]interface{}{"key": "endpoint"})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(raw); got != `{"value":"http://hub.local"}` {
		t.Errorf("result = %s", got)
	}
}

func TestSparseTableDoesNotAllocateArray(t *testing.T) {
	source := `-- @id: sparse
-- @command: big

function big(args)
  return { [1000000000] = 1 }
end
`
	ext, err := NewLoader().Load(context.Background(), writeScript(t, "sparse.lua", source))
	if err != nil {
		t.Fatal(err)
	}
	// A single huge index must come back as an object keyed by the
	// index, never as a billion-slot array.
	raw, err := ext.ExecuteCommand(context.Background(), "big", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(raw); got != `{"1000000000":1}` {
		t.Errorf("result = %s, want {\"1000000000\":1}", got)
	}
}

func TestDenseTableStaysArray(t *testing.T) {
	source := `-- @id: seq
-- @command: all

function all(args)
  return { values = { 10, 20, 30 } }
end
`
	ext, err := NewLoader().Load(context.Background(), writeScript(t, "seq.lua", source))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := ext.ExecuteCommand(context.Background(), "all", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(raw); got != `{"values":[10,20,30]}` {
		t.Errorf("result = %s, want {\"values\":[10,20,30]}", got)
	}
}

func TestSandboxStripsDangerousFunctions(t *testing.T) {
	source := `-- @id: sneaky
-- @command: try

function try(args)
  return { has_execute = os.execute ~= nil, has_dofile = dofile ~= nil }
end
`
	ext, err := NewLoader().Load(context.Background(), writeScript(t, "sneaky.lua", source))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := ext.ExecuteCommand(context.Background(), "try", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(raw); got != `{"has_dofile":false,"has_execute":false}` {
		t.Errorf("result = %s", got)
	}
}
