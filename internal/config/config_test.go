package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func newWithKey(t *testing.T) *viper.Viper {
	t.Helper()
	v := New()
	v.Set(KeyAPIKey, "secret")
	return v
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(newWithKey(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.Indexed {
		t.Error("ordering should be off without --index")
	}
	if c.Tests != 6 || c.Timeout != 300*time.Second || c.DrainGrace != 2*time.Second {
		t.Errorf("tests=%d timeout=%s drain=%s", c.Tests, c.Timeout, c.DrainGrace)
	}
	if c.Sep != "__" || c.Done != "done" || c.App != "app" || c.Log != "WARNING" {
		t.Errorf("unexpected defaults: %+v", c)
	}
	if c.Names.InProgress != "IN-PROGRESS" || c.Names.Passed != "DONE" || c.Names.Failed != "FAILED" {
		t.Errorf("holding names = %+v", c.Names)
	}
	if c.Backend != BackendNative || c.PollInterval != 500*time.Millisecond || c.Settle != 200*time.Millisecond {
		t.Errorf("backend=%s poll=%s settle=%s", c.Backend, c.PollInterval, c.Settle)
	}
	if c.BatchID != "" {
		t.Errorf("batch id generated without a batch: %q", c.BatchID)
	}

	s := c.Session()
	if s.Sentinel != "done" || s.IdleTimeout != 300*time.Second {
		t.Errorf("session config = %+v", s)
	}
}

func TestLoad_IndexEnablesOrdering(t *testing.T) {
	v := newWithKey(t)
	v.Set(KeyIndex, 0)
	c, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Indexed || c.StartIndex != 0 {
		t.Errorf("indexed=%v start=%d, want true/0", c.Indexed, c.StartIndex)
	}
	if s := c.Session(); !s.Indexed {
		t.Error("session config lost ordering")
	}
}

func TestLoad_BatchID(t *testing.T) {
	v := newWithKey(t)
	v.Set(KeyBatch, "nightly")
	c, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.BatchID) != 36 {
		t.Errorf("generated batch id = %q, want a UUID", c.BatchID)
	}
	if m := c.Metadata(); m.BatchName != "nightly" || m.BatchID != c.BatchID {
		t.Errorf("metadata = %+v", m)
	}

	v.Set(KeyBatchID, "fixed")
	c, err = Load(v)
	if err != nil {
		t.Fatal(err)
	}
	if c.BatchID != "fixed" {
		t.Errorf("batch id = %q, want fixed", c.BatchID)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"missing api key", KeyAPIKey, ""},
		{"negative index", KeyIndex, -1},
		{"zero timeout", KeyTimeout, 0},
		{"negative grace", KeyDrainGrace, -1},
		{"bad backend", KeyBackend, "inotify"},
		{"negative settle", KeySettle, -5},
		{"bad port", KeyDashboard, 70000},
		{"bad log level", KeyLog, "LOUD"},
		{"bad match level", KeyMatchLevel, "Fuzzy"},
		{"empty sentinel", KeyDone, ""},
		{"empty holding name", KeyFailed, ""},
		{"nested holding name", KeyPassed, filepath.Join("a", "b")},
		{"duplicate holding name", KeyFailed, "DONE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newWithKey(t)
			v.Set(tt.key, tt.val)
			_, err := Load(v)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Load() error = %v, want ErrInvalid", err)
			}
			var cerr *Error
			if !errors.As(err, &cerr) || cerr.Key != tt.key {
				t.Errorf("error %v should name --%s", err, tt.key)
			}
		})
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("EYESWATCH_API_KEY", "from-env")
	t.Setenv("EYESWATCH_IN_PROGRESS", "WIP")

	c, err := Load(New())
	if err != nil {
		t.Fatal(err)
	}
	if c.APIKey != "from-env" || c.Names.InProgress != "WIP" {
		t.Errorf("api key=%q in-progress=%q", c.APIKey, c.Names.InProgress)
	}
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eyeswatch.yaml")
	content := "api-key: from-file\ntests: 2\nsep: \"--\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--tests", "3"}); err != nil {
		t.Fatal(err)
	}

	v := New()
	if err := v.BindPFlags(fs); err != nil {
		t.Fatal(err)
	}
	if err := ReadFile(v, path); err != nil {
		t.Fatal(err)
	}

	c, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}
	if c.APIKey != "from-file" || c.Sep != "--" {
		t.Errorf("file values not applied: %+v", c)
	}
	if c.Tests != 3 {
		t.Errorf("tests = %d, flag should win over file", c.Tests)
	}
	if c.Indexed {
		t.Error("unset --index flag enabled ordering")
	}
}

func TestReadFile_Missing(t *testing.T) {
	if err := ReadFile(New(), filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, ErrInvalid) {
		t.Errorf("explicit missing file error = %v, want ErrInvalid", err)
	}
}

func TestRedacted(t *testing.T) {
	c := Config{APIKey: "secret"}
	r := c.Redacted()
	if r.APIKey != "" {
		t.Errorf("API key = %q after redaction", r.APIKey)
	}
	if f := r.File(); f.APIKey != "" {
		t.Errorf("redacted file layout carries api-key %q", f.APIKey)
	}
	if c.APIKey != "secret" {
		t.Error("Redacted modified the original")
	}
}
