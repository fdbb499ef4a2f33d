// Package config loads eyeswatch settings from flags, EYESWATCH_*
// environment variables and an optional config file, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/steveyegge/eyeswatch/internal/eyes"
	"github.com/steveyegge/eyeswatch/internal/logging"
	"github.com/steveyegge/eyeswatch/internal/scheduler"
	"github.com/steveyegge/eyeswatch/internal/session"
	"github.com/steveyegge/eyeswatch/internal/stage"
	"github.com/steveyegge/eyeswatch/internal/watch"
)

// EnvPrefix prefixes every environment variable, e.g. EYESWATCH_API_KEY.
const EnvPrefix = "EYESWATCH"

// Watch backends.
const (
	BackendNative = "fsnotify"
	BackendPoll   = "poll"
)

// Keys, which double as flag names.
const (
	KeyAPIKey       = "api-key"
	KeyIndex        = "index"
	KeyTests        = "tests"
	KeyTimeout      = "timeout"
	KeyBatch        = "batch"
	KeyBatchID      = "batch-id"
	KeyApp          = "app"
	KeyTest         = "test"
	KeyOS           = "os"
	KeyBrowser      = "browser"
	KeySep          = "sep"
	KeyDone         = "done"
	KeyInProgress   = "in-progress"
	KeyPassed       = "passed"
	KeyFailed       = "failed"
	KeyLog          = "log"
	KeyLogFile      = "log-file"
	KeyServerURL    = "server-url"
	KeyMatchLevel   = "match-level"
	KeySaveFailed   = "save-failed"
	KeyDrainGrace   = "drain-grace"
	KeyBackend      = "backend"
	KeyPollInterval = "poll-interval"
	KeySettle       = "settle"
	KeyDashboard    = "dashboard"
	KeyHistory      = "history"
)

// MatchLevels accepted by the comparison service.
var MatchLevels = []string{"None", "Layout", "Layout2", "Content", "Strict", "Exact"}

// ErrInvalid is the Kind of every configuration Error.
var ErrInvalid = errors.New("invalid configuration")

// Error reports a bad configuration value. It is fatal at startup.
type Error struct {
	Key string
	Msg string
}

func (e *Error) Error() string {
	if e.Key == "" {
		return e.Msg
	}
	return fmt.Sprintf("--%s: %s", e.Key, e.Msg)
}

func (e *Error) Unwrap() error { return ErrInvalid }

// Config is the effective configuration of one run.
type Config struct {
	APIKey string

	// Indexed is set when --index was given; StartIndex is then the first
	// expected index.
	Indexed    bool
	StartIndex int

	Tests        int
	Timeout      time.Duration
	DrainGrace   time.Duration
	Backend      string
	PollInterval time.Duration
	// Settle is how long a new file must stay unchanged before it is
	// reported.
	Settle time.Duration

	Batch      string
	BatchID    string
	App        string
	Test       string
	OS         string
	Browser    string
	Sep        string
	ServerURL  string
	MatchLevel string
	SaveFailed bool

	Done  string
	Names stage.Names

	Log     string
	LogFile string

	Dashboard int
	History   string
}

// File is the config file layout. Its keys are the flag names and its
// durations use the flag units.
type File struct {
	APIKey       string  `yaml:"api-key,omitempty" toml:"api-key,omitempty"`
	Index        *int    `yaml:"index,omitempty" toml:"index,omitempty"`
	Tests        int     `yaml:"tests" toml:"tests"`
	Timeout      float64 `yaml:"timeout" toml:"timeout"`
	DrainGrace   float64 `yaml:"drain-grace" toml:"drain-grace"`
	Backend      string  `yaml:"backend" toml:"backend"`
	PollInterval int64   `yaml:"poll-interval" toml:"poll-interval"`
	Settle       int64   `yaml:"settle" toml:"settle"`
	Batch        string  `yaml:"batch,omitempty" toml:"batch,omitempty"`
	BatchID      string  `yaml:"batch-id,omitempty" toml:"batch-id,omitempty"`
	App          string  `yaml:"app" toml:"app"`
	Test         string  `yaml:"test,omitempty" toml:"test,omitempty"`
	OS           string  `yaml:"os,omitempty" toml:"os,omitempty"`
	Browser      string  `yaml:"browser,omitempty" toml:"browser,omitempty"`
	Sep          string  `yaml:"sep" toml:"sep"`
	ServerURL    string  `yaml:"server-url" toml:"server-url"`
	MatchLevel   string  `yaml:"match-level" toml:"match-level"`
	SaveFailed   bool    `yaml:"save-failed" toml:"save-failed"`
	Done         string  `yaml:"done" toml:"done"`
	InProgress   string  `yaml:"in-progress" toml:"in-progress"`
	Passed       string  `yaml:"passed" toml:"passed"`
	Failed       string  `yaml:"failed" toml:"failed"`
	Log          string  `yaml:"log" toml:"log"`
	LogFile      string  `yaml:"log-file,omitempty" toml:"log-file,omitempty"`
	Dashboard    int     `yaml:"dashboard,omitempty" toml:"dashboard,omitempty"`
	History      string  `yaml:"history,omitempty" toml:"history,omitempty"`
}

// File returns c in config file layout.
func (c Config) File() File {
	f := File{
		APIKey:       c.APIKey,
		Tests:        c.Tests,
		Timeout:      c.Timeout.Seconds(),
		DrainGrace:   c.DrainGrace.Seconds(),
		Backend:      c.Backend,
		PollInterval: c.PollInterval.Milliseconds(),
		Settle:       c.Settle.Milliseconds(),
		Batch:        c.Batch,
		BatchID:      c.BatchID,
		App:          c.App,
		Test:         c.Test,
		OS:           c.OS,
		Browser:      c.Browser,
		Sep:          c.Sep,
		ServerURL:    c.ServerURL,
		MatchLevel:   c.MatchLevel,
		SaveFailed:   c.SaveFailed,
		Done:         c.Done,
		InProgress:   c.Names.InProgress,
		Passed:       c.Names.Passed,
		Failed:       c.Names.Failed,
		Log:          c.Log,
		LogFile:      c.LogFile,
		Dashboard:    c.Dashboard,
		History:      c.History,
	}
	if c.Indexed {
		start := c.StartIndex
		f.Index = &start
	}
	return f
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	names := stage.DefaultNames()
	v.SetDefault(KeyTests, scheduler.DefaultCapacity)
	v.SetDefault(KeyTimeout, session.DefaultIdleTimeout.Seconds())
	v.SetDefault(KeyApp, "app")
	v.SetDefault(KeySep, "__")
	v.SetDefault(KeyDone, session.DefaultSentinel)
	v.SetDefault(KeyInProgress, names.InProgress)
	v.SetDefault(KeyPassed, names.Passed)
	v.SetDefault(KeyFailed, names.Failed)
	v.SetDefault(KeyLog, logging.DefaultLevel)
	v.SetDefault(KeyServerURL, eyes.DefaultServerURL)
	v.SetDefault(KeyMatchLevel, "Strict")
	v.SetDefault(KeyDrainGrace, session.DefaultDrainGrace.Seconds())
	v.SetDefault(KeyBackend, BackendNative)
	v.SetDefault(KeyPollInterval, watch.DefaultPollInterval.Milliseconds())
	v.SetDefault(KeySettle, watch.DefaultSettle.Milliseconds())
	return v
}

// RegisterFlags declares every setting on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	names := stage.DefaultNames()

	fs.String(KeyAPIKey, "", "API key of the comparison service (required)")
	fs.Int(KeyIndex, 0, "enable strict ordering by file index, starting at this value")
	fs.Int(KeyTests, scheduler.DefaultCapacity, "maximum concurrently open comparisons (<= 0 for unlimited)")
	fs.Float64(KeyTimeout, session.DefaultIdleTimeout.Seconds(), "seconds without new files before a directory is finished")
	fs.String(KeyBatch, "", "batch name grouping every comparison of this run")
	fs.String(KeyBatchID, "", "batch id (generated when --batch is set)")
	fs.String(KeyApp, "app", "application name")
	fs.String(KeyTest, "", "test name (default: the watched directory)")
	fs.String(KeyOS, "", "host OS (default: derived from the directory name)")
	fs.String(KeyBrowser, "", "host browser (default: derived from the directory name)")
	fs.String(KeySep, "__", "separator splitting directory names into OS and browser")
	fs.String(KeyDone, session.DefaultSentinel, "file name that finishes a directory")
	fs.String(KeyInProgress, names.InProgress, "holding directory for files being compared")
	fs.String(KeyPassed, names.Passed, "holding directory for passed files")
	fs.String(KeyFailed, names.Failed, "holding directory for failed files")
	fs.String(KeyLog, logging.DefaultLevel, "log level: CRITICAL, ERROR, WARNING, INFO or DEBUG")
	fs.String(KeyLogFile, "", "also write JSON logs to this rotating file")
	fs.String(KeyServerURL, eyes.DefaultServerURL, "comparison service URL")
	fs.String(KeyMatchLevel, "Strict", "match level: "+strings.Join(MatchLevels, ", "))
	fs.Bool(KeySaveFailed, false, "accept failed comparisons as the new baseline")
	fs.Float64(KeyDrainGrace, session.DefaultDrainGrace.Seconds(), "seconds a finishing directory waits for missing indices")
	fs.String(KeyBackend, BackendNative, "filesystem event backend: fsnotify or poll")
	fs.Int(KeyPollInterval, int(watch.DefaultPollInterval.Milliseconds()), "poll backend scan interval in milliseconds")
	fs.Int(KeySettle, int(watch.DefaultSettle.Milliseconds()), "milliseconds a new file must stay unchanged before it is submitted (0 disables)")
	fs.Int(KeyDashboard, 0, "serve the live dashboard on this port (0 disables)")
	fs.String(KeyHistory, "", "record sessions in this sqlite database")
}

// ReadFile merges a config file into v. With an empty path eyeswatch.yaml,
// .toml or .json is looked up in the working directory and in
// $HOME/.config/eyeswatch; a missing file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("eyeswatch")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "eyeswatch"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return &Error{Msg: fmt.Sprintf("reading config file: %v", err)}
	}
	return nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// Load builds the configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	c := Decode(v)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Decode builds the configuration from v without validating it.
func Decode(v *viper.Viper) *Config {
	c := &Config{
		APIKey:       v.GetString(KeyAPIKey),
		Indexed:      v.IsSet(KeyIndex),
		StartIndex:   v.GetInt(KeyIndex),
		Tests:        v.GetInt(KeyTests),
		Timeout:      seconds(v.GetFloat64(KeyTimeout)),
		DrainGrace:   seconds(v.GetFloat64(KeyDrainGrace)),
		Backend:      strings.ToLower(v.GetString(KeyBackend)),
		PollInterval: time.Duration(v.GetInt(KeyPollInterval)) * time.Millisecond,
		Settle:       time.Duration(v.GetInt(KeySettle)) * time.Millisecond,
		Batch:        v.GetString(KeyBatch),
		BatchID:      v.GetString(KeyBatchID),
		App:          v.GetString(KeyApp),
		Test:         v.GetString(KeyTest),
		OS:           v.GetString(KeyOS),
		Browser:      v.GetString(KeyBrowser),
		Sep:          v.GetString(KeySep),
		ServerURL:    v.GetString(KeyServerURL),
		MatchLevel:   v.GetString(KeyMatchLevel),
		SaveFailed:   v.GetBool(KeySaveFailed),
		Done:         v.GetString(KeyDone),
		Names: stage.Names{
			InProgress: v.GetString(KeyInProgress),
			Passed:     v.GetString(KeyPassed),
			Failed:     v.GetString(KeyFailed),
		},
		Log:       v.GetString(KeyLog),
		LogFile:   v.GetString(KeyLogFile),
		Dashboard: v.GetInt(KeyDashboard),
		History:   v.GetString(KeyHistory),
	}
	if c.Batch != "" && c.BatchID == "" {
		c.BatchID = uuid.NewString()
	}
	return c
}

// Validate checks every value. The first problem found is returned as an
// *Error.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.APIKey) == "":
		return &Error{Key: KeyAPIKey, Msg: "an API key is required"}
	case c.Indexed && c.StartIndex < 0:
		return &Error{Key: KeyIndex, Msg: "must not be negative"}
	case c.Timeout <= 0:
		return &Error{Key: KeyTimeout, Msg: "must be positive"}
	case c.DrainGrace < 0:
		return &Error{Key: KeyDrainGrace, Msg: "must not be negative"}
	case c.Backend != BackendNative && c.Backend != BackendPoll:
		return &Error{Key: KeyBackend, Msg: fmt.Sprintf("unknown backend %q", c.Backend)}
	case c.Backend == BackendPoll && c.PollInterval <= 0:
		return &Error{Key: KeyPollInterval, Msg: "must be positive"}
	case c.Settle < 0:
		return &Error{Key: KeySettle, Msg: "must not be negative"}
	case c.Dashboard < 0 || c.Dashboard > 65535:
		return &Error{Key: KeyDashboard, Msg: "not a valid port"}
	case strings.TrimSpace(c.Done) == "":
		return &Error{Key: KeyDone, Msg: "must not be empty"}
	case c.ServerURL == "":
		return &Error{Key: KeyServerURL, Msg: "must not be empty"}
	}

	if !validMatchLevel(c.MatchLevel) {
		return &Error{Key: KeyMatchLevel, Msg: fmt.Sprintf("unknown match level %q", c.MatchLevel)}
	}
	if _, err := logging.ParseLevel(c.Log); err != nil {
		return &Error{Key: KeyLog, Msg: err.Error()}
	}
	return c.validateNames()
}

func validMatchLevel(level string) bool {
	for _, l := range MatchLevels {
		if strings.EqualFold(l, level) {
			return true
		}
	}
	return false
}

func (c *Config) validateNames() error {
	named := []struct {
		key, value string
	}{
		{KeyInProgress, c.Names.InProgress},
		{KeyPassed, c.Names.Passed},
		{KeyFailed, c.Names.Failed},
	}
	seen := make(map[string]string)
	for _, n := range named {
		switch {
		case n.value == "":
			return &Error{Key: n.key, Msg: "must not be empty"}
		case strings.ContainsRune(n.value, filepath.Separator):
			return &Error{Key: n.key, Msg: "must be a single directory name"}
		}
		if other, dup := seen[n.value]; dup {
			return &Error{Key: n.key, Msg: fmt.Sprintf("same as --%s", other)}
		}
		seen[n.value] = n.key
	}
	return nil
}

// Metadata returns the comparison metadata shared by every session.
func (c *Config) Metadata() eyes.Metadata {
	return eyes.Metadata{
		AppName:    c.App,
		TestName:   c.Test,
		BatchID:    c.BatchID,
		BatchName:  c.Batch,
		HostOS:     c.OS,
		HostApp:    c.Browser,
		MatchLevel: c.MatchLevel,
		SaveFailed: c.SaveFailed,
	}
}

// Session returns the per-session behavior.
func (c *Config) Session() session.Config {
	return session.Config{
		Sentinel:    c.Done,
		IdleTimeout: c.Timeout,
		Indexed:     c.Indexed,
		StartIndex:  c.StartIndex,
		DrainGrace:  c.DrainGrace,
	}
}

// Redacted returns a copy safe to print. The API key is cleared, so a
// redacted configuration written as a File carries no key at all.
func (c Config) Redacted() Config {
	c.APIKey = ""
	return c
}
