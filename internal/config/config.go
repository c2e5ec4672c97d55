package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"callpop/internal/dial"
)

// Config holds everything read from the settings file and environment.
type Config struct {
	Path string

	Host      string
	Port      int
	Username  string
	Secret    string
	Extension string

	IncludeInternal   bool
	IDSource          dial.KeySource
	InternalMaxDigits int
	RingDedup         time.Duration
	AnswerDedup       time.Duration
	OpenDedup         time.Duration
	CallIdleTimeout   time.Duration
	CallTerminalGrace time.Duration
	PingInterval      time.Duration

	TicketumHost string
	DeptID       string

	LogPath     string
	LogStderr   bool
	JournalPath string
	StatusAddr  string
	WatchConfig bool
}

const (
	DefaultFile = "settings.json"

	defaultPort              = 5038
	defaultRingDedupSec      = 15
	defaultAnswerDedupSec    = 180
	defaultOpenDedupSec      = 180
	defaultCallIdleSec       = 240
	defaultCallGraceSec      = 60
	defaultPingIntervalSec   = 10
	defaultTicketumHost      = "ticketum.bki.ir"
	defaultDeptID            = "1"
	defaultLogFile           = "app.log"
	templateHost             = "192.168.202.20"
	envConfigPath            = "CONFIG_PATH"
	envDotenvPath            = "DOTENV_PATH"
	defaultIncludeInternal   = true
	defaultWatchConfig       = true
	defaultInternalMaxDigits = dial.DefaultInternalMaxDigits
)

// ErrTemplateCreated is returned when the settings file did not exist and a
// template was written in its place.
var ErrTemplateCreated = errors.New("settings file was missing; a template was created, fill it in and restart")

// Error is a configuration problem. It is always fatal at startup.
type Error struct {
	Path    string
	Missing []string
	Err     error
}

func (e *Error) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("config %s: missing required fields: %s", e.Path, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type fileConfig struct {
	Host                 string     `json:"host" yaml:"host"`
	Port                 *int       `json:"port" yaml:"port"`
	Username             string     `json:"username" yaml:"username"`
	Secret               string     `json:"secret" yaml:"secret"`
	Extension            flexString `json:"extension" yaml:"extension"`
	IncludeInternal      *bool      `json:"INCLUDE_INTERNAL_CALLS" yaml:"INCLUDE_INTERNAL_CALLS"`
	CDRIDSource          string     `json:"CDR_ID_SOURCE" yaml:"CDR_ID_SOURCE"`
	InternalMaxDigits    *int       `json:"INTERNAL_MAX_DIGITS,omitempty" yaml:"INTERNAL_MAX_DIGITS,omitempty"`
	RingLogDedupSec      *int       `json:"RING_LOG_DEDUP_SEC" yaml:"RING_LOG_DEDUP_SEC"`
	AnswerDedupSec       *int       `json:"ANSWER_DEDUP_SEC" yaml:"ANSWER_DEDUP_SEC"`
	OpenDedupSec         *int       `json:"OPEN_DEDUP_SEC" yaml:"OPEN_DEDUP_SEC"`
	CallIdleTimeoutSec   *int       `json:"CALL_IDLE_TIMEOUT_SEC,omitempty" yaml:"CALL_IDLE_TIMEOUT_SEC,omitempty"`
	CallTerminalGraceSec *int       `json:"CALL_TERMINAL_GRACE_SEC,omitempty" yaml:"CALL_TERMINAL_GRACE_SEC,omitempty"`
	PingIntervalSec      *int       `json:"ping_interval_sec,omitempty" yaml:"ping_interval_sec,omitempty"`
	TicketumHost         string     `json:"ticketum_host,omitempty" yaml:"ticketum_host,omitempty"`
	DeptID               flexString `json:"DEPT_ID,omitempty" yaml:"DEPT_ID,omitempty"`
	LogPath              string     `json:"log_path,omitempty" yaml:"log_path,omitempty"`
	JournalPath          string     `json:"journal_path,omitempty" yaml:"journal_path,omitempty"`
	StatusAddr           string     `json:"status_addr,omitempty" yaml:"status_addr,omitempty"`
	WatchConfig          *bool      `json:"watch_config,omitempty" yaml:"watch_config,omitempty"`
}

// flexString accepts both "101" and 101, since extensions are often typed
// as bare numbers.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = flexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*s = flexString(num.String())
	return nil
}

// DefaultPath is settings.json next to the executable, falling back to the
// working directory.
func DefaultPath() string {
	return besideExecutable(DefaultFile)
}

// DefaultLogPath is app.log next to the executable. It is used before a
// config has loaded.
func DefaultLogPath() string {
	return besideExecutable(defaultLogFile)
}

func besideExecutable(name string) string {
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(exe), name)
}

// Load reads the settings file at path (CONFIG_PATH or DefaultPath when
// empty), applies environment overrides and validates the result. A
// missing file is replaced by a template and reported as an error.
func Load(path string) (Config, error) {
	if err := godotenv.Load(getEnv(envDotenvPath, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("config: ignoring .env: %v", err)
	}
	if path == "" {
		path = getEnv(envConfigPath, DefaultPath())
	}

	return load(path, true)
}

// Reload re-reads the settings file at path for a running process. A
// missing file is an error and no template is written.
func Reload(path string) (Config, error) {
	return load(path, false)
}

func load(path string, template bool) (Config, error) {
	fc, err := loadFileConfig(path)
	if template && errors.Is(err, fs.ErrNotExist) {
		if werr := WriteTemplate(path); werr != nil {
			return Config{Path: path}, &Error{Path: path, Err: fmt.Errorf("%v; writing template: %w", err, werr)}
		}
		return Config{Path: path}, &Error{Path: path, Err: ErrTemplateCreated}
	}
	if err != nil {
		return Config{Path: path}, &Error{Path: path, Err: err}
	}

	cfg, err := resolve(path, fc)
	if err != nil {
		return cfg, &Error{Path: path, Err: err}
	}
	if missing := missingFields(cfg); len(missing) > 0 {
		return cfg, &Error{Path: path, Missing: missing}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, &Error{Path: path, Err: err}
	}
	return cfg, nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return fc, errors.New("empty config file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(data, &fc)
	}
	return fc, err
}

func resolve(path string, fc fileConfig) (Config, error) {
	cfg := Config{
		Path:      path,
		Host:      firstNonEmpty(os.Getenv("AMI_HOST"), fc.Host),
		Username:  firstNonEmpty(os.Getenv("AMI_USERNAME"), fc.Username),
		Secret:    firstNonEmpty(os.Getenv("AMI_SECRET"), fc.Secret),
		Extension: strings.TrimSpace(firstNonEmpty(os.Getenv("AMI_EXTENSION"), string(fc.Extension))),

		TicketumHost: firstNonEmpty(os.Getenv("TICKETUM_HOST"), fc.TicketumHost, defaultTicketumHost),
		DeptID:       firstNonEmpty(os.Getenv("DEPT_ID"), string(fc.DeptID), defaultDeptID),
		LogPath:      firstNonEmpty(os.Getenv("LOG_PATH"), fc.LogPath, besideExecutable(defaultLogFile)),
		LogStderr:    parseBoolEnv("LOG_STDERR"),
		JournalPath:  firstNonEmpty(os.Getenv("JOURNAL_PATH"), fc.JournalPath),
		StatusAddr:   firstNonEmpty(os.Getenv("STATUS_ADDR"), fc.StatusAddr),
	}

	var err error
	if cfg.Port, err = intSetting("AMI_PORT", fc.Port, defaultPort); err != nil {
		return cfg, err
	}
	if cfg.IncludeInternal, err = boolSetting("INCLUDE_INTERNAL_CALLS", fc.IncludeInternal, defaultIncludeInternal); err != nil {
		return cfg, err
	}
	if cfg.WatchConfig, err = boolSetting("WATCH_CONFIG", fc.WatchConfig, defaultWatchConfig); err != nil {
		return cfg, err
	}
	if cfg.IDSource, err = dial.ParseKeySource(firstNonEmpty(os.Getenv("CDR_ID_SOURCE"), fc.CDRIDSource)); err != nil {
		return cfg, fmt.Errorf("CDR_ID_SOURCE: %w", err)
	}
	if cfg.InternalMaxDigits, err = intSetting("INTERNAL_MAX_DIGITS", fc.InternalMaxDigits, defaultInternalMaxDigits); err != nil {
		return cfg, err
	}

	durations := []struct {
		key  string
		file *int
		def  int
		dst  *time.Duration
	}{
		{"RING_LOG_DEDUP_SEC", fc.RingLogDedupSec, defaultRingDedupSec, &cfg.RingDedup},
		{"ANSWER_DEDUP_SEC", fc.AnswerDedupSec, defaultAnswerDedupSec, &cfg.AnswerDedup},
		{"OPEN_DEDUP_SEC", fc.OpenDedupSec, defaultOpenDedupSec, &cfg.OpenDedup},
		{"CALL_IDLE_TIMEOUT_SEC", fc.CallIdleTimeoutSec, defaultCallIdleSec, &cfg.CallIdleTimeout},
		{"CALL_TERMINAL_GRACE_SEC", fc.CallTerminalGraceSec, defaultCallGraceSec, &cfg.CallTerminalGrace},
		{"PING_INTERVAL_SEC", fc.PingIntervalSec, defaultPingIntervalSec, &cfg.PingInterval},
	}
	for _, d := range durations {
		sec, err := intSetting(d.key, d.file, d.def)
		if err != nil {
			return cfg, err
		}
		*d.dst = time.Duration(sec) * time.Second
	}
	return cfg, nil
}

func missingFields(cfg Config) []string {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"host", cfg.Host},
		{"username", cfg.Username},
		{"secret", cfg.Secret},
		{"extension", cfg.Extension},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

func validateConfig(cfg Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.RingDedup <= 0 || cfg.AnswerDedup <= 0 || cfg.OpenDedup <= 0 {
		return errors.New("dedup windows must be positive")
	}
	if cfg.CallIdleTimeout <= 0 || cfg.CallTerminalGrace <= 0 {
		return errors.New("call retention windows must be positive")
	}
	if cfg.PingInterval <= 0 {
		return errors.New("ping interval must be positive")
	}
	if cfg.InternalMaxDigits <= 0 {
		return errors.New("INTERNAL_MAX_DIGITS must be positive")
	}
	if strings.ContainsAny(cfg.TicketumHost, "/#?") {
		return fmt.Errorf("ticketum_host %q must be a bare host name", cfg.TicketumHost)
	}
	return nil
}

// ConnectionChanged reports whether other needs a new manager session.
func (c Config) ConnectionChanged(other Config) bool {
	return c.Host != other.Host || c.Port != other.Port ||
		c.Username != other.Username || c.Secret != other.Secret
}

// WriteTemplate writes a settings file with empty credentials and default
// options. The format follows the file extension.
func WriteTemplate(path string) error {
	port := defaultPort
	include := defaultIncludeInternal
	ring, answer, open := defaultRingDedupSec, defaultAnswerDedupSec, defaultOpenDedupSec
	tpl := fileConfig{
		Host:            templateHost,
		Port:            &port,
		IncludeInternal: &include,
		CDRIDSource:     string(dial.KeyLinkedID),
		RingLogDedupSec: &ring,
		AnswerDedupSec:  &answer,
		OpenDedupSec:    &open,
	}
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(tpl)
	default:
		data, err = json.MarshalIndent(tpl, "", "    ")
	}
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func intSetting(key string, file *int, def int) (int, error) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s=%q: %w", key, raw, err)
		}
		return n, nil
	}
	if file != nil {
		return *file, nil
	}
	return def, nil
}

func boolSetting(key string, file *bool, def bool) (bool, error) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return false, fmt.Errorf("invalid %s=%q: %w", key, raw, err)
		}
		return b, nil
	}
	if file != nil {
		return *file, nil
	}
	return def, nil
}
