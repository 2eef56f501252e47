// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/tether/lib/engine"
)

// Environment variables consulted during loading.
const (
	EnvConfig   = "TETHER_CONFIG"
	EnvBotToken = "TETHER_BOT_TOKEN"
	EnvChatID   = "TETHER_CHAT_ID"
)

// File names used by discovery.
const (
	DirName  = ".tether"
	FileName = "tether.toml"
)

// MaxCallbackData is Telegram's limit on inline button payloads.
const MaxCallbackData = 64

// Config is the full tether configuration.
type Config struct {
	// BotToken is the Telegram bot token. TETHER_BOT_TOKEN overrides it.
	BotToken string `toml:"bot_token"`

	// ChatID is the only chat the bot serves. TETHER_CHAT_ID overrides
	// it.
	ChatID int64 `toml:"chat_id"`

	// DefaultEngine runs prompts that name no engine and carry no
	// resume token.
	DefaultEngine string `toml:"default_engine"`

	// FinalNotify sends the final answer as a new message (and deletes
	// the progress message) so the chat notifies. When false the
	// progress message is edited into the answer.
	FinalNotify bool `toml:"final_notify"`

	// WorkingDirectory is where agents run. Empty means the directory
	// tether was started in.
	WorkingDirectory string `toml:"working_directory"`

	// LockDir holds the per-token instance lock files.
	LockDir string `toml:"lock_dir"`

	Progress   ProgressConfig   `toml:"progress"`
	Cancel     CancelConfig     `toml:"cancel"`
	Run        RunConfig        `toml:"run"`
	Engines    EnginesConfig    `toml:"engines"`
	Transcript TranscriptConfig `toml:"transcript"`
	Whisper    WhisperConfig    `toml:"whisper"`
	Buttons    ButtonsConfig    `toml:"buttons"`

	// Sources lists the files this Config was loaded from, in merge
	// order.
	Sources []string `toml:"-"`

	// Skipped describes local config candidates that discovery passed
	// over because they could not be read or parsed.
	Skipped []string `toml:"-"`
}

// ProgressConfig controls the in-flight progress message.
type ProgressConfig struct {
	// EditInterval is the minimum time between progress edits.
	EditInterval Duration `toml:"edit_interval"`

	// ElapsedInterval is how often an idle run re-renders its clock.
	ElapsedInterval Duration `toml:"elapsed_interval"`

	// MaxActions caps the actions listed in a progress message.
	MaxActions int `toml:"max_actions"`

	// EventBuffer bounds buffered progress events per run.
	EventBuffer int `toml:"event_buffer"`
}

// CancelConfig controls cancellation of running tasks.
type CancelConfig struct {
	// GracePeriod is the wait between the interrupt signal and SIGKILL.
	GracePeriod Duration `toml:"grace_period"`
}

// RunConfig bounds agent runs.
type RunConfig struct {
	// Timeout fails a run that takes longer. Zero means no limit.
	Timeout Duration `toml:"timeout"`
}

// EnginesConfig holds per-engine invocation settings.
type EnginesConfig struct {
	Codex  CodexConfig  `toml:"codex"`
	Claude ClaudeConfig `toml:"claude"`
}

// CodexConfig configures the codex CLI.
type CodexConfig struct {
	Binary    string   `toml:"binary"`
	ExtraArgs []string `toml:"extra_args"`
	Model     string   `toml:"model"`
	Profile   string   `toml:"profile"`
}

// ClaudeConfig configures the claude CLI.
type ClaudeConfig struct {
	Binary                     string   `toml:"binary"`
	ExtraArgs                  []string `toml:"extra_args"`
	Model                      string   `toml:"model"`
	AllowedTools               []string `toml:"allowed_tools"`
	DangerouslySkipPermissions bool     `toml:"dangerously_skip_permissions"`
}

// TranscriptConfig controls per-run transcript files.
type TranscriptConfig struct {
	Enabled   bool   `toml:"enabled"`
	Directory string `toml:"directory"`

	// Compression is "zstd", "lz4", or "none".
	Compression string `toml:"compression"`

	// Recipients are age public keys. When set, transcripts are
	// encrypted to all of them.
	Recipients []string `toml:"recipients"`
}

// WhisperConfig configures voice note transcription.
type WhisperConfig struct {
	Enabled  bool     `toml:"enabled"`
	Binary   string   `toml:"binary"`
	Model    string   `toml:"model"`
	Language string   `toml:"language"`
	Timeout  Duration `toml:"timeout"`
}

// ButtonsConfig configures inline keyboards.
type ButtonsConfig struct {
	// Startup buttons are attached to the message sent when the bot
	// starts. Pressing one submits its Data as a prompt.
	Startup []Button `toml:"startup"`

	Voice VoiceButtonsConfig `toml:"voice"`
}

// VoiceButtonsConfig controls what happens to a transcribed voice note.
// When disabled the transcript is submitted directly as a prompt.
type VoiceButtonsConfig struct {
	Enabled bool     `toml:"enabled"`
	Options []Button `toml:"options"`

	// StoreFile receives transcripts when the "store" option is
	// pressed. Relative paths resolve against WorkingDirectory.
	StoreFile string `toml:"store_file"`
}

// Button is one inline keyboard button.
type Button struct {
	Text string `toml:"text"`
	Data string `toml:"data"`
}

// Duration is a time.Duration written as a Go duration string ("2s",
// "1m30s") in config files.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ConfigError reports configuration problems: unreadable or malformed
// files, unknown keys, bad types, and failed validation. Every problem
// found is listed, not just the first.
type ConfigError struct {
	// Path is the file (or comma-separated files) involved, if any.
	Path string

	Problems []string
}

func (e *ConfigError) Error() string {
	prefix := "config"
	if e.Path != "" {
		prefix = "config " + e.Path
	}
	return prefix + ": " + strings.Join(e.Problems, "; ")
}

// Default returns a Config with every default applied and no token or
// chat id.
func Default() *Config {
	return defaultsFor(homeDirectory())
}

func defaultsFor(home string) *Config {
	root := filepath.Join(home, DirName)
	return &Config{
		DefaultEngine: string(engine.Codex),
		FinalNotify:   true,
		LockDir:       filepath.Join(root, "locks"),
		Progress: ProgressConfig{
			EditInterval:    Duration{2 * time.Second},
			ElapsedInterval: Duration{5 * time.Second},
			MaxActions:      5,
			EventBuffer:     256,
		},
		Cancel: CancelConfig{GracePeriod: Duration{10 * time.Second}},
		Engines: EnginesConfig{
			Codex:  CodexConfig{Binary: engine.Codex.DefaultBinary()},
			Claude: ClaudeConfig{Binary: engine.Claude.DefaultBinary()},
		},
		Transcript: TranscriptConfig{
			Directory:   filepath.Join(root, "transcripts"),
			Compression: "zstd",
		},
		Whisper: WhisperConfig{
			Enabled: true,
			Binary:  "whisper",
			Model:   "base",
			Timeout: Duration{2 * time.Minute},
		},
		Buttons: ButtonsConfig{
			Voice: VoiceButtonsConfig{StoreFile: "inbox.md"},
		},
	}
}

// LoadOptions controls discovery. The zero value uses the process
// environment, home directory, and working directory.
type LoadOptions struct {
	// Path is an explicit config file, typically from --config. It
	// disables discovery and merging.
	Path string

	// Getenv replaces os.Getenv.
	Getenv func(string) string

	// HomeDir replaces the user's home directory.
	HomeDir string

	// WorkingDir replaces the current directory for local discovery.
	WorkingDir string
}

// Load discovers, merges, and loads the configuration, then applies
// environment overrides. It does not validate; call [Config.Validate].
func Load(options LoadOptions) (*Config, error) {
	getenv := options.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	home := options.HomeDir
	if home == "" {
		home = homeDirectory()
	}

	path := options.Path
	if path == "" {
		path = getenv(EnvConfig)
	}
	if path != "" {
		return loadPaths([]string{expandHome(path, home)}, home, getenv)
	}

	global := filepath.Join(home, DirName, FileName)
	if !isFile(global) {
		return nil, &ConfigError{
			Path:     global,
			Problems: []string{"missing global config; create it, set " + EnvConfig + ", or pass --config"},
		}
	}
	globalDocument, err := readDocument(global)
	if err != nil {
		return nil, err
	}
	paths := []string{global}
	documents := []map[string]any{globalDocument}

	// A local override is optional: one that cannot be read or parsed
	// is recorded in Skipped and the next candidate is tried.
	var skipped []string
	workingDir := options.WorkingDir
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	if workingDir != "" {
		for _, candidate := range []string{
			filepath.Join(workingDir, FileName),
			filepath.Join(workingDir, DirName, FileName),
		} {
			if candidate == global || !isFile(candidate) {
				continue
			}
			document, err := readDocument(candidate)
			if err != nil {
				skipped = append(skipped, err.Error())
				continue
			}
			paths = append(paths, candidate)
			documents = append(documents, document)
			break
		}
	}

	cfg, err := decodeMerged(paths, documents, home, getenv)
	if err != nil {
		return nil, err
	}
	cfg.Skipped = skipped
	return cfg, nil
}

// LoadFile loads exactly one file, with environment overrides but no
// discovery or merging.
func LoadFile(path string) (*Config, error) {
	return Load(LoadOptions{Path: path})
}

func loadPaths(paths []string, home string, getenv func(string) string) (*Config, error) {
	documents := make([]map[string]any, 0, len(paths))
	for _, path := range paths {
		document, err := readDocument(path)
		if err != nil {
			return nil, err
		}
		documents = append(documents, document)
	}
	return decodeMerged(paths, documents, home, getenv)
}

// decodeMerged merges documents in order over the defaults and applies
// the environment. paths name the documents for error reports.
func decodeMerged(paths []string, documents []map[string]any, home string, getenv func(string) string) (*Config, error) {
	merged := map[string]any{}
	for _, document := range documents {
		merged = deepMerge(merged, document)
	}

	var encoded bytes.Buffer
	if err := toml.NewEncoder(&encoded).Encode(normalize(merged)); err != nil {
		return nil, &ConfigError{Path: strings.Join(paths, ", "), Problems: []string{err.Error()}}
	}

	cfg := defaultsFor(home)
	metadata, err := toml.Decode(encoded.String(), cfg)
	if err != nil {
		return nil, &ConfigError{Path: strings.Join(paths, ", "), Problems: []string{err.Error()}}
	}
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		problems := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			problems = append(problems, fmt.Sprintf("unknown key %q", key.String()))
		}
		return nil, &ConfigError{Path: strings.Join(paths, ", "), Problems: problems}
	}
	cfg.Sources = paths

	if err := cfg.applyEnvironment(getenv); err != nil {
		return nil, err
	}
	cfg.expandVariables(home, getenv)
	return cfg, nil
}

// readDocument parses one file into a generic map, choosing the format
// from the extension. Anything that is not YAML or JSON is TOML.
func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ConfigError{Path: path, Problems: []string{"file not found"}}
		}
		return nil, &ConfigError{Path: path, Problems: []string{err.Error()}}
	}

	document := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &document)
	case ".json", ".jsonc":
		decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		decoder.UseNumber()
		err = decoder.Decode(&document)
	default:
		_, err = toml.Decode(string(data), &document)
	}
	if err != nil {
		return nil, &ConfigError{Path: path, Problems: []string{"malformed file: " + err.Error()}}
	}
	if document == nil {
		document = map[string]any{}
	}
	return document, nil
}

// deepMerge returns base with override applied. Nested tables merge
// key by key; every other value, arrays included, is replaced.
func deepMerge(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for key, value := range base {
		result[key] = value
	}
	for key, value := range override {
		baseTable, baseIsTable := result[key].(map[string]any)
		overrideTable, overrideIsTable := value.(map[string]any)
		if baseIsTable && overrideIsTable {
			result[key] = deepMerge(baseTable, overrideTable)
			continue
		}
		result[key] = value
	}
	return result
}

// normalize converts decoder-specific shapes into ones the TOML
// encoder writes back faithfully: YAML and JSON lists of objects become
// arrays of tables, json.Number becomes a Go number, and nulls vanish.
func normalize(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		result := make(map[string]any, len(typed))
		for key, element := range typed {
			if element == nil {
				continue
			}
			result[key] = normalize(element)
		}
		return result
	case []map[string]any:
		result := make([]map[string]any, len(typed))
		for index, table := range typed {
			result[index] = normalize(table).(map[string]any)
		}
		return result
	case []any:
		if tables, ok := asTables(typed); ok {
			return tables
		}
		result := make([]any, 0, len(typed))
		for _, element := range typed {
			if element != nil {
				result = append(result, normalize(element))
			}
		}
		return result
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			return integer
		}
		if float, err := typed.Float64(); err == nil {
			return float
		}
		return typed.String()
	default:
		return value
	}
}

func asTables(values []any) ([]map[string]any, bool) {
	if len(values) == 0 {
		return nil, false
	}
	tables := make([]map[string]any, 0, len(values))
	for _, value := range values {
		table, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		tables = append(tables, normalize(table).(map[string]any))
	}
	return tables, true
}

// applyEnvironment applies TETHER_BOT_TOKEN and TETHER_CHAT_ID. Blank
// values are ignored.
func (c *Config) applyEnvironment(getenv func(string) string) error {
	if token := strings.TrimSpace(getenv(EnvBotToken)); token != "" {
		c.BotToken = token
	}
	if raw := strings.TrimSpace(getenv(EnvChatID)); raw != "" {
		chatID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return &ConfigError{Problems: []string{EnvChatID + " must be an integer, got " + strconv.Quote(raw)}}
		}
		c.ChatID = chatID
	}
	c.BotToken = strings.TrimSpace(c.BotToken)
	return nil
}

// expandVariables expands ~, ${VAR}, and ${VAR:-default} in path
// fields.
func (c *Config) expandVariables(home string, getenv func(string) string) {
	vars := map[string]string{
		"HOME":        home,
		"TETHER_HOME": filepath.Join(home, DirName),
	}
	expand := func(path string) string {
		return expandHome(expandVars(path, vars, getenv), home)
	}

	c.WorkingDirectory = expand(c.WorkingDirectory)
	c.LockDir = expand(c.LockDir)
	c.Transcript.Directory = expand(c.Transcript.Directory)
	c.Buttons.Voice.StoreFile = expand(c.Buttons.Voice.StoreFile)
	c.Engines.Codex.Binary = expand(c.Engines.Codex.Binary)
	c.Engines.Claude.Binary = expand(c.Engines.Claude.Binary)
	c.Whisper.Binary = expand(c.Whisper.Binary)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string, getenv func(string) string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		defaultValue := parts[2]

		// Known variables first, then the environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate reports every problem with the loaded configuration as one
// *ConfigError.
func (c *Config) Validate() error {
	return c.validate(true)
}

// ValidateLocal is Validate without the bot credentials, for running
// prompts from the terminal.
func (c *Config) ValidateLocal() error {
	return c.validate(false)
}

func (c *Config) validate(requireBot bool) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if requireBot && c.BotToken == "" {
		add("bot_token is required (or set %s)", EnvBotToken)
	}
	if requireBot && c.ChatID == 0 {
		add("chat_id is required (or set %s)", EnvChatID)
	}
	if _, err := engine.Parse(c.DefaultEngine); err != nil {
		add("default_engine: %v", err)
	}

	if c.Progress.EditInterval.Duration <= 0 {
		add("progress.edit_interval must be positive")
	}
	if c.Progress.ElapsedInterval.Duration <= 0 {
		add("progress.elapsed_interval must be positive")
	}
	if c.Progress.MaxActions < 1 {
		add("progress.max_actions must be at least 1")
	}
	if c.Progress.EventBuffer < 1 {
		add("progress.event_buffer must be at least 1")
	}
	if c.Cancel.GracePeriod.Duration <= 0 {
		add("cancel.grace_period must be positive")
	}
	if c.Run.Timeout.Duration < 0 {
		add("run.timeout must not be negative")
	}

	if c.Engines.Codex.Binary == "" {
		add("engines.codex.binary must not be empty")
	}
	if c.Engines.Claude.Binary == "" {
		add("engines.claude.binary must not be empty")
	}

	switch c.Transcript.Compression {
	case "zstd", "lz4", "none":
	default:
		add("transcript.compression must be one of zstd, lz4, none; got %q", c.Transcript.Compression)
	}
	if c.Transcript.Enabled && c.Transcript.Directory == "" {
		add("transcript.directory is required when transcripts are enabled")
	}

	if c.Whisper.Enabled {
		if c.Whisper.Binary == "" {
			add("whisper.binary must not be empty")
		}
		if c.Whisper.Timeout.Duration <= 0 {
			add("whisper.timeout must be positive")
		}
	}

	for index, button := range c.Buttons.Startup {
		problems = append(problems, validateButton(fmt.Sprintf("buttons.startup[%d]", index), button)...)
	}
	for index, button := range c.Buttons.Voice.Options {
		problems = append(problems, validateButton(fmt.Sprintf("buttons.voice.options[%d]", index), button)...)
	}
	if c.Buttons.Voice.Enabled {
		if len(c.Buttons.Voice.Options) == 0 {
			add("buttons.voice.options must not be empty when voice buttons are enabled")
		}
		if c.Buttons.Voice.StoreFile == "" {
			add("buttons.voice.store_file must not be empty")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ConfigError{Path: strings.Join(c.Sources, ", "), Problems: problems}
}

func validateButton(name string, button Button) []string {
	var problems []string
	if strings.TrimSpace(button.Text) == "" {
		problems = append(problems, name+".text must not be empty")
	}
	switch {
	case button.Data == "":
		problems = append(problems, name+".data must not be empty")
	case len(button.Data) > MaxCallbackData:
		problems = append(problems, fmt.Sprintf("%s.data is %d bytes; Telegram allows %d", name, len(button.Data), MaxCallbackData))
	}
	return problems
}

// EnsurePaths creates the lock directory and, when transcripts are
// enabled, the transcript directory.
func (c *Config) EnsurePaths() error {
	paths := []string{c.LockDir}
	if c.Transcript.Enabled {
		paths = append(paths, c.Transcript.Directory)
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// BinaryPath resolves an engine or whisper binary to an absolute path.
// Names without a separator are looked up on PATH.
func BinaryPath(binary string) (string, error) {
	if strings.ContainsRune(binary, filepath.Separator) {
		if _, err := os.Stat(binary); err != nil {
			return "", fmt.Errorf("%s: %w", binary, err)
		}
		return binary, nil
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH", binary)
	}
	return path, nil
}

func homeDirectory() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
