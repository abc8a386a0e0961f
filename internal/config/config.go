package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidValue reports a value that does not fit a known key.
var ErrInvalidValue = errors.New("invalid config value")

// Paths captures the config files used during LoadConfig.
type Paths struct {
	Default string
	Global  string
	Project string
}

var (
	currentConfig *viper.Viper
	currentPaths  Paths
)

// builtinDefaults apply when no config file or environment sets a key.
var builtinDefaults = map[string]interface{}{
	"defaults.host":          "localhost:11434",
	"defaults.model":         "llama3.2",
	"defaults.csv":           "sample_data.csv",
	"defaults.output":        "results.json",
	"defaults.checkpoint":    "results.checkpoint.json",
	"defaults.save_every":    50,
	"defaults.timeout":       "120s",
	"defaults.probe_timeout": "5s",
	"defaults.output_mode":   "",
	"logging.level":          "info",
	"logging.format":         "text",
	"logging.file":           "",
	"logging.retain_days":    7,
	"output.on_corrupt":      "fail",
	"notify.webhook":         "",
	"metrics.textfile":       "",
	"server.host":            "127.0.0.1",
	"server.port":            8080,
	"server.token":           "",
	"server.checkpoints":     []string{},
}

// LoadConfig loads and merges configuration in priority order:
// built-in -> default -> global -> project (highest). Environment variables
// prefixed SERVEBATCH_ override every file.
func LoadConfig(projectDir string) (Paths, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SERVEBATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range builtinDefaults {
		v.SetDefault(key, value)
	}

	paths := Paths{
		Default: defaultConfigPath(),
		Global:  globalConfigPath(),
		Project: projectConfigPath(projectDir),
	}

	if err := readConfigFile(v, paths.Default); err != nil {
		return paths, err
	}
	if err := mergeConfigFile(v, paths.Global); err != nil {
		return paths, err
	}
	if err := mergeConfigFile(v, paths.Project); err != nil {
		return paths, err
	}

	currentConfig = v
	currentPaths = paths

	return paths, nil
}

// CurrentPaths returns the files consulted by the last LoadConfig.
func CurrentPaths() Paths {
	return currentPaths
}

// GetConfig returns a config value as a string with env overrides applied.
func GetConfig(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	if legacyKey, ok := legacyEnvOverrides()[key]; ok {
		if value, found := os.LookupEnv(legacyKey); found {
			return value, true
		}
	}

	if currentConfig == nil {
		if value, ok := builtinDefaults[key]; ok {
			return valueToString(value), true
		}
		return "", false
	}

	if !currentConfig.IsSet(key) {
		return "", false
	}

	return valueToString(currentConfig.Get(key)), true
}

// GetString returns the trimmed value of key, or fallback when unset or blank.
func GetString(key, fallback string) string {
	if value, ok := GetConfig(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

// GetInt returns key as a positive integer, or fallback.
func GetInt(key string, fallback int) int {
	if value, ok := GetConfig(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// GetDuration returns key as a duration, or fallback. Bare numbers are seconds.
func GetDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := GetConfig(key); ok {
		if parsed, err := ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// GetList returns a comma separated or YAML list value.
func GetList(key string) []string {
	value, ok := GetConfig(key)
	if !ok {
		return nil
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// ParseDuration accepts Go durations ("90s", "2m") and plain seconds ("120").
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return time.ParseDuration(value)
}

// Validate checks value against the rules of a known key. Unknown keys pass.
func Validate(key, value string) error {
	value = strings.TrimSpace(value)
	invalid := func(want string) error {
		return fmt.Errorf("%w: %s=%q (want %s)", ErrInvalidValue, key, value, want)
	}

	switch key {
	case "defaults.save_every", "logging.retain_days", "server.port":
		if n, err := strconv.Atoi(value); err != nil || n <= 0 {
			return invalid("a positive integer")
		}
	case "defaults.timeout", "defaults.probe_timeout":
		if d, err := ParseDuration(value); err != nil || d <= 0 {
			return invalid("a positive duration")
		}
	case "defaults.output_mode":
		if value != "" && value != "json" && value != "jsonl" {
			return invalid("json or jsonl")
		}
	case "output.on_corrupt":
		if value != "fail" && value != "reset" {
			return invalid("fail or reset")
		}
	case "logging.level":
		switch strings.ToLower(value) {
		case "debug", "info", "warn", "warning", "error":
		default:
			return invalid("debug, info, warn or error")
		}
	case "logging.format":
		if value != "text" && value != "json" {
			return invalid("text or json")
		}
	}
	return nil
}

// SetConfig writes a configuration value to the global config file.
func SetConfig(key, value string) error {
	if key == "" {
		return errors.New("config key is required")
	}
	if err := Validate(key, value); err != nil {
		return err
	}

	globalPath := globalConfigPath()
	if globalPath == "" {
		return errors.New("global config path is not available")
	}

	if err := os.MkdirAll(filepath.Dir(globalPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(globalPath)
	if fileExists(globalPath) {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read global config: %w", err)
		}
	}

	v.Set(key, value)
	if err := v.WriteConfigAs(globalPath); err != nil {
		return fmt.Errorf("write global config: %w", err)
	}

	if currentConfig != nil {
		currentConfig.Set(key, value)
	}

	return nil
}

// ListConfig returns a flattened view of the current configuration.
func ListConfig() (map[string]string, error) {
	if currentConfig == nil {
		return nil, errors.New("config not loaded")
	}

	settings := currentConfig.AllSettings()
	flattened := map[string]string{}
	flattenSettings("", settings, flattened)
	return flattened, nil
}

func defaultConfigPath() string {
	if path, ok := os.LookupEnv("SERVEBATCH_DEFAULT_CONFIG"); ok && path != "" {
		return path
	}

	var candidates []string
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(exeDir, "config", "default.yaml"),
			filepath.Join(exeDir, "..", "config", "default.yaml"),
		)
	}

	if dir := configDir(); dir != "" {
		candidates = append(candidates, filepath.Join(dir, "default.yaml"))
	}

	for _, candidate := range candidates {
		if fileExists(candidate) {
			return candidate
		}
	}

	return ""
}

func globalConfigPath() string {
	if path, ok := os.LookupEnv("SERVEBATCH_GLOBAL_CONFIG"); ok && path != "" {
		return path
	}

	configDir := configDir()
	if configDir == "" {
		return ""
	}

	return filepath.Join(configDir, "config.yaml")
}

func projectConfigPath(projectDir string) string {
	if projectDir == "" {
		return ""
	}

	info, err := os.Stat(projectDir)
	if err != nil || !info.IsDir() {
		return ""
	}

	name := os.Getenv("SERVEBATCH_PROJECT_CONFIG_NAME")
	if name == "" {
		name = ".servebatch.yaml"
	}

	return filepath.Join(projectDir, name)
}

func configDir() string {
	if path, ok := os.LookupEnv("SERVEBATCH_CONFIG_DIR"); ok && path != "" {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "servebatch")
}

func readConfigFile(v *viper.Viper, path string) error {
	if !fileExists(path) {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	return nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	if !fileExists(path) {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("merge config %s: %w", path, err)
	}

	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// legacyEnvOverrides maps keys to environment variables honoured for
// compatibility with existing local model setups.
func legacyEnvOverrides() map[string]string {
	return map[string]string{
		"defaults.host":  "OLLAMA_HOST",
		"defaults.model": "SERVEBATCH_MODEL",
	}
}

func valueToString(value interface{}) string {
	switch typed := value.(type) {
	case []string:
		return strings.Join(typed, ",")
	case []interface{}:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(value)
	}
}

func flattenSettings(prefix string, value interface{}, out map[string]string) {
	if value == nil {
		return
	}

	switch typed := value.(type) {
	case map[string]interface{}:
		for key, item := range typed {
			nextKey := key
			if prefix != "" {
				nextKey = prefix + "." + key
			}
			flattenSettings(nextKey, item, out)
		}
	case map[interface{}]interface{}:
		for key, item := range typed {
			keyText := fmt.Sprint(key)
			nextKey := keyText
			if prefix != "" {
				nextKey = prefix + "." + keyText
			}
			flattenSettings(nextKey, item, out)
		}
	default:
		if prefix == "" {
			return
		}
		out[prefix] = valueToString(value)
	}
}
