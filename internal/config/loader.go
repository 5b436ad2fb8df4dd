package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".wabridge"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "WABRIDGE"
)

var envPattern = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// ConfigPath returns WABRIDGE_CONFIG when set, otherwise config.json under
// the data home.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("WABRIDGE_CONFIG")); explicit != "" {
		return expandHomePath(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("WABRIDGE_HOME")); h != "" {
		return expandHomePath(h)
	}
	return os.UserHomeDir()
}

func expandHomePath(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	base, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, p[1:]), nil
}

// Load builds the effective configuration. WABRIDGE_<GROUP>_<FIELD>
// variables override the config file, which overrides DefaultConfig.
// A missing config file is not an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	LoadEnvFiles()

	path, err := ConfigPath()
	if err != nil {
		return finalize(cfg)
	}
	if err := loadFile(path, cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	groups := []struct {
		prefix string
		spec   any
	}{
		{"PATHS", &cfg.Paths},
		{"STORE", &cfg.Store},
		{"FEED", &cfg.Feed},
		{"WHATSAPP", &cfg.WhatsApp},
		{"RELAY", &cfg.Relay},
		{"NOTIFY", &cfg.Notify},
		{"LOG", &cfg.Log},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.prefix, g.spec); err != nil {
			return nil, fmt.Errorf("config env %s_%s: %w", EnvPrefix, g.prefix, err)
		}
	}

	return finalize(cfg)
}

// finalize expands paths, fills derived defaults and validates.
func finalize(cfg *Config) (*Config, error) {
	expandHome := func(p *string) {
		if expanded, err := expandHomePath(*p); err == nil {
			*p = expanded
		}
	}
	expandHome(&cfg.Paths.DataDir)
	expandHome(&cfg.Paths.CredentialsDir)
	expandHome(&cfg.Store.Path)

	if strings.TrimSpace(cfg.Paths.CredentialsDir) == "" {
		cfg.Paths.CredentialsDir = filepath.Join(cfg.Paths.DataDir, "auth")
	}
	if strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = filepath.Join(cfg.Paths.DataDir, "wabridge.db")
	}
	if strings.TrimSpace(cfg.Feed.ConsumerName) == "" {
		cfg.Feed.ConsumerName = defaultConsumerName()
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConsumerName is stable across restarts of the same host, so a
// Redis consumer finds the entries it read but never acknowledged.
func defaultConsumerName() string {
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		return "wabridge-" + host
	}
	return "wabridge"
}

// Validate checks struct constraints on every config group.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		expanded := substituteEnvString(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	default:
		data, err := loadResolvedConfig(path)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
}

// Save writes cfg to the config path as JSON.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// EnsureDir creates path (and parents) if missing.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0700)
}

func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includeFiles, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, includePath := range includeFiles {
			resolvedPath := includePath
			if !filepath.IsAbs(includePath) {
				resolvedPath = filepath.Join(baseDir, includePath)
			}
			child, err := loadConfigObject(resolvedPath, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		if !srcIsMap {
			dst[key] = val
			continue
		}

		existing, ok := dst[key]
		if !ok {
			copyMap := map[string]any{}
			deepMerge(copyMap, srcMap)
			dst[key] = copyMap
			continue
		}
		dstMap, dstIsMap := existing.(map[string]any)
		if !dstIsMap {
			copyMap := map[string]any{}
			deepMerge(copyMap, srcMap)
			dst[key] = copyMap
			continue
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return substituteEnvString(t)
	default:
		return v
	}
}

func substituteEnvString(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) != 2 {
			return match
		}
		if value, ok := os.LookupEnv(parts[1]); ok {
			return value
		}
		return match
	})
}
