package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// envFileCandidates returns the env files Load consults, WABRIDGE_ENV_FILE
// first. Duplicates are dropped.
func envFileCandidates() []string {
	var paths []string
	if explicit := strings.TrimSpace(os.Getenv("WABRIDGE_ENV_FILE")); explicit != "" {
		paths = append(paths, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "wabridge", "env"),
			filepath.Join(home, ConfigDir, "env"),
			filepath.Join(home, ConfigDir, ".env"),
		)
	}
	out := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// LoadEnvFiles applies every env file that exists. A variable already set,
// by the process or an earlier file, keeps its value.
func LoadEnvFiles() {
	for _, p := range envFileCandidates() {
		_ = loadEnvFile(p)
	}
}

func loadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return godotenv.Load(path)
}
