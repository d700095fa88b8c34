package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment keys that override file values.
const (
	EnvLogDir   = "LOG_DIR"
	EnvJWTKey   = "JWT_KEY"
	EnvHTTPAddr = "HTTP_ADDR"
)

// Env is a set of overrides read from a .env file and the process
// environment. Process variables win over the file.
type Env map[string]string

// LoadEnv reads path with godotenv (a missing file is not an error) and
// layers the relevant process variables on top.
func LoadEnv(path string) (Env, error) {
	env := Env{}
	if strings.TrimSpace(path) != "" {
		m, err := godotenv.Read(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		for k, v := range m {
			env[k] = v
		}
	}
	for _, k := range []string{EnvLogDir, EnvJWTKey, EnvHTTPAddr} {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	return env, nil
}

// Apply writes the overrides into cfg.
func (e Env) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(e[EnvLogDir]); v != "" {
		cfg.Activity.Dir = v
	}
	if v := e[EnvJWTKey]; v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(e[EnvHTTPAddr]); v != "" {
		cfg.HTTP.Addr = v
	}
}
