// Package cli holds the taskboard command tree.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskboard/internal/config"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	envPath    string
	dir        string
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	o := &globalOptions{}
	root := &cobra.Command{
		Use:     "taskboard",
		Short:   "Activity log recorder and live stream server",
		Version: version,
		Long: `taskboard records per-resource activity into daily log partitions and
streams them to clients over Server-Sent Events: history first, then live.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", "./config.json", "path to config (json or yaml)")
	root.PersistentFlags().StringVar(&o.envPath, "env", "./.env", "path to .env overlay (missing file is ignored)")
	root.PersistentFlags().StringVar(&o.dir, "dir", "", "log dir for offline commands (overrides config and LOG_DIR)")

	root.AddCommand(serveCmd(o))
	root.AddCommand(partitionsCmd(o))
	root.AddCommand(tailCmd(o))
	root.AddCommand(recordCmd(o))
	root.AddCommand(tokenCmd(o))
	return root
}

// activityDir resolves the log dir for offline commands: --dir, then
// LOG_DIR, then the config file, then the default.
func (o *globalOptions) activityDir() (string, error) {
	if o.dir != "" {
		return o.dir, nil
	}
	env, err := config.LoadEnv(o.envPath)
	if err != nil {
		return "", err
	}
	if v := strings.TrimSpace(env[config.EnvLogDir]); v != "" {
		return v, nil
	}
	cfg, err := o.loadConfig(env)
	if err != nil {
		return "", err
	}
	return cfg.Activity.Dir, nil
}

// loadConfig decodes the config file without validating sections offline
// commands do not use. A missing file yields the defaults.
func (o *globalOptions) loadConfig(env config.Env) (*config.Config, error) {
	path := o.configPath
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		path = ""
	}
	return config.NewManager(path, env).Decode()
}

// parseTimeFlag accepts epoch milliseconds, RFC 3339 or a local date
// (YYYY-MM-DD). An empty value yields def.
func parseTimeFlag(name, v string, def time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).Local(), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.Local(), nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, v, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("--%s: expected epoch ms, RFC 3339 or YYYY-MM-DD, got %q", name, v)
}

func startOfToday(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}
