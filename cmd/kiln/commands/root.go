package commands

import (
	"fmt"
	"os"
	"os/user"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kilnproject/kiln/internal/config"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

var (
	version string
	commit  string
	date    string
)

var (
	configPath string
	instanceID string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - continuous artifact delivery engine",
	Long: `Kiln turns declarative artifact definitions into signed rpm, deb and OS
image packages published into managed registries.

The kiln CLI submits tasks to the kilnd daemon through the shared task
board and inspects instance state: task history, registries and the
signing keyring.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to kiln.yml (default $KILN_CONFIG or /etc/kiln/kiln.yml)")
	rootCmd.PersistentFlags().StringVarP(&instanceID, "instance", "i", "",
		"instance to operate on (default $KILN_INSTANCE or \"default\")")
}

// loadConfig resolves the configuration file path and loads it.
func loadConfig() (*config.KilnConfig, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("KILN_CONFIG")
	}
	if path == "" {
		path = "/etc/kiln/kiln.yml"
	}
	return config.Load(path)
}

// resolveInstance returns the target instance ID and its configuration.
func resolveInstance(cfg *config.KilnConfig) (string, *config.Instance, error) {
	id := instanceID
	if id == "" {
		id = os.Getenv("KILN_INSTANCE")
	}
	if id == "" {
		id = "default"
	}
	instance, ok := cfg.Instances[id]
	if !ok {
		return "", nil, fmt.Errorf("instance %q is not defined in the configuration", id)
	}
	return id, instance, nil
}

// connect opens a task board client for the target instance.
func connect(cfg *config.KilnConfig, id string) (*taskboard.Client, error) {
	return taskboard.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, id)
}

// currentUser is recorded on submitted tasks and in registry changelogs.
func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}
