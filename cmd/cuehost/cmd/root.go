package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stagecue/cuehost/internal/config"
	"github.com/stagecue/cuehost/internal/elevate"
	"github.com/stagecue/cuehost/internal/exitcodes"
	"github.com/stagecue/cuehost/internal/launch"
	"github.com/stagecue/cuehost/internal/metrics"
	"github.com/stagecue/cuehost/internal/mount"
	"github.com/stagecue/cuehost/internal/repo"
	"github.com/stagecue/cuehost/pkg/logging"
)

var (
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "cuehost",
	Short: "Update-and-launch orchestrator for the cue-control host",
	Long: `cuehost keeps an air-gapped cue-control host up to date and running.
It pulls the Server and Node checkouts from a removable USB medium,
always releases the medium, and then launches the main cue application
with elevated privileges.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExitError carries a process exit code out of a command. main unwraps it
// so the application's exit status survives the cobra error path.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string {
	return e.Msg
}

// Execute adds all child commands to the root command and runs it
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/cuehost/config.yaml or $HOME/.cuehost/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig points viper at the config file and environment
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("/etc/cuehost")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".cuehost"))
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CUEHOST")
	viper.AutomaticEnv()
	viper.BindEnv("device_path", "CUEHOST_DEVICE")
	viper.BindEnv("mount_point", "CUEHOST_MOUNT_POINT")

	// Missing config file is fine, the defaults describe the deployed host
	_ = viper.ReadInConfig()
}

// loadConfig builds the effective configuration: file, then environment
// overrides, then defaults for everything untouched
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		return nil, err
	}

	if v := viper.GetString("device_path"); v != "" {
		cfg.Device.Path = v
	}
	if v := viper.GetString("mount_point"); v != "" {
		cfg.Device.MountPoint = v
	}
	return cfg, nil
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// buildController wires the full orchestrator from configuration
func buildController(cfg *config.Config, log *logging.Logger) (*launch.Controller, *metrics.Recorder, error) {
	timeout, err := cfg.PullTimeout()
	if err != nil {
		return nil, nil, err
	}

	mounts := mount.NewManager(cfg.Device, elevate.NewSudo(), log.WithField("component", "mount"))
	repos := repo.NewCoordinator(cfg.Sync.Repos, timeout, log.WithField("component", "sync"))
	rec := metrics.NewRecorder(cfg.Metrics)

	var appRunner elevate.Runner
	if cfg.App.Elevated {
		appRunner = elevate.NewSudo()
	} else {
		appRunner = elevate.NewDirect()
	}

	ctrl := launch.New(cfg, mounts, repos, appRunner, rec, log.WithField("component", "launch"))
	return ctrl, rec, nil
}

func buildLogger(cfg *config.Config, name string) *logging.Logger {
	level := logging.ParseLevel(cfg.Logging.Level)
	log, err := logging.NewFileLogger(name, level, cfg.Logging.JSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "falling back to stdout logging: %v\n", err)
		return logging.NewLogger(level, cfg.Logging.JSON)
	}
	return log
}

func badConfig(err error) error {
	return &ExitError{Code: exitcodes.BadConfig, Msg: fmt.Sprintf("invalid configuration: %v", err)}
}
