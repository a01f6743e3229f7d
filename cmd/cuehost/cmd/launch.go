package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagecue/cuehost/internal/exitcodes"
	"github.com/stagecue/cuehost/internal/launch"
)

// launchCmd represents the launch command
var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Sync from the medium, then start the main application",
	Long: `Run the full boot sequence: best-effort sync pass from the USB medium,
unconditional medium release, then launch of the main cue application with
elevated privileges. cuehost exits with the application's own exit code;
only a launch that cannot start at all produces cuehost's failure code.`,
	Args: cobra.NoArgs,
	RunE: runLaunch,
}

func init() {
	rootCmd.AddCommand(launchCmd)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return badConfig(err)
	}

	log := buildLogger(cfg, "launch")
	defer log.Close()

	ctrl, _, err := buildController(cfg, log)
	if err != nil {
		return badConfig(err)
	}

	outcome, err := ctrl.Run(context.Background())
	if err != nil {
		var startErr *launch.StartError
		if errors.As(err, &startErr) {
			return &ExitError{
				Code: exitcodes.NotStartable,
				Msg:  fmt.Sprintf("launch failed: %v", startErr),
			}
		}
		return err
	}

	if outcome.ExitCode == exitcodes.Success {
		return nil
	}
	// Propagate the application's exit status as our own
	return &ExitError{Code: outcome.ExitCode}
}
