package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/stagecue/cuehost/internal/repo"
)

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Update the checkouts from the removable medium",
	Long: `Acquire the USB medium, pull every configured repository from it,
and release the medium. Individual repository failures are reported but do
not abort the pass; a missing medium means nothing to update.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return badConfig(err)
	}

	log := buildLogger(cfg, "sync")
	defer log.Close()

	ctrl, rec, err := buildController(cfg, log)
	if err != nil {
		return badConfig(err)
	}

	results := ctrl.SyncPass(context.Background())
	if err := rec.Flush(); err != nil {
		log.Warn("Failed to write metrics textfile", map[string]interface{}{"error": err.Error()})
	}

	return renderResults(results)
}

type resultRow struct {
	Repo   string `json:"repo"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func renderResults(results []repo.Result) error {
	if results == nil {
		fmt.Println("No update medium available, nothing synced.")
		return nil
	}

	rows := make([]resultRow, 0, len(results))
	for _, r := range results {
		rows = append(rows, resultRow{
			Repo:   r.Entry.Name,
			Status: r.Status.String(),
			Detail: r.Detail,
		})
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Repo", "Status", "Detail")
	for _, row := range rows {
		table.Append(row.Repo, row.Status, row.Detail)
	}
	table.Render()
	return nil
}
