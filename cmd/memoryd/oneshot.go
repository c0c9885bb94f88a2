package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

var (
	userID string
	botID  string
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve [query]",
	Short: "Classify a query and print the memories it retrieves",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		res, err := app.Orchestrator.Retrieve(cmd.Context(), owner.New(userID, botID), args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one tier sweep for an owner, or for every owner with --all",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		if all, _ := cmd.Flags().GetBool("all"); all {
			reports, err := app.Scheduler.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(reports)
		}

		report, err := app.Orchestrator.RunTierSweep(cmd.Context(), owner.New(userID, botID))
		if err != nil {
			return err
		}
		for _, e := range report.Errors {
			fmt.Fprintln(os.Stderr, "warning:", e)
		}
		return printJSON(report)
	},
}

func init() {
	for _, c := range []*cobra.Command{retrieveCmd, sweepCmd, shellCmd} {
		c.Flags().StringVarP(&userID, "user", "u", "default-user", "user id")
		c.Flags().StringVarP(&botID, "bot", "b", "default-bot", "bot id")
	}
	sweepCmd.Flags().Bool("all", false, "sweep every known owner")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
