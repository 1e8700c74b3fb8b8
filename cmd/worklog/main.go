package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor bool
	userID  string
)

var rootCmd = &cobra.Command{
	Use:   "worklog",
	Short: "A work journal that turns daily notes into career data",
	Long: `worklog keeps a daily work journal and analyzes each entry into
projects, skills and competencies you can review or export.

Run "worklog serve" to start the API, then use the other commands against it.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", os.Getenv("WORKLOG_USER"), "user id (default $WORKLOG_USER)")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(userCmd, entryCmd, projectsCmd, skillsCmd, competenciesCmd)
	rootCmd.AddCommand(dashboardCmd, insightsCmd, reanalyzeCmd, statsCmd, jobCmd, exportCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func requireUser() (string, error) {
	if userID == "" {
		return "", fmt.Errorf("no user selected; pass --user or set WORKLOG_USER")
	}
	return userID, nil
}
