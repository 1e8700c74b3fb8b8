package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/spf13/cobra"

	"github.com/kalambet/worklog/internal/config"
	"github.com/kalambet/worklog/internal/journal"
)

// --- users ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Create or show users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user",
	Long: `Create a user and print its id.

Examples:
  worklog user create --email ada@example.com --name "Ada Lovelace"
  export WORKLOG_USER=$(worklog user create --email ada@example.com --name Ada)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		name, _ := cmd.Flags().GetString("name")
		provider, _ := cmd.Flags().GetString("provider")
		if email == "" || name == "" {
			return fmt.Errorf("--email and --name are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/users", map[string]string{
			"email":    email,
			"name":     name,
			"provider": provider,
		})
		if err != nil {
			return err
		}
		var u journal.User
		if err := decodeJSON(resp, &u); err != nil {
			return err
		}
		printSuccess("Created user %s <%s>", u.Name, u.Email)
		fmt.Fprintln(cmd.OutOrStdout(), u.ID)
		return nil
	},
}

var userShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the selected user",
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := requireUser()
		if err != nil {
			return err
		}
		var u journal.User
		if err := getJSON(cmd, userPath(uid, ""), &u); err != nil {
			return err
		}
		printStatus("ID", "%s", u.ID)
		printStatus("Name", "%s", u.Name)
		printStatus("Email", "%s", u.Email)
		if u.Provider != "" {
			printStatus("Provider", "%s", u.Provider)
		}
		printStatus("Created", "%s", u.CreatedAt)
		return nil
	},
}

func init() {
	userCreateCmd.Flags().String("email", "", "email address")
	userCreateCmd.Flags().String("name", "", "display name")
	userCreateCmd.Flags().String("provider", "", "auth provider the user signed up with")
	userCmd.AddCommand(userCreateCmd, userShowCmd)
}

// --- entries ---

var entryCmd = &cobra.Command{
	Use:   "entry",
	Short: "Write and read journal entries",
}

var entryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Write the entry for a day",
	Long: `Write the entry for a day and queue it for analysis.

Examples:
  worklog entry add --text "Shipped the billing migration"
  worklog entry add --date 2025-03-10 --file ./notes.md
  worklog entry add --pdf ./weekly-report.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeEntry(cmd, false)
	},
}

var entryUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Replace the entry for a day and re-run analysis",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeEntry(cmd, true)
	},
}

func writeEntry(cmd *cobra.Command, replace bool) error {
	uid, err := requireUser()
	if err != nil {
		return err
	}
	date, _ := cmd.Flags().GetString("date")
	text, _ := cmd.Flags().GetString("text")
	file, _ := cmd.Flags().GetString("file")
	pdfPath, _ := cmd.Flags().GetString("pdf")

	content, err := entryContent(text, file, pdfPath)
	if err != nil {
		return err
	}
	if date == "" {
		date = today()
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var resp *http.Response
	if replace {
		resp, err = client.put(cmd.Context(), userPath(uid, "/entries/"+url.PathEscape(date)), map[string]string{"content": content})
	} else {
		resp, err = client.post(cmd.Context(), userPath(uid, "/entries"), map[string]string{"date": date, "content": content})
	}
	if err != nil {
		return err
	}
	var res journal.EntryResult
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}

	printSuccess("Saved entry for %s", res.Entry.Date)
	if res.JobID != "" {
		printStatus("Analysis job", "%s", res.JobID)
	} else {
		printWarning("Analysis could not be queued; run worklog reanalyze later")
	}
	return nil
}

// entryContent picks the entry body from exactly one of the sources.
func entryContent(text, file, pdfPath string) (string, error) {
	set := 0
	for _, s := range []string{text, file, pdfPath} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return "", fmt.Errorf("exactly one of --text, --file or --pdf is required")
	}

	var content string
	switch {
	case text != "":
		content = text
	case file != "":
		var (
			data []byte
			err  error
		)
		if file == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(file)
		}
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		content = string(data)
	default:
		var err error
		content, err = readPDFText(pdfPath)
		if err != nil {
			return "", err
		}
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("entry content is empty")
	}
	return content, nil
}

// readPDFText extracts the plain text of every page in a PDF.
func readPDFText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	rd, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rd); err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	return buf.String(), nil
}

var entryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := requireUser()
		if err != nil {
			return err
		}
		date, _ := cmd.Flags().GetString("date")
		path := userPath(uid, "/entries")
		if date != "" {
			path += "?date=" + url.QueryEscape(date)
		}

		var entries []journal.Entry
		if err := getJSON(cmd, path, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(stderr, "No entries found.")
			return nil
		}
		out := cmd.OutOrStdout()
		for _, e := range entries {
			fmt.Fprintf(out, "%s  %s  %s\n", colorize(colorBold, e.Date), sentimentLabel(e.Sentiment), firstLine(e.Content, 70))
		}
		return nil
	},
}

var entryShowCmd = &cobra.Command{
	Use:   "show <date>",
	Short: "Show one entry with its analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := requireUser()
		if err != nil {
			return err
		}
		var e journal.Entry
		if err := getJSON(cmd, userPath(uid, "/entries/"+url.PathEscape(args[0])), &e); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), e)
	},
}

var entryDeleteCmd = &cobra.Command{
	Use:   "delete <date>",
	Short: "Delete the entry for a day",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := requireUser()
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), userPath(uid, "/entries/"+url.PathEscape(args[0])))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted entry %s (%s)", args[0], result["id"])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{entryAddCmd, entryUpdateCmd} {
		c.Flags().String("text", "", "entry text")
		c.Flags().String("file", "", "read the entry from a file (- for stdin)")
		c.Flags().String("pdf", "", "read the entry from the text of a PDF")
	}
	entryAddCmd.Flags().String("date", "", "entry date, YYYY-MM-DD (default today)")
	entryUpdateCmd.Flags().String("date", "", "entry date, YYYY-MM-DD (default today)")
	entryListCmd.Flags().String("date", "", "only the entry for this date")
	entryCmd.AddCommand(entryAddCmd, entryUpdateCmd, entryListCmd, entryShowCmd, entryDeleteCmd)
}

// --- analysis views ---

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects extracted from your entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		var items []journal.Project
		if err := getUserJSON(cmd, "/projects", &items); err != nil {
			return err
		}
		for _, p := range items {
			fmt.Fprintf(cmd.OutOrStdout(), "%-32s %-10s %4d mentions  last %s\n", p.Name, p.Status, p.Mentions, p.LastMentioned)
		}
		return nil
	},
}

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "List skills extracted from your entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		var items []journal.Skill
		if err := getUserJSON(cmd, "/skills", &items); err != nil {
			return err
		}
		for _, s := range items {
			fmt.Fprintf(cmd.OutOrStdout(), "%-32s %-12s %4d mentions\n", s.Name, s.Category, s.Mentions)
		}
		return nil
	},
}

var competenciesCmd = &cobra.Command{
	Use:   "competencies",
	Short: "List competencies demonstrated in your entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		var items []journal.Competency
		if err := getUserJSON(cmd, "/competencies", &items); err != nil {
			return err
		}
		for _, c := range items {
			fmt.Fprintf(cmd.OutOrStdout(), "%-32s %-12s %4d evidence\n", c.Name, c.Level, c.EvidenceCount)
		}
		return nil
	},
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show entry counts and top items for a time window",
	RunE: func(cmd *cobra.Command, args []string) error {
		timeframe, _ := cmd.Flags().GetString("timeframe")
		var d journal.Dashboard
		if err := getUserJSON(cmd, "/dashboard?timeframe="+url.QueryEscape(timeframe), &d); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), d)
	},
}

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Show sentiment trend and recurring themes",
	RunE: func(cmd *cobra.Command, args []string) error {
		period, _ := cmd.Flags().GetString("period")
		var in journal.Insights
		if err := getUserJSON(cmd, "/insights?period="+url.QueryEscape(period), &in); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), in)
	},
}

var reanalyzeCmd = &cobra.Command{
	Use:   "reanalyze",
	Short: "Queue every entry of the user for fresh analysis",
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := requireUser()
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), userPath(uid, "/reanalyze"), nil)
		if err != nil {
			return err
		}
		var result struct {
			JobID   string `json:"job_id"`
			Entries int    `json:"entries"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued %d entries as job %s", result.Entries, result.JobID)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts for every table",
	RunE: func(cmd *cobra.Command, args []string) error {
		var totals map[string]int64
		if err := getJSON(cmd, "/stats", &totals); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), totals)
	},
}

func init() {
	windows := strings.Join(journal.Windows(), ", ")
	dashboardCmd.Flags().String("timeframe", "month", "window: "+windows)
	insightsCmd.Flags().String("period", "month", "window: "+windows)
}

// --- jobs ---

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and control the analysis queue",
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show the state of an analysis job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var snap map[string]any
		if err := getJSON(cmd, "/jobs/"+url.PathEscape(args[0]), &snap); err != nil {
			return err
		}
		if status, ok := snap["status"].(string); ok {
			printStatus("Status", "%s", colorize(jobStatusColor(status), status))
		}
		return printJSON(cmd.OutOrStdout(), snap)
	},
}

var jobStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats struct {
			Total      int  `json:"total"`
			Pending    int  `json:"pending"`
			Processing int  `json:"processing"`
			IsActive   bool `json:"is_active"`
		}
		if err := getJSON(cmd, "/jobs/stats", &stats); err != nil {
			return err
		}
		printStatus("Total", "%d", stats.Total)
		printStatus("Pending", "%d", stats.Pending)
		printStatus("Processing", "%d", stats.Processing)
		printStatus("Worker", "%s", activeLabel(stats.IsActive))
		return nil
	},
}

var jobClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget completed and failed jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var result struct {
			Cleared int `json:"cleared"`
		}
		if err := postJSON(cmd, "/jobs/clear", &result); err != nil {
			return err
		}
		printSuccess("Cleared %d jobs", result.Cleared)
		return nil
	},
}

var jobStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Discard every queued job and stop the worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This discards ALL queued analysis. Use --confirm to proceed.")
			return nil
		}
		var result struct {
			Discarded int `json:"discarded"`
		}
		if err := postJSON(cmd, "/jobs/stop", &result); err != nil {
			return err
		}
		printSuccess("Discarded %d jobs", result.Discarded)
		return nil
	},
}

func init() {
	jobStopCmd.Flags().Bool("confirm", false, "confirm the emergency stop")
	jobCmd.AddCommand(jobStatusCmd, jobStatsCmd, jobClearCmd, jobStopCmd)
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export <performance-review|resume-bullets>",
	Short: "Export a career document built from your entries",
	Long: `Export a career document built from your entries.

Examples:
  worklog export performance-review --from 2025-01-01 --to 2025-06-30
  worklog export resume-bullets --format xlsx --out bullets.xlsx`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := requireUser()
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		out, _ := cmd.Flags().GetString("out")

		q := url.Values{}
		q.Set("format", format)
		if from != "" {
			q.Set("from", from)
		}
		if to != "" {
			q.Set("to", to)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), userPath(uid, "/export/"+url.PathEscape(args[0])+"?"+q.Encode()))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if out != "" {
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		} else if format == "xlsx" {
			return fmt.Errorf("--out is required for xlsx exports")
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}
		if out != "" {
			printSuccess("Exported %s to %s", args[0], out)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("format", "json", "json or xlsx")
	exportCmd.Flags().String("from", "", "first day, YYYY-MM-DD")
	exportCmd.Flags().String("to", "", "last day, YYYY-MM-DD")
	exportCmd.Flags().StringP("out", "o", "", "output file (default stdout)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), config.ConfigFilePath())
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the keys config set accepts",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ValidKeys() {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd, configPathCmd, configKeysCmd)
}

// --- helpers ---

func userPath(uid, suffix string) string {
	return "/users/" + url.PathEscape(uid) + suffix
}

func getJSON(cmd *cobra.Command, path string, v any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(cmd.Context(), path)
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

func getUserJSON(cmd *cobra.Command, suffix string, v any) error {
	uid, err := requireUser()
	if err != nil {
		return err
	}
	return getJSON(cmd, userPath(uid, suffix), v)
}

func postJSON(cmd *cobra.Command, path string, v any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(cmd.Context(), path, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

func today() string {
	return time.Now().Format(journal.DateLayout)
}

func sentimentLabel(s *float64) string {
	if s == nil {
		return colorize(colorYellow, "  pending")
	}
	label := fmt.Sprintf("%+9.2f", *s)
	switch {
	case *s >= 0.3:
		return colorize(colorGreen, label)
	case *s <= -0.3:
		return colorize(colorRed, label)
	}
	return label
}

func activeLabel(active bool) string {
	if active {
		return colorize(colorGreen, "running")
	}
	return "idle"
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	r := []rune(s)
	if len(r) > max {
		return string(r[:max-3]) + "..."
	}
	return s
}
