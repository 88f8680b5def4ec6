// ideaforge decomposes a free-form product idea into a seven-level work
// hierarchy (idea, initiative, feature, epic, story, task, subtask) and
// optionally persists it into an issue tracker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ideaforge/internal/analyzer"
	"ideaforge/internal/hierarchy"
	"ideaforge/internal/logging"
	"ideaforge/internal/run"
	"ideaforge/internal/tracker"
)

var (
	configPath string
	debug      bool

	ideaFile     string
	contextPairs []string
	teamSize     int
	seniority    string
	tech         []string
	budgetHint   string
	timelineHint string

	model       string
	baseURL     string
	trackerURL  string
	trackerTok  string
	trackerBulk bool
	eventsPath  string
	reportPath  string
)

var rootCmd = &cobra.Command{
	Use:   "ideaforge",
	Short: "Decompose product ideas into tracker-ready work hierarchies",
	Long: `ideaforge turns a free-form product idea into a full work breakdown:
initiatives, features, epics, stories, tasks and subtasks, each scored by
a confidence quality gate before the next level is produced.

Examples:
  ideaforge decompose "A recipe sharing app for home cooks"
  ideaforge decompose --idea-file idea.txt --tracker-url https://tracker/api
  ideaforge decompose "..." --events events.ndjson --report report.json`,
	SilenceUsage: true,
}

var decomposeCmd = &cobra.Command{
	Use:   "decompose [idea]",
	Short: "Run a full decomposition for one idea",
	Long: `Decomposes the idea through all seven levels. Without --tracker-url the
run is a dry run: the hierarchy is produced and reported but nothing is
written anywhere.

The OpenAI-compatible analyzer reads its key from OPENAI_API_KEY.`,
	RunE: runDecompose,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "run config file (JSON)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")

	decomposeCmd.Flags().StringVar(&ideaFile, "idea-file", "", "read the idea text from a file instead of args")
	decomposeCmd.Flags().StringArrayVar(&contextPairs, "context", nil, "context hint as key=value (repeatable)")
	decomposeCmd.Flags().IntVar(&teamSize, "team-size", 0, "team size hint")
	decomposeCmd.Flags().StringVar(&seniority, "seniority", "", "team seniority hint (junior, mixed, senior)")
	decomposeCmd.Flags().StringArrayVar(&tech, "tech", nil, "team technology hint (repeatable)")
	decomposeCmd.Flags().StringVar(&budgetHint, "budget", "", "budget hint passed to analyzers")
	decomposeCmd.Flags().StringVar(&timelineHint, "timeline", "", "timeline hint passed to analyzers")

	decomposeCmd.Flags().StringVar(&model, "model", "gpt-4o-mini", "chat model for the bundled analyzer")
	decomposeCmd.Flags().StringVar(&baseURL, "base-url", "", "OpenAI-compatible endpoint (default api.openai.com)")
	decomposeCmd.Flags().StringVar(&trackerURL, "tracker-url", "", "issue tracker base URL (empty for a dry run)")
	decomposeCmd.Flags().StringVar(&trackerTok, "tracker-token", "", "issue tracker bearer token")
	decomposeCmd.Flags().BoolVar(&trackerBulk, "tracker-bulk", false, "use the tracker's bulk create endpoint")
	decomposeCmd.Flags().StringVar(&eventsPath, "events", "", "write the NDJSON event stream here (- for stdout)")
	decomposeCmd.Flags().StringVar(&reportPath, "report", "", "write the full run report as JSON here")

	rootCmd.AddCommand(decomposeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDecompose(cmd *cobra.Command, args []string) error {
	if err := logging.Initialize(debug); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Debug = debug

	idea, err := buildIdea(args)
	if err != nil {
		return err
	}

	llm, err := analyzer.NewLLMAnalyzer(analyzer.LLMConfig{
		Name:     "openai",
		Provider: "openai",
		APIKey:   os.Getenv("OPENAI_API_KEY"),
		BaseURL:  baseURL,
		Model:    model,
	})
	if err != nil {
		return fmt.Errorf("failed to build analyzer: %w", err)
	}

	coord := run.NewCoordinator(cfg)
	coord.RegisterAnalyzer(llm, "openai")

	if trackerURL != "" {
		trk, err := tracker.NewRESTTracker(tracker.RESTConfig{
			BaseURL: trackerURL,
			Token:   trackerTok,
			Bulk:    trackerBulk,
		})
		if err != nil {
			return fmt.Errorf("failed to build tracker client: %w", err)
		}
		coord.SetTracker(trk)
	}

	if eventsPath != "" {
		if eventsPath == "-" {
			coord.SetEventWriter(os.Stdout)
		} else {
			f, err := os.Create(eventsPath)
			if err != nil {
				return fmt.Errorf("failed to open events file: %w", err)
			}
			defer f.Close()
			coord.SetEventWriter(f)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, unwinding...")
		cancel()
	}()

	started := time.Now()
	report, runErr := coord.Run(ctx, idea)
	if reportPath != "" {
		if err := writeReport(report, reportPath); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}
	if runErr != nil {
		return runErr
	}

	printSummary(cmd, report, time.Since(started))
	return nil
}

// loadConfig reads a run config from a JSON file, or returns the defaults.
func loadConfig(path string) (run.Config, error) {
	if path == "" {
		return run.DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return run.Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg run.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return run.Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func buildIdea(args []string) (hierarchy.Idea, error) {
	text := strings.TrimSpace(strings.Join(args, " "))
	if ideaFile != "" {
		data, err := os.ReadFile(ideaFile)
		if err != nil {
			return hierarchy.Idea{}, fmt.Errorf("failed to read idea file: %w", err)
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		return hierarchy.Idea{}, fmt.Errorf("an idea is required, as arguments or --idea-file")
	}

	idea := hierarchy.Idea{
		Description:  text,
		BudgetHint:   budgetHint,
		TimelineHint: timelineHint,
	}
	if len(contextPairs) > 0 {
		idea.Context = map[string]string{}
		for _, pair := range contextPairs {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return hierarchy.Idea{}, fmt.Errorf("context %q is not key=value", pair)
			}
			idea.Context[k] = v
		}
	}
	if teamSize > 0 || seniority != "" || len(tech) > 0 {
		idea.Team = &hierarchy.TeamProfile{Size: teamSize, Seniority: seniority, Tech: tech}
	}
	return idea, nil
}

func writeReport(report *hierarchy.RunReport, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func printSummary(cmd *cobra.Command, report *hierarchy.RunReport, elapsed time.Duration) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s: %s in %s\n", report.RunID, report.Status, elapsed.Round(time.Millisecond))
	if report.Hierarchy != nil {
		for _, level := range hierarchy.ExpandableLevels() {
			n := len(report.Hierarchy.NodesAtLevel(level))
			fmt.Fprintf(out, "  %-12s %d\n", strings.TrimPrefix(level.String(), "/"), n)
		}
	}
	if report.IDMap != nil && report.IDMap.Len() > 0 {
		fmt.Fprintf(out, "  mapped to tracker: %d\n", report.IDMap.Len())
	}
	for _, w := range report.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", w)
	}
	for _, f := range report.Failures {
		fmt.Fprintf(out, "  failed:  %s (%s): %s\n", f.NodeID, f.Level, f.Reason)
	}
}
