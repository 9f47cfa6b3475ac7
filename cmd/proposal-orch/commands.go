package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/proposal-orchestrator/internal/codehost"
	"github.com/hochfrequenz/proposal-orchestrator/internal/config"
	"github.com/hochfrequenz/proposal-orchestrator/internal/daemon"
	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
	"github.com/hochfrequenz/proposal-orchestrator/internal/kpi"
	"github.com/hochfrequenz/proposal-orchestrator/internal/llm"
	"github.com/hochfrequenz/proposal-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/proposal-orchestrator/internal/poller"
	"github.com/hochfrequenz/proposal-orchestrator/internal/reconciler"
	"github.com/hochfrequenz/proposal-orchestrator/internal/runstore"
	"github.com/hochfrequenz/proposal-orchestrator/internal/tracker"
	"github.com/hochfrequenz/proposal-orchestrator/web/api"
)

var (
	processDryRun   bool
	runsStatus      string
	runsTicket      string
	runsLimit       int
	servePort       int
	labelComplete   bool
	labelIncomplete bool
	labelBy         string
	labelNotes      string
)

func init() {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the poll, process, and reconcile loops",
		RunE:  runDaemon,
	}
	rootCmd.AddCommand(daemonCmd)

	processCmd := &cobra.Command{
		Use:   "process TICKET",
		Short: "Process a single ticket through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE:  runProcess,
	}
	processCmd.Flags().BoolVar(&processDryRun, "dry-run", false, "suppress tracker and code-host side effects")
	rootCmd.AddCommand(processCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs",
		RunE:  runRuns,
	}
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status")
	runsCmd.Flags().StringVar(&runsTicket, "ticket", "", "filter by ticket")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 0, "maximum rows")

	reprocessCmd := &cobra.Command{
		Use:   "reprocess TICKET",
		Short: "Allow a finished ticket to be dispatched again",
		Args:  cobra.ExactArgs(1),
		RunE:  runReprocess,
	}
	runsCmd.AddCommand(reprocessCmd)
	rootCmd.AddCommand(runsCmd)

	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show KPI snapshot",
		RunE:  runMetrics,
	}
	rootCmd.AddCommand(metricsCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-side HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on")
	rootCmd.AddCommand(serveCmd)

	labelCmd := &cobra.Command{
		Use:   "label TICKET",
		Short: "Record the ground-truth completeness of a ticket",
		Args:  cobra.ExactArgs(1),
		RunE:  runLabel,
	}
	labelCmd.Flags().BoolVar(&labelComplete, "complete", false, "mark the ticket as complete")
	labelCmd.Flags().BoolVar(&labelIncomplete, "incomplete", false, "mark the ticket as incomplete (the default)")
	labelCmd.MarkFlagsMutuallyExclusive("complete", "incomplete")
	labelCmd.Flags().StringVar(&labelBy, "labeled-by", "", "who supplied the label")
	labelCmd.Flags().StringVar(&labelNotes, "notes", "", "free-form notes")
	rootCmd.AddCommand(labelCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func buildEngine(ctx context.Context, cfg *config.Config, store *runstore.Store) (*pipeline.Engine, tracker.Source, codehost.Host, error) {
	source := tracker.NewGHSource(&cfg.Tracker)
	host, err := codehost.NewGitHub(ctx, &cfg.GitHub)
	if err != nil {
		return nil, nil, nil, err
	}
	deps := pipeline.Deps{
		Source: source,
		Host:   host,
		LLM:    llm.NewCLIClient(cfg.Claude.Model, cfg.Claude.MaxTokens),
		Config: cfg,
	}
	engine := pipeline.New(store, source, pipeline.Definition(deps), cfg)
	return engine, source, host, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, source, host, err := buildEngine(ctx, cfg, store)
	if err != nil {
		return err
	}

	queueSize := cfg.Pipeline.MaxConcurrentRuns * 2
	p := poller.New(store, source, engine, queueSize, cfg.General.DryRun)
	r := reconciler.New(store, host)
	return daemon.New(cfg, p, r).Run(ctx)
}

func runProcess(cmd *cobra.Command, args []string) error {
	ticketKey := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, _, _, err := buildEngine(ctx, cfg, store)
	if err != nil {
		return err
	}

	dryRun := processDryRun || cfg.General.DryRun
	run, created, err := store.CreateRunIfAbsent(ticketKey, dryRun)
	if err != nil {
		return err
	}
	if !created {
		fmt.Printf("Ticket %s already has run %s (%s); use 'runs reprocess' to run it again\n",
			ticketKey, run.ID, run.Status)
		return nil
	}

	if err := engine.Execute(ctx, run); err != nil {
		return err
	}

	final, err := store.GetRun(run.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s finished: %s", final.ID, final.Status)
	if final.CompletenessScore != nil {
		fmt.Printf(" (score %.2f)", *final.CompletenessScore)
	}
	if final.FailureReason != "" {
		fmt.Printf(" - %s", final.FailureReason)
	}
	fmt.Println()
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(runstore.ListOptions{
		TicketKey: runsTicket,
		Status:    domain.RunStatus(runsStatus),
		Limit:     runsLimit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTICKET\tSTATUS\tSCORE\tCREATED")
	for _, run := range runs {
		score := "-"
		if run.CompletenessScore != nil {
			score = fmt.Sprintf("%.2f", *run.CompletenessScore)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.TicketKey, run.Status, score, run.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
	return nil
}

func runReprocess(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RequestReprocess(args[0]); err != nil {
		return err
	}
	fmt.Printf("Ticket %s will be dispatched again on the next poll\n", args[0])
	return nil
}

func runMetrics(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := kpi.NewCollector(store).Snapshot()
	if err != nil {
		return err
	}

	fmt.Println("=== Proposal Orchestrator KPIs ===")
	fmt.Println()
	fmt.Printf("Proposal approval rate: %.0f%% (%d/%d resolved, target >= %.0f%%) %s\n",
		s.ApprovalRate*100, s.ProposalsApproved, s.ProposalsResolved,
		kpi.ApprovalRateTarget*100, targetMark(s.ApprovalTargetMet))
	fmt.Printf("Incomplete detection rate: %.0f%% (%d/%d labeled, target >= %.0f%%) %s\n",
		s.DetectionRate*100, s.TruePositives, s.GroundTruthIncomplete,
		kpi.DetectionRateTarget*100, targetMark(s.DetectionTargetMet))
	fmt.Printf("Error-free streak: %d run(s) (target >= %d) %s\n",
		s.ErrorFreeStreak, kpi.StreakTarget, targetMark(s.StreakTargetMet))
	fmt.Println()
	fmt.Printf("Runs: %d total | %d completed | %d flagged incomplete | %d failed\n",
		s.TotalRuns, s.CompletedPipeline, s.FlaggedIncomplete, s.FailedRuns)
	fmt.Printf("Proposals: %d created | %d resolved | %d approved\n",
		s.ProposalsCreated, s.ProposalsResolved, s.ProposalsApproved)
	if s.AvgDurationSeconds > 0 {
		fmt.Printf("Average run duration: %.0fs\n", s.AvgDurationSeconds)
	}
	return nil
}

func targetMark(met bool) string {
	if met {
		return "[met]"
	}
	return "[not met]"
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(cfg.Web.Host, port, store, kpi.NewCollector(store))
	fmt.Printf("Serving API at http://%s:%d\n", cfg.Web.Host, port)
	return server.Run(ctx)
}

func runLabel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	label := domain.TruthIncomplete
	if labelComplete {
		label = domain.TruthComplete
	}
	err = store.SetGroundTruth(&domain.GroundTruthLabel{
		TicketKey: args[0],
		Label:     label,
		LabeledBy: labelBy,
		Notes:     labelNotes,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Labeled ticket %s as %s\n", args[0], label)
	return nil
}
