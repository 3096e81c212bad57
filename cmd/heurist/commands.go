package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"heurist/internal/config"
	"heurist/internal/engine"
	"heurist/internal/query"
	"heurist/internal/store"
	"heurist/internal/types"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize heurist in the current directory",
	Long: `Creates the .heurist/ directory with a default config.yaml and an
empty database. Safe to run in an already-initialized workspace.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(".heurist", 0o755); err != nil {
			return fmt.Errorf("failed to create .heurist: %w", err)
		}

		path := filepath.Join(".heurist", "config.yaml")
		if _, err := os.Stat(path); err == nil {
			fmt.Println("Already initialized.")
			return nil
		}

		cfg := config.DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return err
		}

		// Opening the engine creates the database and schema.
		eng, err := engine.New(cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		fmt.Printf("Initialized heurist workspace (config: %s)\n", path)
		return nil
	},
}

var (
	createExplanation string
	createNovelty     float64
	createKeywords    []string
	createPriorConf   float64
	createPriorVals   int
)

var createCmd = &cobra.Command{
	Use:   "create [domain] [rule]",
	Short: "Learn a new heuristic",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res, err := eng.Create(ctx, engine.CreateRequest{
			Domain:           args[0],
			Rule:             args[1],
			Explanation:      createExplanation,
			Novelty:          createNovelty,
			Revival:          store.RevivalConditions{Keywords: createKeywords},
			PriorConfidence:  createPriorConf,
			PriorValidations: createPriorVals,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Created heuristic %d (confidence %.2f)\n", res.HeuristicID, res.Confidence)
		return nil
	},
}

var recordEvidence string

var recordCmd = &cobra.Command{
	Use:   "record [id] [validated|violated]",
	Short: "Record a validation outcome for a heuristic",
	Long: `Feeds one outcome into the confidence estimator and queues an
anomaly scan. The printed confidence reflects the accepted update; scan
verdicts land asynchronously.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid heuristic id %q", args[0])
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res, err := eng.RecordOutcome(ctx, id, types.Outcome(args[1]), recordEvidence)
		if err != nil {
			return err
		}
		if err := eng.Flush(ctx); err != nil {
			return err
		}
		fmt.Printf("Heuristic %d: %s, confidence now %.4f\n", id, args[1], res.Confidence)
		return nil
	},
}

var promoteApproved bool

var promoteCmd = &cobra.Command{
	Use:   "promote [id]",
	Short: "Promote a heuristic to golden",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid heuristic id %q", args[0])
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res, err := eng.Promote(ctx, id, promoteApproved)
		if err != nil {
			return err
		}
		fmt.Printf("Heuristic %d is now golden (confidence %.2f)\n", id, res.Confidence)
		return nil
	},
}

var demoteReason string

var demoteCmd = &cobra.Command{
	Use:   "demote [id]",
	Short: "Remove a heuristic's golden status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid heuristic id %q", args[0])
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if _, err := eng.Demote(ctx, id, demoteReason); err != nil {
			return err
		}
		fmt.Printf("Heuristic %d demoted\n", id)
		return nil
	},
}

var quarantineReason string

var quarantineCmd = &cobra.Command{
	Use:   "quarantine [id]",
	Short: "Manually quarantine a heuristic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid heuristic id %q", args[0])
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if _, err := eng.Quarantine(ctx, id, quarantineReason); err != nil {
			return err
		}
		fmt.Printf("Heuristic %d quarantined\n", id)
		return nil
	},
}

var reviewReviewer string

var reviewCmd = &cobra.Command{
	Use:   "review [report-id] [cleared|confirmed]",
	Short: "Review a pending fraud report",
	Long: `With no arguments, lists pending fraud reports. With a report ID and
verdict, records the review: "cleared" releases the heuristic from
quarantine, "confirmed" upholds it.`,
	Args: cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		if len(args) == 0 {
			reports, err := eng.PendingReviews(50)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				fmt.Println("No pending fraud reports.")
				return nil
			}
			for _, r := range reports {
				fmt.Printf("%s  heuristic=%d  score=%.2f  %s  signals=%d  %s\n",
					r.PublicID, r.HeuristicID, r.FraudScore, r.Classification,
					r.SignalCount, r.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		}
		if len(args) != 2 {
			return fmt.Errorf("usage: heurist review [report-id] [cleared|confirmed]")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res, err := eng.ReviewFraud(ctx, args[0], types.ReviewOutcome(args[1]), reviewReviewer)
		if err != nil {
			return err
		}
		fmt.Printf("Review recorded for heuristic %d: %s\n", res.HeuristicID, args[1])
		return nil
	},
}

var queryLimit int

var queryCmd = &cobra.Command{
	Use:   "query [domain]",
	Short: "List active heuristics in a domain, best first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		heuristics, err := eng.QueryByDomain(ctx, args[0], queryLimit)
		if err != nil {
			return err
		}
		printHeuristics(heuristics)
		return nil
	},
}

var goldenCmd = &cobra.Command{
	Use:   "golden",
	Short: "List golden heuristics across all domains",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		heuristics, err := eng.GoldenRules(ctx)
		if err != nil {
			return err
		}
		printHeuristics(heuristics)
		return nil
	},
}

var (
	contextTokens  int
	contextQuery   string
	contextSummary string
)

var contextCmd = &cobra.Command{
	Use:   "context [domain]",
	Short: "Assemble prompt context under a token budget; golden rules only without a domain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		domain := ""
		if len(args) > 0 {
			domain = args[0]
		}
		res, err := eng.Context(ctx, query.ContextRequest{
			Domain:         domain,
			QueryText:      contextQuery,
			SessionSummary: contextSummary,
			MaxTokens:      contextTokens,
		})
		if err != nil {
			return err
		}
		fmt.Print(res.Text)
		fmt.Fprintf(os.Stderr, "\n[%d tokens, %d included, %d truncated, %d revived]\n",
			res.TokensUsed, res.Included, res.Truncated, res.Revived)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one maintenance pass now",
	Long: `Runs a single time-boxed maintenance sweep: pending anomaly scans
flush, domain baselines and health scores recompute, overdue overflow
resolves by eviction, idle heuristics go dormant, and stale confidence
decays.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		report, err := eng.RunSweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Sweep done in %s: %d domains, %d dormant, %d evicted, %d decayed\n",
			report.Duration.Round(1e6), report.DomainsSwept, report.DormantMoved,
			report.Evicted, report.Decayed)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics and domain health",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		stats, err := eng.Stats()
		if err != nil {
			return err
		}
		for k, v := range stats {
			fmt.Printf("%-24s %v\n", k+":", v)
		}
		return nil
	},
}

var overrideClear bool

var overrideCmd = &cobra.Command{
	Use:   "override [domain] [limit]",
	Short: "Set or clear a CEO override on a domain's hard limit",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		if overrideClear {
			if err := eng.SetCEOOverride(args[0], nil); err != nil {
				return err
			}
			fmt.Printf("Override cleared on %s\n", args[0])
			return nil
		}
		if len(args) != 2 {
			return fmt.Errorf("usage: heurist override [domain] [limit] (or --clear)")
		}

		limit, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid limit %q", args[1])
		}
		if err := eng.SetCEOOverride(args[0], &limit); err != nil {
			return err
		}
		fmt.Printf("Hard limit override on %s: %d\n", args[0], limit)
		return nil
	},
}

var purgeForce bool

var purgeDomainCmd = &cobra.Command{
	Use:   "purge-domain [domain]",
	Short: "Permanently delete a domain and all its data",
	Long: `Deletes every heuristic, fraud report, journal entry, and baseline
for the domain. This cannot be undone and is never done automatically;
maintenance only ever moves heuristics to dormant or quarantined.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !purgeForce {
			fmt.Printf("This permanently deletes all data for domain %q. Type the domain name to confirm: ", args[0])
			reader := bufio.NewReader(os.Stdin)
			line, _ := reader.ReadString('\n')
			if strings.TrimSpace(line) != args[0] {
				fmt.Println("Aborted.")
				return nil
			}
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res, err := eng.PurgeDomain(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Purged domain %s: %d heuristics, %d reports, %d events\n",
			args[0], res.Heuristics, res.FraudReports, res.Events)
		return nil
	},
}

func printHeuristics(heuristics []*store.Heuristic) {
	if len(heuristics) == 0 {
		fmt.Println("No heuristics found.")
		return
	}
	for _, h := range heuristics {
		marker := " "
		if h.IsGolden {
			marker = "*"
		}
		fmt.Printf("%s %5d  %.2f  [%s] %s\n", marker, h.ID, h.Confidence, h.Domain, h.Rule)
	}
}

func init() {
	createCmd.Flags().StringVar(&createExplanation, "explanation", "", "why this heuristic holds")
	createCmd.Flags().Float64Var(&createNovelty, "novelty", 1.0, "novelty score in [0,1], gates overflow admission")
	createCmd.Flags().StringSliceVar(&createKeywords, "revival-keywords", nil, "keywords that revive this heuristic if dormant")
	createCmd.Flags().Float64Var(&createPriorConf, "prior-confidence", 0, "confidence the learning loop claims for the candidate")
	createCmd.Flags().IntVar(&createPriorVals, "prior-validations", 0, "validation history the learning loop claims for the candidate")

	recordCmd.Flags().StringVar(&recordEvidence, "evidence", "", "free-form evidence for the journal")

	promoteCmd.Flags().BoolVar(&promoteApproved, "approved", false, "external approval for golden promotion")
	demoteCmd.Flags().StringVar(&demoteReason, "reason", "manual demotion", "reason recorded in the log")
	quarantineCmd.Flags().StringVar(&quarantineReason, "reason", "manual quarantine", "reason recorded in the log")
	reviewCmd.Flags().StringVar(&reviewReviewer, "by", "cli", "reviewer identity")

	queryCmd.Flags().IntVar(&queryLimit, "limit", 20, "max results")

	contextCmd.Flags().IntVar(&contextTokens, "max-tokens", 2000, "token budget")
	contextCmd.Flags().StringVar(&contextQuery, "query", "", "query text matched against revival conditions")
	contextCmd.Flags().StringVar(&contextSummary, "session", "", "session summary included before heuristics")

	overrideCmd.Flags().BoolVar(&overrideClear, "clear", false, "clear the override instead of setting one")
	purgeDomainCmd.Flags().BoolVar(&purgeForce, "force", false, "skip the confirmation prompt")
}
