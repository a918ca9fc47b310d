package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/g-caf/receipt-match-backend/internal/application/matching"
	"github.com/g-caf/receipt-match-backend/internal/domain/candidates"
	"github.com/g-caf/receipt-match-backend/internal/domain/merchant"
	"github.com/g-caf/receipt-match-backend/internal/domain/model"
	"github.com/g-caf/receipt-match-backend/internal/domain/scoring"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/config"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/logging"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file path")
		orgFlag    = flag.String("org", "", "Organization ID (required)")
		daysBack   = flag.Int("days", 0, "Only consider transactions from the last N days (0 = all)")
		dryRun     = flag.Bool("dry-run", false, "Score candidates without committing any match")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	_ = godotenv.Load()

	var cfg *config.Config
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.LoadOrEnv()
	}
	if *verbose {
		cfg.Observability.Logging.Level = "debug"
	}
	logger := logging.NewLoggerWithSystem(cfg.Observability.Logging, "automatch")

	orgID, err := uuid.Parse(*orgFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "a valid -org is required")
		flag.Usage()
		os.Exit(2)
	}

	store, err := storage.NewStorage(cfg.Storage.DatabasePath)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	comparer := merchant.NewComparer(store)
	engine := scoring.NewEngine(comparer)
	generator := candidates.NewGenerator(store, engine, logger)
	orchestrator := matching.NewOrchestrator(store, logger)
	configCache := matching.NewConfigCache(store, cfg.Matching)
	matcher := matching.NewService(store, generator, orchestrator, configCache, logger)

	ctx := context.Background()

	if *dryRun {
		if err := runDry(ctx, store, generator, configCache, orgID, *daysBack); err != nil {
			logger.Error("dry run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	result, err := matcher.RunAutoMatch(ctx, orgID, nil, *daysBack)
	if err != nil {
		logger.Error("auto-match run failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Evaluated %d candidates: %d auto-matched, %d suggested, %d skipped, %d errors\n",
		result.Stats.Evaluated,
		result.Stats.AutoMatched,
		result.Stats.Suggested,
		result.Stats.Skipped,
		result.Stats.Errored,
	)
}

// runDry scores everything but commits nothing, printing candidates above
// the suggest threshold.
func runDry(ctx context.Context, store *storage.Storage, generator *candidates.Generator, configs *matching.ConfigCache, orgID uuid.UUID, daysBack int) error {
	cfg, err := configs.Get(orgID)
	if err != nil {
		return err
	}
	txns, err := store.UnmatchedTransactions(orgID, storage.UnmatchedFilters{DaysBack: daysBack, Limit: 1000})
	if err != nil {
		return err
	}

	total := 0
	for _, txn := range txns {
		cands, err := generator.ForTransaction(ctx, txn, cfg)
		if err != nil {
			return err
		}
		for _, c := range cands {
			if c.Confidence < cfg.SuggestThreshold {
				continue
			}
			total++
			printCandidate(txn, c, cfg)
		}
	}
	fmt.Printf("\nDry run: %d transactions scanned, %d candidates at or above the suggest threshold\n", len(txns), total)
	return nil
}

func printCandidate(txn *model.Transaction, c *model.MatchCandidate, cfg *model.MatchingConfig) {
	verdict := "suggest"
	if c.AutoEligible(cfg.AutoMatchThreshold) {
		verdict = "auto"
	}
	fmt.Printf("[%s] %.3f  txn %s  (%s %s)  receipt %s\n",
		verdict, c.Confidence, c.TransactionID, txn.AbsAmount(), txn.Currency, c.ReceiptID)
	for _, w := range c.Warnings {
		fmt.Printf("         warning: %s\n", w)
	}
}
