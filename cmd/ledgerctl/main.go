package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"branchledger/backend/internal/balance"
	"branchledger/backend/internal/cache"
	"branchledger/backend/internal/config"
	"branchledger/backend/internal/domain"
	"branchledger/backend/internal/identity"
	"branchledger/backend/internal/lock"
	"branchledger/backend/internal/service"
	"branchledger/backend/internal/stock"
	"branchledger/backend/internal/store"
	"branchledger/backend/internal/store/memory"
	pgstore "branchledger/backend/internal/store/postgres"
	"branchledger/backend/internal/units"
)

const usage = `usage: ledgerctl <command> [flags]

commands:
  migrate     apply the postgres schema
  token       issue an actor token (-branch, -actor, -ttl)
  post        post a document read as JSON (-kind, -file); actor from LEDGER_TOKEN
  reconcile   compare stock rows with their movement journal (-branch, -product)
  summary     outstanding dues per direction (-branch)
  aging       open dues bucketed by age (-branch, -direction, -as-of)`

var errDrift = errors.New("stock drift detected")

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg)
	if err := validateConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		logger.WithError(err).WithField("kind", domain.KindOf(err)).Error("command failed")
		stop()
		os.Exit(1)
	}
}

func validateConfig(cfg config.Config) error {
	if _, err := stock.ParsePolicy(cfg.NegativeStockPolicy); err != nil {
		return fmt.Errorf("NEGATIVE_STOCK_POLICY: %w", err)
	}
	if cfg.CurrencyPrecision > cfg.RatePrecision {
		return fmt.Errorf("CURRENCY_PRECISION (%d) must not exceed RATE_PRECISION (%d)", cfg.CurrencyPrecision, cfg.RatePrecision)
	}
	if cfg.IdentitySecret != "" && len(cfg.IdentitySecret) < 32 {
		return fmt.Errorf("IDENTITY_SECRET must be at least 32 characters")
	}
	return nil
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command\n%s", domain.ErrValidation, usage)
	}

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, cfg, logger)
	case "token":
		return runToken(cfg, args[1:], stdout)
	case "post", "reconcile", "summary", "aging":
	default:
		return fmt.Errorf("%w: unknown command %q\n%s", domain.ErrValidation, args[0], usage)
	}

	svc, closeAll, err := openService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAll()

	switch args[0] {
	case "post":
		return runPost(ctx, cfg, svc, args[1:], stdin, stdout)
	case "reconcile":
		return runReconcile(ctx, cfg, svc, args[1:], stdout)
	case "summary":
		return runSummary(ctx, cfg, svc, args[1:], stdout)
	default:
		return runAging(ctx, cfg, svc, args[1:], stdout)
	}
}

// openService wires the repository, cache and lock backends named by cfg.
func openService(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*service.Service, func(), error) {
	closers := make([]func() error, 0, 2)
	closeAll := func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.WithError(err).Warn("close failed")
			}
		}
	}

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pg, err := pgstore.New(connectCtx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable: %w", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.New()
		logger.Warn("repository: in-memory, nothing is persisted")
	}

	policy, err := stock.ParsePolicy(cfg.NegativeStockPolicy)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	opts := service.Options{
		Precision: units.Precision{
			Quantity: cfg.QuantityPrecision,
			Rate:     cfg.RatePrecision,
			Currency: cfg.CurrencyPrecision,
		},
		NegativeStockPolicy: policy,
		StockCacheTTL:       cfg.StockCacheTTL(),
		Logger:              logger,
	}

	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisStockCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			_ = client.Close()
			logger.WithError(err).Warn("redis unavailable, using local locks and no stock cache")
		} else {
			opts.StockCache = redisCache
			opts.Locker = lock.NewRedis(client, cfg.LockTTL(), logger)
			closers = append(closers, client.Close)
			logger.Info("cache and locks: redis")
		}
	}

	return service.New(repo, opts), closeAll, nil
}

func runMigrate(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL is required for migrate", domain.ErrValidation)
	}
	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres unavailable: %w", err)
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}

func runToken(cfg config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	branch := fs.String("branch", cfg.DefaultBranchID, "branch the actor posts for")
	actorID := fs.String("actor", "", "actor id")
	ttl := fs.Duration("ttl", 8*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	provider, err := identity.NewProvider(cfg.IdentitySecret, *ttl)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	token, expiresAt, err := provider.Issue(domain.Actor{BranchID: *branch, ActorID: strings.TrimSpace(*actorID)})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return writeJSON(stdout, map[string]any{"token": token, "expires_at": expiresAt})
}

func runPost(ctx context.Context, cfg config.Config, svc *service.Service, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("post", flag.ContinueOnError)
	rawKind := fs.String("kind", "", "document kind")
	file := fs.String("file", "-", "JSON document, - for stdin")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	kind, err := domain.ParseDocumentKind(*rawKind)
	if err != nil {
		return err
	}
	provider, err := identity.NewProvider(cfg.IdentitySecret, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	actor, err := actorFromEnv(provider)
	if err != nil {
		return err
	}

	body, err := readInput(*file, stdin)
	if err != nil {
		return err
	}

	switch kind {
	case domain.KindBooking:
		var req domain.DocumentRequest
		if err := decodeJSON(body, &req); err != nil {
			return err
		}
		res, err := svc.CreateBooking(ctx, actor, req)
		if err != nil {
			return err
		}
		return writeJSON(stdout, res)
	case domain.KindDelivery:
		var req domain.DeliveryDocumentRequest
		if err := decodeJSON(body, &req); err != nil {
			return err
		}
		res, err := svc.CreateDelivery(ctx, actor, req)
		if err != nil {
			return err
		}
		return writeJSON(stdout, res)
	default:
		var req domain.DocumentRequest
		if err := decodeJSON(body, &req); err != nil {
			return err
		}
		doc, err := svc.PostDocument(ctx, actor, kind, req)
		if err != nil {
			return err
		}
		return writeJSON(stdout, doc)
	}
}

func runReconcile(ctx context.Context, cfg config.Config, svc *service.Service, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	branch := fs.String("branch", cfg.DefaultBranchID, "branch to reconcile")
	product := fs.String("product", "", "single product, all stock rows when empty")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if *product != "" {
		rec, err := svc.ReconcileStock(ctx, *product, *branch)
		if err != nil {
			return err
		}
		if err := writeJSON(stdout, rec); err != nil {
			return err
		}
		if !rec.Balanced() {
			return errDrift
		}
		return nil
	}

	drifted, err := svc.ReconcileBranch(ctx, *branch)
	if err != nil {
		return err
	}
	if err := writeJSON(stdout, drifted); err != nil {
		return err
	}
	if len(drifted) > 0 {
		return fmt.Errorf("%w: %d rows at branch %s", errDrift, len(drifted), *branch)
	}
	return nil
}

func runSummary(ctx context.Context, cfg config.Config, svc *service.Service, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	branch := fs.String("branch", cfg.DefaultBranchID, "branch")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	summary, err := svc.BalanceSummary(ctx, *branch)
	if err != nil {
		return err
	}
	return writeJSON(stdout, summary)
}

func runAging(ctx context.Context, cfg config.Config, svc *service.Service, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("aging", flag.ContinueOnError)
	branch := fs.String("branch", cfg.DefaultBranchID, "branch")
	direction := fs.String("direction", string(balance.Receivable), "receivable or payable")
	asOf := fs.String("as-of", "", "YYYY-MM-DD, today when empty")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	at := time.Now().UTC()
	if *asOf != "" {
		parsed, err := time.Parse("2006-01-02", *asOf)
		if err != nil {
			return fmt.Errorf("%w: as-of must be YYYY-MM-DD", domain.ErrValidation)
		}
		at = parsed.Add(24*time.Hour - time.Nanosecond)
	}

	buckets, err := svc.AgingReport(ctx, *branch, balance.Direction(strings.ToLower(*direction)), at)
	if err != nil {
		return err
	}
	return writeJSON(stdout, buckets)
}

func actorFromEnv(verifier identity.Verifier) (domain.Actor, error) {
	token := strings.TrimSpace(os.Getenv("LEDGER_TOKEN"))
	if token == "" {
		return domain.Actor{}, fmt.Errorf("%w: LEDGER_TOKEN is required", domain.ErrValidation)
	}
	actor, err := verifier.Actor(token)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return actor, nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func decodeJSON(body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: invalid document json: %v", domain.ErrValidation, err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
