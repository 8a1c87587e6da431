// Command backtest runs a batch of strategy backtests from the command line.
//
// Usage (CSV mode):
//
//	go run ./cmd/backtest --strategies ./strategies --csv data.csv \
//	    --start 2024-01-01 --end 2024-12-31 --capital 100000
//
// Usage (API mode):
//
//	go run ./cmd/backtest --strategies ./strategies \
//	    --api-url http://localhost:8000 --symbols AAPL,MSFT,NVDA \
//	    --start 2024-01-01 --end 2024-12-31
//
// With --serve the process keeps running after the batch finishes and
// exposes the monitoring API plus the websocket event feed, so dashboards
// can inspect the run. Database persistence and the Redis event bus are
// switched on through the config file or DB_ENABLED / REDIS_ENABLED.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/stratlab/equitysim/pkg/api"
	"github.com/stratlab/equitysim/pkg/config"
	"github.com/stratlab/equitysim/pkg/engine"
	"github.com/stratlab/equitysim/pkg/eventbus"
	"github.com/stratlab/equitysim/pkg/marketdata"
	"github.com/stratlab/equitysim/pkg/persistence"
	"github.com/stratlab/equitysim/pkg/runner"
	"github.com/stratlab/equitysim/pkg/runtracker"
	"github.com/stratlab/equitysim/pkg/sim"
	"github.com/stratlab/equitysim/pkg/strategy"
)

func main() {
	// Best effort; a missing .env is the normal case outside dev.
	_ = godotenv.Load()

	configPath := flag.String("config", envOrDefault("CONFIG_FILE", ""), "Path to JSON config file")

	// Strategy selection
	strategiesPath := flag.String("strategies", "", "Path to a strategy JSON file or a directory of them")
	listStrats := flag.Bool("list", false, "List loaded strategies and exit")

	// Data source: CSV file
	csvFile := flag.String("csv", "", "Path to CSV file with OHLCV + indicator data")

	// Data source: indicator data service
	apiURL := flag.String("api-url", envOrDefault("DATA_API_URL", ""), "Data service base URL (e.g. http://localhost:8000)")
	symbols := flag.String("symbols", "", "Comma-separated symbols for API mode (e.g. AAPL,MSFT)")

	// Run window and portfolio parameters
	startDate := flag.String("start", "", "Start date (ISO format, e.g. 2024-01-01)")
	endDate := flag.String("end", "", "End date (ISO format, e.g. 2024-12-31)")
	capital := flag.Float64("capital", 100_000, "Initial capital")
	maxPositions := flag.Int("max-positions", 10, "Maximum concurrent positions")
	maxPositionPct := flag.Float64("max-position-pct", 0, "Per-instrument weight cap (0 disables)")
	minPositionPct := flag.Float64("min-position-pct", 0, "Per-instrument weight floor (0 disables)")
	confirmDays := flag.Int("confirm-days", 2, "Risk regime confirmation days")
	slippagePct := flag.Float64("slippage-pct", 0, "Slippage fraction per fill (0 selects the default)")
	feePct := flag.Float64("fee-pct", 0, "Fee fraction per fill (0 selects the default)")
	riskCSV := flag.String("risk-csv", "", "Path to CSV of daily market risk scores (date,score)")

	// Output
	outputFile := flag.String("output", "", "Path for trades CSV (default: stdout)")
	jsonOut := flag.Bool("json", false, "Write full run results as JSON instead of a trades CSV")

	// Service
	serve := flag.Bool("serve", false, "Keep serving the monitoring API after the batch finishes")
	issueToken := flag.Bool("issue-token", false, "Print a signed API token and exit")
	tokenRole := flag.String("token-role", "viewer", "Role claim for --issue-token")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logClose, err := buildLogger(cfg.Service)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
		os.Exit(1)
	}
	if logClose != nil {
		defer logClose()
	}
	slog.SetDefault(logger)

	if *issueToken {
		printToken(cfg, *tokenRole)
		return
	}

	if *strategiesPath == "" {
		fmt.Fprintln(os.Stderr, "Error: must specify --strategies")
		flag.Usage()
		os.Exit(1)
	}

	docs, err := readStrategyDocs(*strategiesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading strategies: %v\n", err)
		os.Exit(1)
	}
	registry := strategy.NewRegistry()
	loaded, err := registry.RegisterDocuments(docs, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error compiling strategies: %v\n", err)
		os.Exit(1)
	}
	logger.Info("strategies loaded", "count", loaded, "path", *strategiesPath)

	if *listStrats {
		for _, s := range registry.All() {
			fmt.Printf("%4d  %s  (buy rules: %d, sell rules: %d)\n",
				s.Def.ID, s.Def.Name, s.Buy.Len(), s.Sell.Len())
		}
		return
	}

	strats := registry.All()
	if len(strats) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no enabled strategies to run")
		os.Exit(1)
	}

	start, err := parseDate(*startDate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --start: %v\n", err)
		os.Exit(1)
	}
	end, err := parseDate(*endDate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --end: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load the data frame from CSV or the data service.
	var frame *marketdata.Frame
	switch {
	case *csvFile != "" && *apiURL != "":
		fmt.Fprintln(os.Stderr, "Error: specify either --csv or --api-url, not both")
		os.Exit(1)

	case *csvFile != "":
		frame, err = marketdata.LoadCSV(*csvFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading CSV: %v\n", err)
			os.Exit(1)
		}
		logger.Info("loaded data frame from CSV",
			"symbols", len(frame.Symbols()), "days", len(frame.Calendar()), "file", *csvFile)

	case *apiURL != "":
		syms := splitSymbols(*symbols)
		if len(syms) == 0 || start.IsZero() || end.IsZero() {
			fmt.Fprintln(os.Stderr, "Error: API mode requires --symbols, --start, and --end")
			os.Exit(1)
		}
		client := marketdata.NewClient(*apiURL, marketdata.ClientConfig{Logger: logger})
		frame, err = client.GetFrame(ctx, syms, start, end)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error fetching data from API: %v\n", err)
			os.Exit(1)
		}
		logger.Info("loaded data frame from API",
			"symbols", len(frame.Symbols()), "days", len(frame.Calendar()), "api_url", *apiURL)

	default:
		fmt.Fprintln(os.Stderr, "Error: must specify --csv or --api-url for data source")
		flag.Usage()
		os.Exit(1)
	}

	var feed engine.RiskFeed
	if *riskCSV != "" {
		scores, err := loadRiskCSV(*riskCSV)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading risk scores: %v\n", err)
			os.Exit(1)
		}
		logger.Info("loaded market risk scores", "days", len(scores), "file", *riskCSV)
		feed = scores
	}

	var persist persistence.Persister = persistence.NopPersister{}
	if cfg.Database.Enabled {
		client, err := persistence.NewClient(ctx, cfg.Database.ConnString(), logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to database: %v\n", err)
			os.Exit(1)
		}
		defer client.Close()
		persist = client
	}

	var bus eventbus.Publisher = eventbus.NopPublisher{}
	if cfg.Redis.Enabled {
		b := eventbus.NewBus(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.ChannelPrefix, logger)
		if err := b.HealthCheck(ctx); err != nil {
			logger.Warn("redis unreachable, events will be dropped", "error", err)
		}
		defer b.Close()
		bus = b
	}

	tracker := runtracker.NewTracker(logger, cfg.Service.Version)

	var httpSrv *http.Server
	if *serve {
		hub := api.NewHub(logger)
		go hub.Run(ctx)
		bus = api.Relay{Hub: hub, Next: bus}

		auth := api.JWT{Secret: []byte(cfg.API.JWTSecret), TokenTTL: cfg.API.TokenTTL()}
		srv := api.NewServer(tracker, hub, auth, logger)
		srv.DBConnected = cfg.Database.Enabled
		mux := http.NewServeMux()
		srv.RegisterRoutes(mux)

		httpSrv = &http.Server{Addr: cfg.API.ListenAddr, Handler: mux}
		go func() {
			logger.Info("monitoring API listening", "addr", cfg.API.ListenAddr, "auth", auth.Enabled())
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("monitoring API failed", "error", err)
			}
		}()
	}

	runCfg := runner.Config{
		Concurrency: cfg.Runner.Concurrency,
		RunTimeout:  cfg.Runner.RunTimeout(),
		GracePeriod: cfg.Runner.GracePeriod(),
		Engine: engine.Config{
			StartDate:      start,
			EndDate:        end,
			InitialCapital: *capital,
			MaxPositions:   *maxPositions,
			MaxPositionPct: *maxPositionPct,
			MinPositionPct: *minPositionPct,
			ConfirmDays:    *confirmDays,
			Sim: sim.Config{
				SlippagePct: *slippagePct,
				FeePct:      *feePct,
			},
		},
	}

	r := runner.New(frame, feed, nil, tracker, persist, bus, runCfg, logger)

	began := time.Now()
	runID, results, err := r.RunBatch(ctx, strats)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running batch: %v\n", err)
		os.Exit(1)
	}
	logger.Info("batch complete", "run_id", runID, "elapsed", time.Since(began))

	if err := writeReport(results, *outputFile, *jsonOut); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing report: %v\n", err)
		os.Exit(1)
	}

	if *serve {
		logger.Info("batch done, monitoring API still serving; Ctrl-C to exit")
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API shutdown", "error", err)
		}
	}
}

// printToken signs and prints a bearer token for the monitoring API.
func printToken(cfg *config.Config, role string) {
	auth := api.JWT{Secret: []byte(cfg.API.JWTSecret), TokenTTL: cfg.API.TokenTTL()}
	if !auth.Enabled() {
		fmt.Fprintln(os.Stderr, "Error: no JWT secret configured, API is unauthenticated")
		os.Exit(1)
	}
	token, expires, err := auth.Sign(api.Claims{Role: role})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error signing token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires: %s\n", expires.Format(time.RFC3339))
}

// readStrategyDocs reads one JSON document per file. A directory means
// every *.json inside it, sorted by name for stable strategy order.
func readStrategyDocs(path string) ([][]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			files = append(files, filepath.Join(path, e.Name()))
		}
		sort.Strings(files)
		if len(files) == 0 {
			return nil, fmt.Errorf("no *.json files in %s", path)
		}
	} else {
		files = []string{path}
	}

	docs := make([][]byte, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		docs = append(docs, data)
	}
	return docs, nil
}

// loadRiskCSV reads a daily market risk score series. Expected header:
// date,score. Extra columns are ignored.
func loadRiskCSV(path string) (engine.ScoreSeries, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	dateIdx, scoreIdx := -1, -1
	for i, name := range header {
		switch name {
		case "date":
			dateIdx = i
		case "score":
			scoreIdx = i
		}
	}
	if dateIdx < 0 || scoreIdx < 0 {
		return nil, fmt.Errorf("missing date or score column in %s", path)
	}

	scores := make(engine.ScoreSeries)
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line+1, err)
		}
		line++

		date, err := time.Parse("2006-01-02", record[dateIdx])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid date %q", line, record[dateIdx])
		}
		score, err := strconv.ParseFloat(record[scoreIdx], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid score %q", line, record[scoreIdx])
		}
		scores[date] = score
	}
	return scores, nil
}

// writeReport writes the batch outcome to path (or stdout). The default is
// a flat trades CSV; --json dumps the full per-strategy results including
// stats, skipped orders, and daily snapshots.
func writeReport(results []*engine.Result, path string, asJSON bool) error {
	var out io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	if asJSON {
		kept := make([]*engine.Result, 0, len(results))
		for _, r := range results {
			if r != nil {
				kept = append(kept, r)
			}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(kept)
	}

	w := csv.NewWriter(out)
	defer w.Flush()

	w.Write([]string{
		"strategy_id", "strategy_name", "symbol", "date", "side",
		"quantity", "price", "fee", "reason", "pnl", "held_days",
	})
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, t := range r.Trades {
			w.Write([]string{
				strconv.Itoa(r.StrategyID),
				r.StrategyName,
				t.Symbol,
				t.Date.Format("2006-01-02"),
				string(t.Side),
				fmt.Sprintf("%.4f", t.Quantity),
				fmt.Sprintf("%.4f", t.Price),
				fmt.Sprintf("%.4f", t.Fee),
				t.Reason,
				fmt.Sprintf("%.2f", t.PnL),
				strconv.Itoa(t.HeldDays),
			})
		}
	}
	return w.Error()
}

func buildLogger(svc config.ServiceConfig) (*slog.Logger, func() error, error) {
	var level slog.Level
	switch strings.ToLower(svc.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	var closer func() error
	if svc.LogFile != "" {
		f, err := os.OpenFile(svc.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = f
		closer = f.Close
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closer, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if sym := strings.TrimSpace(part); sym != "" {
			out = append(out, sym)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
