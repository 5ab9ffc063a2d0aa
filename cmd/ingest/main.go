package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Rajchodisetti/quote-ingest/internal/catalog"
	"github.com/Rajchodisetti/quote-ingest/internal/config"
	"github.com/Rajchodisetti/quote-ingest/internal/engine"
	"github.com/Rajchodisetti/quote-ingest/internal/gaps"
	"github.com/Rajchodisetti/quote-ingest/internal/ingest"
	"github.com/Rajchodisetti/quote-ingest/internal/market"
	"github.com/Rajchodisetti/quote-ingest/internal/observ"
)

const usage = `usage: quote-ingest [-config path] [-metrics-addr addr] <command> [flags]

commands:
  download   download daily quotes for a date range
  progress   show batch progress (all batches without -batch)
  gaps       detect missing trading days
  repair     detect gaps and download them again
  calendar   refresh an exchange trading calendar
  daily      download a single trading day
  sources    show source chain and circuit state
  history    show recently finished batches and repairs
`

func main() {
	log.SetFlags(0)
	var cfgPath, metricsAddr string
	flag.StringVar(&cfgPath, "config", "", "config path (defaults when empty)")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observ.Handler())
		mux.Handle("/health", observ.Health())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				observ.Error("metrics_server_failed", err, map[string]any{"addr": metricsAddr})
			}
		}()
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var run func(context.Context, *engine.Engine, config.Root, []string) error
	switch cmd {
	case "download":
		run = runDownload
	case "progress":
		run = runProgress
	case "gaps":
		run = runGaps
	case "repair":
		run = runRepair
	case "calendar":
		run = runCalendar
	case "daily":
		run = runDaily
	case "sources":
		run = runSources
	case "history":
		run = runHistory
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err := run(ctx, a.engine, cfg, args); err != nil {
		a.Close()
		if errors.Is(err, ingest.ErrAborted) {
			log.Printf("%s aborted: %v", cmd, err)
			os.Exit(130)
		}
		log.Fatalf("%s: %v", cmd, err)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func exchangesOr(flagValue string, cfg config.Root) []string {
	if ex := splitList(flagValue); len(ex) > 0 {
		return ex
	}
	return cfg.Exchanges
}

// rangeFlags registers -from and -to
type rangeFlags struct{ from, to string }

func (r *rangeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&r.from, "from", "", "first day, YYYY-MM-DD")
	fs.StringVar(&r.to, "to", "", "last day, YYYY-MM-DD (defaults to -from)")
}

func (r *rangeFlags) parse() (market.DateRange, error) {
	if r.from == "" {
		return market.DateRange{}, errors.New("-from is required")
	}
	to := r.to
	if to == "" {
		to = r.from
	}
	return market.ParseDateRange(r.from + ".." + to)
}

func runDownload(ctx context.Context, e *engine.Engine, cfg config.Root, args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	var rf rangeFlags
	rf.register(fs)
	exchanges := fs.String("exchanges", "", "comma separated exchanges (config default when empty)")
	codes := fs.String("instruments", "", "comma separated instrument ids to restrict the batch")
	resume := fs.Bool("resume", true, "continue from the batch checkpoint")
	threshold := fs.Float64("quality-threshold", 0, "override the configured quality threshold")
	activeOnly := fs.Bool("active-only", false, "skip suspended and delisted instruments")
	_ = fs.Parse(args)

	r, err := rf.parse()
	if err != nil {
		return err
	}
	h, err := e.StartDownload(ctx, engine.DownloadRequest{
		Exchanges:        exchangesOr(*exchanges, cfg),
		Range:            r,
		Resume:           *resume,
		QualityThreshold: *threshold,
		Filter:           catalog.Filter{IDs: splitList(*codes), ActiveOnly: *activeOnly},
	})
	if err != nil {
		return err
	}
	log.Printf("run %s: batches %s", h.RunID, strings.Join(h.BatchIDs, ", "))

	stop := context.AfterFunc(ctx, h.Cancel)
	defer stop()
	summaries, err := h.Wait(context.Background())
	printJSON(summaries)
	return err
}

func runProgress(ctx context.Context, e *engine.Engine, _ config.Root, args []string) error {
	fs := flag.NewFlagSet("progress", flag.ExitOnError)
	batch := fs.String("batch", "", "batch id")
	_ = fs.Parse(args)

	if *batch == "" {
		all, err := e.ListProgress(ctx)
		if err != nil {
			return err
		}
		printJSON(all)
		return nil
	}
	p, err := e.GetProgress(ctx, *batch)
	if err != nil {
		return err
	}
	printJSON(p)
	return nil
}

type gapFlags struct {
	rangeFlags
	exchange    string
	minSeverity string
	instruments string
}

func (g *gapFlags) register(fs *flag.FlagSet) {
	g.rangeFlags.register(fs)
	fs.StringVar(&g.exchange, "exchange", "", "exchange to scan")
	fs.StringVar(&g.minSeverity, "min-severity", "", "low | medium | high | critical")
	fs.StringVar(&g.instruments, "instruments", "", "comma separated instrument ids")
}

func (g *gapFlags) detect(ctx context.Context, e *engine.Engine) (gaps.Report, error) {
	if g.exchange == "" {
		return gaps.Report{}, errors.New("-exchange is required")
	}
	r, err := g.parse()
	if err != nil {
		return gaps.Report{}, err
	}
	filter := gaps.Filter{Catalog: catalog.Filter{IDs: splitList(g.instruments)}}
	if g.minSeverity != "" {
		if filter.MinSeverity, err = gaps.ParseSeverity(g.minSeverity); err != nil {
			return gaps.Report{}, err
		}
	}
	return e.DetectGaps(ctx, g.exchange, r, filter)
}

func runGaps(ctx context.Context, e *engine.Engine, _ config.Root, args []string) error {
	fs := flag.NewFlagSet("gaps", flag.ExitOnError)
	var g gapFlags
	g.register(fs)
	cached := fs.Bool("cached", false, "print the last stored report instead of scanning")
	_ = fs.Parse(args)

	if *cached {
		report, err := e.LastGapReport(ctx, g.exchange)
		if err != nil {
			return err
		}
		printJSON(report)
		return nil
	}
	report, err := g.detect(ctx, e)
	if err != nil {
		return err
	}
	printJSON(report)
	return nil
}

func runRepair(ctx context.Context, e *engine.Engine, _ config.Root, args []string) error {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	var g gapFlags
	g.register(fs)
	severities := fs.String("severities", "", "comma separated severities to repair (all when empty)")
	maxDays := fs.Int("max-gap-days", 0, "skip gaps longer than this many trading days")
	dryRun := fs.Bool("dry-run", false, "plan the repairs without downloading")
	_ = fs.Parse(args)

	report, err := g.detect(ctx, e)
	if err != nil {
		return err
	}
	filter := gaps.RepairFilter{MaxGapDays: *maxDays}
	for _, s := range splitList(*severities) {
		sev, err := gaps.ParseSeverity(s)
		if err != nil {
			return err
		}
		filter.Severities = append(filter.Severities, sev)
	}
	res := e.RepairGaps(ctx, report.Gaps, *dryRun, filter)
	printJSON(res)
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d repairs failed", res.Failed, res.Selected)
	}
	return nil
}

func runCalendar(ctx context.Context, e *engine.Engine, cfg config.Root, args []string) error {
	fs := flag.NewFlagSet("calendar", flag.ExitOnError)
	var rf rangeFlags
	rf.register(fs)
	exchanges := fs.String("exchanges", "", "comma separated exchanges (config default when empty)")
	_ = fs.Parse(args)

	r, err := rf.parse()
	if err != nil {
		return err
	}
	out := map[string]int{}
	for _, ex := range exchangesOr(*exchanges, cfg) {
		n, err := e.UpdateCalendar(ctx, ex, r)
		if err != nil {
			return err
		}
		out[market.NormalizeExchange(ex)] = n
	}
	printJSON(out)
	return nil
}

func runDaily(ctx context.Context, e *engine.Engine, cfg config.Root, args []string) error {
	fs := flag.NewFlagSet("daily", flag.ExitOnError)
	exchanges := fs.String("exchanges", "", "comma separated exchanges (config default when empty)")
	day := fs.String("day", "", "trading day, YYYY-MM-DD (yesterday when empty)")
	_ = fs.Parse(args)

	var d market.Date
	if *day != "" {
		var err error
		if d, err = market.ParseDate(*day); err != nil {
			return err
		}
	}
	summaries, err := e.UpdateDaily(ctx, exchangesOr(*exchanges, cfg), d)
	printJSON(summaries)
	return err
}

func runSources(_ context.Context, e *engine.Engine, _ config.Root, args []string) error {
	fs := flag.NewFlagSet("sources", flag.ExitOnError)
	reset := fs.String("reset", "", "restore the highest-priority source of this exchange")
	_ = fs.Parse(args)

	if *reset != "" {
		if err := e.ResetSources(*reset); err != nil {
			return err
		}
	}
	printJSON(e.SourceStatus())
	return nil
}

func runHistory(_ context.Context, e *engine.Engine, _ config.Root, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	kind := fs.String("type", "", "batch | repair (all when empty)")
	n := fs.Int("n", 20, "number of entries")
	_ = fs.Parse(args)

	entries, err := e.History(*kind, *n)
	if err != nil {
		return err
	}
	printJSON(entries)
	return nil
}
