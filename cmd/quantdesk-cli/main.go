package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"quantdesk/internal/app"
	"quantdesk/internal/config"
	"quantdesk/internal/util"
	"quantdesk/pkg/quantdesk"
)

const version = "0.2.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: quantdesk-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version     Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  strategies  List built-in strategies and their parameters\n")
	fmt.Fprintf(os.Stderr, "  backtest    Run one backtest\n")
	fmt.Fprintf(os.Stderr, "  optimize    Sweep a parameter grid\n")
	fmt.Fprintf(os.Stderr, "  benchmark   Compare a strategy against baselines\n")
	fmt.Fprintf(os.Stderr, "\nRun 'quantdesk-cli <command> -h' for command options.\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "version":
		fmt.Printf("quantdesk-cli %s\n", version)
	case "strategies":
		err = runStrategies(args)
	case "backtest":
		err = runBacktest(ctx, args)
	case "optimize":
		err = runOptimize(ctx, args)
	case "benchmark":
		err = runBenchmark(ctx, args)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

// runFlags are shared by every command that runs a backtest.
type runFlags struct {
	strategy string
	program  string
	symbols  string
	start    string
	end      string
	cash     float64
	params   string
	sizing   string
	fill     string
	save     bool
	asJSON   bool
}

func (f *runFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.strategy, "strategy", "sma-cross", "built-in strategy name")
	fs.StringVar(&f.program, "program", "", "rule program file (YAML or JSON); overrides -strategy")
	fs.StringVar(&f.symbols, "symbols", "", "comma-separated symbols")
	fs.StringVar(&f.start, "start", "", "start date, YYYY-MM-DD")
	fs.StringVar(&f.end, "end", "", "end date, YYYY-MM-DD")
	fs.Float64Var(&f.cash, "cash", 0, "initial cash (default: backtest.initial_cash)")
	fs.StringVar(&f.params, "params", "", "strategy parameters, e.g. short_sma=10,long_sma=30")
	fs.StringVar(&f.sizing, "sizing", "", "sizing policy override")
	fs.StringVar(&f.fill, "fill", "", "fill timing override: same_close or next_open")
	fs.BoolVar(&f.save, "save", false, "record the run in the history database")
	fs.BoolVar(&f.asJSON, "json", false, "print the full result as JSON")
}

func (f *runFlags) request() (quantdesk.BacktestRequest, error) {
	params, err := parseParams(f.params)
	if err != nil {
		return quantdesk.BacktestRequest{}, err
	}
	req := quantdesk.BacktestRequest{
		Strategy:    f.strategy,
		Params:      params,
		Symbols:     splitList(f.symbols),
		StartDate:   f.start,
		EndDate:     f.end,
		InitialCash: f.cash,
	}
	if f.program != "" {
		src, err := os.ReadFile(f.program)
		if err != nil {
			return req, fmt.Errorf("reading program: %w", err)
		}
		// A JSON string holding the source accepts YAML and JSON alike.
		raw, err := json.Marshal(string(src))
		if err != nil {
			return req, err
		}
		req.Strategy = ""
		req.Program = raw
	}
	if f.sizing != "" || f.fill != "" {
		req.Config = &quantdesk.EngineConfig{Sizing: f.sizing, FillTiming: f.fill}
	}
	return req, nil
}

func openApp(save bool) (*app.App, error) {
	cfg, err := config.Load(config.Path())
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := util.NewLoggerTo(os.Stderr, cfg.Logging.Level, "text")
	util.SetDefault(logger)
	return app.Open(cfg, app.Options{History: save}, logger)
}

func runStrategies(args []string) error {
	fs := flag.NewFlagSet("strategies", flag.ExitOnError)
	fs.Parse(args)

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()
	return renderStrategies(os.Stdout, a.Service.Strategies())
}

func runBacktest(ctx context.Context, args []string) error {
	var f runFlags
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	f.register(fs)
	fs.Parse(args)

	req, err := f.request()
	if err != nil {
		return err
	}
	a, err := openApp(f.save)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Service.Backtest(ctx, req)
	if err != nil {
		return err
	}
	if f.asJSON {
		return printJSON(res)
	}
	return renderBacktest(os.Stdout, res)
}

func runOptimize(ctx context.Context, args []string) error {
	var (
		f       runFlags
		ranges  rangeFlags
		metric  string
		confirm bool
		top     int
	)
	fs := flag.NewFlagSet("optimize", flag.ExitOnError)
	f.register(fs)
	fs.Var(&ranges, "range", "parameter range, repeatable: name=v1,v2,v3 or name=from:to:step")
	fs.StringVar(&metric, "metric", "sharpe_ratio", "metric to optimize")
	fs.BoolVar(&confirm, "confirm", false, "allow sweeps above optimizer.max_combinations")
	fs.IntVar(&top, "top", 10, "number of combinations to print")
	fs.Parse(args)

	req, err := f.request()
	if err != nil {
		return err
	}
	a, err := openApp(f.save)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Service.Optimize(ctx, quantdesk.OptimizeRequest{
		Strategy:           req.Strategy,
		Program:            req.Program,
		ParameterRanges:    ranges.values(),
		OptimizationMetric: metric,
		BacktestConfig:     req,
		Confirm:            confirm,
	})
	if err != nil {
		return err
	}
	if f.asJSON {
		return printJSON(res)
	}
	return renderOptimization(os.Stdout, res, top)
}

func runBenchmark(ctx context.Context, args []string) error {
	var (
		f         runFlags
		baselines string
	)
	fs := flag.NewFlagSet("benchmark", flag.ExitOnError)
	f.register(fs)
	fs.StringVar(&baselines, "baselines", "", "comma-separated baselines: a strategy name or index=SYMBOL (default: buy-and-hold)")
	fs.Parse(args)

	req, err := f.request()
	if err != nil {
		return err
	}
	a, err := openApp(f.save)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Service.Benchmark(ctx, quantdesk.BenchmarkRequest{Backtest: req, Baselines: parseBaselines(baselines)})
	if err != nil {
		return err
	}
	if f.asJSON {
		return printJSON(res)
	}
	return renderBenchmark(os.Stdout, res)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
