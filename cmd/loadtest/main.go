// Команда loadtest гоняет сценарии витрины против storefront API
// и печатает сводку по латентности и ошибкам.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

type loadMode string

const (
	// modeBrowse: список товаров и карточка.
	modeBrowse loadMode = "browse"
	// modeAdd: browse плюс добавление варианта в корзину.
	modeAdd loadMode = "add"
	// modeChurn: add плюс increment, decrement и удаление позиции.
	modeChurn loadMode = "churn"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	country     string
	outputPath  string
}

func parseConfig(args []string) (config, error) {
	var (
		cfg       config
		modeValue string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "storefront API base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios in count mode; with -duration only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 5m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeAdd), "load mode: browse | add | churn")
	fs.StringVar(&cfg.country, "country", "", "ISO-2 country hint sent with every request")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.country = strings.ToLower(strings.TrimSpace(cfg.country))

	parsed, err := url.Parse(cfg.baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return cfg, fmt.Errorf("url must be absolute: %q", cfg.baseURL)
	}

	switch {
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case modeBrowse, modeAdd, modeChurn:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

// run прогоняет сценарии не более чем в cfg.concurrency горутинах и возвращает отчёт.
func run(ctx context.Context, cfg config, httpClient *http.Client) report {
	startedAt := time.Now()
	col := newCollector()

	var g errgroup.Group
	g.SetLimit(cfg.concurrency)
	for index := range scenarios(ctx, cfg, time.Now) {
		g.Go(func() error {
			// у каждого сценария своя сессия и корзина
			_ = runScenario(ctx, newStorefrontClient(cfg, httpClient, col), cfg, index)
			return nil
		})
	}
	_ = g.Wait()

	return col.buildReport(startedAt, time.Since(startedAt))
}

// scenarios выдаёт номера сценариев, пока не исчерпан -total, не истёк -duration
// или не отменён ctx. С одним -duration число сценариев не ограничено.
func scenarios(ctx context.Context, cfg config, now func() time.Time) iter.Seq[int] {
	return func(yield func(int) bool) {
		var deadline time.Time
		if cfg.duration > 0 {
			deadline = now().Add(cfg.duration)
		}
		capped := cfg.duration <= 0 || cfg.totalSet

		for i := 0; !capped || i < cfg.total; i++ {
			if ctx.Err() != nil || (!deadline.IsZero() && !now().Before(deadline)) {
				return
			}
			if !yield(i) {
				return
			}
		}
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        cfg.concurrency,
			MaxIdleConnsPerHost: cfg.concurrency,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	result := run(ctx, cfg, httpClient)

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}
