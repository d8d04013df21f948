package cmd

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/config"
	"github.com/rohmanhakim/docs-crawler/internal/coordinator"
	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/internal/store"
	"github.com/spf13/cobra"
)

var (
	cfgFile           string
	seedURLs          []string
	maxDepth          int
	concurrency       int
	outputDir         string
	dryRun            bool
	maxPages          int
	userAgent         string
	timeout           time.Duration
	baseDelay         time.Duration
	jitter            time.Duration
	randomSeed        int64
	allowedHosts      []string
	allowedPathPrefix []string
	dbPath            string
	csvPath           string
	csvEnabled        bool
	multiprocessing   bool
	maxWorkers        int
	urlsPerBatch      int
	domainDelay       time.Duration
	proxy             string
	freshStart        bool
	clearState        bool
	utemaBeta         float64
)

// parseStringSliceToSet converts a string slice to a map[string]struct{} set
func parseStringSliceToSet(strings []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, s := range strings {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

// parseSeedURLs converts a string slice of URLs to []url.URL
func parseSeedURLs(urlStrings []string) ([]url.URL, error) {
	if len(urlStrings) == 0 {
		return nil, fmt.Errorf("seed URLs cannot be empty")
	}

	var urls []url.URL
	for _, urlStr := range urlStrings {
		parsedURL, err := url.Parse(urlStr)
		if err != nil {
			return nil, fmt.Errorf("error parsing seed URL %s: %w", urlStr, err)
		}
		urls = append(urls, *parsedURL)
	}
	return urls, nil
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "docs-crawler",
	Short: "A local-only documentation crawler.",
	Long: `docs-crawler is a CLI application that crawls static documentation
websites and converts their content into clean, semantically faithful Markdown,
optimized for LLM Retrieval-Augmented Generation (RAG) workflows.

This tool aims to provide a deterministic and repeatable crawl process,
producing high-quality Markdown suitable for embedding and retrieval.`,
	Run: func(cmd *cobra.Command, args []string) {
		// Check if seed URLs are provided
		if len(seedURLs) == 0 {
			fmt.Fprintf(os.Stderr, "Error: --seeds is required. Please provide at least one seed URL to start crawling.\n")
			cmd.Usage()
			os.Exit(1)
		}

		// Parse seed URLs
		parsedURLs, err := parseSeedURLs(seedURLs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}

		// Build config using initConfig with parsed seed URLs
		cfg := InitConfig(parsedURLs)

		// Display configuration for verification
		fmt.Printf("Configuration initialized successfully\n")
		if len(cfg.SeedURLs()) > 0 {
			var urls []string
			for _, u := range cfg.SeedURLs() {
				urls = append(urls, u.String())
			}
			fmt.Printf("Seed URLs: %s\n", strings.Join(urls, ", "))
		}
		if len(cfg.AllowedHosts()) > 0 {
			var hosts []string
			for host := range cfg.AllowedHosts() {
				hosts = append(hosts, host)
			}
			fmt.Printf("Allowed Hosts: %s\n", strings.Join(hosts, ", "))
		}
		if len(cfg.AllowedPathPrefix()) > 0 {
			fmt.Printf("Allowed Path Prefixes: %s\n", strings.Join(cfg.AllowedPathPrefix(), ", "))
		}
		fmt.Printf("Max Depth: %d\n", cfg.MaxDepth())
		fmt.Printf("Max Pages: %d\n", cfg.MaxPages())
		fmt.Printf("Concurrency: %d\n", cfg.Concurrency())
		fmt.Printf("Base Delay: %v\n", cfg.BaseDelay())
		fmt.Printf("Jitter: %v\n", cfg.Jitter())
		fmt.Printf("Random Seed: %d\n", cfg.RandomSeed())
		fmt.Printf("Timeout: %v\n", cfg.Timeout())
		fmt.Printf("User Agent: %s\n", cfg.UserAgent())
		fmt.Printf("Output Directory: %s\n", cfg.OutputDir())
		fmt.Printf("Dry Run: %t\n", cfg.DryRun())
		fmt.Printf("Database Path: %s\n", cfg.DBPath())
		fmt.Printf("CSV Export Dir: %s\n", cfg.CSVPath())
		fmt.Printf("CSV Export Enabled: %t\n", cfg.CSVEnabled())
		fmt.Printf("Multiprocessing: %t\n", cfg.Multiprocessing())
		fmt.Printf("Max Workers: %d\n", cfg.MaxWorkers())
		fmt.Printf("URLs Per Batch: %d\n", cfg.UrlsPerBatch())
		fmt.Printf("Domain Delay: %v\n", cfg.DomainDelay())
		if cfg.Proxy() != "" {
			fmt.Printf("Proxy: %s\n", cfg.Proxy())
		}
		fmt.Printf("Fresh Start: %t\n", cfg.FreshStart())
		fmt.Printf("Clear State: %t\n", cfg.ClearState())
		fmt.Printf("UTEMA Beta: %v\n", cfg.UtemaBeta())

		if err := runCrawl(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	},
}

// runCrawl opens the persistent store, builds a Coordinator from cfg, and
// drives the crawl to completion or until the interactive console or an
// OS signal requests a stop. It owns the exit-code-relevant failure path;
// the caller turns a non-nil error into os.Exit(1).
func runCrawl(cfg config.Config) error {
	if cfg.ClearState() {
		if err := os.Remove(cfg.DBPath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clearing persisted state: %w", err)
		}
		fmt.Printf("Cleared persisted state at %s\n", cfg.DBPath())
		return nil
	}

	recorder := metadata.NewRecorder("coordinator")
	sink := metadata.MetadataSink(&recorder)

	if cfg.FreshStart() {
		if err := os.Remove(cfg.DBPath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("starting fresh: %w", err)
		}
	}

	st, storeErr := store.Open(cfg.DBPath(), sink)
	if storeErr != nil {
		return fmt.Errorf("opening store: %w", storeErr)
	}
	defer st.Close()

	coord := coordinator.NewCoordinatorFromConfig(cfg, st, sink)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runConsole(stop, st)

	var summary coordinator.Summary
	if cfg.Multiprocessing() {
		summary = coord.RunWorkerPool(ctx)
	} else {
		summary = coord.Run(ctx)
	}

	fmt.Printf("Crawl finished: %d pages, %d errors, %d assets, %s\n",
		summary.PagesCrawled, summary.ErrorsSeen, summary.AssetsSeen, summary.Duration)
	return nil
}

// runConsole reads stdin commands until stop|quit|exit is entered or stdin
// closes, calling requestStop to cancel the crawl's context either way.
// The stats command prints the store-wide row counts.
func runConsole(requestStop context.CancelFunc, st *store.Store) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(strings.ToLower(scanner.Text())) {
		case "stop", "quit", "exit":
			requestStop()
			return
		case "stats":
			s := st.Stats()
			fmt.Printf("stats: pages=%d frontier=%d disallowed_urls=%d disallowed_domains=%d errors=%d\n",
				s.Pages, s.Frontier, s.DisallowedURLs, s.DisallowedDomains, s.Errors)
		case "help":
			fmt.Println("commands: stop|quit|exit, stats, help")
		}
	}
	requestStop()
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Here you will define your flags and configuration settings.
	// Cobra supports persistent flags, which, if defined here,
	// will be available to all subcommands in the docs-crawler application.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "config file path (e.g., /home/myuser/config.json)")
	rootCmd.PersistentFlags().StringArrayVar(&seedURLs, "seeds", []string{}, "one or more starting URLs (can be repeated)")
	rootCmd.PersistentFlags().IntVar(&maxDepth, "max-depth", 5, "maximum link depth from seed URL")
	rootCmd.PersistentFlags().IntVar(&concurrency, "concurrency", 3, "number of concurrent fetch workers")
	rootCmd.PersistentFlags().StringVar(&outputDir, "output-dir", "output", "root output directory for crawled content")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "crawl without writing output")
	rootCmd.PersistentFlags().IntVar(&maxPages, "max-pages", 0, "maximum number of pages to fetch (0 for unlimited)")
	rootCmd.PersistentFlags().StringVar(&userAgent, "user-agent", "", "user agent string for HTTP requests")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "timeout for HTTP requests")
	rootCmd.PersistentFlags().DurationVar(&baseDelay, "delay", 0, "base delay between HTTP requests to the same host")
	rootCmd.PersistentFlags().DurationVar(&jitter, "jitter", 0, "random jitter added to base delay")
	rootCmd.PersistentFlags().Int64Var(&randomSeed, "random-seed", 0, "seed for random number generation (0 for current time)")
	rootCmd.PersistentFlags().StringArrayVar(&allowedHosts, "allowed-host", []string{}, "explicit hostname allowlist (defaults to seed host)")
	rootCmd.PersistentFlags().StringArrayVar(&allowedPathPrefix, "allowed-path-prefix", []string{}, "restrict crawl to paths like `/docs`, `/guide`")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the persistent sqlite store")
	rootCmd.PersistentFlags().StringVar(&csvPath, "csv", "", "directory the frontier/pages CSV side-export is written to")
	rootCmd.PersistentFlags().BoolVar(&csvEnabled, "csv-enabled", true, "enable the CSV side-export")
	rootCmd.PersistentFlags().BoolVar(&multiprocessing, "multiprocessing", false, "run the multi-worker coordinator variant")
	rootCmd.PersistentFlags().IntVar(&maxWorkers, "max-workers", 0, "worker-pool size when --multiprocessing is set")
	rootCmd.PersistentFlags().IntVar(&urlsPerBatch, "urls-per-batch", 0, "number of URLs dispensed per frontier batch")
	rootCmd.PersistentFlags().DurationVar(&domainDelay, "domain-delay", 0, "default per-domain politeness delay")
	rootCmd.PersistentFlags().StringVar(&proxy, "proxy", "", "outbound HTTP proxy URL")
	rootCmd.PersistentFlags().BoolVar(&freshStart, "fresh-start", false, "ignore any persisted frontier/page state and start over")
	rootCmd.PersistentFlags().BoolVar(&clearState, "clear-state", false, "wipe persisted state and exit without crawling")
	rootCmd.PersistentFlags().Float64Var(&utemaBeta, "utema-beta", 0, "smoothing factor for the per-domain UTEMA error-rate estimator")
}

// InitConfig reads in config file and ENV variables if set.
// seedUrls is a mandatory parameter and must contain at least one valid URL.
func InitConfig(seedUrls []url.URL) config.Config {
	cfg, err := InitConfigWithError(seedUrls)
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	return cfg
}

// InitConfigWithError reads in config file and ENV variables if set, returning any errors.
// seedUrls is a mandatory parameter and must contain at least one valid URL.
// This makes it easier to test error cases.
func InitConfigWithError(seedUrls []url.URL) (config.Config, error) {
	if len(seedUrls) == 0 {
		return config.Config{}, fmt.Errorf("%w: seedUrls cannot be empty", config.ErrInvalidConfig)
	}

	if cfgFile != "" {
		fmt.Printf("Initializing config from file: %s\n", cfgFile)
		cfg, err := config.WithConfigFile(cfgFile)
		if err != nil {
			return cfg, fmt.Errorf("error initializing config from file: %w", err)
		}
		return cfg, nil
	}

	// Build config from CLI flags using the With... functions with method chaining
	fmt.Println("No config file specified. Using default flag values or environment variables")

	// Start with default config using provided seed URLs and apply overrides using method chaining
	configBuilder := config.WithDefault(seedUrls)

	// Override with CLI flag values where provided
	if maxDepth > 0 {
		configBuilder = configBuilder.WithMaxDepth(maxDepth)
	}

	if concurrency > 0 {
		configBuilder = configBuilder.WithConcurrency(concurrency)
	}

	if outputDir != "" && outputDir != "output" {
		configBuilder = configBuilder.WithOutputDir(outputDir)
	}

	if dryRun {
		configBuilder = configBuilder.WithDryRun(dryRun)
	}

	if maxPages > 0 {
		configBuilder = configBuilder.WithMaxPages(maxPages)
	}

	if userAgent != "" {
		configBuilder = configBuilder.WithUserAgent(userAgent)
	}

	if timeout > 0 {
		configBuilder = configBuilder.WithTimeout(timeout)
	}

	if baseDelay > 0 {
		configBuilder = configBuilder.WithBaseDelay(baseDelay)
	}

	if jitter > 0 {
		configBuilder = configBuilder.WithJitter(jitter)
	}

	if randomSeed != 0 {
		configBuilder = configBuilder.WithRandomSeed(randomSeed)
	}

	if len(allowedHosts) > 0 {
		configBuilder = configBuilder.WithAllowedHosts(parseStringSliceToSet(allowedHosts))
	}

	if len(allowedPathPrefix) > 0 {
		configBuilder = configBuilder.WithAllowedPathPrefix(allowedPathPrefix)
	}

	if dbPath != "" {
		configBuilder = configBuilder.WithDBPath(dbPath)
	}

	if csvPath != "" {
		configBuilder = configBuilder.WithCSVPath(csvPath)
	}

	configBuilder = configBuilder.WithCSVEnabled(csvEnabled)

	if multiprocessing {
		configBuilder = configBuilder.WithMultiprocessing(multiprocessing)
	}

	if maxWorkers > 0 {
		configBuilder = configBuilder.WithMaxWorkers(maxWorkers)
	}

	if urlsPerBatch > 0 {
		configBuilder = configBuilder.WithUrlsPerBatch(urlsPerBatch)
	}

	if domainDelay > 0 {
		configBuilder = configBuilder.WithDomainDelay(domainDelay)
	}

	if proxy != "" {
		configBuilder = configBuilder.WithProxy(proxy)
	}

	if freshStart {
		configBuilder = configBuilder.WithFreshStart(freshStart)
	}

	if clearState {
		configBuilder = configBuilder.WithClearState(clearState)
	}

	if utemaBeta > 0 {
		configBuilder = configBuilder.WithUtemaBeta(utemaBeta)
	}

	cfg, err := configBuilder.Build()
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func ResetFlags() {
	cfgFile = ""
	seedURLs = []string{}
	maxDepth = 0
	concurrency = 0
	outputDir = ""
	dryRun = false
	maxPages = 0
	userAgent = ""
	timeout = 0
	baseDelay = 0
	jitter = 0
	randomSeed = 0
	allowedHosts = []string{}
	allowedPathPrefix = []string{}
	dbPath = ""
	csvPath = ""
	csvEnabled = true
	multiprocessing = false
	maxWorkers = 0
	urlsPerBatch = 0
	domainDelay = 0
	proxy = ""
	freshStart = false
	clearState = false
	utemaBeta = 0
}

// Test helper functions to set flag values from tests
func SetConfigFileForTest(path string) {
	cfgFile = path
}

func SetSeedURLsForTest(urls []string) {
	seedURLs = urls
}

func SetMaxDepthForTest(depth int) {
	maxDepth = depth
}

func SetConcurrencyForTest(conc int) {
	concurrency = conc
}

func SetOutputDirForTest(dir string) {
	outputDir = dir
}

func SetDryRunForTest(dry bool) {
	dryRun = dry
}

func SetMaxPagesForTest(pages int) {
	maxPages = pages
}

func SetUserAgentForTest(agent string) {
	userAgent = agent
}

func SetTimeoutForTest(t time.Duration) {
	timeout = t
}

func SetBaseDelayForTest(delay time.Duration) {
	baseDelay = delay
}

func SetJitterForTest(j time.Duration) {
	jitter = j
}

func SetRandomSeedForTest(seed int64) {
	randomSeed = seed
}

func SetAllowedHostsForTest(hosts []string) {
	allowedHosts = hosts
}

func SetAllowedPathPrefixForTest(prefixes []string) {
	allowedPathPrefix = prefixes
}

func SetDBPathForTest(path string) {
	dbPath = path
}

func SetCSVPathForTest(path string) {
	csvPath = path
}

func SetCSVEnabledForTest(enabled bool) {
	csvEnabled = enabled
}

func SetMultiprocessingForTest(enabled bool) {
	multiprocessing = enabled
}

func SetMaxWorkersForTest(workers int) {
	maxWorkers = workers
}

func SetUrlsPerBatchForTest(n int) {
	urlsPerBatch = n
}

func SetDomainDelayForTest(delay time.Duration) {
	domainDelay = delay
}

func SetProxyForTest(p string) {
	proxy = p
}

func SetFreshStartForTest(fresh bool) {
	freshStart = fresh
}

func SetClearStateForTest(clear bool) {
	clearState = clear
}

func SetUtemaBetaForTest(beta float64) {
	utemaBeta = beta
}
