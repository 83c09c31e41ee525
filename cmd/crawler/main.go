package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/PentesterFlow/crawlkit/internal/output"
	"github.com/PentesterFlow/crawlkit/internal/progress"
	"github.com/PentesterFlow/crawlkit/internal/shutdown"
	"github.com/PentesterFlow/crawlkit/internal/state"
	"github.com/PentesterFlow/crawlkit/pkg/crawler"
)

var (
	// Global flags
	configFile string
	verbose    bool
	debug      bool

	// Crawl flags
	concurrency     int
	tries           int
	timeout         time.Duration
	runnableTimeout time.Duration
	followRedirects bool
	rateLimit       float64
	domainDelay     time.Duration
	respectRobots   bool
	includePatterns []string
	excludePatterns []string
	followExternal  bool
	sameHost        bool
	noFinder        bool
	finderDelay     int
	runners         []string
	userAgent       string
	headful         bool
	resultsDB       string
	logFile         string

	// Output flags
	outputFile string
	pretty     bool
	stream     bool

	// Display flags
	noProgress bool

	// Status flags
	statusDB   string
	statusJSON bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crawlkit",
		Short: "CrawlKit - headless browser crawler",
		Long: `CrawlKit - A concurrent crawler driving a pool of headless browsers.

Every page is opened in a real browser, links are discovered by a finder and
named runners evaluate custom scripts on each page. Results are written as JSON.`,
		Version: crawler.Version,
	}

	crawlCmd := &cobra.Command{
		Use:   "crawl [target]",
		Short: "Crawl a target URL",
		Long:  "Crawl a target URL, running every registered runner on each discovered page.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCrawl,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show a saved crawl",
		Long:  "Show the session and result statistics stored in a results database.",
		RunE:  runStatus,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug mode")

	crawlCmd.Flags().IntVarP(&concurrency, "concurrency", "w", 1, "Number of concurrent browsers")
	crawlCmd.Flags().IntVar(&tries, "tries", 3, "Attempts per URL on crashes and timeouts")
	crawlCmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Timeout per page attempt (0 disables)")
	crawlCmd.Flags().DurationVar(&runnableTimeout, "runnable-timeout", 10*time.Second, "Default finder and runner timeout")
	crawlCmd.Flags().BoolVar(&followRedirects, "follow-redirects", false, "Queue redirect targets instead of failing")
	crawlCmd.Flags().Float64VarP(&rateLimit, "rate-limit", "r", 0, "Page opens per second (0 disables)")
	crawlCmd.Flags().DurationVar(&domainDelay, "domain-delay", 0, "Minimum delay between opens on one host")
	crawlCmd.Flags().BoolVar(&respectRobots, "respect-robots", false, "Respect robots.txt")
	crawlCmd.Flags().StringArrayVar(&includePatterns, "include", nil, "URL patterns to include (regex)")
	crawlCmd.Flags().StringArrayVar(&excludePatterns, "exclude", nil, "URL patterns to exclude (regex)")
	crawlCmd.Flags().BoolVar(&followExternal, "follow-external", false, "Follow links to other hosts")
	crawlCmd.Flags().BoolVar(&sameHost, "same-host", false, "Only discover links on the page's own host")
	crawlCmd.Flags().BoolVar(&noFinder, "no-finder", false, "Crawl the target only, without link discovery")
	crawlCmd.Flags().IntVar(&finderDelay, "finder-delay", 0, "Milliseconds to wait before collecting anchors")
	crawlCmd.Flags().StringArrayVar(&runners, "runner", nil, "Runner as key=script.js[,companion.js...]")
	crawlCmd.Flags().StringVar(&userAgent, "user-agent", "", "User agent (default "+crawler.DefaultUserAgent+")")
	crawlCmd.Flags().BoolVar(&headful, "headful", false, "Show the browser windows")
	crawlCmd.Flags().StringVar(&resultsDB, "results-db", "", "Persist results to this database file")
	crawlCmd.Flags().StringVar(&logFile, "log-file", "", "Also write logs to this rotated file")
	crawlCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")
	crawlCmd.Flags().BoolVar(&pretty, "pretty", false, "Indent the JSON report")
	crawlCmd.Flags().BoolVar(&stream, "stream", false, "Write one JSON line per page as soon as it is done")
	crawlCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar (use logging instead)")

	statusCmd.Flags().StringVar(&statusDB, "results-db", "", "Results database to read")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the stored results as a JSON report")
	statusCmd.MarkFlagRequired("results-db")

	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildConfig(cmd *cobra.Command, args []string) (*crawler.Config, error) {
	config := crawler.DefaultConfig()
	if configFile != "" {
		fileConfig, err := crawler.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = fileConfig
	}

	if len(args) > 0 {
		config.Target = args[0]
	}
	if config.Target == "" {
		return nil, fmt.Errorf("no target given")
	}

	// Command-line flags take precedence over the config file
	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		config.Concurrency = concurrency
	}
	if flags.Changed("tries") {
		config.Tries = tries
	}
	if flags.Changed("timeout") {
		config.Timeout = timeout
	}
	if flags.Changed("runnable-timeout") {
		config.RunnableTimeout = runnableTimeout
	}
	if flags.Changed("follow-redirects") {
		config.FollowRedirects = followRedirects
	}
	if flags.Changed("rate-limit") {
		config.RateLimit.RequestsPerSecond = rateLimit
	}
	if flags.Changed("domain-delay") {
		config.RateLimit.DomainDelay = domainDelay
	}
	if flags.Changed("respect-robots") {
		config.RateLimit.RespectRobotsTxt = respectRobots
	}
	if flags.Changed("include") {
		config.Scope.IncludePatterns = includePatterns
	}
	if flags.Changed("exclude") {
		config.Scope.ExcludePatterns = excludePatterns
	}
	if flags.Changed("follow-external") {
		config.Scope.FollowExternal = followExternal
	}
	if flags.Changed("results-db") {
		config.State.ResultsDB = resultsDB
	}
	if flags.Changed("log-file") {
		config.Log.File = logFile
	}
	if userAgent != "" {
		if config.PageSettings == nil {
			config.PageSettings = make(map[string]any)
		}
		config.PageSettings["userAgent"] = userAgent
	}
	if headful {
		if config.BrowserParameters == nil {
			config.BrowserParameters = make(map[string]string)
		}
		config.BrowserParameters["headless"] = "false"
	}

	switch {
	case debug:
		config.Log.Level = "debug"
	case verbose:
		config.Log.Level = "info"
	case !noProgress:
		config.Log.Level = "warn"
	}

	return config, nil
}

// parseRunner splits "key=script.js,companion.js".
func parseRunner(spec string) (string, *crawler.ScriptRunner, error) {
	key, files, ok := strings.Cut(spec, "=")
	if !ok || key == "" || files == "" {
		return "", nil, fmt.Errorf("invalid runner %q, want key=script.js", spec)
	}

	paths := strings.Split(files, ",")
	r, err := crawler.NewScriptRunnerFromFile(paths[0], paths[1:]...)
	if err != nil {
		return "", nil, fmt.Errorf("runner %s: %w", key, err)
	}
	return key, r, nil
}

func runCrawl(cmd *cobra.Command, args []string) error {
	config, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}

	showProgress := !noProgress && !verbose && !debug && !stream

	opts := []crawler.Option{crawler.WithConfig(config)}
	var display *progress.Display
	if showProgress {
		display = progress.New(os.Stderr)
		opts = append(opts, crawler.WithProgress(display))
	}

	c, err := crawler.New(config.Target, opts...)
	if err != nil {
		return fmt.Errorf("failed to create crawler: %w", err)
	}

	if !noFinder {
		finder := &crawler.AnchorFinder{}
		if sameHost {
			finder.Filter = crawler.SameHostFilter
		}
		if err := c.SetFinder(finder, finderDelay); err != nil {
			return err
		}
	}
	for _, spec := range runners {
		key, r, err := parseRunner(spec)
		if err != nil {
			return err
		}
		if err := c.AddRunner(key, r); err != nil {
			return err
		}
	}

	var out io.Writer = os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		out = f
	}
	writer, err := output.NewWriter(out, output.Config{Format: "json", Pretty: pretty, Stream: stream})
	if err != nil {
		return err
	}

	sd := shutdown.New(context.Background(), shutdown.Config{
		Timeout: 10 * time.Second,
		OnInterrupt: func(sig os.Signal) {
			fmt.Fprintf(os.Stderr, "\nReceived %s, stopping...\n", sig)
		},
	})
	sd.Register("output", func(context.Context) error {
		return writer.Close()
	})
	defer func() {
		for _, err := range sd.Shutdown() {
			fmt.Fprintf(os.Stderr, "Shutdown: %v\n", err)
		}
	}()
	ctx := sd.Context()

	startTime := time.Now()
	var report *crawler.Report
	if stream {
		report, err = streamResults(ctx, c, writer)
	} else {
		report, err = c.Crawl(ctx)
		if report != nil {
			if werr := writer.WriteReport(report); werr != nil {
				return fmt.Errorf("failed to write report: %w", werr)
			}
		}
	}
	if err != nil && !sd.Interrupted() {
		return fmt.Errorf("crawl failed: %w", err)
	}

	summary := &output.Summary{
		Name:        config.Name,
		Target:      config.Target,
		StartedAt:   startTime,
		CompletedAt: time.Now(),
		Duration:    time.Since(startTime),
		Statistics:  output.Summarize(report),
	}
	if stream {
		if err := writer.WriteSummary(summary); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	}

	if display != nil {
		display.PrintSummary()
	} else {
		printSummary(summary)
	}
	return nil
}

// streamResults writes each entry as it arrives and collects them for the
// summary.
func streamResults(ctx context.Context, c *crawler.Crawler, writer output.Writer) (*crawler.Report, error) {
	entries, err := c.Stream(ctx)
	if err != nil {
		return nil, err
	}

	report := &crawler.Report{Results: make(map[string]*crawler.Result)}
	var writeErr error
	for entry := range entries {
		report.Results[entry.URL] = entry.Result
		if writeErr != nil {
			continue
		}
		if writeErr = writer.WriteEntry(entry); writeErr == nil {
			writeErr = writer.Flush()
		}
	}
	if writeErr != nil {
		return report, fmt.Errorf("failed to write result: %w", writeErr)
	}
	return report, ctx.Err()
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, err := state.NewBoltStore(statusDB)
	if err != nil {
		return err
	}
	defer store.Close()

	report := &crawler.Report{Results: make(map[string]*crawler.Result)}
	err = store.ForEachResult(func(url string, r *crawler.Result) error {
		report.Results[url] = r
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read results: %w", err)
	}

	if statusJSON {
		w := output.NewJSONWriter(os.Stdout, true, false)
		if err := w.WriteReport(report); err != nil {
			return err
		}
		return w.Flush()
	}

	session, err := store.LoadSession()
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}

	summary := &output.Summary{
		Statistics: output.Summarize(report),
	}
	if session != nil {
		summary.Name = session.Name
		summary.Target = session.Target
		summary.StartedAt = session.StartedAt
		summary.CompletedAt = session.FinishedAt
		if !session.FinishedAt.IsZero() {
			summary.Duration = session.FinishedAt.Sub(session.StartedAt)
		}
	}

	fmt.Printf("Results DB: %s\n", store.Path())
	if summary.CompletedAt.IsZero() {
		fmt.Println("Status:     incomplete")
	} else {
		fmt.Println("Status:     finished")
	}
	printSummary(summary)
	return nil
}

func printSummary(summary *output.Summary) {
	stats := summary.Statistics
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║                       Crawl Summary                          ║")
	fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(os.Stderr)
	if summary.Name != "" {
		fmt.Fprintf(os.Stderr, "Name:               %s\n", summary.Name)
	}
	fmt.Fprintf(os.Stderr, "Target:             %s\n", summary.Target)
	fmt.Fprintf(os.Stderr, "Duration:           %v\n", summary.Duration.Round(time.Millisecond))
	fmt.Fprintf(os.Stderr, "URLs:               %d\n", stats.TotalURLs)
	fmt.Fprintf(os.Stderr, "Succeeded:          %d\n", stats.Succeeded)
	fmt.Fprintf(os.Stderr, "Failed:             %d\n", stats.Failed)
	fmt.Fprintf(os.Stderr, "Runner Errors:      %d\n", stats.RunnerErrors)
	for kind, n := range stats.ErrorsByKind {
		fmt.Fprintf(os.Stderr, "  %-18s%d\n", kind+":", n)
	}
	fmt.Fprintln(os.Stderr)
}
