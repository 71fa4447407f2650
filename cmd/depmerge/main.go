package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/depmerge/internal/cfg"
	"github.com/simplesurance/depmerge/internal/evaluate"
	"github.com/simplesurance/depmerge/internal/event"
	"github.com/simplesurance/depmerge/internal/githubclt"
	"github.com/simplesurance/depmerge/internal/logfields"
	"github.com/simplesurance/depmerge/internal/merge"
	"github.com/simplesurance/depmerge/internal/retry"
)

const appName = "depmerge"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

const (
	exitCodeError    = 1
	exitCodeBadUsage = 2
)

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(exitCodeError)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, exitCodeError)
	}
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool

	EventPath *string
	Owner     *string
	Repo      *string
	PRNumber  *int

	GithubAPIToken *string

	AllowedActors      *string
	AllowedUpdateTypes *string
	PackageBlockList   *string
	PackageAllowList   *string

	Approve      *bool
	Merge        *bool
	MergeMethod  *string
	UseAutoMerge *bool
	Deadline     *time.Duration
	APITimeout   *string

	OutputFile *string
}

var args arguments

func mustParseCommandlineParams() {
	defaults := cfg.Default()

	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			"",
			"path to an optional depmerge configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),

		EventPath: pflag.String(
			"event-path",
			os.Getenv("GITHUB_EVENT_PATH"),
			"path to a pull_request event payload file,\nidentifies the pull request to process",
		),
		Owner: pflag.String(
			"owner",
			"",
			"repository owner of the pull request,\nalternative to --event-path",
		),
		Repo: pflag.String(
			"repo",
			"",
			"repository name of the pull request,\nalternative to --event-path",
		),
		PRNumber: pflag.Int(
			"pr",
			0,
			"pull request number,\nalternative to --event-path",
		),

		GithubAPIToken: pflag.String(
			"github-api-token",
			"",
			"github api authentication token,\ndefaults to the GITHUB_TOKEN environment variable",
		),

		AllowedActors: pflag.String(
			"allowed-actors",
			defaults.AllowedActors,
			"comma-separated list of pull request authors that are processed,\nempty permits all authors",
		),
		AllowedUpdateTypes: pflag.String(
			"allowed-update-types",
			defaults.AllowedUpdateTypes,
			"comma-separated list of category:bumpType entries that may be merged",
		),
		PackageBlockList: pflag.String(
			"package-block-list",
			defaults.PackageBlockList,
			"comma-separated list of dependencies that must not be updated automatically",
		),
		PackageAllowList: pflag.String(
			"package-allow-list",
			defaults.PackageAllowList,
			"comma-separated list of dependencies that may be updated automatically,\nempty permits all dependencies",
		),

		Approve: pflag.Bool(
			"approve",
			defaults.Approve,
			"approve the pull request when it passes the policy",
		),
		Merge: pflag.Bool(
			"merge",
			defaults.Merge,
			"merge the pull request when it passes the policy",
		),
		MergeMethod: pflag.String(
			"merge-method",
			defaults.MergeMethod,
			"method for merging the pull request (merge, squash, rebase)",
		),
		UseAutoMerge: pflag.Bool(
			"use-auto-merge",
			defaults.UseAutoMerge,
			"enable github auto-merge instead of polling until the pull request is mergeable",
		),
		Deadline: pflag.Duration(
			"deadline",
			merge.DefaultDeadline,
			"maximum duration to wait for the pull request to become mergeable",
		),
		APITimeout: pflag.String(
			"api-timeout",
			defaults.APITimeout,
			"timeout for a single github api request",
		),

		OutputFile: pflag.String(
			"output-file",
			"",
			"write the result additionally to this file",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nEvaluate, approve and merge dependency-update pull requests.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

// mustAssembleCfg merges the configuration file, if one was given, and the
// commandline parameters. Parameters that were set on the commandline win.
func mustAssembleCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	config := cfg.Default()

	if *args.ConfigFile != "" {
		file, err := os.Open(*args.ConfigFile)
		exitOnErr("could not open configuration file", err)
		defer file.Close()

		doc, err := cfg.Load(file)
		if err != nil {
			exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
		}

		doc.Apply(config)
	}

	applyFlags(config)

	if config.GithubAPIToken == "" {
		config.GithubAPIToken = os.Getenv("GITHUB_TOKEN")
	}

	if err := config.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err.Error())
		os.Exit(exitCodeBadUsage)
	}

	return config
}

func applyFlags(config *cfg.Config) {
	setString := map[string]*string{
		"github-api-token":     &config.GithubAPIToken,
		"allowed-actors":       &config.AllowedActors,
		"allowed-update-types": &config.AllowedUpdateTypes,
		"package-block-list":   &config.PackageBlockList,
		"package-allow-list":   &config.PackageAllowList,
		"merge-method":         &config.MergeMethod,
		"api-timeout":          &config.APITimeout,
	}

	flagValues := map[string]*string{
		"github-api-token":     args.GithubAPIToken,
		"allowed-actors":       args.AllowedActors,
		"allowed-update-types": args.AllowedUpdateTypes,
		"package-block-list":   args.PackageBlockList,
		"package-allow-list":   args.PackageAllowList,
		"merge-method":         args.MergeMethod,
		"api-timeout":          args.APITimeout,
	}

	for name, dest := range setString {
		if pflag.CommandLine.Changed(name) {
			*dest = *flagValues[name]
		}
	}

	if pflag.CommandLine.Changed("approve") {
		config.Approve = *args.Approve
	}

	if pflag.CommandLine.Changed("merge") {
		config.Merge = *args.Merge
	}

	if pflag.CommandLine.Changed("use-auto-merge") {
		config.UseAutoMerge = *args.UseAutoMerge
	}
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stderr,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stderr"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", config.LogLevel, err)
			os.Exit(exitCodeBadUsage)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(exitCodeBadUsage)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

// mustResolveTarget determines the pull request to process, either from the
// explicit --owner/--repo/--pr parameters or from an event payload file.
// The returned author is only known on the event path, it is empty for the
// explicit parameters.
func mustResolveTarget() (merge.PullRequest, string) {
	if *args.Owner != "" || *args.Repo != "" || *args.PRNumber != 0 {
		if *args.Owner == "" || *args.Repo == "" || *args.PRNumber <= 0 {
			fmt.Fprintln(os.Stderr, "ERROR: --owner, --repo and --pr must be specified together")
			os.Exit(exitCodeBadUsage)
		}

		return merge.PullRequest{
			Owner:  *args.Owner,
			Repo:   *args.Repo,
			Number: *args.PRNumber,
		}, ""
	}

	if *args.EventPath == "" {
		fmt.Fprintln(os.Stderr, "ERROR: either --event-path or --owner, --repo and --pr must be specified")
		os.Exit(exitCodeBadUsage)
	}

	payload, err := os.ReadFile(*args.EventPath)
	exitOnErr(fmt.Sprintf("could not read event payload file: %s", *args.EventPath), err)

	target, err := event.ParsePullRequestEvent(payload)
	exitOnErr(fmt.Sprintf("could not parse event payload file: %s", *args.EventPath), err)

	return merge.PullRequest{
		Owner:  target.Owner,
		Repo:   target.Repo,
		Number: target.Number,
	}, target.Author
}

func reportResult(result *evaluate.Result) {
	report := fmt.Sprintf("passed=%t\n", result.Passed)

	fmt.Print(report)

	if *args.OutputFile == "" {
		return
	}

	err := os.WriteFile(*args.OutputFile, []byte(report), 0o644)
	if err != nil {
		logger.Error(
			"writing the result file failed",
			logfields.Event("result_file_write_failed"),
			zap.String("output_file", *args.OutputFile),
			zap.Error(err),
		)
	}
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), exitCodeError)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustAssembleCfg()

	mustInitLogger(config)

	pr, author := mustResolveTarget()

	logger.Info(
		"configuration loaded",
		logfields.Event("cfg_loaded"),
		logfields.RepositoryOwner(pr.Owner),
		logfields.Repository(pr.Repo),
		logfields.PullRequest(pr.Number),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.String("allowed_actors", config.AllowedActors),
		zap.String("allowed_update_types", config.AllowedUpdateTypes),
		zap.String("package_block_list", config.PackageBlockList),
		zap.String("package_allow_list", config.PackageAllowList),
		zap.Bool("approve", config.Approve),
		zap.Bool("merge", config.Merge),
		zap.String("merge_method", config.MergeMethod),
		zap.Bool("use_auto_merge", config.UseAutoMerge),
		zap.Duration("deadline", *args.Deadline),
		zap.String("api_timeout", config.APITimeout),
	)

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
		cancelFn()
	})

	allowedUpdates, err := config.AllowedUpdates()
	exitOnErr("could not parse allowed-update-types", err)

	apiTimeout, err := config.APITimeoutDuration()
	exitOnErr("could not parse api-timeout", err)

	githubClient := githubclt.New(config.GithubAPIToken, apiTimeout)
	retryer := retry.NewRetryer()

	orchestrator := merge.NewOrchestrator(githubClient, retryer, merge.Config{
		Approve:      config.Approve,
		Merge:        config.Merge,
		MergeMethod:  config.MergeMethod,
		UseAutoMerge: config.UseAutoMerge,
		Deadline:     *args.Deadline,
	})

	evaluator := evaluate.New(githubClient, retryer, orchestrator, evaluate.Config{
		AllowedActors:  config.ActorAllowSet(),
		AllowedUpdates: allowedUpdates,
		Filters:        config.NameFilters(),
	})

	result, err := evaluator.Run(ctx, pr, author)
	if err != nil {
		logger.Error(
			"run failed",
			logfields.Event("run_failed"),
			zap.Error(err),
		)

		var invalidCfgErr *cfg.InvalidError
		if errors.As(err, &invalidCfgErr) || errors.Is(err, merge.ErrAutoMergeUnsupported) {
			os.Exit(exitCodeBadUsage)
		}

		os.Exit(exitCodeError)
	}

	reportResult(result)

	logger.Info(
		"run finished",
		logfields.Event("run_finished"),
		logfields.Decision(result.Decision.String()),
		logfields.Outcome(result.Outcome.String()),
		zap.Bool("passed", result.Passed),
	)
}
