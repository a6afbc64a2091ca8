// Command guardian is the thin CLI over the guardian core. Exit codes map
// the gate decision: 0 ALLOW, 1 WARN, 2 BLOCK, 3 system error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/config"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/license"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/manifest"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/oracle"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/redaction"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/rules"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/secrets"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/store"
)

const (
	exitAllow  = 0
	exitWarn   = 1
	exitBlock  = 2
	exitSystem = 3
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split out for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "usage: guardian <evaluate|validate-manifest|rotate-nonce>")
		return exitSystem
	}
	switch args[1] {
	case "evaluate":
		return runEvaluate(args[2:], stdout, stderr)
	case "validate-manifest":
		return runValidateManifest(args[2:], stdout, stderr)
	case "rotate-nonce":
		return runRotateNonce(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		return exitSystem
	}
}

func runEvaluate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	contextPath := fs.String("context", "", "path to the rule context JSON")
	mode := fs.String("mode", string(contracts.ModePullRequest), "evaluation mode")
	dryRun := fs.Bool("dry-run", false, "suppress fail-closed behavior and baseline writes")
	requested := fs.String("rules", "", "comma-separated rule ids explicitly requested")
	licenseToken := fs.String("license", "", "license token (overrides context)")
	cloud := fs.Bool("cloud", false, "use the cloud adapters instead of the local file stores")
	if err := fs.Parse(args); err != nil {
		return exitSystem
	}
	if *contextPath == "" {
		fmt.Fprintln(stderr, "evaluate: -context is required")
		return exitSystem
	}

	ctx := context.Background()
	cfg := config.Load()
	log := newLogger(cfg.LogLevel, stderr)

	data, err := os.ReadFile(*contextPath)
	if err != nil {
		fmt.Fprintf(stderr, "read context: %v\n", err)
		return exitSystem
	}
	var rc contracts.RuleContext
	if err := json.Unmarshal(data, &rc); err != nil {
		fmt.Fprintf(stderr, "decode context: %v\n", err)
		return exitSystem
	}

	engine, err := buildEngine(ctx, cfg, log, *cloud)
	if err != nil {
		fmt.Fprintf(stderr, "wire engine: %v\n", err)
		return exitSystem
	}

	opts := contracts.EvaluateOptions{
		Mode:   contracts.Mode(*mode),
		DryRun: *dryRun,
	}
	if *requested != "" {
		opts.RequestedRules = strings.Split(*requested, ",")
	}
	if *licenseToken != "" {
		validator := license.NewValidator([]byte(cfg.LicenseKey))
		lic, err := validator.Parse(*licenseToken, store.WallClock().Now())
		if err != nil {
			fmt.Fprintf(stderr, "parse license: %v\n", err)
			return exitSystem
		}
		rc.License = lic
	}

	report, err := engine.Evaluate(ctx, &rc, opts)
	if err != nil {
		fmt.Fprintf(stderr, "evaluate: %v\n", err)
		return exitSystem
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(stderr, "encode report: %v\n", err)
		return exitSystem
	}

	switch report.Outcome {
	case contracts.OutcomeAllow:
		return exitAllow
	case contracts.OutcomeWarn:
		return exitWarn
	default:
		return exitBlock
	}
}

// buildEngine wires the default rule set over either the file-backed stores
// or the cloud adapters.
func buildEngine(ctx context.Context, cfg *config.Config, log *slog.Logger, cloud bool) (*oracle.Engine, error) {
	registry := oracle.NewRegistry()
	registry.MustRegister(
		rules.NewSemanticJobDrift(),
		rules.NewCrossRepoProtectionGap(nil),
		rules.NewMergeQueueTrustChain(),
		rules.NewFederatedMergeQueue(),
	)

	var (
		fpStore  store.FPStore
		objects  store.ObjectStore
		counter  store.BlockCounter
		secStore secrets.Store
	)

	if cloud {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		fpStore = store.NewDynamoFPStore(dynamodb.NewFromConfig(awsCfg), cfg.TableName, nil)
		objects = store.NewS3ObjectStore(s3.NewFromConfig(awsCfg), cfg.BucketName, "")
		secStore = secrets.NewSSMSecretStore(ssm.NewFromConfig(awsCfg), cfg.Environment)
	} else {
		var err error
		if fpStore, err = store.NewFileFPStore(filepath.Join(cfg.DataDir, "fp"), nil); err != nil {
			return nil, err
		}
		if objects, err = store.NewFileObjectStore(filepath.Join(cfg.DataDir, "objects"), nil); err != nil {
			return nil, err
		}
		if secStore, err = secrets.NewFileSecretStore(filepath.Join(cfg.DataDir, "secrets")); err != nil {
			return nil, err
		}
	}

	if cfg.RedisAddr != "" {
		counter = store.NewRedisBlockCounter(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), "guardian")
	} else {
		var err error
		if counter, err = store.NewFileBlockCounter(filepath.Join(cfg.DataDir, "counters"), nil); err != nil {
			return nil, err
		}
	}

	return oracle.NewEngine(oracle.Config{
		Registry: registry,
		FPStore:  fpStore,
		Objects:  objects,
		Counter:  counter,
		Redactor: redaction.NewService(secStore),
		Logger:   log,
	}), nil
}

func runValidateManifest(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-manifest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("manifest", "", "path to the org policy manifest JSON")
	if err := fs.Parse(args); err != nil {
		return exitSystem
	}
	if *path == "" {
		fmt.Fprintln(stderr, "validate-manifest: -manifest is required")
		return exitSystem
	}
	data, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintf(stderr, "read manifest: %v\n", err)
		return exitSystem
	}
	m, err := manifest.Load(data)
	if err != nil {
		fmt.Fprintf(stderr, "load manifest: %v\n", err)
		return exitBlock
	}
	res := manifest.Validate(m, store.WallClock().Now())
	for _, w := range res.Warnings {
		fmt.Fprintf(stdout, "warning: %s\n", w)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(stdout, "error: %s\n", e)
	}
	if !res.OK() {
		return exitBlock
	}
	fmt.Fprintln(stdout, "manifest ok")
	return exitAllow
}

func runRotateNonce(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rotate-nonce", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cloud := fs.Bool("cloud", false, "rotate in SSM instead of the local store")
	value := fs.String("value", "", "new nonce value (hex, at least 32 chars)")
	if err := fs.Parse(args); err != nil {
		return exitSystem
	}
	if err := secrets.ValidateNonceValue(*value); err != nil {
		fmt.Fprintf(stderr, "rotate-nonce: %v\n", err)
		return exitSystem
	}

	ctx := context.Background()
	cfg := config.Load()

	var secStore secrets.Store
	if *cloud {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			fmt.Fprintf(stderr, "load aws config: %v\n", err)
			return exitSystem
		}
		secStore = secrets.NewSSMSecretStore(ssm.NewFromConfig(awsCfg), cfg.Environment)
	} else {
		var err error
		if secStore, err = secrets.NewFileSecretStore(filepath.Join(cfg.DataDir, "secrets")); err != nil {
			fmt.Fprintf(stderr, "open secret store: %v\n", err)
			return exitSystem
		}
	}

	if err := secStore.RotateNonce(ctx, *value); err != nil {
		if errors.Is(err, secrets.ErrRotationFailed) {
			fmt.Fprintf(stderr, "rotate-nonce: %v\n", err)
			return exitBlock
		}
		fmt.Fprintf(stderr, "rotate-nonce: %v\n", err)
		return exitSystem
	}
	nonce, err := secStore.GetNonce(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "rotate-nonce: verify: %v\n", err)
		return exitSystem
	}
	fmt.Fprintf(stdout, "nonce rotated, current version %d\n", nonce.Version)
	return exitAllow
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
