package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gamesync/internal/observability"
	"github.com/3leaps/gamesync/pkg/manifest"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the environment and, optionally, a job",
	Long: `Run diagnostic checks: Go runtime, data and run directories, and with
--job the manifest, sink directory, ledger, upstream reachability (--probe)
and publishing credentials.

Example:
  gamesync doctor
  gamesync doctor --job team-games.yaml --probe`,
	RunE: runDoctor,
}

var (
	doctorJobPath string
	doctorScope   string
	doctorProbe   bool
)

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVarP(&doctorJobPath, "job", "j", "", "Also check this job manifest")
	doctorCmd.Flags().StringVarP(&doctorScope, "scope", "s", "", "Scope (overrides manifest scope)")
	doctorCmd.Flags().BoolVar(&doctorProbe, "probe", false, "Call the enumeration endpoint")
}

// doctorCheck is one diagnostic. It returns a short detail on success.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	logger.Info("=== " + bannerName + " ===")

	checks := environmentChecks()
	if doctorJobPath != "" {
		checks = append(checks, jobChecks()...)
	}

	failed := 0
	for i, c := range checks {
		detail, err := c.run(ctx)
		prefix := fmt.Sprintf("[%d/%d] %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			logger.Error(prefix+" ❌", zap.Error(err))
			continue
		}
		logger.Info(prefix+" ✅ "+detail)
	}

	if failed > 0 {
		logger.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitInvalidArgument, "Doctor found problems", fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	logger.Info("✅ All checks passed.")
	return nil
}

func environmentChecks() []doctorCheck {
	return []doctorCheck{
		{"Checking Go runtime", func(context.Context) (string, error) {
			return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
		}},
		{"Checking data directory", func(context.Context) (string, error) {
			dir := appConfig().DataDir
			return dir, checkWritableDir(dir)
		}},
		{"Checking run registry", func(context.Context) (string, error) {
			dir := appConfig().RunsDir()
			return dir, checkWritableDir(dir)
		}},
	}
}

func jobChecks() []doctorCheck {
	var j *job
	loaded := func() error {
		if j == nil {
			return fmt.Errorf("manifest not loaded")
		}
		return nil
	}

	checks := []doctorCheck{
		{"Checking manifest", func(context.Context) (string, error) {
			var err error
			j, err = loadJob(doctorJobPath, doctorScope)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s (scope %s, %d outputs)", j.m.Job, j.scope, len(j.m.Outputs)), nil
		}},
		{"Checking sink directory", func(context.Context) (string, error) {
			if err := loaded(); err != nil {
				return "", err
			}
			return j.m.Sinks.Dir, checkWritableDir(j.m.Sinks.Dir)
		}},
		{"Checking ledger", func(ctx context.Context) (string, error) {
			if err := loaded(); err != nil {
				return "", err
			}
			led, err := j.openLedger(ctx)
			if err != nil {
				return "", err
			}
			defer func() { _ = led.Close() }()
			done, err := led.LoadAll(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s (%d done)", j.m.LedgerPath(j.scope), len(done)), nil
		}},
	}

	if doctorProbe {
		checks = append(checks, doctorCheck{"Probing enumeration endpoint", func(ctx context.Context) (string, error) {
			if err := loaded(); err != nil {
				return "", err
			}
			c, err := j.client()
			if err != nil {
				return "", err
			}
			ids, err := c.Enumerate(ctx, j.scope)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d identifiers", len(ids)), nil
		}})
	}

	checks = append(checks, doctorCheck{"Checking publish credentials", func(ctx context.Context) (string, error) {
		if err := loaded(); err != nil {
			return "", err
		}
		return checkPublishCredentials(ctx, j.m.Publish)
	}})
	return checks
}

func checkWritableDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil { // #nosec G301 -- data directories are not secret
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

func checkPublishCredentials(ctx context.Context, p *manifest.PublishConfig) (string, error) {
	if p == nil {
		return "not configured", nil
	}
	if key := appConfig().Publish.AccessKeyID; key != "" {
		return maskAccessKey(key) + " via gamesync config", nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if p.Region != "" {
		opts = append(opts, awsconfig.WithRegion(p.Region))
	}
	if p.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(p.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("load AWS config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s via %s", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
