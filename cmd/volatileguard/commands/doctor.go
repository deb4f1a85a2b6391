package commands

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/systmms/volatileguard/internal/config"
	dserrors "github.com/systmms/volatileguard/internal/errors"
	"github.com/systmms/volatileguard/internal/memory"
)

// minLockLimit is the smallest memlock limit that leaves room for a
// handful of buffers and the session key.
const minLockLimit = 64 * 1024

// CheckResult is the outcome of one doctor check
type CheckResult struct {
	Name       string
	Status     string // ok, warn, error
	Message    string
	Suggestion string
}

func NewDoctorCommand(cfg *config.Config, platform memory.Platform) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the platform's memory protections",
		Long: `Verify that this machine can keep secrets the way volatileguard needs.

This command checks:
- Configuration file validity
- Locked memory limit (RLIMIT_MEMLOCK)
- Core dump status (RLIMIT_CORE)
- Page size
- That a buffer can be locked, protected, sealed and unsealed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Logger.Info("Checking volatileguard environment...")

			results := []CheckResult{checkConfig(cfg)}
			results = append(results,
				checkLockLimit(),
				checkCoreDumps(),
				checkPageSize(platform),
			)
			if cfg.Definition != nil {
				results = append(results, checkProbe(cfg, platform))
			}

			out := cmd.OutOrStdout()
			displayCheckResults(out, results, verbose)

			passed, failed := 0, 0
			for _, result := range results {
				switch result.Status {
				case "ok":
					passed++
				case "error":
					failed++
				}
			}

			_, _ = fmt.Fprintf(out, "\nSummary: %d/%d checks passed\n", passed, len(results))
			if failed > 0 {
				return dserrors.CommandError{
					Command:    "doctor",
					ExitCode:   dserrors.ExitEnvironment,
					Message:    fmt.Sprintf("%d checks failed", failed),
					Suggestion: "Run 'volatileguard doctor --verbose' for suggestions",
				}
			}

			cfg.Logger.Info("✓ All checks passed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&verbose, "verbose", false, "Show suggestions for failing checks")

	return cmd
}

func checkConfig(cfg *config.Config) CheckResult {
	if err := loadConfig(cfg); err != nil {
		return CheckResult{
			Name:       "config",
			Status:     "error",
			Message:    "invalid configuration",
			Suggestion: dserrors.SimplifyError(err).Error(),
		}
	}
	return CheckResult{Name: "config", Status: "ok", Message: cfg.Path}
}

func checkLockLimit() CheckResult {
	limit, err := memory.LockLimit()
	if err != nil {
		return CheckResult{Name: "memlock", Status: "warn", Message: err.Error()}
	}
	if !limit.Unlimited() && limit.Current < minLockLimit {
		return CheckResult{
			Name:       "memlock",
			Status:     "warn",
			Message:    fmt.Sprintf("limit %s is small", formatLimit(limit)),
			Suggestion: "Raise it with 'ulimit -l' or LimitMEMLOCK= in the systemd unit",
		}
	}
	return CheckResult{Name: "memlock", Status: "ok", Message: formatLimit(limit)}
}

func checkCoreDumps() CheckResult {
	limit, err := memory.CoreLimit()
	if err != nil {
		return CheckResult{Name: "core dumps", Status: "warn", Message: err.Error()}
	}
	if limit.Current != 0 {
		return CheckResult{
			Name:       "core dumps",
			Status:     "warn",
			Message:    fmt.Sprintf("enabled (limit %s)", formatLimit(limit)),
			Suggestion: "Set disable_core_dumps: true, or 'ulimit -c 0'",
		}
	}
	return CheckResult{Name: "core dumps", Status: "ok", Message: "disabled"}
}

func checkPageSize(platform memory.Platform) CheckResult {
	if platform == nil {
		platform = memory.System()
	}
	return CheckResult{Name: "page size", Status: "ok", Message: formatBytes(uint64(platform.PageSize()))}
}

func checkProbe(cfg *config.Config, platform memory.Platform) CheckResult {
	v, err := openVault(cfg, platform)
	if err == nil {
		err = readinessCheck(v)
		if cerr := v.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		result := CheckResult{Name: "lock/protect probe", Status: "error", Message: err.Error()}
		var userErr dserrors.UserError
		if errors.As(dserrors.VaultError("Probe", err), &userErr) {
			result.Message = userErr.Message
			result.Suggestion = userErr.Suggestion
		}
		return result
	}
	return CheckResult{Name: "lock/protect probe", Status: "ok", Message: fmt.Sprintf("sealed and unsealed a %d byte secret", readinessSecret)}
}

// displayCheckResults shows check results in a formatted table
func displayCheckResults(out io.Writer, results []CheckResult, verbose bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(w, "CHECK\tSTATUS\tMESSAGE\n")
	_, _ = fmt.Fprintf(w, "-----\t------\t-------\n")

	for _, result := range results {
		status := result.Status

		// Add status emoji
		switch result.Status {
		case "ok":
			status = "✓ " + status
		case "warn":
			status = "⚠ " + status
		case "error":
			status = "✗ " + status
		default:
			status = "? " + status
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", result.Name, status, result.Message)
	}

	_ = w.Flush()

	// Show suggestions if verbose
	if verbose {
		for _, result := range results {
			if result.Suggestion != "" && result.Status != "ok" {
				_, _ = fmt.Fprintf(out, "\n%s:\n  • %s\n", result.Name, result.Suggestion)
			}
		}
	}
}
