package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/volatileguard/internal/config"
	dserrors "github.com/systmms/volatileguard/internal/errors"
	"github.com/systmms/volatileguard/internal/lifecycle"
	"github.com/systmms/volatileguard/internal/logging"
	"github.com/systmms/volatileguard/internal/memory"
	"github.com/systmms/volatileguard/internal/memory/memtest"
	"github.com/systmms/volatileguard/pkg/vault"
)

const testConfig = "disable_core_dumps: false\n"

// newTestConfig writes content to a temporary volatileguard.yaml and
// returns a config that logs into the returned buffer.
func newTestConfig(t *testing.T, content string) (*config.Config, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "volatileguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	logs := &bytes.Buffer{}
	return &config.Config{
		Path:   path,
		Logger: logging.NewWithWriter(logs, true, true),
	}, logs
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRun_ReadinessCheck(t *testing.T) {
	t.Parallel()

	cfg, logs := newTestConfig(t, testConfig)
	platform := memtest.New()

	require.NoError(t, Run(cfg, platform))

	assert.Contains(t, logs.String(), "Vault ready")
	assert.Contains(t, logs.String(), "key mode: session")
	assert.Equal(t, 0, platform.Live(), "everything released after the check")
	for _, mem := range platform.Freed() {
		assert.True(t, memtest.AllZero(mem))
	}
}

func TestRun_Failures(t *testing.T) {
	t.Parallel()

	t.Run("allocation", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestConfig(t, testConfig)
		platform := memtest.New()
		platform.FailLock(errors.New("EPERM"))

		err := Run(cfg, platform)
		require.ErrorIs(t, err, vault.ErrAllocationFailed)
		assert.Equal(t, dserrors.ExitEnvironment, dserrors.ExitCode(err))
		assert.Contains(t, err.Error(), "ulimit -l")
	})

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestConfig(t, "open_mode: sometimes\n")

		err := Run(cfg, memtest.New())
		require.Error(t, err)
		assert.Equal(t, dserrors.ExitConfig, dserrors.ExitCode(err))
	})
}

func TestDoctorCommand_Healthy(t *testing.T) {
	t.Parallel()

	cfg, _ := newTestConfig(t, testConfig)
	output, err := execute(t, NewDoctorCommand(cfg, memtest.New()))
	require.NoError(t, err)

	assert.Contains(t, output, "CHECK")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "memlock")
	assert.Contains(t, output, "page size")
	assert.Contains(t, output, "4.0 KiB")
	assert.Contains(t, output, "lock/protect probe")
	assert.Contains(t, output, "Summary:")
}

func TestDoctorCommand_ProbeFails(t *testing.T) {
	t.Parallel()

	cfg, _ := newTestConfig(t, testConfig)
	platform := memtest.New()
	platform.FailLock(errors.New("EPERM"))

	output, err := execute(t, NewDoctorCommand(cfg, platform), "--verbose")
	require.Error(t, err)

	var cmdErr dserrors.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, dserrors.ExitEnvironment, cmdErr.ExitCode)
	assert.Contains(t, output, "✗ error")
	assert.Contains(t, output, "ulimit -l")
}

func TestDoctorCommand_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg, _ := newTestConfig(t, "key_mode: [\n")
	output, err := execute(t, NewDoctorCommand(cfg, memtest.New()))
	require.Error(t, err)
	assert.Contains(t, output, "invalid configuration")
	assert.NotContains(t, output, "lock/protect probe")
}

func TestSelftestCommand_AllPass(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{"session", "per-buffer"} {
		mode := mode
		t.Run(mode, func(t *testing.T) {
			t.Parallel()

			cfg, _ := newTestConfig(t, testConfig+"key_mode: "+mode+"\n")
			output, err := execute(t, NewSelftestCommand(cfg, memtest.New()))
			require.NoError(t, err, output)

			for _, check := range selftestChecks {
				assert.Contains(t, output, check.name)
			}
			assert.Contains(t, output, "7/7 checks passed")
			assert.NotContains(t, output, "✗")
		})
	}
}

func TestSelftestCommand_Metrics(t *testing.T) {
	t.Parallel()

	cfg, _ := newTestConfig(t, testConfig)
	output, err := execute(t, NewSelftestCommand(cfg, memtest.New()), "--metrics")
	require.NoError(t, err)

	assert.Contains(t, output, "volatileguard_buffers_created_total")
	assert.Contains(t, output, "volatileguard_cipher_operations_total")
}

func TestSelftestCommand_Failure(t *testing.T) {
	t.Parallel()

	cfg, _ := newTestConfig(t, testConfig)
	platform := memtest.New()
	platform.FailProtect(memory.ReadWrite, errors.New("EACCES"))

	output, err := execute(t, NewSelftestCommand(cfg, platform))
	require.Error(t, err)
	assert.Equal(t, dserrors.ExitIntegrity, dserrors.ExitCode(err))
	assert.Contains(t, output, "0/7 checks passed")
}

func TestHoldCommand_DurationElapses(t *testing.T) {
	t.Parallel()

	cfg, logs := newTestConfig(t, testConfig)
	platform := memtest.New()
	cmd := NewHoldCommand(cfg, platform)
	cmd.SetIn(strings.NewReader("s3cret-value\n"))

	_, err := execute(t, cmd, "--duration", "10ms", "--owner", "unit-test", "--capacity", "64")
	require.NoError(t, err)

	assert.Contains(t, logs.String(), `Holding 12 bytes for "unit-test"`)
	assert.Contains(t, logs.String(), "All secrets wiped")
	assert.NotContains(t, logs.String(), "s3cret-value")
	assert.Equal(t, 0, platform.Live())
	for _, mem := range platform.Freed() {
		assert.True(t, memtest.AllZero(mem))
	}
}

func TestHoldCommand_Cancelled(t *testing.T) {
	t.Parallel()

	cfg, logs := newTestConfig(t, testConfig)
	cmd := NewHoldCommand(cfg, memtest.New())
	cmd.SetIn(strings.NewReader("token"))
	cmd.SetArgs([]string{"--owner", "cancel"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, cmd.ExecuteContext(ctx))
	assert.Contains(t, logs.String(), "Hold cancelled")
}

func TestHoldCommand_InputErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		args   []string
		errIs  error
		errMsg string
	}{
		{
			name:   "empty input",
			input:  "",
			errMsg: "No secret on stdin",
		},
		{
			name:  "too large",
			input: "longer than four",
			args:  []string{"--capacity", "4"},
			errIs: vault.ErrCapacityExceeded,
		},
		{
			name:   "bad capacity",
			input:  "x",
			args:   []string{"--capacity", "0"},
			errMsg: "Capacity must be positive",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg, _ := newTestConfig(t, testConfig)
			platform := memtest.New()
			cmd := NewHoldCommand(cfg, platform)
			cmd.SetIn(strings.NewReader(tt.input))

			_, err := execute(t, cmd, append([]string{"--duration", "1ms"}, tt.args...)...)
			require.Error(t, err)
			if tt.errIs != nil {
				assert.ErrorIs(t, err, tt.errIs)
			}
			if tt.errMsg != "" {
				assert.Contains(t, err.Error(), tt.errMsg)
			}
			assert.Equal(t, 0, platform.Live())
		})
	}
}

func TestHoldCommand_ExactCapacity(t *testing.T) {
	t.Parallel()

	cfg, logs := newTestConfig(t, testConfig)
	cmd := NewHoldCommand(cfg, memtest.New())
	cmd.SetIn(strings.NewReader("abcd\r\n"))

	_, err := execute(t, cmd, "--duration", "1ms", "--capacity", "4")
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "Holding 4 bytes")
}

func TestHoldCommand_EarlyExitReportsTeardown(t *testing.T) {
	t.Parallel()

	cfg, logs := newTestConfig(t, testConfig)
	platform := memtest.New()
	unlockErr := errors.New("munlock failed")
	platform.FailUnlock(unlockErr)
	cmd := NewHoldCommand(cfg, platform)
	cmd.SetIn(strings.NewReader(""))

	_, err := execute(t, cmd, "--duration", "1ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No secret on stdin")
	assert.ErrorIs(t, err, unlockErr)

	var te *lifecycle.TeardownError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, te.Total)
	assert.Contains(t, logs.String(), "Teardown left 1 of 1 buffers unwiped")
}

func TestTrimNewline(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "abc", want: "abc"},
		{in: "abc\n", want: "abc"},
		{in: "abc\r\n", want: "abc"},
		{in: "abc\n\n", want: "abc\n"},
		{in: "\n", want: ""},
	}
	for _, tt := range tests {
		tt := tt
		assert.Equal(t, tt.want, string(trimNewline([]byte(tt.in))), "%q", tt.in)
	}
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   uint64
		want string
	}{
		{in: 0, want: "0 B"},
		{in: 512, want: "512 B"},
		{in: 4096, want: "4.0 KiB"},
		{in: 64 * 1024 * 1024, want: "64.0 MiB"},
	}
	for _, tt := range tests {
		tt := tt
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}

func TestCompletionCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{name: "bash", args: []string{"bash"}, want: "__start_volatileguard"},
		{name: "zsh", args: []string{"zsh"}, want: "#compdef volatileguard"},
		{name: "fish", args: []string{"fish", "--no-descriptions"}, want: "complete -c volatileguard"},
		{name: "powershell", args: []string{"powershell"}, want: "Register-ArgumentCompleter"},
		{name: "unsupported shell", args: []string{"tcsh"}, wantErr: true},
		{name: "missing shell", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			root := &cobra.Command{Use: "volatileguard"}
			root.AddCommand(NewCompletionCommand())

			output, err := execute(t, root, append([]string{"completion"}, tt.args...)...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, output, tt.want)
		})
	}

	assert.Equal(t, []string{"bash", "fish", "powershell", "zsh"}, completionShells())
}
