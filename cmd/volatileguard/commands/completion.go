package commands

import (
	"io"
	"sort"

	"github.com/spf13/cobra"
)

type completionWriter func(root *cobra.Command, out io.Writer, descriptions bool) error

var completionWriters = map[string]completionWriter{
	"bash": func(root *cobra.Command, out io.Writer, descriptions bool) error {
		return root.GenBashCompletionV2(out, descriptions)
	},
	"zsh": func(root *cobra.Command, out io.Writer, descriptions bool) error {
		if descriptions {
			return root.GenZshCompletion(out)
		}
		return root.GenZshCompletionNoDesc(out)
	},
	"fish": func(root *cobra.Command, out io.Writer, descriptions bool) error {
		return root.GenFishCompletion(out, descriptions)
	},
	"powershell": func(root *cobra.Command, out io.Writer, descriptions bool) error {
		if descriptions {
			return root.GenPowerShellCompletionWithDesc(out)
		}
		return root.GenPowerShellCompletion(out)
	},
}

func completionShells() []string {
	shells := make([]string, 0, len(completionWriters))
	for name := range completionWriters {
		shells = append(shells, name)
	}
	sort.Strings(shells)
	return shells
}

// NewCompletionCommand prints a shell completion script for the root command.
func NewCompletionCommand() *cobra.Command {
	var noDescriptions bool

	cmd := &cobra.Command{
		Use:   "completion <shell>",
		Short: "Print a shell completion script",
		Long: `Print a completion script for bash, zsh, fish or powershell to stdout.

The script only completes commands and flags. It never reads the vault or
stdin, so it is safe to generate on a machine that holds secrets.`,
		Example: `  # Current bash session
  source <(volatileguard completion bash)

  # Every zsh session (compinit must be enabled)
  volatileguard completion zsh > "${fpath[1]}/_volatileguard"

  # Fish, without per-flag descriptions
  volatileguard completion fish --no-descriptions > ~/.config/fish/completions/volatileguard.fish`,
		DisableFlagsInUseLine: true,
		ValidArgs:             completionShells(),
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			write := completionWriters[args[0]]
			return write(cmd.Root(), cmd.OutOrStdout(), !noDescriptions)
		},
	}

	cmd.Flags().BoolVar(&noDescriptions, "no-descriptions", false, "Omit command and flag descriptions from the script")

	return cmd
}
