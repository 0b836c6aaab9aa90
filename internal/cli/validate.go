package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Path  string `json:"path"`
}

func (r ValidationResult) String() string {
	return fmt.Sprintf("✓ %s is valid", r.Path)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a configuration file",
		Long: `Check a configuration file against the schema without connecting.

Every schema violation is reported, not just the first. Without an argument
the file named by --config is checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if _, err := loadConfig(f, path); err != nil {
		return err
	}
	return f.Success(ValidationResult{Valid: true, Path: path})
}
