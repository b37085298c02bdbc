package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/fedlog/internal/config"
	"github.com/roach88/fedlog/internal/harness"
)

// FileValidation is the validation outcome of one file.
type FileValidation struct {
	Path  string `json:"path"`
	Kind  string `json:"kind"` // "config" or "scenario"
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [file...]",
		Short: "Validate config and scenario files",
		Long: `Validate instance config files (.toml) and federation scenarios
(.yaml, .yml) without starting anything.

With no arguments the config file from --config is validated.

Examples:
  fedlog validate
  fedlog validate ~/.fedlog/fedlog.toml testdata/scenarios/*.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{rootOpts.configPath()}
			}
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	result := ValidationResult{Valid: true, Files: make([]FileValidation, 0, len(paths))}

	for _, path := range paths {
		fv := validateFile(path)
		formatter.VerboseLog("Validated %s %s", fv.Kind, path)
		if !fv.Valid {
			result.Valid = false
		}
		result.Files = append(result.Files, fv)
	}

	if !result.Valid {
		if err := formatter.Error(CodeConfig, "validation failed", result); err != nil {
			return err
		}
		if formatter.Format != "json" {
			writeValidation(formatter.Writer, result)
		}
		return NewExitError(ExitFailure, "validation failed")
	}
	return formatter.Success(result, func(w io.Writer) {
		writeValidation(w, result)
	})
}

// validateFile picks the validator by extension.
func validateFile(path string) FileValidation {
	var err error
	fv := FileValidation{Path: path}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		fv.Kind = "scenario"
		_, err = harness.LoadScenario(path)
	case ".toml":
		fv.Kind = "config"
		if _, err = os.Stat(path); err == nil {
			_, err = config.Load(path)
		}
	default:
		fv.Kind = "unknown"
		err = fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		fv.Error = err.Error()
		return fv
	}
	fv.Valid = true
	return fv
}

func writeValidation(w io.Writer, result ValidationResult) {
	for _, fv := range result.Files {
		if fv.Valid {
			fmt.Fprintf(w, "✓ %s (%s)\n", fv.Path, fv.Kind)
			continue
		}
		fmt.Fprintf(w, "✗ %s (%s)\n  %s\n", fv.Path, fv.Kind, fv.Error)
	}
}
