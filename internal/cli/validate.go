package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rift/internal/doc"
	"github.com/roach88/rift/internal/schema"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Schema     string // CUE file or directory; empty uses the built-in schema
	Definition string
}

// ValidationIssue is one rejected document.
type ValidationIssue struct {
	File    string `json:"file"`
	Entity  string `json:"entity"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool              `json:"valid"`
	Checked int               `json:"checked"`
	Errors  []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <file.json>...",
		Short: "Check entity documents against the schema",
		Long: `Check JSON entity documents against a CUE definition without writing
anything. The entity id is the file name without its extension.

Exit codes:
  0 - All documents are valid
  1 - One or more documents were rejected
  2 - Command error (unreadable file, bad schema)`,
		Example: `  rift validate aria.json
  rift validate chars/*.json --schema ./schemas --definition '#Character'`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Schema, "schema", "", "CUE schema file or directory (default: built-in)")
	cmd.Flags().StringVar(&opts.Definition, "definition", schema.DefaultDefinition, "CUE definition to check against")

	return cmd
}

func runValidate(opts *ValidateOptions, files []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	v, err := loadValidator(opts.Schema, opts.Definition)
	if err != nil {
		_ = f.Error(ErrCodeValidation, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load schema", err)
	}
	f.VerboseLog("Checking %d file(s) against %s", len(files), v.Definition())

	result := ValidationResult{Valid: true, Checked: len(files)}
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read document", err)
		}
		entity := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))

		d, err := doc.Decode(raw)
		if err != nil {
			result.Errors = append(result.Errors, ValidationIssue{
				File: file, Entity: entity, Field: "data", Message: err.Error(),
			})
			continue
		}
		if err := v.Validate(entity, d); err != nil {
			result.Errors = append(result.Errors, toIssue(file, entity, err))
		}
	}
	result.Valid = len(result.Errors) == 0

	if opts.Format == "json" {
		if err := f.Success(result); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		for _, issue := range result.Errors {
			loc := issue.File
			if issue.Line > 0 {
				loc = fmt.Sprintf("%s:%d", issue.File, issue.Line)
			}
			fmt.Fprintf(w, "✗ %s: %s: %s\n", loc, issue.Field, issue.Message)
		}
		if result.Valid {
			fmt.Fprintf(w, "✓ %d document(s) valid\n", result.Checked)
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d document(s) invalid", len(result.Errors), result.Checked))
	}
	return nil
}

func loadValidator(path, definition string) (*schema.Validator, error) {
	if path == "" {
		if definition == "" || definition == schema.DefaultDefinition {
			return schema.Default()
		}
		return nil, fmt.Errorf("definition %s requires --schema", definition)
	}
	return schema.Load(path, definition)
}

func toIssue(file, entity string, err error) ValidationIssue {
	issue := ValidationIssue{File: file, Entity: entity, Field: "data", Message: err.Error()}
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		issue.Field = ve.Field
		issue.Message = ve.Message
		if ve.Pos.IsValid() {
			issue.Line = ve.Pos.Line()
		}
	}
	return issue
}
