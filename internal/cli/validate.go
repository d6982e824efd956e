package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/docbind/internal/schema"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Model  string              `json:"model"`
	Valid  bool                `json:"valid"`
	Schema bool                `json:"schema"` // false when the model declares no schema
	Errors []schema.FieldError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <model> <json>",
		Short: "Check a document against its model's schema without saving",
		Long: `Validate a document against the CUE schema declared for its model.

Every violation is reported with its field path. Nothing is written.

Example:
  docbind validate Post '{"author":""}' --config docbind.yaml`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, modelName, body string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	attrs, err := parseDocument(out, body)
	if err != nil {
		return err
	}

	env, err := opts.openEnv(cmd, out)
	if err != nil {
		return err
	}
	defer env.Close(context.Background())

	typ, err := lookupModel(env, out, modelName)
	if err != nil {
		return err
	}

	result := ValidationResult{Model: typ.TypeName(), Valid: true}
	s, ok := env.Schemas.Lookup(typ.TypeName())
	if !ok {
		out.VerboseLog("Model %s declares no schema", typ.TypeName())
		return outputValidateSuccess(out, result)
	}
	result.Schema = true

	err = s.Validate(attrs)
	if err == nil {
		return outputValidateSuccess(out, result)
	}
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		return out.Fail("validate failed", err)
	}
	result.Valid = false
	result.Errors = verr.Fields
	return outputValidationErrors(out, result)
}

func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	if result.Schema {
		fmt.Fprintf(formatter.Writer, "✓ %s document valid\n", result.Model)
	} else {
		fmt.Fprintf(formatter.Writer, "✓ %s has no schema\n", result.Model)
	}
	return nil
}

// outputValidationErrors outputs every violation of one document.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    ErrCodeValidation,
				Message: fmt.Sprintf("%s document invalid", result.Model),
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
	}

	fmt.Fprintf(formatter.Writer, "✗ %s document invalid\n", result.Model)
	fmt.Fprintln(formatter.Writer)
	for _, fe := range result.Errors {
		field := fe.Field
		if field == "" {
			field = "(document)"
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", field, fe.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
}
