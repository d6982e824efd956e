package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/docbind/internal/config"
	"github.com/roach88/docbind/internal/doc"
	"github.com/roach88/docbind/internal/driver"
	"github.com/roach88/docbind/internal/model"
)

// CallFlags holds the per-call flags of save and destroy.
type CallFlags struct {
	Priority   int
	Durability string
	DB         string
}

func (c *CallFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&c.Priority, "priority", 0, "pool priority (lower is served first)")
	cmd.Flags().StringVar(&c.Durability, "durability", "", "write durability (hard|soft)")
	cmd.Flags().StringVar(&c.DB, "db", "", "database override for this call")
}

func (c *CallFlags) options() model.CallOptions {
	return model.CallOptions{Priority: c.Priority, Durability: c.Durability, DB: c.DB}
}

// DocumentResult is the payload of save, get and destroy.
type DocumentResult struct {
	Model    string          `json:"model"`
	ID       any             `json:"id"`
	Document json.RawMessage `json:"document"`
	Previous json.RawMessage `json:"previous,omitempty"`
	Meta     *driver.Result  `json:"meta,omitempty"`
}

func (r DocumentResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %v\n", r.Model, r.ID)
	b.WriteString(indent(r.Document))
	if len(r.Previous) > 0 {
		b.WriteString("\nprevious: ")
		b.WriteString(indent(r.Previous))
	}
	if m := r.Meta; m != nil {
		fmt.Fprintf(&b, "\ninserted=%d replaced=%d unchanged=%d skipped=%d deleted=%d errors=%d",
			m.Inserted, m.Replaced, m.Unchanged, m.Skipped, m.Deleted, m.Errors)
	}
	return b.String()
}

func indent(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func documentResult(inst *model.Instance, id any) (DocumentResult, error) {
	body, err := doc.MarshalJSON(inst.Attributes())
	if err != nil {
		return DocumentResult{}, err
	}
	r := DocumentResult{
		Model:    inst.Type().TypeName(),
		ID:       id,
		Document: body,
		Meta:     inst.Meta(),
	}
	if prev := inst.PreviousAttributes(); prev != nil {
		if r.Previous, err = doc.MarshalJSON(prev); err != nil {
			return DocumentResult{}, err
		}
	}
	return r, nil
}

// parseID reads a key argument: JSON scalars ("42", "true") keep their
// type, anything else is a string.
func parseID(arg string) any {
	if !json.Valid([]byte(arg)) {
		return arg
	}
	d, err := doc.UnmarshalJSON([]byte(`{"id":` + arg + `}`))
	if err != nil {
		return arg
	}
	switch v := d["id"].(type) {
	case map[string]any, []any, nil:
		return arg
	default:
		return v
	}
}

// lookupModel finds the named model or reports it.
func lookupModel(env *config.Env, out *OutputFormatter, name string) (*model.Type, error) {
	typ, ok := env.Models.Lookup(name)
	if !ok {
		msg := fmt.Sprintf("unknown model %q", name)
		out.Error(ErrCodeUnknownModel, msg, map[string]any{"models": env.Models.Names()})
		return nil, NewExitError(ExitCommandError, msg)
	}
	return typ, nil
}

func parseDocument(out *OutputFormatter, arg string) (doc.Document, error) {
	d, err := doc.UnmarshalJSON([]byte(arg))
	if err != nil {
		out.Error(ErrCodeInvalidJSON, fmt.Sprintf("invalid document JSON: %v", err), nil)
		return nil, WrapExitError(ExitCommandError, "invalid document JSON", err)
	}
	return d, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// NewSaveCommand creates the save command.
func NewSaveCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &CallFlags{}

	cmd := &cobra.Command{
		Use:   "save <model> <json>",
		Short: "Insert or update a document",
		Long: `Save a document through its model.

A document without a primary key is inserted and gets a generated key;
one with a key updates the stored document. Timestamps, schema validation
and soft-delete settings come from the model's config.

Example:
  docbind save Post '{"author":"John Anderson"}' --config docbind.yaml`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSave(rootOpts, flags, args[0], args[1], cmd)
		},
	}
	flags.register(cmd)
	return cmd
}

func runSave(opts *RootOptions, flags *CallFlags, modelName, body string, cmd *cobra.Command) error {
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

	inst := typ.New(attrs)
	out.VerboseLog("Saving %s (new=%t)", typ.TypeName(), inst.IsNew())
	if _, err := inst.Save(commandContext(cmd), flags.options()); err != nil {
		return out.Fail("save failed", err)
	}

	r, err := documentResult(inst, inst.ID())
	if err != nil {
		return out.Fail("encode document", err)
	}
	return out.Success(r)
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <model> <id>",
		Short: "Load a document by primary key",
		Long: `Load a stored document by primary key. Soft-deleted documents are
returned with their deleted timestamp set.

Example:
  docbind get Post 3f1c0a2e-... --config docbind.yaml`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(rootOpts, args[0], args[1], cmd)
		},
	}
	return cmd
}

func runGet(opts *RootOptions, modelName, idArg string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	env, err := opts.openEnv(cmd, out)
	if err != nil {
		return err
	}
	defer env.Close(context.Background())

	typ, err := lookupModel(env, out, modelName)
	if err != nil {
		return err
	}

	inst, err := typ.Get(commandContext(cmd), parseID(idArg))
	if err != nil {
		return out.Fail("get failed", err)
	}

	r, err := documentResult(inst, inst.ID())
	if err != nil {
		return out.Fail("encode document", err)
	}
	r.Meta = nil
	return out.Success(r)
}

// NewDestroyCommand creates the destroy command.
func NewDestroyCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &CallFlags{}

	cmd := &cobra.Command{
		Use:   "destroy <model> <id>",
		Short: "Delete a document",
		Long: `Destroy a stored document. Models with softDelete keep the document and
stamp its deleted field; others remove it. The attributes from before the
call are reported as "previous".

Example:
  docbind destroy Post 3f1c0a2e-... --config docbind.yaml`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDestroy(rootOpts, flags, args[0], args[1], cmd)
		},
	}
	flags.register(cmd)
	return cmd
}

func runDestroy(opts *RootOptions, flags *CallFlags, modelName, idArg string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	env, err := opts.openEnv(cmd, out)
	if err != nil {
		return err
	}
	defer env.Close(context.Background())

	typ, err := lookupModel(env, out, modelName)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	inst, err := typ.Get(ctx, parseID(idArg))
	if err != nil {
		return out.Fail("destroy failed", err)
	}
	id := inst.ID()
	if _, err := inst.Destroy(ctx, flags.options()); err != nil {
		return out.Fail("destroy failed", err)
	}

	r, err := documentResult(inst, id)
	if err != nil {
		return out.Fail("encode document", err)
	}
	return out.Success(r)
}
