package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/busyhq/busyrt/pkg/config"
	"github.com/busyhq/busyrt/pkg/engine"
)

// validationReport is the result of the validate command.
type validationReport struct {
	Config    string            `json:"config,omitempty"`
	Bundles   []string          `json:"bundles"`
	Playbooks map[string]string `json:"playbooks"`
	Policies  int               `json:"policies"`
	Errors    []string          `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [bundle paths...]",
		Short: "Validate runtime config and definition bundles",
		Long: `Validate the runtime config and definition bundles without running anything.

This command checks:
  - CUE, YAML and JSON syntax
  - Schema conformance of the config and every bundle
  - Resource extends chains and provider declarations
  - Every playbook's steps, implementations and capabilities
  - Rego policy compilation`,
		Example: `  # Validate bundles in a directory
  busyrt validate ./bundles

  # Validate a config file together with its bundles
  busyrt validate -c busyrt.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := globalOptions()
			opts.Bundles = append(opts.Bundles, args...)
			opts.NoStore = true

			log.Info().
				Str("config", opts.ConfigPath).
				Strs("bundles", opts.Bundles).
				Msg("Validating configuration")

			report, err := validateAll(cmd.Context(), opts)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				names := make([]string, 0, len(report.Playbooks))
				for name := range report.Playbooks {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-24s %s\n", name, report.Playbooks[name])
				}
				for _, e := range report.Errors {
					fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", e)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d playbook(s), %d policy(ies), %d error(s)\n",
					len(report.Playbooks), report.Policies, len(report.Errors))
			}

			if len(report.Errors) > 0 {
				return fmt.Errorf("validation failed with %d error(s)", len(report.Errors))
			}
			return nil
		},
	}

	return cmd
}

// validateAll wires a throwaway runtime and checks every playbook it
// loaded. Load failures become report errors rather than command errors.
func validateAll(ctx context.Context, opts appOptions) (*validationReport, error) {
	report := &validationReport{
		Config:    opts.ConfigPath,
		Bundles:   opts.Bundles,
		Playbooks: make(map[string]string),
	}

	a, err := newApp(ctx, opts)
	if err != nil {
		report.Errors = append(report.Errors, describeError(err)...)
		return report, nil
	}
	defer a.Close(context.Background())

	report.Policies = len(a.policy.ListPolicies())
	for _, name := range a.source.Names() {
		if err := a.orch.ValidatePlaybook(name); err != nil {
			report.Playbooks[name] = "invalid"
			report.Errors = append(report.Errors, describeError(err)...)
			continue
		}
		report.Playbooks[name] = "ok"
	}
	return report, nil
}

// describeError expands located loader errors into one line each.
func describeError(err error) []string {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		if located, ok := ee.Details["errors"].([]config.ValidationError); ok && len(located) > 0 {
			out := make([]string, 0, len(located))
			for _, v := range located {
				out = append(out, v.String())
			}
			return out
		}
	}
	return []string{err.Error()}
}
