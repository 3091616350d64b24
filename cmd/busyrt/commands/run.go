package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/busyhq/busyrt/pkg/engine"
	"github.com/busyhq/busyrt/pkg/runtime"
	"github.com/busyhq/busyrt/pkg/telemetry"
)

// Human task handling modes for the run command.
const (
	humanPrompt  = "prompt"
	humanApprove = "approve"
	humanReject  = "reject"
)

func newRunCommand() *cobra.Command {
	var (
		inputs  []string
		human   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <playbook>",
		Short: "Run a playbook to completion",
		Long: `Run a playbook from the loaded bundles and wait for it to finish.

Steps that fall through to the human strategy become tasks. By default the
command asks on stdin whether each task was done; --human approve or
--human reject answers every task without asking.`,
		Example: `  # Run a playbook from a bundle directory
  busyrt run print-report -b ./bundles

  # Pass typed inputs
  busyrt run print-report -b ./bundles --input copies=2 --input duplex=true

  # Keep history and auto-approve human steps
  busyrt run print-report -b ./bundles --store busyrt.db --human approve`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			playbook := args[0]

			in, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			switch human {
			case humanPrompt, humanApprove, humanReject:
			default:
				return fmt.Errorf("invalid --human mode %q (prompt, approve, reject)", human)
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			a, err := newApp(ctx, globalOptions())
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.Background()); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			stop := a.answerHumanTasks(human, cmd.InOrStdin(), cmd.ErrOrStderr())
			defer stop()

			log.Info().
				Str("playbook", playbook).
				Interface("inputs", in).
				Msg("Running playbook")

			exec, err := a.orch.ExecutePlaybook(ctx, playbook, in, map[string]interface{}{"source": "cli"})
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), exec); err != nil {
					return err
				}
			} else {
				printExecution(cmd.OutOrStdout(), exec)
			}

			if exec.Status != engine.PlaybookStatusCompleted {
				return fmt.Errorf("playbook %s %s: %s", playbook, exec.Status, exec.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&inputs, "input", "i", nil, "playbook input (key=value, value parsed as YAML)")
	cmd.Flags().StringVar(&human, "human", humanPrompt, "human task handling: prompt, approve, reject")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall run timeout (0 for none)")

	return cmd
}

// parseInputs turns key=value pairs into a map. Values are decoded as YAML
// scalars so numbers and booleans keep their types.
func parseInputs(pairs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", p)
		}
		var v interface{}
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

// answerHumanTasks resolves human tasks as they are created. The returned
// func stops answering.
func (a *app) answerHumanTasks(mode string, in io.Reader, out io.Writer) func() {
	tasks := make(chan string, 16)
	done := make(chan struct{})
	subID := a.tel.Events.Subscribe(func(e telemetry.Event) {
		if id, ok := e.Data["taskId"].(string); ok {
			select {
			case tasks <- id:
			case <-done:
			}
		}
	}, telemetry.FilterByType(telemetry.EventHumanTaskCreated))

	go func() {
		reader := bufio.NewReader(in)
		for {
			select {
			case <-done:
				return
			case id := <-tasks:
				a.answerTask(id, mode, reader, out)
			}
		}
	}()

	return func() {
		a.tel.Events.Unsubscribe(subID)
		close(done)
	}
}

func (a *app) answerTask(id, mode string, reader *bufio.Reader, out io.Writer) {
	var err error
	switch mode {
	case humanApprove:
		err = a.human.Complete(id, nil)
	case humanReject:
		err = a.human.Reject(id, "rejected from the command line")
	default:
		name := id
		for _, t := range a.human.Pending() {
			if t.ID == id {
				name = t.StepName
			}
		}
		fmt.Fprintf(out, "Step %q needs a person (task %s). Done? [y/N]: ", name, id)
		line, _ := reader.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			err = a.human.Complete(id, nil)
		default:
			err = a.human.Reject(id, "declined at prompt")
		}
	}
	if err != nil {
		a.logr.WithError(err).WithField("task_id", id).Warn("Could not resolve human task")
	}
}

func printExecution(w io.Writer, exec *runtime.PlaybookExecution) {
	fmt.Fprintf(w, "Execution %s: %s (%s)\n", exec.ID, exec.Status, exec.Duration().Round(time.Millisecond))
	for _, s := range exec.Steps {
		line := fmt.Sprintf("  %-24s %-10s", s.Name, s.Status)
		if s.ExecutionResult != nil {
			line += " via " + string(s.ExecutionResult.ExecutionType)
		}
		for _, r := range s.AllocatedResources {
			line += fmt.Sprintf(" [%s=%s]", r.Name, r.Resource.Name)
		}
		fmt.Fprintln(w, line)
		for _, warn := range s.Warnings {
			fmt.Fprintf(w, "      warning: %s\n", warn)
		}
		for _, e := range s.Errors {
			fmt.Fprintf(w, "      error: %s\n", e)
		}
	}
	if exec.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", exec.Error)
	}
	if len(exec.Outputs) > 0 {
		fmt.Fprintln(w, "Outputs:")
		if data, err := yaml.Marshal(exec.Outputs); err == nil {
			for _, l := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
				fmt.Fprintf(w, "  %s\n", l)
			}
		}
	}
}
