package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewWorkflowCmd создаёт группу команд для управления workflows.
func NewWorkflowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflows",
	}

	cmd.AddCommand(
		newWorkflowListCmd(clientFn, outputFn),
		newWorkflowSubmitCmd(clientFn, outputFn),
		newWorkflowStatusCmd(clientFn, outputFn),
		newWorkflowResumeCmd(clientFn, outputFn),
	)

	return cmd
}

func newWorkflowListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var kind string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			workflows, err := client.ListWorkflows(ListWorkflowsOpts{
				Kind:   kind,
				Status: status,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			headers := []string{"ID", "KIND", "STATUS", "TRIGGERED_BY", "CREATED"}
			rows := make([][]string, len(workflows))
			for i, wf := range workflows {
				rows[i] = []string{wf.ID, wf.Kind, wf.Status, wf.TriggeredBy, wf.CreatedAt}
			}

			out.Print(headers, rows, workflows)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind (INCIDENT_RESPONSE, POSTMORTEM_PUBLISH, KB_SYNC)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, RUNNING, COMPLETED, FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newWorkflowSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var inputs []string

	cmd := &cobra.Command{
		Use:   "submit KIND",
		Short: "Submit a new workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := SubmitWorkflowRequest{
				Kind:        args[0],
				TriggeredBy: "cli",
			}

			if len(inputs) > 0 {
				req.Input = make(map[string]any)
				for _, kv := range inputs {
					parts := strings.SplitN(kv, "=", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
					}
					req.Input[parts[0]] = parts[1]
				}
			}

			wf, err := client.SubmitWorkflow(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Workflow submitted: %s", wf.ID))
			out.Print(
				[]string{"ID", "KIND", "STATUS", "CREATED"},
				[][]string{{wf.ID, wf.Kind, wf.Status, wf.CreatedAt}},
				wf,
			)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE (repeatable)")

	return cmd
}

func newWorkflowStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show workflow progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			snap, err := client.GetStatus(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("%s %s: %s (%s)", snap.Kind, snap.ID, snap.Status, snap.Progress))

			headers := []string{"ORDER", "STEP", "STATUS", "ATTEMPTS", "ERROR"}
			rows := make([][]string, len(snap.Steps))
			for i, s := range snap.Steps {
				rows[i] = []string{
					strconv.Itoa(s.Order),
					s.Name,
					s.Status,
					strconv.Itoa(s.AttemptCount),
					s.LastError,
				}
			}

			out.Print(headers, rows, snap)
			return nil
		},
	}
}

func newWorkflowResumeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume incomplete workflows after a restart",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.ResumeIncomplete(); err != nil {
				return err
			}

			out.Success("Incomplete workflows rescheduled")
			return nil
		},
	}
}
