package cli

import (
	"strconv"
	"strings"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/spf13/cobra"
)

// NewFlowCmd создаёт группу команд для просмотра flows.
func NewFlowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Inspect flows",
	}

	cmd.AddCommand(
		newFlowListCmd(clientFn, outputFn),
		newFlowShowCmd(clientFn, outputFn),
	)

	return cmd
}

func newFlowListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			flows, err := client.ListFlows(cmd.Context())
			if err != nil {
				return err
			}

			headers := []string{"ALIAS", "NAME", "VERSION", "STEPS"}
			rows := make([][]string, len(flows))
			for i, f := range flows {
				rows[i] = []string{f.Alias, f.Name, strconv.Itoa(f.Version), strconv.Itoa(f.Steps)}
			}

			out.Print(headers, rows, flows)
			return nil
		},
	}
}

func newFlowShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ALIAS",
		Short: "Show flow steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			flow, err := client.GetFlow(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"#", "STEP", "PROTOTYPE", "TIMEOUT", "FLAGS"},
				stepRows(flow.Steps, ""),
				flow,
			)
			return nil
		},
	}
}

// stepRows разворачивает дерево шагов в строки таблицы.
// Вложенные шаги нумеруются через точку: 3.1, 3.2.
func stepRows(defs []domain.StepDef, prefix string) [][]string {
	var rows [][]string
	for i, def := range defs {
		num := prefix + strconv.Itoa(i+1)

		timeout := ""
		if def.TimeoutSec > 0 {
			timeout = strconv.Itoa(def.TimeoutSec) + "s"
		}

		var flags []string
		if def.Disabled {
			flags = append(flags, "disabled")
		}
		if def.StopFlowOnError {
			flags = append(flags, "stop-on-error")
		}

		rows = append(rows, []string{num, def.Name, def.Prototype, timeout, strings.Join(flags, ",")})
		rows = append(rows, stepRows(def.Steps, num+".")...)
	}
	return rows
}
