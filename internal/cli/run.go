package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/spf13/cobra"
)

// ErrRunFailed — flow завершился ошибкой шага.
var ErrRunFailed = errors.New("flow run failed")

// runFlags — флаги команды run.
type runFlags struct {
	uids    string
	params  []string
	local   string
	useDB   bool
	openAPI string
	async   bool
}

// NewRunCmd создаёт команду запуска flow и группу команд для запусков.
//
//	conveyor run ALIAS[,ALIAS...] [--uid UID[,UID...]] [--param k=v] [--local DIR]
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run ALIAS[,ALIAS...]",
		Short: "Run flows and inspect runs",
		Long: "Run one or more flows one after another and print progress.\n" +
			"With --local the flows are read from a directory of YAML files and\n" +
			"executed in this process instead of the API server.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			opts, err := flags.runOpts(args[0])
			if err != nil {
				return err
			}

			if flags.local != "" {
				return runLocal(cmd.Context(), out, opts, flags)
			}
			if flags.async {
				return runAsync(cmd.Context(), clientFn(), out, opts)
			}
			return runRemote(cmd.Context(), clientFn(), out, opts)
		},
	}

	cmd.Flags().StringVar(&flags.uids, "uid", "", "Flow run IDs, one per alias, comma separated")
	cmd.Flags().StringArrayVar(&flags.params, "param", nil, "Run parameter as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&flags.local, "local", "", "Run locally against a directory of YAML flows")
	cmd.Flags().BoolVar(&flags.useDB, "db", false, "With --local: keep the step run log in the database at DB_URL")
	cmd.Flags().StringVar(&flags.openAPI, "openapi", os.Getenv("OPENAPI_SPEC"), "With --local: OpenAPI document for openapi steps (file or URL)")
	cmd.Flags().BoolVar(&flags.async, "async", false, "Queue the run and return immediately")
	cmd.MarkFlagsMutuallyExclusive("local", "async")

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunStepsCmd(clientFn, outputFn),
		newRunInvalidateCmd(clientFn, outputFn),
	)

	return cmd
}

func (f runFlags) runOpts(aliasArg string) (RunOpts, error) {
	aliases := orchestrator.ParseAliases(aliasArg)
	if len(aliases) == 0 {
		return RunOpts{}, orchestrator.ErrNoAliases
	}

	ids, err := orchestrator.ParseRunIDs(f.uids)
	if err != nil {
		return RunOpts{}, err
	}
	if len(ids) > 0 && len(ids) != len(aliases) {
		return RunOpts{}, fmt.Errorf("%w: %d ids for %d aliases", orchestrator.ErrRunIDMismatch, len(ids), len(aliases))
	}

	params, err := ParseParams(f.params)
	if err != nil {
		return RunOpts{}, err
	}

	return RunOpts{Aliases: aliases, FlowRunIDs: ids, Parameters: params}, nil
}

// runRemote выполняет flow через API и печатает поток сообщений.
func runRemote(ctx context.Context, client *Client, out *Output, opts RunOpts) error {
	result, err := client.RunFlow(ctx, opts, out.Line)
	if err != nil {
		return err
	}

	out.Success(fmt.Sprintf("Flow runs: %s", orchestrator.FormatRunIDs(result.FlowRunIDs)))
	if out.jsonMode {
		out.JSON(result)
	}
	if !result.Succeeded {
		return ErrRunFailed
	}
	return nil
}

func runAsync(ctx context.Context, client *Client, out *Output, opts RunOpts) error {
	resp, err := client.EnqueueRun(ctx, opts)
	if err != nil {
		return err
	}

	out.Success(fmt.Sprintf("Flow runs queued: %s", orchestrator.FormatRunIDs(resp.FlowRunIDs)))
	rows := make([][]string, len(resp.Runs))
	for i, r := range resp.Runs {
		rows[i] = []string{r.ID.String(), r.FlowAlias, r.Status}
	}
	out.Print([]string{"ID", "FLOW", "STATUS"}, rows, resp)
	return nil
}

// runLocal выполняет flow в текущем процессе.
// Без --db журнал шагов живёт только в памяти, поэтому инкрементальные
// шаги каждый раз начинают с нуля.
func runLocal(ctx context.Context, out *Output, opts RunOpts, flags runFlags) error {
	logger := telemetry.NewLogger(out.errW, "text", telemetry.LogLevel())

	cfg := orchestrator.Config{
		Flows:  repo.NewYAMLFlowSource(flags.local),
		RunLog: repo.NewMemoryRunLog(),
		HTTP:   resty.New(),
		Logger: logger,
	}

	if flags.useDB {
		pool, err := repo.NewPool(ctx)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		cfg.DB = pool
		cfg.RunLog = repo.NewStepRunRepo(pool)
		cfg.FlowRuns = repo.NewFlowRunRepo(pool)
	}

	doc, err := orchestrator.LoadOpenAPI(ctx, flags.openAPI)
	if err != nil {
		return err
	}
	cfg.OpenAPI = doc

	exec, err := orchestrator.New(cfg).Start(ctx, orchestrator.Request{
		Aliases:    opts.Aliases,
		FlowRunIDs: opts.FlowRunIDs,
		Parameters: opts.Parameters,
		Source:     "cli",
		BudgetFunc: func(budget time.Duration) {
			out.Success(fmt.Sprintf("Budget: %s", budget))
		},
	})
	if err != nil {
		return err
	}

	for msg := range exec.Messages() {
		out.Line(msg)
	}
	_, runErr := exec.Wait()

	out.Success(fmt.Sprintf("Flow runs: %s", orchestrator.FormatRunIDs(exec.FlowRunIDs())))
	if runErr != nil {
		return fmt.Errorf("%w: %v", ErrRunFailed, runErr)
	}
	return nil
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var flowAlias string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flow runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(cmd.Context(), ListRunsOpts{
				FlowAlias: flowAlias,
				Status:    status,
				Limit:     limit,
			})
			if err != nil {
				return err
			}

			headers := []string{"ID", "FLOW", "STATUS", "SOURCE", "CREATED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{r.ID.String(), r.FlowAlias, r.Status, r.Source, r.CreatedAt.Format(time.RFC3339)}
			}

			out.Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&flowAlias, "flow", "", "Filter by flow alias")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, RUNNING, SUCCEEDED, FAILED, CANCELLED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show flow run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "FLOW", "STATUS", "BUDGET", "ERROR", "CREATED"},
				[][]string{{
					run.ID.String(), run.FlowAlias, run.Status,
					strconv.Itoa(run.BudgetSec) + "s", run.Error, run.CreatedAt.Format(time.RFC3339),
				}},
				run,
			)
			return nil
		},
	}
}

func newRunStepsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "steps RUN_ID",
		Short: "List step runs of a flow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			stepRuns, err := client.ListRunSteps(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			headers := []string{"ID", "STEP", "STATUS", "INCREMENTAL", "RESULT", "DIAGNOSTIC_ID"}
			rows := make([][]string, len(stepRuns))
			for i, sr := range stepRuns {
				status := sr.Status
				if sr.Invalidated {
					status += " (invalidated)"
				}
				rows[i] = []string{
					sr.ID.String(), sr.StepName, status,
					strconv.FormatBool(sr.Incremental), truncate(sr.Result, 40), sr.DiagnosticID,
				}
			}

			out.Print(headers, rows, stepRuns)
			return nil
		},
	}
}

func newRunInvalidateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate STEP_RUN_ID",
		Short: "Exclude a step run from incremental chaining",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if _, err := client.InvalidateStepRun(cmd.Context(), args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Step run invalidated: %s", args[0]))
			return nil
		},
	}
}

// ParseParams разбирает параметры KEY=VALUE.
func ParseParams(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}

	params := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected KEY=VALUE", kv)
		}
		params[key] = value
	}
	return params, nil
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
