// Package orchestrator запускает flow.
//
// Runner — верхний уровень выполнения:
//   - находит flow по alias через FlowSource (Postgres или YAML-каталог)
//   - проверяет определения до выполнения первого шага
//   - назначает идентификатор запуска каждому alias
//   - считает суммарный бюджет времени и отдаёт его вызывающему
//   - выполняет корневую группу шагов и передаёт сообщения через Execution
//
// Пример:
//
//	runner := orchestrator.New(orchestrator.Config{
//	    Flows:  repo.NewFlowRepo(pool),
//	    RunLog: repo.NewStepRunRepo(pool),
//	})
//
//	exec, err := runner.Start(ctx, orchestrator.Request{Aliases: []string{"load-orders"}})
//	if err != nil {
//	    return err
//	}
//	for msg := range exec.Messages() {
//	    fmt.Println(msg)
//	}
//	_, err = exec.Wait()
package orchestrator
