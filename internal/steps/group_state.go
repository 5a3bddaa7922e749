package steps

// GroupState — состояние выполнения группы.
//
// Жизненный цикл:
//
//	NOT_STARTED → RUNNING(0) → RUNNING(1) → ... → FINISHED
//	                        ↘ FAILED (шаг с stop_flow_on_error упал)
//
// Переход RUNNING(i) → RUNNING(i+1) происходит, если шаг i завершился
// успешно, был отключён или упал без флага stop_flow_on_error.
type GroupState string

const (
	// GroupNotStarted — группа ещё не запускалась.
	GroupNotStarted GroupState = "NOT_STARTED"

	// GroupRunning — выполняется шаг на текущей позиции.
	GroupRunning GroupState = "RUNNING"

	// GroupFinished — все шаги пройдены.
	GroupFinished GroupState = "FINISHED"

	// GroupFailed — критичный шаг упал, остальные не запускались.
	GroupFailed GroupState = "FAILED"
)

// IsTerminal возвращает true, если группа завершила работу.
func (s GroupState) IsTerminal() bool {
	return s == GroupFinished || s == GroupFailed
}
