package types

// OutcomeStatus is the final status of a recovery run.
type OutcomeStatus string

const (
	// OutcomeCompleted indicates the state graph reached a terminal state.
	OutcomeCompleted OutcomeStatus = "completed"
	// OutcomeToolFailure indicates an external tool failure ended the run.
	OutcomeToolFailure OutcomeStatus = "tool_failure"
	// OutcomeInvalid indicates invalid arguments or graph wiring.
	OutcomeInvalid OutcomeStatus = "invalid"
	// OutcomeInterrupted indicates the run was cancelled by a signal.
	OutcomeInterrupted OutcomeStatus = "interrupted"
	// OutcomeInconsistent indicates probes disagreed on a unique fact.
	OutcomeInconsistent OutcomeStatus = "inconsistent"
)

// RecoveryOutcome describes how a run ended.
type RecoveryOutcome struct {
	Status  OutcomeStatus `json:"status" msgpack:"status"`
	Message string        `json:"message" msgpack:"message"`
	// FinalState is the name of the last state entered.
	FinalState string `json:"final_state" msgpack:"final_state"`
	// Resumed is true when the run continued an interrupted one.
	Resumed bool `json:"resumed" msgpack:"resumed"`
}

// RunMeta identifies one recovery run.
type RunMeta struct {
	RunID  string `json:"run_id" msgpack:"run_id"`
	Device string `json:"device" msgpack:"device"`
	Image  string `json:"image" msgpack:"image"`
	Dest   string `json:"dest" msgpack:"dest"`
}
