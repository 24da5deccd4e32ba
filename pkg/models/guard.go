package models

// GuardWhen selects whether a quantitative guard runs before or after the
// main command.
type GuardWhen string

const (
	GuardWhenBefore GuardWhen = "before"
	GuardWhenAfter  GuardWhen = "after"
)

// GuardDecision is the effect of a matched guard.
type GuardDecision string

const (
	GuardDecisionStop     GuardDecision = "stop"
	GuardDecisionContinue GuardDecision = "continue"
)

// StreamMode selects how a guard's stdout/stderr predicate is evaluated.
type StreamMode string

const (
	StreamModeAny       StreamMode = "any"
	StreamModeNonempty  StreamMode = "nonempty"
	StreamModeEmpty     StreamMode = "empty"
	StreamModeRegex     StreamMode = "regex"
)

// QuantitativeGuard is an exit-code + stream-predicate stop rule, evaluated
// before and/or after a run. See spec §4.4.
type QuantitativeGuard struct {
	Cmd            string
	EveryN         int
	When           GuardWhen
	Decision       GuardDecision
	ExitCodes      []int
	ExitInvert     bool
	StdoutMode     StreamMode
	StdoutPattern  string
	StderrMode     StreamMode
	StderrPattern  string
	TimeoutSeconds int
}

// OnInvalid selects what happens when a qualitative guard's judge process
// returns an unparsable verdict.
type OnInvalid string

const (
	OnInvalidContinue OnInvalid = "continue"
	OnInvalidStop     OnInvalid = "stop"
)

// QualitativeGuard emits a prompt to a judge process and stops the loop on
// a stop verdict. See spec §4.4 and §9 Open Question (b).
type QualitativeGuard struct {
	EveryN      int
	Prompt      string
	IsPromptPath bool
	OnInvalid   OnInvalid
}

// StopConfig is the optional pair of guards carried in Loop.Metadata
// under the "stop_config" key.
type StopConfig struct {
	Quantitative *QuantitativeGuard
	Qualitative  *QualitativeGuard
}
