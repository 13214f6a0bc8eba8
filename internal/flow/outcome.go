package flow

import (
	"fmt"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// Step names one state of the per-message pipeline.
type Step string

const (
	StepDedup          Step = "dedup"
	StepClassify       Step = "classify"
	StepDetectNewUser  Step = "detect_new_user"
	StepLocaleDetect   Step = "locale_detect"
	StepPersistInbound Step = "persist_inbound"
	StepSendNotice     Step = "send_notice"
	StepSendWelcome    Step = "send_welcome"
	StepPersistWelcome Step = "persist_welcome"
	StepGenerateReply  Step = "generate_reply"
	StepPersistReply   Step = "persist_reply"
	StepDispatch       Step = "dispatch"
	StepMarkProcessed  Step = "mark_processed"
)

// Tier grades a step result.
type Tier int

const (
	// TierOK means the step completed.
	TierOK Tier = iota
	// TierSoft means the step failed but the pipeline continues.
	TierSoft
	// TierHard means the step failed and the pipeline stops.
	TierHard
)

func (t Tier) String() string {
	switch t {
	case TierOK:
		return "ok"
	case TierSoft:
		return "soft"
	case TierHard:
		return "hard"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Outcome is the explicit result of one pipeline step.
type Outcome struct {
	Step Step
	Tier Tier
	Code models.ErrorCode
	Err  error
}

func okOutcome(step Step) Outcome {
	return Outcome{Step: step, Tier: TierOK}
}

// softOutcome takes the code from err when it carries one.
func softOutcome(step Step, code models.ErrorCode, err error) Outcome {
	if err != nil && models.CodeOf(err) != models.ErrorInternal {
		code = models.CodeOf(err)
	}
	return Outcome{Step: step, Tier: TierSoft, Code: code, Err: err}
}

func hardOutcome(step Step, code models.ErrorCode, err error) Outcome {
	if err != nil && models.CodeOf(err) != models.ErrorInternal {
		code = models.CodeOf(err)
	}
	return Outcome{Step: step, Tier: TierHard, Code: code, Err: err}
}

// Report records how one inbound message travelled through the pipeline.
type Report struct {
	MessageID string
	UserID    string
	NewUser   bool
	Skipped   bool // duplicate, malformed or empty; nothing was sent
	Reply     string
	Outcomes  []Outcome
}

func (r *Report) add(o Outcome) Outcome {
	r.Outcomes = append(r.Outcomes, o)
	return o
}

// Outcome returns the recorded result of step, if the step ran.
func (r Report) Outcome(step Step) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Step == step {
			return o, true
		}
	}
	return Outcome{}, false
}

// Aborted reports whether a hard failure stopped the pipeline.
func (r Report) Aborted() bool {
	for _, o := range r.Outcomes {
		if o.Tier == TierHard {
			return true
		}
	}
	return false
}
