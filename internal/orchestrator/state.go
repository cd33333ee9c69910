package orchestrator

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/registrar/internal/failure"
	"github.com/xkilldash9x/registrar/internal/identity"
	"github.com/xkilldash9x/registrar/internal/mailbox"
)

// State is the orchestrator's position within one Attempt.
type State int

const (
	Idle State = iota
	CreatingMailbox
	LaunchingBrowser
	DrivingSignup
	AwaitingVerification
	RelaunchingBrowser
	DrivingPostVerification
	ExtractingCredential
	Persisting
	Succeeded
	Failed
)

var stateNames = [...]string{
	Idle:                    "idle",
	CreatingMailbox:         "creating_mailbox",
	LaunchingBrowser:        "launching_browser",
	DrivingSignup:           "driving_signup",
	AwaitingVerification:    "awaiting_verification",
	RelaunchingBrowser:      "relaunching_browser",
	DrivingPostVerification: "driving_post_verification",
	ExtractingCredential:    "extracting_credential",
	Persisting:              "persisting",
	Succeeded:               "succeeded",
	Failed:                  "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is the terminal result of an Attempt.
type Outcome int

const (
	Pending Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Attempt is one pass through the registration workflow. Attempts are never
// persisted; only a successful Attempt produces a store.Record.
type Attempt struct {
	Index    int
	ID       string
	Identity identity.Identity
	Mailbox  mailbox.Mailbox
	State    State
	// FailedIn is the state the Attempt was in when it failed.
	FailedIn State
	Outcome  Outcome
	Err      error
	Kind     failure.Kind
	APIKey   string
	Started  time.Time
	Finished time.Time
}

func (a *Attempt) enter(s State) { a.State = s }

// fail records err once. Later calls are ignored so the first cause wins.
func (a *Attempt) fail(err error) {
	if a.Outcome != Pending {
		return
	}
	a.FailedIn = a.State
	a.State = Failed
	a.Outcome = OutcomeFailed
	a.Err = err
	a.Kind = failure.KindOf(err)
}

func (a *Attempt) succeed() {
	if a.Outcome != Pending {
		return
	}
	a.State = Succeeded
	a.Outcome = OutcomeSucceeded
}
