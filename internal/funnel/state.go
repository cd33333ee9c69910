package funnel

import "fmt"

// State is a position in the signup funnel. States are strictly ordered.
type State int

const (
	NotStarted State = iota
	SignupFormVisible
	SignupSubmitted
	AwaitingVerification
	LoggedIn
	ProfileDetailsFilled
	OrganizationConfirmed
	ProductSelected
	Done
)

var stateNames = [...]string{
	NotStarted:            "not_started",
	SignupFormVisible:     "signup_form_visible",
	SignupSubmitted:       "signup_submitted",
	AwaitingVerification:  "awaiting_verification",
	LoggedIn:              "logged_in",
	ProfileDetailsFilled:  "profile_details_filled",
	OrganizationConfirmed: "organization_confirmed",
	ProductSelected:       "product_selected",
	Done:                  "done",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}
