package lifecycle

import "github.com/roach88/tdlink/internal/event"

// State is the connection's position in the authorization lifecycle.
type State int

const (
	Uninitialized State = iota
	AwaitingParameters
	AwaitingCredentialPhone
	AwaitingCredentialCode
	AwaitingCredentialPassword
	Ready
	Closing
	Closed
)

var stateNames = [...]string{
	Uninitialized:              "uninitialized",
	AwaitingParameters:         "awaiting_parameters",
	AwaitingCredentialPhone:    "awaiting_phone",
	AwaitingCredentialCode:     "awaiting_code",
	AwaitingCredentialPassword: "awaiting_password",
	Ready:                      "ready",
	Closing:                    "closing",
	Closed:                     "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// awaiting reports whether s is a pre-ready negotiation state.
func (s State) awaiting() bool {
	return s >= AwaitingParameters && s <= AwaitingCredentialPassword
}

// stateFor maps a lifecycle event tag to its state.
func stateFor(tag event.Tag) (State, bool) {
	switch tag {
	case event.TagWaitParameters:
		return AwaitingParameters, true
	case event.TagWaitPhoneNumber:
		return AwaitingCredentialPhone, true
	case event.TagWaitCode:
		return AwaitingCredentialCode, true
	case event.TagWaitPassword:
		return AwaitingCredentialPassword, true
	case event.TagReady:
		return Ready, true
	case event.TagClosing:
		return Closing, true
	case event.TagClosed:
		return Closed, true
	}
	return Uninitialized, false
}

// Stage names a credential the engine asks for.
type Stage string

const (
	StagePhone    Stage = "phone"
	StageCode     Stage = "code"
	StagePassword Stage = "password"
)

// stageFor returns the credential stage of a state.
func stageFor(s State) (Stage, bool) {
	switch s {
	case AwaitingCredentialPhone:
		return StagePhone, true
	case AwaitingCredentialCode:
		return StageCode, true
	case AwaitingCredentialPassword:
		return StagePassword, true
	}
	return "", false
}
