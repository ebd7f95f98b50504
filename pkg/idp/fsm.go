package idp

import (
	"code.sanakey.org/golang/internal/flow"
)

// authState tracks the progress of one authentication attempt.
type authState int

const (
	stateIdle authState = iota
	stateConfiguringKeys
	stateChallengePending
	stateChallengeSigned
	stateTokenExchanged
	stateSessionEstablished
	stateFailed
	countAuthState
)

var authStateNames = [countAuthState]string{
	stateIdle:               "Idle",
	stateConfiguringKeys:    "ConfiguringKeys",
	stateChallengePending:   "ChallengePending",
	stateChallengeSigned:    "ChallengeSigned",
	stateTokenExchanged:     "TokenExchanged",
	stateSessionEstablished: "SessionEstablished",
	stateFailed:             "Failed",
}

func (self authState) String() string {
	if self < 0 || self >= countAuthState {
		return "Unknown"
	}
	return authStateNames[self]
}

// authFlow event tags.
const (
	evConfigure = "configure"
	evChallenge = "challenge"
	evSign      = "sign"
	evExchange  = "exchange"
	evEstablish = "establish"
	evFail      = "fail"
)

// authFlow enforces the legal ordering of the authentication steps.
// The failure event is accepted in every non terminal state.
type authFlow struct {
	state authState
	fail  error
}

func (self *authFlow) State() authState {
	return self.state
}

func (self *authFlow) SetState(s authState) {
	self.state = s
}

func (self *authFlow) dispatch(evt flow.Event) (authState, error) {
	switch evt.Tag {
	case evConfigure:
		return stateConfiguringKeys, nil
	case evChallenge:
		return stateChallengePending, nil
	case evSign:
		return stateChallengeSigned, nil
	case evExchange:
		return stateTokenExchanged, nil
	case evEstablish:
		return stateSessionEstablished, nil
	case evFail:
		self.fail, _ = evt.Data.(error)
		return stateFailed, nil
	}
	return self.state, newError("unexpected event %s", evt.Tag)
}

var authTransitions = [...]flow.Transition[authState, *authFlow]{
	stateIdle: {
		Allow: []string{evConfigure, evFail},
		Call:  (*authFlow).dispatch,
		Exit:  []authState{stateConfiguringKeys, stateFailed},
	},
	stateConfiguringKeys: {
		Allow: []string{evChallenge, evFail},
		Call:  (*authFlow).dispatch,
		Exit:  []authState{stateChallengePending, stateFailed},
	},
	stateChallengePending: {
		Allow: []string{evSign, evFail},
		Call:  (*authFlow).dispatch,
		Exit:  []authState{stateChallengeSigned, stateFailed},
	},
	stateChallengeSigned: {
		Allow: []string{evExchange, evFail},
		Call:  (*authFlow).dispatch,
		Exit:  []authState{stateTokenExchanged, stateFailed},
	},
	stateTokenExchanged: {
		Allow: []string{evEstablish, evFail},
		Call:  (*authFlow).dispatch,
		Exit:  []authState{stateSessionEstablished, stateFailed},
	},
	stateSessionEstablished: {},
	stateFailed:             {},
}

// advance submits the tag event to the authFlow.
func (self *authFlow) advance(tag string) error {
	return flow.Update(self, authTransitions[:], flow.Event{Tag: tag})
}

// abort moves the authFlow to the Failed state, retaining cause, and returns
// cause for convenient call sites.
func (self *authFlow) abort(cause error) error {
	_ = flow.Update(self, authTransitions[:], flow.Event{Tag: evFail, Data: cause})
	return cause
}
