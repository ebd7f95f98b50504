// Package flow provides a small table-driven state machine used to enforce
// the legal ordering of multi-step client flows.
package flow

type selector interface {
	~int
}

// StateM is implemented by any struct that exposes its current state selector.
type StateM[Sel selector] interface {
	State() Sel
	SetState(s Sel)
}

// Event carries an external stimulus submitted to the state machine.
type Event struct {
	Tag  string
	Data any
}

type TransitionFunc[Sel selector, S StateM[Sel]] func(s S, evt Event) (Sel, error)

// Transition constrains what may happen while the machine sits in one state.
//
// Allow lists the Event tags the state accepts, Call computes the next state
// and Exit lists the states Call is allowed to select.
type Transition[Sel selector, S StateM[Sel]] struct {
	Allow []string
	Call  TransitionFunc[Sel, S]
	Exit  []Sel
}

// Update submits evt to s using the trs transition table.
//
// Update errors if evt is not allowed in the current state or if the computed
// next state is not a registered exit. The state is updated only when the
// transition is legal.
func Update[Sel selector, S StateM[Sel]](s S, trs []Transition[Sel, S], evt Event) error {
	sel := s.State()
	if sel < 0 || int(sel) >= len(trs) {
		return newError("invalid inner state %d", sel)
	}

	tr := trs[int(sel)]
	var allowed bool
	for _, tag := range tr.Allow {
		if tag == evt.Tag {
			allowed = true
			break
		}
	}
	if !allowed {
		return newError("Event %s not allowed", evt.Tag)
	}

	var err error
	if nil != tr.Call {
		sel, err = tr.Call(s, evt)
		if nil != err {
			return err
		}
	}

	allowed = false
	for _, exit := range tr.Exit {
		if exit == sel {
			allowed = true
			break
		}
	}
	if !allowed {
		return newError("Exit %d not allowed", sel)
	}

	s.SetState(sel)

	return nil
}
