package flow

import (
	"testing"
)

type doorState int

const (
	sClosed doorState = iota
	sOpen
	sLocked
)

type door struct {
	state doorState
}

func (self *door) State() doorState {
	return self.state
}

func (self *door) SetState(s doorState) {
	self.state = s
}

func (self *door) dispatch(evt Event) (doorState, error) {
	switch evt.Tag {
	case "open":
		return sOpen, nil
	case "close":
		return sClosed, nil
	case "lock":
		return sLocked, nil
	}
	return self.state, newError("unexpected tag %s", evt.Tag)
}

var doorTransitions = [...]Transition[doorState, *door]{
	sClosed: {Allow: []string{"open", "lock"}, Call: (*door).dispatch, Exit: []doorState{sOpen, sLocked}},
	sOpen:   {Allow: []string{"close"}, Call: (*door).dispatch, Exit: []doorState{sClosed}},
	sLocked: {},
}

func TestUpdateFollowsTable(t *testing.T) {
	d := &door{}

	err := Update(d, doorTransitions[:], Event{Tag: "open"})
	if nil != err {
		t.Fatalf("[0]: Failed Update, got error %v", err)
	}
	if sOpen != d.State() {
		t.Errorf("[1]: state %d != sOpen", d.State())
	}

	// lock is not allowed while open
	err = Update(d, doorTransitions[:], Event{Tag: "lock"})
	if nil == err {
		t.Error("[2]: Update accepted a non allowed Event")
	}
	if sOpen != d.State() {
		t.Errorf("[3]: rejected Event mutated state to %d", d.State())
	}

	err = Update(d, doorTransitions[:], Event{Tag: "close"})
	if nil != err {
		t.Fatalf("[4]: Failed Update, got error %v", err)
	}

	err = Update(d, doorTransitions[:], Event{Tag: "lock"})
	if nil != err {
		t.Fatalf("[5]: Failed Update, got error %v", err)
	}

	// locked state allows nothing
	err = Update(d, doorTransitions[:], Event{Tag: "open"})
	if nil == err {
		t.Error("[6]: Update accepted Event in terminal state")
	}
}
