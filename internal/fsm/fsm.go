// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fsm implements the pure per-session BGP-4 state machine described
// in https://datatracker.ietf.org/doc/html/rfc4271#section-8. Handle is a
// total function: it performs no I/O, starts no timers, and blocks on
// nothing. Everything it decides is expressed as a list of Actions for a
// caller to carry out.
package fsm

import "fmt"

// State is one of the six BGP session states.
type State int

const (
	Idle State = iota
	Connect
	Active
	OpenSent
	OpenConfirm
	Established
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connect:
		return "Connect"
	case Active:
		return "Active"
	case OpenSent:
		return "OpenSent"
	case OpenConfirm:
		return "OpenConfirm"
	case Established:
		return "Established"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// NotifCode carries the code/subcode pair used to build a NOTIFICATION
// message. A zero value means "no NOTIFICATION should be sent".
type NotifCode struct {
	Code, Subcode uint8
}

func (n NotifCode) IsZero() bool { return n.Code == 0 && n.Subcode == 0 }

// Open carries the fields of a received OPEN message that the FSM needs in
// order to negotiate hold/keepalive timers. The wire representation lives in
// package wire; the FSM only cares about these three values.
type Open struct {
	Version  uint8
	HoldTime uint16
	// BGPID is the four octet BGP identifier from the OPEN message. The FSM
	// itself does not compare identifiers; collision resolution, outside the
	// pure FSM, uses the configured router IDs instead.
	BGPID uint32
}

// EventKind identifies the category of an Event.
type EventKind int

const (
	ManualStart EventKind = iota
	ManualStop
	ConnRetryTimerExpired
	HoldTimerExpired
	KeepaliveTimerExpired
	TCPConnectionConfirmed
	TCPCRAcked
	TCPConnectionFail
	BGPOpenReceived
	BGPHeaderErr
	BGPOpenMsgErr
	NotifMsgReceived
	KeepaliveMsgReceived
	UpdateMsgReceived
	OpenCollisionDump
)

func (k EventKind) String() string {
	names := [...]string{
		"ManualStart", "ManualStop", "ConnRetryTimerExpired", "HoldTimerExpired",
		"KeepaliveTimerExpired", "TCPConnectionConfirmed", "TCPCRAcked",
		"TCPConnectionFail", "BGPOpenReceived", "BGPHeaderErr", "BGPOpenMsgErr",
		"NotifMsgReceived", "KeepaliveMsgReceived", "UpdateMsgReceived",
		"OpenCollisionDump",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a single input to Handle. Only the fields relevant to Kind are
// populated by the caller.
type Event struct {
	Kind  EventKind
	Open  Open      // valid when Kind == BGPOpenReceived
	Notif NotifCode // valid when Kind == NotifMsgReceived
	Msg   any       // valid when Kind == UpdateMsgReceived; opaque to the FSM
}

// ActionKind identifies the category of an Action.
type ActionKind int

const (
	InitiateTCPConnection ActionKind = iota
	DropTCPConnection
	SendOpenMsg
	SendKeepaliveMsg
	SendNotifMsg
	StartConnRetryTimer
	StopConnRetryTimer
	ResetConnRetryTimer
	StartHoldTimer
	StopHoldTimer
	ResetHoldTimer
	StartKeepaliveTimer
	StopKeepaliveTimer
	ResetKeepaliveTimer
	ProcessUpdateMsg
	InitiateRib
	ReleaseRib
)

func (k ActionKind) String() string {
	names := [...]string{
		"InitiateTCPConnection", "DropTCPConnection", "SendOpenMsg",
		"SendKeepaliveMsg", "SendNotifMsg", "StartConnRetryTimer",
		"StopConnRetryTimer", "ResetConnRetryTimer", "StartHoldTimer",
		"StopHoldTimer", "ResetHoldTimer", "StartKeepaliveTimer",
		"StopKeepaliveTimer", "ResetKeepaliveTimer", "ProcessUpdateMsg",
		"InitiateRib", "ReleaseRib",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// Action is a single side effect the caller must carry out, in order, before
// processing the next Event for the same session.
type Action struct {
	Kind    ActionKind
	Seconds uint16    // valid for Start*Timer/Reset*Timer
	Notif   NotifCode // valid for SendNotifMsg
	Msg     any       // valid for ProcessUpdateMsg; carries the Event.Msg through
}

// Value is the FSM's complete state: the current State plus the negotiated
// timer values and the connection retry counter, per RFC 4271 section 8.
type Value struct {
	State           State
	ConnRetryCount  uint32
	ConnRetryTime   uint16
	HoldTime        uint16
	KeepaliveTime   uint16
	// LargeHoldTime is the initial, generous hold timer (RFC 4271 recommends
	// 4 minutes) used from CONNECT/ACTIVE until an OPEN is exchanged and the
	// real hold time is negotiated.
	LargeHoldTime uint16
}

// New returns the initial Idle-state Value for a session configured with the
// given connect-retry time and locally configured hold/keepalive times. The
// local HoldTime is the value proposed in our OPEN; HoldTime and
// KeepaliveTime are replaced by the negotiated values when the peer's OPEN is
// accepted in OpenSent.
func New(connRetryTime, holdTime, keepaliveTime uint16) Value {
	return Value{
		State:         Idle,
		ConnRetryTime: connRetryTime,
		HoldTime:      holdTime,
		KeepaliveTime: keepaliveTime,
		LargeHoldTime: 240,
	}
}

func act(k ActionKind) Action { return Action{Kind: k} }

func timerAction(k ActionKind, secs uint16) Action {
	return Action{Kind: k, Seconds: secs}
}

func notifAction(code, subcode uint8) Action {
	return Action{Kind: SendNotifMsg, Notif: NotifCode{code, subcode}}
}

// teardown returns the common sequence of actions used any time the session
// must fall back to Idle: stop timers, drop the TCP connection and release
// the RIB. The hold and keepalive timers are only stopped from OpenSent
// onwards, since they never run before OpenSent.
func teardown(v Value) []Action {
	actions := []Action{act(StopConnRetryTimer)}
	if v.State != Idle && v.State != Connect && v.State != Active {
		actions = append(actions, act(StopHoldTimer), act(StopKeepaliveTimer))
	}
	actions = append(actions, act(DropTCPConnection), act(ReleaseRib))
	return actions
}

// Handle is the pure FSM transition function. It never mutates v; it returns
// the next Value and the ordered list of Actions the caller must execute
// before delivering another Event for this session.
func Handle(v Value, e Event) (Value, []Action) {
	switch e.Kind {
	case ManualStop:
		if v.State == Idle {
			return v, nil
		}
		next := v
		next.State = Idle
		next.ConnRetryCount = 0
		actions := teardown(v)
		if v.State == OpenSent || v.State == OpenConfirm || v.State == Established {
			actions = append([]Action{notifAction(6, 2)}, actions...) // CEASE / administrative shutdown
		}
		return next, actions

	case OpenCollisionDump:
		if v.State == Idle {
			return v, nil
		}
		next := v
		next.State = Idle
		actions := append([]Action{notifAction(6, 7)}, teardown(v)...) // CEASE / collision resolution
		return next, actions
	}

	switch v.State {
	case Idle:
		return handleIdle(v, e)
	case Connect:
		return handleConnect(v, e)
	case Active:
		return handleActive(v, e)
	case OpenSent:
		return handleOpenSent(v, e)
	case OpenConfirm:
		return handleOpenConfirm(v, e)
	case Established:
		return handleEstablished(v, e)
	default:
		return v, nil
	}
}

func handleIdle(v Value, e Event) (Value, []Action) {
	if e.Kind == ManualStart {
		next := v
		next.State = Connect
		next.ConnRetryCount = 0
		return next, []Action{act(InitiateTCPConnection), act(StartConnRetryTimer)}
	}
	// All other events are ignored in Idle.
	return v, nil
}

func handleConnect(v Value, e Event) (Value, []Action) {
	switch e.Kind {
	case ConnRetryTimerExpired:
		return v, []Action{act(DropTCPConnection), act(ResetConnRetryTimer), act(InitiateTCPConnection)}
	case TCPConnectionConfirmed, TCPCRAcked:
		next := v
		next.State = OpenSent
		return next, []Action{act(StopConnRetryTimer), act(SendOpenMsg), timerAction(StartHoldTimer, v.LargeHoldTime)}
	case TCPConnectionFail:
		next := v
		next.State = Active
		return next, []Action{act(ResetConnRetryTimer), act(DropTCPConnection)}
	case BGPOpenReceived, BGPHeaderErr, BGPOpenMsgErr, NotifMsgReceived, KeepaliveMsgReceived, UpdateMsgReceived:
		next := v
		next.State = Idle
		next.ConnRetryCount++
		return next, append([]Action{notifAction(5, 0)}, teardown(v)...) // FSM error
	default:
		return v, nil
	}
}

func handleActive(v Value, e Event) (Value, []Action) {
	switch e.Kind {
	case ConnRetryTimerExpired:
		next := v
		next.State = Connect
		return next, []Action{act(ResetConnRetryTimer), act(InitiateTCPConnection)}
	case TCPConnectionConfirmed, TCPCRAcked:
		next := v
		next.State = OpenSent
		return next, []Action{act(StopConnRetryTimer), act(SendOpenMsg), timerAction(StartHoldTimer, v.LargeHoldTime)}
	case TCPConnectionFail:
		next := v
		next.State = Idle
		next.ConnRetryCount++
		return next, []Action{act(StopConnRetryTimer), act(DropTCPConnection), act(ReleaseRib)}
	case BGPOpenReceived, BGPHeaderErr, BGPOpenMsgErr, NotifMsgReceived, KeepaliveMsgReceived, UpdateMsgReceived:
		next := v
		next.State = Idle
		next.ConnRetryCount++
		return next, append([]Action{notifAction(5, 0)}, teardown(v)...)
	default:
		return v, nil
	}
}

func handleOpenSent(v Value, e Event) (Value, []Action) {
	switch e.Kind {
	case TCPConnectionFail:
		next := v
		next.State = Active
		return next, []Action{act(ResetConnRetryTimer), act(DropTCPConnection), act(StopHoldTimer)}
	case BGPHeaderErr, BGPOpenMsgErr:
		next := v
		next.State = Idle
		next.ConnRetryCount++
		code := uint8(1)
		if e.Kind == BGPOpenMsgErr {
			code = 2
		}
		return next, append([]Action{notifAction(code, 0)}, teardown(v)...)
	case NotifMsgReceived:
		next := v
		next.State = Idle
		next.ConnRetryCount++
		return next, teardown(v)
	case BGPOpenReceived:
		hold := v.HoldTime
		if e.Open.HoldTime < hold {
			hold = e.Open.HoldTime
		}
		keepalive := hold / 3
		if hold == 0 {
			keepalive = 0
		}
		next := v
		next.State = OpenConfirm
		next.HoldTime = hold
		next.KeepaliveTime = keepalive
		actions := []Action{act(SendKeepaliveMsg)}
		if hold == 0 {
			actions = append(actions, act(StopHoldTimer), act(StopKeepaliveTimer))
		} else {
			actions = append(actions, timerAction(ResetHoldTimer, hold), act(StartKeepaliveTimer))
		}
		actions = append(actions, act(InitiateRib))
		return next, actions
	case ConnRetryTimerExpired, KeepaliveTimerExpired, KeepaliveMsgReceived, UpdateMsgReceived:
		next := v
		next.State = Idle
		next.ConnRetryCount++
		return next, append([]Action{notifAction(5, 0)}, teardown(v)...)
	default:
		return v, nil
	}
}

func handleOpenConfirm(v Value, e Event) (Value, []Action) {
	switch e.Kind {
	case TCPConnectionFail:
		next := v
		next.State = Idle
		next.ConnRetryCount++
		return next, teardown(v)
	case NotifMsgReceived:
		next := v
		next.State = Idle
		next.ConnRetryCount++
		return next, teardown(v)
	case KeepaliveTimerExpired:
		return v, []Action{act(SendKeepaliveMsg), act(StartKeepaliveTimer)}
	case HoldTimerExpired:
		next := v
		next.State = Idle
		next.ConnRetryCount++
		return next, append([]Action{notifAction(4, 0)}, teardown(v)...) // Hold Timer Expired
	case KeepaliveMsgReceived:
		next := v
		next.State = Established
		return next, []Action{timerAction(ResetHoldTimer, v.HoldTime)}
	case BGPOpenReceived, BGPHeaderErr, BGPOpenMsgErr, UpdateMsgReceived:
		next := v
		next.State = Idle
		next.ConnRetryCount++
		return next, append([]Action{notifAction(5, 0)}, teardown(v)...)
	default:
		return v, nil
	}
}

func handleEstablished(v Value, e Event) (Value, []Action) {
	switch e.Kind {
	case TCPConnectionFail:
		next := v
		next.State = Idle
		next.ConnRetryCount++
		return next, teardown(v)
	case NotifMsgReceived:
		next := v
		next.State = Idle
		next.ConnRetryCount++
		return next, teardown(v)
	case KeepaliveTimerExpired:
		return v, []Action{act(SendKeepaliveMsg), act(StartKeepaliveTimer)}
	case HoldTimerExpired:
		next := v
		next.State = Idle
		next.ConnRetryCount++
		return next, append([]Action{notifAction(4, 0)}, teardown(v)...)
	case KeepaliveMsgReceived:
		return v, []Action{timerAction(ResetHoldTimer, v.HoldTime)}
	case UpdateMsgReceived:
		process := act(ProcessUpdateMsg)
		process.Msg = e.Msg
		return v, []Action{process, timerAction(ResetHoldTimer, v.HoldTime)}
	case BGPOpenReceived, BGPHeaderErr, BGPOpenMsgErr:
		next := v
		next.State = Idle
		next.ConnRetryCount++
		return next, append([]Action{notifAction(5, 0)}, teardown(v)...)
	default:
		return v, nil
	}
}
