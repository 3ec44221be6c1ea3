// Package linkstate defines the device connection model and the pure
// reconciliation rules that decide which observation may update it.
package linkstate

import (
	"fmt"
	"time"
)

// Source identifies where an observation or state change came from.
type Source int

const (
	// SourceNone is the zero value: nothing has been applied yet.
	SourceNone Source = iota
	// SourcePush is a server-initiated notification.
	SourcePush
	// SourcePull is a client-initiated status query.
	SourcePull
	// SourceOptimistic is a change made by the operation executor itself.
	SourceOptimistic
)

var sourceNames = map[Source]string{
	SourceNone:       "none",
	SourcePush:       "push",
	SourcePull:       "pull",
	SourceOptimistic: "optimistic",
}

func (s Source) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(b []byte) error {
	for k, v := range sourceNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("linkstate: unknown source %q", b)
}

// Phase is the operation phase exposed to observers.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseDisconnecting
)

var phaseNames = map[Phase]string{
	PhaseIdle:          "idle",
	PhaseConnecting:    "connecting",
	PhaseDisconnecting: "disconnecting",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	for k, v := range phaseNames {
		if v == string(b) {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("linkstate: unknown phase %q", b)
}

// OperationKind is the kind of user-initiated operation guarded by the lock.
type OperationKind int

const (
	KindNone OperationKind = iota
	KindConnect
	KindDisconnect
)

var kindNames = map[OperationKind]string{
	KindNone:       "none",
	KindConnect:    "connect",
	KindDisconnect: "disconnect",
}

func (k OperationKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k OperationKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *OperationKind) UnmarshalText(b []byte) error {
	for kind, v := range kindNames {
		if v == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("linkstate: unknown operation kind %q", b)
}

// Phase returns the phase shown while an operation of this kind is in flight.
func (k OperationKind) Phase() Phase {
	switch k {
	case KindConnect:
		return PhaseConnecting
	case KindDisconnect:
		return PhaseDisconnecting
	default:
		return PhaseIdle
	}
}

// GoalReached reports whether s satisfies the success condition of k.
func (k OperationKind) GoalReached(s State) bool {
	switch k {
	case KindConnect:
		return s.Connected && s.Ready
	case KindDisconnect:
		return !s.Connected
	default:
		return false
	}
}

// Contradicts reports whether a successful observation points away from the
// goal of k.
func (k OperationKind) Contradicts(snap Snapshot) bool {
	if snap.Failed() {
		return false
	}
	switch k {
	case KindConnect:
		return !snap.Connected
	case KindDisconnect:
		return snap.Connected
	default:
		return false
	}
}

// Status is the transport-neutral payload reported by the status query and
// by every push channel.
type Status struct {
	Connected bool `json:"connected"`
	Ready     bool `json:"ready"`
}

// Snapshot is one observation of device state. It is a value type and is
// never modified after construction.
type Snapshot struct {
	Connected  bool
	Ready      bool
	ObservedAt time.Time
	Source     Source
	Err        string
}

// PushSnapshot builds a push observation stamped at arrival time.
func PushSnapshot(st Status, at time.Time) Snapshot {
	return Snapshot{Connected: st.Connected, Ready: st.Ready, ObservedAt: at, Source: SourcePush}
}

// PullSnapshot builds a pull observation. at must be the time the query was issued.
func PullSnapshot(st Status, at time.Time) Snapshot {
	return Snapshot{Connected: st.Connected, Ready: st.Ready, ObservedAt: at, Source: SourcePull}
}

// PullFailure builds a pull observation carrying only an error.
func PullFailure(err error, at time.Time) Snapshot {
	return Snapshot{ObservedAt: at, Source: SourcePull, Err: err.Error()}
}

// Failed reports whether the snapshot carries an error instead of connectivity.
func (s Snapshot) Failed() bool { return s.Err != "" }

// State is the single authoritative view of the device exposed to observers.
// It is passed by value; observers never share it.
type State struct {
	Connected         bool      `json:"connected"`
	Ready             bool      `json:"ready"`
	Phase             Phase     `json:"phase"`
	LastAppliedAt     time.Time `json:"last_applied_at"`
	LastAppliedSource Source    `json:"last_applied_source"`
	Err               string    `json:"error,omitempty"`
	// ErrOrigin is SourceOptimistic when Err describes an operation outcome.
	ErrOrigin Source `json:"error_origin,omitempty"`
}

// SameView reports whether s and o look identical to an observer.
// Timestamps and sources are bookkeeping and are not compared.
func (s State) SameView(o State) bool {
	return s.Connected == o.Connected &&
		s.Ready == o.Ready &&
		s.Phase == o.Phase &&
		s.Err == o.Err
}

// Lock marks a connect or disconnect operation in flight.
type Lock struct {
	Active    bool          `json:"active"`
	Kind      OperationKind `json:"kind"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Deadline  time.Time     `json:"deadline,omitempty"`
}

// NewLock returns an active lock for kind starting at now.
func NewLock(kind OperationKind, now time.Time, timeout time.Duration) Lock {
	return Lock{
		Active:    true,
		Kind:      kind,
		StartedAt: now,
		Deadline:  now.Add(timeout),
	}
}
