package cfgerr

import (
    "errors"
    "fmt"
    "strings"
)

var (
    ErrChangeInProgress  = errors.New("a change is already in progress")
    ErrVersionConflict   = errors.New("topology version conflict")
    ErrNoStagedChange    = errors.New("no staged change")
    ErrUnknownChange     = errors.New("unknown change")
    ErrAlreadyCommitted  = errors.New("change already committed")
    ErrAlreadyRolledBack = errors.New("change already rolled back")
    ErrUnreachable       = errors.New("node unreachable")
    ErrNotActivated      = errors.New("cluster is not activated")
    ErrAlreadyActivated  = errors.New("cluster is already activated")
    ErrRolesNotSettled   = errors.New("Please ensure all online nodes are either ACTIVE or PASSIVE before sending any update.")
)

// Kind classifies a failure of the change protocol.
type Kind string

const (
    KindValidation  Kind = "validation"
    KindProtocol    Kind = "protocol"
    KindConsistency Kind = "consistency"
    KindActuator    Kind = "actuator"
    KindRecovery    Kind = "recovery"
)

// Error carries the originating node and the operator-facing reason. It
// serialises as-is over the management RPC.
type Error struct {
    Kind   Kind   `json:"kind"`
    Node   string `json:"node,omitempty"`
    Reason string `json:"reason"`
    Err    error  `json:"-"`
}

func (e *Error) Error() string {
    if e.Node == "" { return e.Reason }
    return fmt.Sprintf("%s (from %s)", e.Reason, e.Node)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err,
// &Error{Kind: KindValidation}) works as a kind test.
func (e *Error) Is(target error) bool {
    t, ok := target.(*Error)
    if !ok { return false }
    return t.Reason == "" && t.Node == "" && t.Kind == e.Kind
}

// Retryable reports whether the caller may resubmit the same change.
func (e *Error) Retryable() bool { return e.Kind == KindProtocol }

func newf(kind Kind, node string, err error, format string, args ...any) *Error {
    return &Error{Kind: kind, Node: node, Reason: fmt.Sprintf(format, args...), Err: err}
}

// Validation builds a structural or business-rule rejection.
func Validation(format string, args ...any) *Error { return newf(KindValidation, "", nil, format, args...) }

// Protocol wraps a transport or state failure on a node.
func Protocol(node string, err error) *Error {
    if err == nil { return nil }
    return newf(KindProtocol, node, err, "%v", err)
}

// Consistency builds a quorum or role rejection.
func Consistency(node string, err error) *Error { return newf(KindConsistency, node, err, "%v", err) }

// Actuator reports a side effect that failed after commit.
func Actuator(node string, err error) *Error { return newf(KindActuator, node, err, "%v", err) }

// Recovery reports staged state that had to be resolved without evidence.
func Recovery(node string, format string, args ...any) *Error {
    return newf(KindRecovery, node, nil, format, args...)
}

// WithNode returns err annotated with node when it is an *Error without one.
func WithNode(err error, node string) error {
    var e *Error
    if errors.As(err, &e) && e.Node == "" {
        c := *e
        c.Node = node
        return &c
    }
    return err
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
    var e *Error
    if errors.As(err, &e) { return e.Kind }
    return ""
}

// Reason returns the operator-facing text of err.
func Reason(err error) string {
    var e *Error
    if errors.As(err, &e) { return e.Reason }
    if err == nil { return "" }
    return err.Error()
}

// Sentinel maps a reason received over the wire back to the sentinel it
// starts with, so errors.Is keeps working across nodes.
func Sentinel(reason string) error {
    for _, s := range []error{ErrChangeInProgress, ErrVersionConflict, ErrNoStagedChange, ErrUnknownChange,
        ErrAlreadyCommitted, ErrAlreadyRolledBack, ErrUnreachable, ErrNotActivated, ErrAlreadyActivated, ErrRolesNotSettled} {
        if strings.HasPrefix(reason, s.Error()) { return s }
    }
    return nil
}

// Rehydrate restores the wrapped sentinel of an *Error decoded from JSON.
func Rehydrate(e *Error) *Error {
    if e == nil { return nil }
    if e.Err == nil { e.Err = Sentinel(e.Reason) }
    return e
}
