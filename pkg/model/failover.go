package model

import (
    "fmt"
    "strconv"
    "strings"
)

// FailoverPriority is either availability or consistency with an optional
// number of extra voters.
type FailoverPriority struct {
    Consistency bool
    Voters      int
}

// Availability returns the availability policy.
func Availability() FailoverPriority { return FailoverPriority{} }

// Consistency returns the consistency policy with the given extra voters.
func Consistency(voters int) FailoverPriority { return FailoverPriority{Consistency: true, Voters: voters} }

// ParseFailoverPriority accepts "availability", "consistency" and
// "consistency:N".
func ParseFailoverPriority(s string) (FailoverPriority, error) {
    v := strings.ToLower(strings.TrimSpace(s))
    switch {
    case v == "availability":
        return Availability(), nil
    case v == "consistency":
        return Consistency(0), nil
    case strings.HasPrefix(v, "consistency:"):
        n, err := strconv.Atoi(strings.TrimPrefix(v, "consistency:"))
        if err != nil || n < 0 {
            return FailoverPriority{}, fmt.Errorf("invalid failover-priority %q: voter count must be a non-negative integer", s)
        }
        return Consistency(n), nil
    }
    return FailoverPriority{}, fmt.Errorf("invalid failover-priority %q: expected availability or consistency[:N]", s)
}

func (f FailoverPriority) String() string {
    if !f.Consistency { return "availability" }
    if f.Voters == 0 { return "consistency" }
    return "consistency:" + strconv.Itoa(f.Voters)
}

func (f FailoverPriority) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *FailoverPriority) UnmarshalText(b []byte) error {
    v, err := ParseFailoverPriority(string(b))
    if err != nil { return err }
    *f = v
    return nil
}
