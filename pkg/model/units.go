package model

import (
    "fmt"
    "path/filepath"
    "strconv"
    "strings"
    "time"
)

// MemoryUnit is a 1024-based size unit.
type MemoryUnit string

const (
    B  MemoryUnit = "B"
    KB MemoryUnit = "KB"
    MB MemoryUnit = "MB"
    GB MemoryUnit = "GB"
    TB MemoryUnit = "TB"
    PB MemoryUnit = "PB"
)

var memoryUnits = []MemoryUnit{PB, TB, GB, MB, KB, B}

func (u MemoryUnit) multiplier() uint64 {
    switch u {
    case KB:
        return 1 << 10
    case MB:
        return 1 << 20
    case GB:
        return 1 << 30
    case TB:
        return 1 << 40
    case PB:
        return 1 << 50
    }
    return 1
}

// Memory keeps the quantity and unit the operator typed so that the value
// formats back exactly as it was set.
type Memory struct {
    Quantity uint64
    Unit     MemoryUnit
}

// ParseMemory parses values like "512MB" or "10TB".
func ParseMemory(s string) (Memory, error) {
    raw := strings.TrimSpace(s)
    up := strings.ToUpper(raw)
    for _, u := range memoryUnits {
        if !strings.HasSuffix(up, string(u)) { continue }
        num := strings.TrimSpace(up[:len(up)-len(u)])
        if num == "" { break }
        q, err := strconv.ParseUint(num, 10, 64)
        if err != nil { return Memory{}, fmt.Errorf("invalid memory quantity %q", raw) }
        if q > ^uint64(0)/u.multiplier() { return Memory{}, fmt.Errorf("memory size %q overflows", raw) }
        return Memory{Quantity: q, Unit: u}, nil
    }
    return Memory{}, fmt.Errorf("invalid memory size %q: expected <quantity><B|KB|MB|GB|TB|PB>", raw)
}

// MustMemory is ParseMemory for constants and tests.
func MustMemory(s string) Memory {
    m, err := ParseMemory(s)
    if err != nil { panic(err) }
    return m
}

// Bytes returns the size in bytes.
func (m Memory) Bytes() uint64 { return m.Quantity * m.Unit.multiplier() }

func (m Memory) String() string {
    if m.Unit == "" { return strconv.FormatUint(m.Quantity, 10) + string(B) }
    return strconv.FormatUint(m.Quantity, 10) + string(m.Unit)
}

func (m Memory) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Memory) UnmarshalText(b []byte) error {
    v, err := ParseMemory(string(b))
    if err != nil { return err }
    *m = v
    return nil
}

// TimeValue is a duration that keeps its unit for round-tripping.
type TimeValue struct {
    Quantity uint64
    Unit     string
}

var timeUnits = map[string]time.Duration{
    "ms": time.Millisecond,
    "s":  time.Second,
    "m":  time.Minute,
    "h":  time.Hour,
}

var (
    DefaultClientReconnectWindow = TimeValue{Quantity: 120, Unit: "s"}
    DefaultClientLeaseDuration   = TimeValue{Quantity: 150, Unit: "s"}
)

// ParseTimeValue parses values like "10s", "500ms" or "2h".
func ParseTimeValue(s string) (TimeValue, error) {
    raw := strings.TrimSpace(s)
    i := 0
    for i < len(raw) && raw[i] >= '0' && raw[i] <= '9' { i++ }
    if i == 0 { return TimeValue{}, fmt.Errorf("invalid time %q: expected <quantity><ms|s|m|h>", raw) }
    unit := strings.ToLower(strings.TrimSpace(raw[i:]))
    if _, ok := timeUnits[unit]; !ok {
        return TimeValue{}, fmt.Errorf("invalid time unit in %q: expected one of ms, s, m, h", raw)
    }
    q, err := strconv.ParseUint(raw[:i], 10, 64)
    if err != nil { return TimeValue{}, fmt.Errorf("invalid time quantity %q", raw) }
    return TimeValue{Quantity: q, Unit: unit}, nil
}

// Duration converts the value to a time.Duration.
func (t TimeValue) Duration() time.Duration {
    return time.Duration(t.Quantity) * timeUnits[t.Unit]
}

func (t TimeValue) String() string {
    if t.Unit == "" { return strconv.FormatUint(t.Quantity, 10) + "s" }
    return strconv.FormatUint(t.Quantity, 10) + t.Unit
}

func (t TimeValue) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeValue) UnmarshalText(b []byte) error {
    v, err := ParseTimeValue(string(b))
    if err != nil { return err }
    *t = v
    return nil
}

// NormalizePath converts a path to the host separator and cleans it.
func NormalizePath(p string) string {
    if p == "" { return "" }
    return filepath.Clean(filepath.FromSlash(p))
}

// PathsOverlap reports whether a and b are equal or one is an ancestor of
// the other. Both are normalized first.
func PathsOverlap(a, b string) bool {
    a, b = NormalizePath(a), NormalizePath(b)
    if a == b { return true }
    return isAncestor(a, b) || isAncestor(b, a)
}

func isAncestor(parent, child string) bool {
    rel, err := filepath.Rel(parent, child)
    if err != nil { return false }
    return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
