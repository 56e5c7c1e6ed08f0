package model

import (
    "fmt"
    "os"
    "time"

    "gopkg.in/yaml.v3"
)

// License grants capacity to an activated cluster.
type License struct {
    OffheapLimit Memory    `json:"offheapLimit" yaml:"offheap-limit"`
    Expiry       time.Time `json:"expiry,omitempty" yaml:"expiry,omitempty"`
}

// LoadLicense reads a YAML license file.
func LoadLicense(path string) (*License, error) {
    b, err := os.ReadFile(path)
    if err != nil { return nil, fmt.Errorf("license: %w", err) }
    var l License
    if err := yaml.Unmarshal(b, &l); err != nil { return nil, fmt.Errorf("license %s: %w", path, err) }
    if l.OffheapLimit.Unit == "" { return nil, fmt.Errorf("license %s: missing offheap-limit", path) }
    return &l, nil
}

// Expired reports whether the license is past its expiry.
func (l *License) Expired(now time.Time) bool { return l != nil && !l.Expiry.IsZero() && now.After(l.Expiry) }
