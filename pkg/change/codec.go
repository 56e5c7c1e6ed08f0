package change

import (
    "encoding/json"
    "fmt"
)

// envelope is the wire form of a Change.
type envelope struct {
    Type         Type               `json:"type"`
    NodeAddition *NodeAddition      `json:"nodeAddition,omitempty"`
    NodeRemoval  *NodeRemoval       `json:"nodeRemoval,omitempty"`
    Settings     *SettingMutation   `json:"settings,omitempty"`
    Activation   *ClusterActivation `json:"activation,omitempty"`
}

// Encode serialises ch for the management RPC.
func Encode(ch Change) ([]byte, error) {
    env := envelope{Type: ch.Type()}
    switch v := ch.(type) {
    case *NodeAddition:
        env.NodeAddition = v
    case *NodeRemoval:
        env.NodeRemoval = v
    case *SettingMutation:
        env.Settings = v
    case *ClusterActivation:
        env.Activation = v
    default:
        return nil, fmt.Errorf("change: unsupported type %T", ch)
    }
    return json.Marshal(env)
}

// Decode is the inverse of Encode.
func Decode(b []byte) (Change, error) {
    var env envelope
    if err := json.Unmarshal(b, &env); err != nil { return nil, fmt.Errorf("change: %w", err) }
    var ch Change
    switch env.Type {
    case TypeNodeAddition:
        if env.NodeAddition != nil { ch = env.NodeAddition }
    case TypeNodeRemoval:
        if env.NodeRemoval != nil { ch = env.NodeRemoval }
    case TypeSettings:
        if env.Settings != nil { ch = env.Settings }
    case TypeActivation:
        if env.Activation != nil { ch = env.Activation }
    }
    if ch == nil { return nil, fmt.Errorf("change: malformed envelope of type %q", env.Type) }
    return ch, nil
}
