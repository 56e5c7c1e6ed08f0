package model

import (
    "encoding/json"
    "fmt"
    "net"
    "reflect"
    "sort"
    "strconv"

    "github.com/cespare/xxhash/v2"
    "github.com/google/uuid"
)

// Cluster is one immutable-per-version description of the whole topology:
// stripes, nodes and the cluster-wide settings. Callers never mutate a
// Cluster returned by the topology store; they Clone it first.
type Cluster struct {
    Name                  string            `json:"name,omitempty" yaml:"name,omitempty"`
    Stripes               []Stripe          `json:"stripes" yaml:"stripes"`
    Offheap               map[string]Memory `json:"offheapResources,omitempty" yaml:"offheap-resources,omitempty"`
    ClientReconnectWindow TimeValue         `json:"clientReconnectWindow" yaml:"client-reconnect-window"`
    ClientLeaseDuration   TimeValue         `json:"clientLeaseDuration" yaml:"client-lease-duration"`
    SecurityAuthc         string            `json:"securityAuthc,omitempty" yaml:"security-authc,omitempty"`
    SecuritySSLTLS        bool              `json:"securitySslTls,omitempty" yaml:"security-ssl-tls,omitempty"`
    SecurityWhitelist     bool              `json:"securityWhitelist,omitempty" yaml:"security-whitelist,omitempty"`
    FailoverPriority      FailoverPriority  `json:"failoverPriority" yaml:"failover-priority"`
    // License is installed by activation; nil beforehand.
    License *License `json:"license,omitempty" yaml:"license,omitempty"`
}

// Stripe is a replica set: one active and any number of passives.
type Stripe struct {
    UID   string `json:"uid" yaml:"uid"`
    Name  string `json:"name,omitempty" yaml:"name,omitempty"`
    Nodes []Node `json:"nodes" yaml:"nodes"`
}

// Node is a single server process, member of exactly one stripe.
type Node struct {
    UID           string            `json:"uid" yaml:"uid"`
    Name          string            `json:"name" yaml:"name"`
    Hostname      string            `json:"hostname" yaml:"hostname"`
    Port          int               `json:"port" yaml:"port"`
    GroupPort     int               `json:"groupPort" yaml:"group-port"`
    LogDir        string            `json:"logDir,omitempty" yaml:"log-dir,omitempty"`
    BackupDir     string            `json:"backupDir,omitempty" yaml:"backup-dir,omitempty"`
    MetadataDir   string            `json:"metadataDir,omitempty" yaml:"metadata-dir,omitempty"`
    RepositoryDir string            `json:"repositoryDir,omitempty" yaml:"repository-dir,omitempty"`
    SecurityDir   string            `json:"securityDir,omitempty" yaml:"security-dir,omitempty"`
    DataDirs      map[string]string `json:"dataDirs,omitempty" yaml:"data-dirs,omitempty"`
    TcProperties  map[string]string `json:"tcProperties,omitempty" yaml:"tc-properties,omitempty"`
}

// NodeRef locates a node by its 1-based stripe and node ids.
type NodeRef struct {
    StripeID int    `json:"stripeId"`
    NodeID   int    `json:"nodeId"`
    UID      string `json:"uid"`
    Name     string `json:"name"`
    Addr     string `json:"addr"`
}

func (r NodeRef) String() string { return fmt.Sprintf("%s@%s", r.Name, r.Addr) }

// NewUID returns a fresh identifier for nodes, stripes and changes.
func NewUID() string { return uuid.NewString() }

// UIDFor returns the identifier derived from key. Nodes reading the same
// cluster file agree on it.
func UIDFor(key string) string { return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String() }

// Addr is the management endpoint of the node (hostname:port).
func (n Node) Addr() string { return net.JoinHostPort(n.Hostname, strconv.Itoa(n.Port)) }

// GroupAddr is the replication endpoint of the node (hostname:group-port).
func (n Node) GroupAddr() string { return net.JoinHostPort(n.Hostname, strconv.Itoa(n.GroupPort)) }

// NewCluster returns a single-stripe cluster holding the given node, with
// defaults applied. It is what a freshly started node serves before it is
// attached anywhere.
func NewCluster(name string, n Node) *Cluster {
    if n.UID == "" { n.UID = NewUID() }
    c := &Cluster{
        Name:                  name,
        Stripes:               []Stripe{{UID: NewUID(), Name: "stripe1", Nodes: []Node{n}}},
        ClientReconnectWindow: DefaultClientReconnectWindow,
        ClientLeaseDuration:   DefaultClientLeaseDuration,
        FailoverPriority:      Availability(),
    }
    return c
}

// Clone returns a deep copy.
func (c *Cluster) Clone() *Cluster {
    if c == nil { return nil }
    out := *c
    out.Offheap = cloneMemMap(c.Offheap)
    if c.License != nil { l := *c.License; out.License = &l }
    out.Stripes = make([]Stripe, len(c.Stripes))
    for i, s := range c.Stripes {
        ns := s
        ns.Nodes = make([]Node, len(s.Nodes))
        for j, n := range s.Nodes { ns.Nodes[j] = n.Clone() }
        out.Stripes[i] = ns
    }
    return &out
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
    out := n
    out.DataDirs = cloneStrMap(n.DataDirs)
    out.TcProperties = cloneStrMap(n.TcProperties)
    return out
}

// Equal reports whether both clusters describe the same configuration.
func (c *Cluster) Equal(o *Cluster) bool { return reflect.DeepEqual(normalized(c), normalized(o)) }

// Digest fingerprints the configuration. Two clusters have the same digest
// exactly when Equal holds, so nodes at the same version can tell whether
// they diverged.
func (c *Cluster) Digest() string {
    if c == nil { return "" }
    b, err := json.Marshal(normalized(c))
    if err != nil { return "" }
    return strconv.FormatUint(xxhash.Sum64(b), 16)
}

// normalized folds nil and empty maps together so equality ignores them.
func normalized(c *Cluster) *Cluster {
    if c == nil { return nil }
    out := c.Clone()
    if len(out.Offheap) == 0 { out.Offheap = nil }
    if out.License != nil { out.License.Expiry = out.License.Expiry.UTC() }
    for i := range out.Stripes {
        for j := range out.Stripes[i].Nodes {
            n := &out.Stripes[i].Nodes[j]
            if len(n.DataDirs) == 0 { n.DataDirs = nil }
            if len(n.TcProperties) == 0 { n.TcProperties = nil }
        }
    }
    return out
}

// NodeCount returns the number of nodes across all stripes.
func (c *Cluster) NodeCount() int {
    n := 0
    for _, s := range c.Stripes { n += len(s.Nodes) }
    return n
}

// Nodes lists every node with its position.
func (c *Cluster) Nodes() []NodeRef {
    var out []NodeRef
    for i, s := range c.Stripes {
        for j, n := range s.Nodes {
            out = append(out, NodeRef{StripeID: i + 1, NodeID: j + 1, UID: n.UID, Name: n.Name, Addr: n.Addr()})
        }
    }
    return out
}

// FindNode returns the node with the given UID and its position.
func (c *Cluster) FindNode(uid string) (*Node, NodeRef, bool) {
    for i := range c.Stripes {
        for j := range c.Stripes[i].Nodes {
            n := &c.Stripes[i].Nodes[j]
            if n.UID == uid {
                return n, NodeRef{StripeID: i + 1, NodeID: j + 1, UID: n.UID, Name: n.Name, Addr: n.Addr()}, true
            }
        }
    }
    return nil, NodeRef{}, false
}

// ContainsNode reports whether a node with the given UID is a member.
func (c *Cluster) ContainsNode(uid string) bool { _, _, ok := c.FindNode(uid); return ok }

// StripeIndex returns the 0-based position of the stripe with the given UID.
func (c *Cluster) StripeIndex(uid string) (int, bool) {
    for i, s := range c.Stripes {
        if s.UID == uid { return i, true }
    }
    return -1, false
}

// StripeSizes maps 1-based stripe ids to their configured node count.
func (c *Cluster) StripeSizes() map[int]int {
    out := make(map[int]int, len(c.Stripes))
    for i, s := range c.Stripes { out[i+1] = len(s.Nodes) }
    return out
}

// TotalOffheap sums every offheap resource in bytes.
func (c *Cluster) TotalOffheap() uint64 {
    var t uint64
    for _, m := range c.Offheap { t += m.Bytes() }
    return t
}

// OffheapNames returns the resource names in sorted order.
func (c *Cluster) OffheapNames() []string { return sortedKeys(c.Offheap) }

func cloneStrMap(m map[string]string) map[string]string {
    if m == nil { return nil }
    out := make(map[string]string, len(m))
    for k, v := range m { out[k] = v }
    return out
}

func cloneMemMap(m map[string]Memory) map[string]Memory {
    if m == nil { return nil }
    out := make(map[string]Memory, len(m))
    for k, v := range m { out[k] = v }
    return out
}

func sortedKeys[V any](m map[string]V) []string {
    out := make([]string, 0, len(m))
    for k := range m { out = append(out, k) }
    sort.Strings(out)
    return out
}

// SortedKeys returns the keys of a string map in sorted order.
func SortedKeys(m map[string]string) []string { return sortedKeys(m) }
