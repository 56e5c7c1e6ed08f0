// Package dns resolves gossip seeds from SRV records or host names.
package dns

import (
    "context"
    "net"
    "strconv"
    "strings"
    "time"

    gocache "github.com/patrickmn/go-cache"
    "go.uber.org/zap"

    "github.com/akashicloud/terracotta-platform/pkg/discovery"
    "github.com/akashicloud/terracotta-platform/pkg/internal/logutil"
)

// DefaultPort is the gossip port assumed for A/AAAA answers.
const DefaultPort = 9440

type Options struct {
    // Names are SRV names (_gossip._tcp.example.com), host names or
    // literal host:port seeds.
    Names []string
    // Port is used for A/AAAA answers.
    Port int
    // Refresh is how long answers are cached, 5s by default.
    Refresh time.Duration
    // Timeout bounds one resolution round, 2s by default.
    Timeout  time.Duration
    Resolver *net.Resolver
    Logger   *zap.SugaredLogger
}

type impl struct {
    opts  Options
    cache *gocache.Cache
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Timeout <= 0 { opts.Timeout = 2 * time.Second }
    if opts.Port == 0 { opts.Port = DefaultPort }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    return &impl{opts: opts, cache: gocache.New(opts.Refresh, 2*opts.Refresh)}
}

// Seeds resolves every name, reusing answers younger than Refresh. A name
// that fails to resolve contributes nothing.
func (d *impl) Seeds() []string {
    ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
    defer cancel()
    var out []string
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        if name == "" { continue }
        if v, ok := d.cache.Get(name); ok {
            out = append(out, v.([]string)...)
            continue
        }
        got := d.resolve(ctx, name)
        if len(got) > 0 { d.cache.SetDefault(name, got) }
        out = append(out, got...)
    }
    return discovery.Normalize(out)
}

func (d *impl) resolve(ctx context.Context, name string) []string {
    if strings.Contains(name, ":") && !strings.HasPrefix(name, "_") { return []string{name} }
    if strings.HasPrefix(name, "_") && strings.Contains(name, "._") {
        if recs := d.lookupSRV(ctx, name); len(recs) > 0 { return recs }
    }
    return d.lookupHost(ctx, name)
}

func (d *impl) lookupSRV(ctx context.Context, fqdn string) []string {
    svc, proto, domain := parseSRVName(fqdn)
    if svc == "" || proto == "" || domain == "" { return nil }
    _, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil {
        logutil.Debugf(d.opts.Logger, "srv lookup %s: %v", fqdn, err)
        return nil
    }
    out := make([]string, 0, len(addrs))
    for _, a := range addrs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
    }
    return out
}

func (d *impl) lookupHost(ctx context.Context, host string) []string {
    ips, err := d.opts.Resolver.LookupHost(ctx, host)
    if err != nil {
        logutil.Debugf(d.opts.Logger, "host lookup %s: %v", host, err)
        return nil
    }
    out := make([]string, 0, len(ips))
    for _, ip := range ips { out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port))) }
    return out
}

// parseSRVName splits _service._proto.name.
func parseSRVName(fqdn string) (service, proto, name string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 { return "", "", "" }
    return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}
