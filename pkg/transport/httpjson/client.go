package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/akashicloud/terracotta-platform/pkg/transport"
)

// Client is a thin HTTP client for the management API. Idempotent calls are
// retried with backoff; Submit is sent once.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// do sends one request per attempt until a 200 is decoded into out. A
// non-5xx failure is not retried.
func (c *Client) do(ctx context.Context, method, url string, in, out any, attempts int) error {
    var body []byte
    if in != nil {
        b, err := json.Marshal(in)
        if err != nil { return err }
        body = b
    }
    var lastErr error
    for attempt := 0; attempt < attempts; attempt++ {
        req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
        if err != nil { return err }
        if in != nil { req.Header.Set("Content-Type", "application/json") }
        retry := true
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, _ := io.ReadAll(resp.Body)
            _ = resp.Body.Close()
            switch {
            case resp.StatusCode == http.StatusOK:
                return json.Unmarshal(b, out)
            case resp.StatusCode >= 500:
                var eb errorBody
                if json.Unmarshal(b, &eb) == nil && eb.Error != "" {
                    lastErr = errors.New(eb.Error)
                } else {
                    lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
                }
            default:
                lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(bytes.TrimSpace(b)))
                retry = false
            }
        }
        if !retry || attempt == attempts-1 { break }
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return lastErr
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return lastErr
}

func (c *Client) Topology(ctx context.Context, addr string) (transport.TopologyResponse, error) {
    var out transport.TopologyResponse
    err := c.do(ctx, http.MethodGet, c.url(addr, PathTopology), nil, &out, 3)
    return out, err
}

func (c *Client) Prepare(ctx context.Context, addr string, req transport.PrepareRequest) (transport.PrepareResponse, error) {
    var out transport.PrepareResponse
    err := c.do(ctx, http.MethodPost, c.url(addr, PathPrepare), req, &out, 3)
    return out, err
}

func (c *Client) Decide(ctx context.Context, addr string, req transport.DecisionRequest) (transport.DecisionResponse, error) {
    var out transport.DecisionResponse
    err := c.do(ctx, http.MethodPost, c.url(addr, PathDecide), req, &out, 3)
    return out, err
}

func (c *Client) Outcome(ctx context.Context, addr string, req transport.OutcomeRequest) (transport.OutcomeResponse, error) {
    var out transport.OutcomeResponse
    err := c.do(ctx, http.MethodPost, c.url(addr, PathOutcome), req, &out, 3)
    return out, err
}

func (c *Client) Install(ctx context.Context, addr string, req transport.InstallRequest) (transport.InstallResponse, error) {
    var out transport.InstallResponse
    err := c.do(ctx, http.MethodPost, c.url(addr, PathInstall), req, &out, 3)
    return out, err
}

func (c *Client) Submit(ctx context.Context, addr string, req transport.SubmitRequest) (transport.SubmitResponse, error) {
    var out transport.SubmitResponse
    err := c.do(ctx, http.MethodPost, c.url(addr, PathSubmit), req, &out, 1)
    return out, err
}

var _ transport.RPCClient = (*Client)(nil)
