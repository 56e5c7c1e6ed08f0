//go:build integration

package integration

import (
    "context"
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"

    tlsx "github.com/akashicloud/terracotta-platform/pkg/security/tlsconfig"
    mgmtgrpc "github.com/akashicloud/terracotta-platform/pkg/transport/grpc"
    "github.com/akashicloud/terracotta-platform/pkg/transport/httpjson"
)

// A node with a security dir serves its management RPC over mTLS only.
func TestTLS_SecurityDirEnablesMutualTLS(t *testing.T) {
    for _, proto := range []string{"http", "grpc"} {
        t.Run(proto, func(t *testing.T) {
            ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
            defer cancel()

            cfg := nodeConfig(t, "node-1")
            cfg.SecurityDir = writeSecurityDir(t)
            cfg.MgmtProto = proto
            cfg.GossipPort = -1
            startNode(t, ctx, cfg)

            topts, err := tlsx.FromSecurityDir(cfg.SecurityDir)
            if err != nil { t.Fatal(err) }
            cliTLS, err := topts.Client()
            if err != nil { t.Fatal(err) }

            var secured, plain func() (string, error)
            switch proto {
            case "grpc":
                sc := mgmtgrpc.NewClient(3 * time.Second).UseTLS(cliTLS)
                pc := mgmtgrpc.NewClient(time.Second)
                defer sc.Close()
                defer pc.Close()
                secured = func() (string, error) { v, err := sc.Topology(ctx, mgmtAddr(cfg)); return v.Node, err }
                plain = func() (string, error) { v, err := pc.Topology(ctx, mgmtAddr(cfg)); return v.Node, err }
            default:
                sc := httpjson.NewClient(3 * time.Second).UseTLS(cliTLS)
                pc := httpjson.NewClient(time.Second)
                secured = func() (string, error) { v, err := sc.Topology(ctx, mgmtAddr(cfg)); return v.Node, err }
                plain = func() (string, error) { v, err := pc.Topology(ctx, mgmtAddr(cfg)); return v.Node, err }
            }

            waitUntil(t, 10*time.Second, func() error {
                name, err := secured()
                if err != nil { return err }
                if name != "node-1" { return errNotYet }
                return nil
            })
            if _, err := plain(); err == nil { t.Fatalf("plaintext client reached a TLS node") }
        })
    }
}

// writeSecurityDir writes a CA and a node certificate valid for both ends
// of a loopback connection.
func writeSecurityDir(t *testing.T) string {
    t.Helper()
    dir := t.TempDir()
    caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    if err != nil { t.Fatal(err) }
    caTpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "cluster-ca"}, NotBefore: time.Now().Add(-time.Hour),
        NotAfter: time.Now().Add(24 * time.Hour), IsCA: true, KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign, BasicConstraintsValid: true}
    caDER, err := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caKey.PublicKey, caKey)
    if err != nil { t.Fatal(err) }
    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    if err != nil { t.Fatal(err) }
    tpl := &x509.Certificate{SerialNumber: big.NewInt(time.Now().UnixNano()), Subject: pkix.Name{CommonName: "127.0.0.1"},
        IPAddresses: []net.IP{net.ParseIP("127.0.0.1")}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(24 * time.Hour),
        KeyUsage: x509.KeyUsageDigitalSignature, ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}}
    der, err := x509.CreateCertificate(rand.Reader, tpl, caTpl, &key.PublicKey, caKey)
    if err != nil { t.Fatal(err) }
    keyDER, err := x509.MarshalECPrivateKey(key)
    if err != nil { t.Fatal(err) }
    writePEM(t, filepath.Join(dir, tlsx.CAFileName), "CERTIFICATE", caDER)
    writePEM(t, filepath.Join(dir, tlsx.CertFileName), "CERTIFICATE", der)
    writePEM(t, filepath.Join(dir, tlsx.KeyFileName), "EC PRIVATE KEY", keyDER)
    return dir
}

func writePEM(t *testing.T, path, typ string, der []byte) {
    t.Helper()
    if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600); err != nil {
        t.Fatalf("write %s: %v", path, err)
    }
}
