// Package transport defines the uniform capability contract every concrete
// transport (tcp, ssl, kcp, kcp+ssl, http) satisfies, plus the pieces
// shared across all of them: the owner back-reference, the default
// timeout/options, and ChannelFactory's setupChannel.
package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
	"weak"

	"lafrpc/pkg/channel"
	"lafrpc/pkg/peer"
	"lafrpc/pkg/protocol"
	"lafrpc/pkg/rpc"
)

// ErrOwnerDead is returned (or silently absorbed, per the operation's
// documented no-op behavior) whenever a transport's weak back-reference to
// its owning Rpc has expired.
var ErrOwnerDead = errors.New("transport: owning rpc is no longer alive")

// Transport is the capability object every concrete transport implements.
// Shared helpers (handshake, channel factory, raw-socket registry) are
// composed in, not inherited.
type Transport interface {
	CanHandle(addr string) bool
	Connect(ctx context.Context, addr string, timeout time.Duration) (*channel.DataChannel, error)
	MakeRawSocket(ctx context.Context, addr string) (channel.Stream, [16]byte, error)
	TakeRawSocket(id [16]byte) (channel.Stream, bool)
	StartServer(ctx context.Context, addr string) error
	Close() error
}

// DefaultConnectTimeout is substituted whenever a caller passes 0.
const DefaultConnectTimeout = 5 * time.Second

// Owner is a weak handle to the RPC core a transport belongs to. Every
// transport operation checks it up front and returns cleanly — never
// panics — if the referent has been collected.
type Owner struct {
	ptr weak.Pointer[rpc.Rpc]
}

// NewOwner captures a weak reference to r.
func NewOwner(r *rpc.Rpc) Owner {
	return Owner{ptr: weak.Make(r)}
}

// Get returns the live Rpc, or nil if it has been torn down.
func (o Owner) Get() *rpc.Rpc {
	return o.ptr.Value()
}

// ChannelFactory applies the owner's global configuration to a freshly
// wrapped stream: max packet size, and — for TLS-bearing streams — the
// peer-certificate property pair. Attaching certificate metadata is not an
// error when absent; it's simply skipped for non-TLS transports.
type ChannelFactory struct {
	Owner Owner
}

// Setup wraps stream as a DataChannel with the given pole, applies the
// owner's max packet size, and (if tlsConn is non-nil and produced a
// non-empty peer leaf certificate) attaches peer_certificate and
// peer_certificate_hash.
func (f ChannelFactory) Setup(stream channel.Stream, pole protocol.Pole, tlsConn *tls.Conn) (*channel.DataChannel, error) {
	owner := f.Owner.Get()
	if owner == nil {
		return nil, ErrOwnerDead
	}

	ch := channel.New(stream, pole)
	ch.SetMaxPacketSize(owner.MaxPacketSize())

	if tlsConn != nil {
		attachPeerCertificate(ch, tlsConn)
	}

	return ch, nil
}

func attachPeerCertificate(ch *channel.DataChannel, tlsConn *tls.Conn) {
	state := tlsConn.ConnectionState()
	leaf := EnsureLeafCertificate(state.PeerCertificates)
	if leaf == nil || len(leaf.Raw) == 0 {
		return
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})
	if len(pemBytes) == 0 {
		return
	}

	sum := sha256.Sum256(leaf.Raw)

	ch.SetProperty(channel.PropertyPeerCertificate, string(pemBytes))
	ch.SetProperty(channel.PropertyPeerCertificateHash, fmt.Sprintf("%x", sum))
}

// EnsureLeafCertificate returns the peer's leaf certificate, or nil for an
// empty chain; attachPeerCertificate uses it before touching leaf.Raw. It
// never rejects a connection: an empty chain only means no certificate
// metadata is attached.
func EnsureLeafCertificate(certs []*x509.Certificate) *x509.Certificate {
	if len(certs) == 0 {
		return nil
	}
	return certs[0]
}

// ResolveTimeout replaces a zero timeout with DefaultConnectTimeout.
func ResolveTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultConnectTimeout
	}
	return d
}

// PreparePeer hands a freshly built channel to the owner's Rpc core,
// returning ErrOwnerDead cleanly if it has already been torn down.
func PreparePeer(owner Owner, ch *channel.DataChannel, hint, addr string) (*peer.Peer, error) {
	r := owner.Get()
	if r == nil {
		return nil, ErrOwnerDead
	}
	return r.PreparePeer(ch, hint, addr)
}
