package transport

import (
	"crypto/rand"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/blazingdb/ral/pkg/clustercontext"
)

// Identity is a node's durable libp2p peer identity: an Ed25519 keypair and
// the peer.ID derived from its public key. clustercontext.NodeID (spec §2's
// plain string node identifier) is kept distinct from this — NodeID is the
// query-scoped logical name a cluster topology config assigns a node;
// Identity is the cryptographic identity that proves which physical process
// answers to that name, grounded on the teacher's
// pkg/announce/signature.go verification path (crypto.PubKey, peer.Decode)
// and its test helpers' crypto.GenerateEd25519Key key generation.
type Identity struct {
	PrivateKey crypto.PrivKey
	PublicKey  crypto.PubKey
	PeerID     peer.ID
}

// NewIdentity generates a fresh Ed25519 identity for a node joining a
// cluster for the first time. Production deployments would persist and
// reload PrivateKey across restarts instead of regenerating it; that
// persistence format is out of scope here.
func NewIdentity() (*Identity, error) {
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("transport: generate identity: %w", err)
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("transport: derive peer id: %w", err)
	}
	return &Identity{PrivateKey: priv, PublicKey: pub, PeerID: pid}, nil
}

// ParsePeerID decodes the canonical string encoding of a peer.ID, as given
// in the peerid part of cmd/ralworker's -peer flag values.
func ParsePeerID(s string) (peer.ID, error) {
	pid, err := peer.Decode(s)
	if err != nil {
		return "", fmt.Errorf("transport: invalid peer id %q: %w", s, err)
	}
	return pid, nil
}

// PeerAddress pairs a logical cluster node with the libp2p multiaddr it is
// reachable at, resolved from a -peer flag at startup and used to seed
// WebsocketTransport.Dial's target URL (the multiaddr's host/port, not its
// protocol, since the data-plane carrier here is websocket rather than a
// raw libp2p stream).
type PeerAddress struct {
	Node clustercontext.NodeID
	Peer peer.ID
	Addr multiaddr.Multiaddr
}

// ParsePeerAddress parses a multiaddr string such as
// "/ip4/10.0.0.4/tcp/7001/ws" into a PeerAddress for node.
func ParsePeerAddress(node clustercontext.NodeID, peerIDStr, addrStr string) (*PeerAddress, error) {
	pid, err := ParsePeerID(peerIDStr)
	if err != nil {
		return nil, err
	}
	addr, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid multiaddr %q for node %q: %w", addrStr, node, err)
	}
	return &PeerAddress{Node: node, Peer: pid, Addr: addr}, nil
}

// hostProtocols lists the multiaddr protocol codes DialURL checks, in
// order, to find the host component of a /-delimited address.
var hostProtocols = []int{multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS4, multiaddr.P_DNS6, multiaddr.P_DNS}

// DialURL derives the "ws://host:port/ral/messages" URL WebsocketTransport.Dial
// expects from p's multiaddr, matching the /ral/messages route
// WebsocketTransport.ServeHTTP is mounted at. It returns an error if Addr
// lacks a host protocol DialURL understands or lacks a /tcp port.
func (p *PeerAddress) DialURL() (string, error) {
	var host string
	for _, proto := range hostProtocols {
		if v, err := p.Addr.ValueForProtocol(proto); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return "", fmt.Errorf("transport: multiaddr %q for node %q has no recognized host component", p.Addr, p.Node)
	}
	port, err := p.Addr.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return "", fmt.Errorf("transport: multiaddr %q for node %q has no /tcp port: %w", p.Addr, p.Node, err)
	}
	return fmt.Sprintf("ws://%s:%s/ral/messages", host, port), nil
}
