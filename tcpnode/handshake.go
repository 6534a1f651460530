package tcpnode

import (
	cryrand "crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/glycerine/blake3"
)

// The handshake proves both ends know the cookie
// without sending it:
//
//	dialer   -> hello{From: dialer}       body: nonceD
//	acceptor -> challenge{From: acceptor} body: nonceA | mac(nonceD, "accept")
//	dialer   -> proof                     body: mac(nonceA, "dial")
//	acceptor -> welcome
//
// mac is blake3 keyed by blake3(cookie).

const nonceLen = 32
const macLen = 32

var ErrBadCookie = errors.New("tcpnode: peer failed the cookie challenge")

func cookieKey(cookie string) []byte {
	h := blake3.New(32, nil)
	h.Write([]byte(cookie))
	return h.Sum(nil)
}

func cookieMac(key, nonce []byte, role string) []byte {
	h := blake3.New(macLen, key)
	h.Write(nonce)
	h.Write([]byte(role))
	return h.Sum(nil)
}

func newNonce() []byte {
	by := make([]byte, nonceLen)
	_, err := cryrand.Read(by)
	panicOn(err)
	return by
}

// dialHandshake runs the dialer side; it returns the
// acceptor's node name.
func (n *Node) dialHandshake(conn net.Conn, want string, timeout time.Duration) (peer string, err error) {
	w := newWorkspace()
	deadline := &timeout

	nonceD := newNonce()
	hello := &frame{Hdr: frameHeader{Kind: kindHello, From: n.Name(), ToNode: want}, Body: nonceD}
	if err = w.sendFrame(conn, hello, deadline); err != nil {
		return "", err
	}

	ch, err := w.receiveFrame(conn, deadline)
	if err != nil {
		return "", err
	}
	if ch.Hdr.Kind != kindChallenge || len(ch.Body) != nonceLen+macLen {
		return "", fmt.Errorf("tcpnode: expected challenge, got %v", ch.Hdr.Kind)
	}
	if ch.Hdr.From != want {
		return "", fmt.Errorf("tcpnode: dialed '%v' but reached '%v'", want, ch.Hdr.From)
	}
	nonceA, mac := ch.Body[:nonceLen], ch.Body[nonceLen:]
	if subtle.ConstantTimeCompare(mac, cookieMac(n.key, nonceD, "accept")) != 1 {
		return "", ErrBadCookie
	}

	proof := &frame{Hdr: frameHeader{Kind: kindProof, From: n.Name()}, Body: cookieMac(n.key, nonceA, "dial")}
	if err = w.sendFrame(conn, proof, deadline); err != nil {
		return "", err
	}

	wel, err := w.receiveFrame(conn, deadline)
	if err != nil {
		// the acceptor hangs up on a bad proof
		return "", fmt.Errorf("%w: %v", ErrBadCookie, err)
	}
	if wel.Hdr.Kind != kindWelcome {
		return "", fmt.Errorf("tcpnode: expected welcome, got %v", wel.Hdr.Kind)
	}
	return ch.Hdr.From, nil
}

// acceptHandshake runs the acceptor side; it returns the
// dialer's node name.
func (n *Node) acceptHandshake(conn net.Conn, timeout time.Duration) (peer string, err error) {
	w := newWorkspace()
	deadline := &timeout

	hello, err := w.receiveFrame(conn, deadline)
	if err != nil {
		return "", err
	}
	if hello.Hdr.Kind != kindHello || len(hello.Body) != nonceLen {
		return "", fmt.Errorf("tcpnode: expected hello, got %v", hello.Hdr.Kind)
	}
	if hello.Hdr.From == "" {
		return "", fmt.Errorf("tcpnode: hello without a node name")
	}
	if hello.Hdr.ToNode != "" && hello.Hdr.ToNode != n.Name() {
		return "", fmt.Errorf("tcpnode: hello for '%v' reached '%v'", hello.Hdr.ToNode, n.Name())
	}

	nonceA := newNonce()
	body := append(append([]byte{}, nonceA...), cookieMac(n.key, hello.Body, "accept")...)
	ch := &frame{Hdr: frameHeader{Kind: kindChallenge, From: n.Name()}, Body: body}
	if err = w.sendFrame(conn, ch, deadline); err != nil {
		return "", err
	}

	proof, err := w.receiveFrame(conn, deadline)
	if err != nil {
		return "", err
	}
	if proof.Hdr.Kind != kindProof ||
		subtle.ConstantTimeCompare(proof.Body, cookieMac(n.key, nonceA, "dial")) != 1 {
		return "", ErrBadCookie
	}

	wel := &frame{Hdr: frameHeader{Kind: kindWelcome, From: n.Name()}}
	if err = w.sendFrame(conn, wel, deadline); err != nil {
		return "", err
	}
	return hello.Hdr.From, nil
}
