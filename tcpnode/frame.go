package tcpnode

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/glycerine/greenpack/msgp"
)

const (
	maxHeader = 64 * 1024
	maxBody   = 64 * 1024 * 1024
)

// =========================
//
// frame structure
//
// 1. seqno: 8 bytes, big endian uint64. Pings carry an
//    odd seqno and the pong echoes it; everything else is 0.
//
// 2. lenHeader: 8 bytes, big endian uint64.
//
// 3. header: lenHeader bytes of msgpack, see frameHeader.
//
// 4. lenBody: 8 bytes, big endian uint64.
//
// 5. body: lenBody bytes. A term for sends, possibly zstd
//    compressed; a nonce or digest during the handshake.
//
// =========================

type frameKind uint8

const (
	kindHello     frameKind = 1 // dialer: name, body = nonce
	kindChallenge frameKind = 2 // acceptor: name, body = nonce + digest
	kindProof     frameKind = 3 // dialer: body = digest
	kindWelcome   frameKind = 4 // acceptor: link is up
	kindPing      frameKind = 5
	kindPong      frameKind = 6
	kindSend      frameKind = 7 // to pid (ToNode, ToID)
	kindSendName  frameKind = 8 // to registered mailbox ToName
)

func (k frameKind) String() string {
	switch k {
	case kindHello:
		return "hello"
	case kindChallenge:
		return "challenge"
	case kindProof:
		return "proof"
	case kindWelcome:
		return "welcome"
	case kindPing:
		return "ping"
	case kindPong:
		return "pong"
	case kindSend:
		return "send"
	case kindSendName:
		return "send_name"
	}
	return fmt.Sprintf("unknown_frame_kind_%v", uint8(k))
}

const flagZstd uint8 = 1

type frameHeader struct {
	Kind   frameKind
	Flags  uint8
	From   string
	ToNode string
	ToID   uint64
	ToName string
}

func (h *frameHeader) appendMsgp(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 6)
	b = msgp.AppendUint8(b, uint8(h.Kind))
	b = msgp.AppendUint8(b, h.Flags)
	b = msgp.AppendString(b, h.From)
	b = msgp.AppendString(b, h.ToNode)
	b = msgp.AppendUint64(b, h.ToID)
	return msgp.AppendString(b, h.ToName)
}

func (h *frameHeader) unmarshalMsgp(b []byte) (err error) {
	var nbs msgp.NilBitsStack
	var n uint32
	n, b, err = nbs.ReadArrayHeaderBytes(b)
	if err != nil {
		return err
	}
	if n != 6 {
		return fmt.Errorf("tcpnode: frame header has %v fields, want 6", n)
	}
	var k uint8
	k, b, err = nbs.ReadUint8Bytes(b)
	if err != nil {
		return err
	}
	h.Kind = frameKind(k)
	if h.Flags, b, err = nbs.ReadUint8Bytes(b); err != nil {
		return err
	}
	if h.From, b, err = nbs.ReadStringBytes(b); err != nil {
		return err
	}
	if h.ToNode, b, err = nbs.ReadStringBytes(b); err != nil {
		return err
	}
	if h.ToID, b, err = nbs.ReadUint64Bytes(b); err != nil {
		return err
	}
	h.ToName, _, err = nbs.ReadStringBytes(b)
	return err
}

type frame struct {
	Seqno uint64
	Hdr   frameHeader
	Body  []byte
}

// a workspace lets us re-use the header buffer.
// One for reading and a separate one for writing,
// since each belongs to a single goroutine at a time.
type workspace struct {
	buf []byte
}

func newWorkspace() *workspace {
	return &workspace{
		buf: make([]byte, 0, 1024),
	}
}

// receiveFrame reads one frame from conn.
// A nil or 0 timeout means no timeout.
func (w *workspace) receiveFrame(conn net.Conn, timeout *time.Duration) (fr *frame, err error) {

	var lenBytes [8]byte
	if err := readFull(conn, lenBytes[:], timeout); err != nil {
		return nil, err
	}
	fr = &frame{}
	fr.Seqno = binary.BigEndian.Uint64(lenBytes[:])

	if err := readFull(conn, lenBytes[:], timeout); err != nil {
		return nil, err
	}
	headerLen := binary.BigEndian.Uint64(lenBytes[:])
	if headerLen > maxHeader {
		return nil, fmt.Errorf("tcpnode: frame header too long: %v bytes", headerLen)
	}
	header := make([]byte, headerLen)
	if err := readFull(conn, header, timeout); err != nil {
		return nil, err
	}
	if err := fr.Hdr.unmarshalMsgp(header); err != nil {
		return nil, err
	}

	if err := readFull(conn, lenBytes[:], timeout); err != nil {
		return nil, err
	}
	bodyLen := binary.BigEndian.Uint64(lenBytes[:])
	if bodyLen > maxBody {
		return nil, fmt.Errorf("tcpnode: frame body too long: %v bytes", bodyLen)
	}
	fr.Body = make([]byte, bodyLen)
	if err := readFull(conn, fr.Body, timeout); err != nil {
		return nil, err
	}
	return fr, nil
}

// sendFrame writes one frame to conn as a single Write.
// A nil or 0 timeout means no timeout.
func (w *workspace) sendFrame(conn net.Conn, fr *frame, timeout *time.Duration) error {
	if len(fr.Body) > maxBody {
		return fmt.Errorf("tcpnode: frame body too long: %v bytes", len(fr.Body))
	}
	header := fr.Hdr.appendMsgp(w.buf[:0])

	out := make([]byte, 0, 24+len(header)+len(fr.Body))
	out = binary.BigEndian.AppendUint64(out, fr.Seqno)
	out = binary.BigEndian.AppendUint64(out, uint64(len(header)))
	out = append(out, header...)
	out = binary.BigEndian.AppendUint64(out, uint64(len(fr.Body)))
	out = append(out, fr.Body...)

	w.buf = header[:0]
	return writeFull(conn, out, timeout)
}

// readFull reads exactly len(buf) bytes from conn
func readFull(conn net.Conn, buf []byte, timeout *time.Duration) error {

	if timeout != nil && *timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(*timeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}

	need := len(buf)
	total := 0
	for total < need {
		n, err := conn.Read(buf[total:])
		total += n
		if total == need {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeFull writes all bytes in buf to conn
func writeFull(conn net.Conn, buf []byte, timeout *time.Duration) error {

	if timeout != nil && *timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(*timeout))
	} else {
		conn.SetWriteDeadline(time.Time{})
	}

	need := len(buf)
	total := 0
	for total < need {
		n, err := conn.Write(buf[total:])
		total += n
		if total == need {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}
