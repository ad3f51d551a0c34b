package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kernelfabric/kernelfabric/cmn/debug"
)

// Envelope is the in-memory form of the wire message described in
// spec.md §6: "[dest_id | type(u16 LE) | flow_id | (body_type(1 byte)
// body)?]". Dest is carried for API-level symmetry only: WriteTo does not
// encode it, because each frame rides a connection the transport already
// associates with one peer (node/socket.go), so the frame itself only
// needs type/flow/body. ReadFrom leaves Dest empty.
type Envelope struct {
	Dest     string // destination identity, set by the sender; not encoded on the wire
	Type     MsgType
	FlowID   string // empty when the message is flowless
	BodyType BodyType
	Body     []byte
}

const maxBodySize = 64 << 20 // generous ceiling; STREAM_FILE chunks are capped much lower (1 MiB)

// WriteTo encodes env onto w as a single length-prefixed frame and flushes.
func WriteTo(w *bufio.Writer, env *Envelope) error {
	debug.Assert(len(env.FlowID) < 1<<16, "flow id too long")
	debug.Assert(len(env.Body) < maxBodySize, "body too large")

	var hdr [2 + 2 + 1]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(env.Type))
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(env.FlowID)))
	hdr[4] = byte(env.BodyType)

	// total length field covers everything after itself.
	total := uint32(len(hdr) + len(env.FlowID) + 4 + len(env.Body))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], total)

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if env.FlowID != "" {
		if _, err := w.WriteString(env.FlowID); err != nil {
			return err
		}
	}
	var bodyLenBuf [4]byte
	binary.LittleEndian.PutUint32(bodyLenBuf[:], uint32(len(env.Body)))
	if _, err := w.Write(bodyLenBuf[:]); err != nil {
		return err
	}
	if len(env.Body) > 0 {
		if _, err := w.Write(env.Body); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadFrom decodes a single frame from r, blocking until a full frame has
// arrived or r returns an error (including io.EOF on clean peer close).
func ReadFrom(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	total := binary.LittleEndian.Uint32(lenBuf[:])
	if total > maxBodySize+1<<16+16 {
		return nil, fmt.Errorf("wire: frame too large (%d bytes)", total)
	}
	buf := make([]byte, total)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	if len(buf) < 5 {
		return nil, fmt.Errorf("wire: truncated header")
	}
	env := &Envelope{}
	env.Type = MsgType(binary.LittleEndian.Uint16(buf[0:2]))
	flowLen := int(binary.LittleEndian.Uint16(buf[2:4]))
	env.BodyType = BodyType(buf[4])
	off := 5
	if len(buf) < off+flowLen+4 {
		return nil, fmt.Errorf("wire: truncated flow/body-length")
	}
	env.FlowID = string(buf[off : off+flowLen])
	off += flowLen
	bodyLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf) < off+bodyLen {
		return nil, fmt.Errorf("wire: truncated body")
	}
	if bodyLen > 0 {
		env.Body = buf[off : off+bodyLen]
	}
	return env, nil
}
