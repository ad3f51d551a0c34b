// Package kernelwire implements the signed shell/iopub/hb message
// protocol a worker's embedded execution kernel speaks with a client's
// Connection (spec.md §6): "messages are [<delims>, <signature>,
// <header>, <parent_header>, <metadata>, <content>]; signature over the
// four JSON frames with HMAC-SHA256 keyed by session_key." Shared by
// workerproc (the kernel side) and client (the Connection side) so both
// ends frame and verify identically.
package kernelwire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/kernelfabric/kernelfabric/wire"
)

// Msg is the signed-session frame set. The real protocol also carries a
// leading delimiter frame (<IDS|MSG>); omitted here for the same reason
// wire.Envelope omits a repeated dest_id — this is a dedicated
// point-to-point socket pair, not a multiplexed one, so the delimiter
// has nothing to delimit.
type Msg struct {
	Header       map[string]any `json:"header"`
	ParentHeader map[string]any `json:"parent_header"`
	Metadata     map[string]any `json:"metadata"`
	Content      map[string]any `json:"content"`
}

func sign(key []byte, header, parent, meta, content []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(header)
	mac.Write(parent)
	mac.Write(meta)
	mac.Write(content)
	return hex.EncodeToString(mac.Sum(nil))
}

// Write frames m as [u32 total][u32 sigLen][sig][u32 hLen][h][u32 pLen]
// [p][u32 mLen][m][u32 cLen][c], matching wire.Envelope's own
// length-prefixed-frame convention (wire/envelope.go).
func Write(w io.Writer, m *Msg, key []byte) error {
	h, err := wire.EncodeJSON(m.Header)
	if err != nil {
		return err
	}
	p, err := wire.EncodeJSON(m.ParentHeader)
	if err != nil {
		return err
	}
	meta, err := wire.EncodeJSON(m.Metadata)
	if err != nil {
		return err
	}
	c, err := wire.EncodeJSON(m.Content)
	if err != nil {
		return err
	}
	sig := []byte(sign(key, h, p, meta, c))

	parts := [][]byte{sig, h, p, meta, c}
	total := 4
	for _, part := range parts {
		total += 4 + len(part)
	}
	buf := make([]byte, 0, total)
	var lenBuf [4]byte

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(total-4))
	buf = append(buf, lenBuf[:]...)
	for _, part := range parts {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(part)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, part...)
	}
	_, err = w.Write(buf)
	return err
}

// Read blocks for exactly one framed, signature-verified Msg from r.
func Read(r io.Reader, key []byte) (*Msg, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	total := binary.LittleEndian.Uint32(lenBuf[:])
	if total > 64<<20 {
		return nil, fmt.Errorf("kernelwire: message too large: %d", total)
	}
	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	off := 0
	readFrame := func() ([]byte, error) {
		if off+4 > len(body) {
			return nil, fmt.Errorf("kernelwire: truncated message")
		}
		l := binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
		if off+int(l) > len(body) {
			return nil, fmt.Errorf("kernelwire: truncated message frame")
		}
		f := body[off : off+int(l)]
		off += int(l)
		return f, nil
	}

	sig, err := readFrame()
	if err != nil {
		return nil, err
	}
	h, err := readFrame()
	if err != nil {
		return nil, err
	}
	p, err := readFrame()
	if err != nil {
		return nil, err
	}
	meta, err := readFrame()
	if err != nil {
		return nil, err
	}
	c, err := readFrame()
	if err != nil {
		return nil, err
	}
	if want := sign(key, h, p, meta, c); want != string(sig) {
		return nil, fmt.Errorf("kernelwire: message signature mismatch")
	}

	m := &Msg{}
	if err := wire.DecodeJSON(h, &m.Header); err != nil {
		return nil, err
	}
	if err := wire.DecodeJSON(p, &m.ParentHeader); err != nil {
		return nil, err
	}
	if err := wire.DecodeJSON(meta, &m.Metadata); err != nil {
		return nil, err
	}
	if err := wire.DecodeJSON(c, &m.Content); err != nil {
		return nil, err
	}
	return m, nil
}

// NewHeader builds a header map with the fields spec.md §6 names:
// msg_id, msg_type, username, session, date, version.
func NewHeader(msgType, msgID, session, date string) map[string]any {
	return map[string]any{
		"msg_id":   msgID,
		"msg_type": msgType,
		"username": "kernelfabric",
		"session":  session,
		"date":     date,
		"version":  "5.3",
	}
}
