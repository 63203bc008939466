package smb

import (
	"encoding/binary"
	"fmt"
	"io"
)

const maxFrameSize = 0x00ffffff

// readFrame reads one NetBIOS session service frame: a 4 byte big endian
// length followed by the packet.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("invalid NetBIOS frame size 0x%x", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, pkt []byte) error {
	if len(pkt) > maxFrameSize {
		return fmt.Errorf("packet of %d bytes exceeds the NetBIOS frame limit", len(pkt))
	}
	buf := make([]byte, 4+len(pkt))
	binary.BigEndian.PutUint32(buf, uint32(len(pkt)))
	copy(buf[4:], pkt)
	_, err := w.Write(buf)
	return err
}
