package transport

import (
	"bytes"
	"fmt"

	"github.com/lunixbochs/struc"

	"gogoc-tsp/internal/config"
)

// Header prefixes every RUDP datagram. Both fields travel in network order;
// the peer echoes them back in its reply.
type Header struct {
	Sequence  uint32 `struc:"uint32,big"`
	Timestamp uint32 `struc:"uint32,big"`
}

// Marshal returns the header followed by payload.
func (h Header) Marshal(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(config.RUDPHeaderLen + len(payload))
	if err := struc.Pack(&buf, &h); err != nil {
		return nil, fmt.Errorf("pack rudp header: %w", err)
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

// UnmarshalHeader splits a datagram into its header and payload.
func UnmarshalHeader(datagram []byte) (Header, []byte, error) {
	var h Header
	if len(datagram) < config.RUDPHeaderLen {
		return h, nil, fmt.Errorf("rudp datagram too short: %d bytes", len(datagram))
	}
	if err := struc.Unpack(bytes.NewReader(datagram[:config.RUDPHeaderLen]), &h); err != nil {
		return h, nil, fmt.Errorf("unpack rudp header: %w", err)
	}
	return h, datagram[config.RUDPHeaderLen:], nil
}
