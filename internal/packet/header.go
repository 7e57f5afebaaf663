package packet

import "errors"

const (
	IPv4HeaderLen = 20
	IPv6HeaderLen = 40
	ICMPHeaderLen = 8

	ProtoICMP   = 1
	ProtoICMPv6 = 58

	IPv4Version = 4
	IPv6Version = 6

	// EchoPayloadLen is the size of the embedded send timestamp.
	EchoPayloadLen = 8
)

var (
	ErrPacketTooShort     = errors.New("packet too short")
	ErrUnsupportedFamily  = errors.New("unsupported address family")
	ErrNotEchoReply       = errors.New("not an echo reply")
	ErrBadAddress         = errors.New("source or destination address does not match family")
	ErrMalformedTimestamp = errors.New("echo payload carries no timestamp")
)

func GetIPVersion(packet []byte) uint8 {
	if len(packet) < 1 {
		return 0
	}
	return packet[0] >> 4
}

// stripIPv4 drops a leading IPv4 header, as delivered by some raw sockets.
func stripIPv4(packet []byte) ([]byte, error) {
	if GetIPVersion(packet) != IPv4Version {
		return packet, nil
	}
	ihl := int(packet[0]&0x0F) * 4
	if ihl < IPv4HeaderLen || ihl > len(packet) {
		return nil, ErrPacketTooShort
	}
	return packet[ihl:], nil
}
