package packet

import (
	"encoding/binary"
	"net"
)

func Checksum(data []byte) uint16 {
	var sum uint32

	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}

	for sum > 0xFFFF {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}

	return ^uint16(sum)
}

// ICMPv6Checksum computes the RFC 2460 checksum of msg, whose checksum field
// must be zeroed, over the upper-layer pseudo-header.
func ICMPv6Checksum(src, dst net.IP, msg []byte) uint16 {
	pseudo := make([]byte, IPv6HeaderLen+len(msg))
	copy(pseudo[0:16], src.To16())
	copy(pseudo[16:32], dst.To16())
	binary.BigEndian.PutUint32(pseudo[32:36], uint32(len(msg)))
	pseudo[39] = ProtoICMPv6
	copy(pseudo[IPv6HeaderLen:], msg)

	return Checksum(pseudo)
}
