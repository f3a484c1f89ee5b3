package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const strideV4 = 6 // 4 bytes IP + 2 bytes port

// decodeCompactPeersV4 decodes a BEP 23 compact peer string into addresses.
// Dict-style peer lists and IPv6 peers are not supported.
func decodeCompactPeersV4(v any) ([]netip.AddrPort, error) {
	var data []byte

	switch t := v.(type) {
	case string:
		data = []byte(t)
	case []byte:
		data = t
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported peers encoding %T", v)
	}

	if len(data)%strideV4 != 0 {
		return nil, fmt.Errorf("malformed compact peers: length %d not a multiple of %d", len(data), strideV4)
	}

	n := len(data) / strideV4
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+strideV4 {
		chunk := data[off : off+strideV4]
		addr := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		port := binary.BigEndian.Uint16(chunk[4:6])
		out[i] = netip.AddrPortFrom(addr, port)
	}

	return out, nil
}
