// Package wire implements the bit-exact gossip wire codec: fixed-width
// big-endian integers, length-prefixed strings, tagged socket addresses,
// and node records.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
)

// ErrProtocol is returned for malformed frames: unknown address family,
// an oversized string, or a metadata count that cannot round-trip.
var ErrProtocol = errors.New("wire: protocol error")

// maxString is the largest string length (key or value) the codec will
// write; string is a u8 length prefix so 255 is the hard ceiling.
const maxString = 255

// Node is the on-the-wire representation of a membership record.
type Node struct {
	ID       uint32
	Address  netip.AddrPort
	Metadata map[string]string
}

func WriteU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func ReadU8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func WriteU16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadU16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func WriteU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func WriteU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// WriteString writes a u8 length prefix followed by the raw bytes. s
// longer than 255 bytes cannot be encoded.
func WriteString(w io.Writer, s string) error {
	if len(s) > maxString {
		return fmt.Errorf("%w: string of %d bytes exceeds %d byte limit", ErrProtocol, len(s), maxString)
	}
	if err := WriteU8(w, uint8(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func ReadString(r io.Reader) (string, error) {
	n, err := ReadU8(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteAddress writes a u8 family tag (4 or 6), the raw IP octets, and
// a u16 port.
func WriteAddress(w io.Writer, addr netip.AddrPort) error {
	ip := addr.Addr()
	switch {
	case ip.Is4():
		if err := WriteU8(w, 4); err != nil {
			return err
		}
		octets := ip.As4()
		if _, err := w.Write(octets[:]); err != nil {
			return err
		}
	case ip.Is6():
		if err := WriteU8(w, 6); err != nil {
			return err
		}
		octets := ip.As16()
		if _, err := w.Write(octets[:]); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: address %s is neither v4 nor v6", ErrProtocol, addr)
	}
	return WriteU16(w, addr.Port())
}

// ReadAddress reads a tagged address. An unrecognized family tag is a
// ProtocolError.
func ReadAddress(r io.Reader) (netip.AddrPort, error) {
	family, err := ReadU8(r)
	if err != nil {
		return netip.AddrPort{}, err
	}

	var ip netip.Addr
	switch family {
	case 4:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return netip.AddrPort{}, err
		}
		ip = netip.AddrFrom4(buf)
	case 6:
		var buf [16]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return netip.AddrPort{}, err
		}
		ip = netip.AddrFrom16(buf)
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: unknown address family tag %d", ErrProtocol, family)
	}

	port, err := ReadU16(r)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ip, port), nil
}

// WriteNode writes a full node record: id, address, then the
// metadata_len-prefixed key/value pairs in ascending key order (so the
// byte stream a peer receives is already canonical for hashing).
func WriteNode(w io.Writer, n Node) error {
	if err := WriteU32(w, n.ID); err != nil {
		return err
	}
	if err := WriteAddress(w, n.Address); err != nil {
		return err
	}

	keys := sortedKeys(n.Metadata)
	if len(keys) > 1<<16-1 {
		return fmt.Errorf("%w: %d metadata entries exceeds u16 range", ErrProtocol, len(keys))
	}
	if err := WriteU16(w, uint16(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := WriteString(w, k); err != nil {
			return err
		}
		if err := WriteString(w, n.Metadata[k]); err != nil {
			return err
		}
	}
	return nil
}

// ReadNode reads a full node record written by WriteNode.
func ReadNode(r io.Reader) (Node, error) {
	id, err := ReadU32(r)
	if err != nil {
		return Node{}, err
	}
	addr, err := ReadAddress(r)
	if err != nil {
		return Node{}, err
	}
	count, err := ReadU16(r)
	if err != nil {
		return Node{}, err
	}

	metadata := make(map[string]string, count)
	for i := uint16(0); i < count; i++ {
		key, err := ReadString(r)
		if err != nil {
			return Node{}, err
		}
		value, err := ReadString(r)
		if err != nil {
			return Node{}, err
		}
		metadata[key] = value
	}

	return Node{ID: id, Address: addr, Metadata: metadata}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
