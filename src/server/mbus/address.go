package mbus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SecondaryAddressLen is the length of a secondary address mask:
// 8 ID digits, 4 manufacturer, 2 version and 2 medium hex characters.
const SecondaryAddressLen = 16

// Wildcard marks a mask position matching any value.
const Wildcard = 'F'

var ErrInvalidAddress = errors.New("mbus: invalid address")

// IsWildcard reports whether c is the mask wildcard ('F' or 'f').
func IsWildcard(c byte) bool {
	return c == 'F' || c == 'f'
}

// IsSecondaryAddress reports whether s looks like a secondary address mask.
func IsSecondaryAddress(s string) bool {
	if len(s) != SecondaryAddressLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isHex(s[i]) {
			return false
		}
	}
	return true
}

// ParsePrimaryAddress parses a decimal primary address in 0..255.
func ParsePrimaryAddress(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if !IsPrimaryAddress(n) {
		return 0, fmt.Errorf("%w: %d out of range", ErrInvalidAddress, n)
	}
	return n, nil
}

// IsPrimaryAddress reports whether n fits the primary address range.
func IsPrimaryAddress(n int) bool {
	return n >= 0 && n <= AddressMaxPrimary
}

// IsReservedAddress reports whether n is the network layer or one of the broadcast addresses.
func IsReservedAddress(n int) bool {
	return n == AddressNetworkLayer || n == AddressBroadcastReply || n == AddressBroadcastNoReply
}

// PackSecondaryMask encodes a mask into the 8 byte selection block sent with CI 0x52.
// The ID is little-endian BCD with 0xF nibbles for wildcards; the remaining
// fields are copied in frame order.
func PackSecondaryMask(mask string) ([]byte, error) {
	if !IsSecondaryAddress(mask) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, mask)
	}
	mask = strings.ToUpper(mask)
	for i := 0; i < 8; i++ {
		c := mask[i]
		if (c < '0' || c > '9') && c != Wildcard {
			return nil, fmt.Errorf("%w: id digit %q in %q", ErrInvalidAddress, c, mask)
		}
	}

	out := make([]byte, 8)
	for i := 0; i < 4; i++ {
		out[3-i] = hexNibble(mask[2*i])<<4 | hexNibble(mask[2*i+1])
	}
	for i := 4; i < 8; i++ {
		out[i] = hexNibble(mask[2*i])<<4 | hexNibble(mask[2*i+1])
	}
	return out, nil
}

// SecondaryAddressFromHeader formats the secondary address carried in the
// first 8 bytes of a variable data response header.
func SecondaryAddressFromHeader(hdr []byte) (string, error) {
	if len(hdr) < 8 {
		return "", fmt.Errorf("%w: header too short (%d bytes)", ErrInvalidFrame, len(hdr))
	}
	return fmt.Sprintf("%02X%02X%02X%02X%02X%02X%02X%02X",
		hdr[3], hdr[2], hdr[1], hdr[0], hdr[4], hdr[5], hdr[6], hdr[7]), nil
}

// SecondaryAddressFromFrame extracts the secondary address of a variable data response.
func SecondaryAddressFromFrame(f *Frame) (string, error) {
	if f == nil || f.Type != FrameTypeLong {
		return "", fmt.Errorf("%w: not a long frame", ErrInvalidFrame)
	}
	if f.CI != CIResponseVariable && f.CI != CIResponseVarMSB {
		return "", fmt.Errorf("%w: CI 0x%02X", ErrUnsupportedFrame, f.CI)
	}
	return SecondaryAddressFromHeader(f.Data)
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
