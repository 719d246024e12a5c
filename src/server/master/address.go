package master

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"mbus-master-utils/src/server/mbus"
)

// Address is a parsed device address: a primary address or a secondary mask.
type Address struct {
	Primary   int
	Secondary string
}

// ParseAddress accepts a 16 character secondary mask or a decimal primary address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if mbus.IsSecondaryAddress(s) {
		return Address{Secondary: strings.ToUpper(s)}, nil
	}
	n, err := mbus.ParsePrimaryAddress(s)
	if err != nil {
		return Address{}, wrapError(KindInvalidAddress, err, "invalid address %q", s)
	}
	return Address{Primary: n}, nil
}

func (a Address) IsSecondary() bool {
	return a.Secondary != ""
}

func (a Address) String() string {
	if a.IsSecondary() {
		return a.Secondary
	}
	return strconv.Itoa(a.Primary)
}

// FormatAddressList renders discovered addresses as `[ "a","b"]`, or `[]`
// when nothing was found.
func FormatAddressList(addrs []string) string {
	var sb strings.Builder
	sb.WriteString("[ ")
	for _, a := range addrs {
		fmt.Fprintf(&sb, "%q,", a)
	}
	out := sb.String()
	return out[:len(out)-1] + "]"
}

// ParseAddressList is the inverse of FormatAddressList.
func ParseAddressList(s string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("parse address list: %w", err)
	}
	return out, nil
}

// initSlaves wakes the segment with two network layer pings.
func initSlaves(bus Bus) error {
	for i := 0; i < 2; i++ {
		if err := bus.SendPing(mbus.AddressNetworkLayer, true); err != nil {
			return wrapError(KindSlaveInitFailed, err, "failed to init slaves")
		}
	}
	return nil
}

// resolveAddress makes addr reachable and returns the primary address to talk to.
// A secondary address is selected and then reached through the network layer;
// a primary address is pinged first so a previously selected slave lets go.
func resolveAddress(bus Bus, addr Address) (int, error) {
	if !addr.IsSecondary() {
		if err := bus.SendPing(addr.Primary, true); err != nil {
			return 0, wrapError(KindPingFailed, err, "failed to send reset to %d", addr.Primary)
		}
		return addr.Primary, nil
	}

	res, err := bus.SelectSecondary(addr.Secondary)
	switch res {
	case mbus.ProbeSingle:
		return mbus.AddressNetworkLayer, nil
	case mbus.ProbeCollision:
		return 0, newError(KindAddressCollision, "secondary address %s matches more than one device", addr.Secondary)
	case mbus.ProbeNothing:
		return 0, newError(KindAddressNotFound, "no device with secondary address %s", addr.Secondary)
	}
	return 0, wrapError(KindSelectFailed, err, "failed to select secondary address %s", addr.Secondary)
}
