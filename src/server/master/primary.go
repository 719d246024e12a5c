package master

import (
	"errors"

	"mbus-master-utils/src/server/mbus"
)

// SetPrimaryID moves the device at oldAddress to the primary address newAddress
// after checking that nothing answers at newAddress yet.
func (m *Master) SetPrimaryID(oldAddress string, newAddress int) *Future[struct{}] {
	return submit(m, "set-primary", func(bus Bus) (struct{}, error) {
		return struct{}{}, m.setPrimaryID(bus, oldAddress, newAddress)
	})
}

func (m *Master) setPrimaryID(bus Bus, oldAddress string, newAddress int) error {
	if !mbus.IsPrimaryAddress(newAddress) || mbus.IsReservedAddress(newAddress) {
		return newError(KindInvalidTargetAddress, "invalid new primary address %d", newAddress)
	}
	old, err := ParseAddress(oldAddress)
	if err != nil {
		return err
	}

	if err := initSlaves(bus); err != nil {
		return err
	}

	if err := bus.SendPing(newAddress, false); err != nil {
		return wrapError(KindVerifyPingFailed, err, "failed to ping primary address %d", newAddress)
	}
	if _, err := bus.ReceiveFrame(); !errors.Is(err, mbus.ErrTimeout) {
		return newError(KindAddressInUse, "primary address %d already in use", newAddress)
	}

	target := old.Primary
	if old.IsSecondary() {
		if target, err = resolveAddress(bus, old); err != nil {
			return err
		}
	}

	if err := bus.SetPrimaryAddress(target, newAddress); err != nil {
		return wrapError(KindSetAddressFailed, err, "failed to send set primary address to %s", old)
	}

	reply, err := bus.ReceiveFrame()
	if errors.Is(err, mbus.ErrTimeout) {
		return newError(KindNoReply, "no reply from %s", old)
	}
	if err != nil {
		return wrapError(KindUnexpectedReply, err, "unknown reply from %s", old)
	}
	if reply.Type != mbus.FrameTypeACK {
		return newError(KindUnexpectedReply, "unknown reply from %s: %s", old, reply)
	}

	m.log.Info().Stringer("old", old).Int("new", newAddress).Msg("primary address changed")
	return nil
}
