package master

// Get reads one device and resolves to its data as an MBusData XML document.
func (m *Master) Get(address string) *Future[string] {
	return m.GetFrames(address, MaxFrames)
}

// GetFrames is Get with a caller chosen limit on the reply chain. A
// non-positive limit means MaxFrames.
func (m *Master) GetFrames(address string, maxFrames int) *Future[string] {
	if maxFrames <= 0 {
		maxFrames = MaxFrames
	}
	return submit(m, "get", func(bus Bus) (string, error) {
		return m.get(bus, address, maxFrames)
	})
}

func (m *Master) get(bus Bus, address string, maxFrames int) (string, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return "", err
	}
	if err := initSlaves(bus); err != nil {
		return "", err
	}
	target, err := resolveAddress(bus, addr)
	if err != nil {
		return "", err
	}

	reply, err := bus.RequestData(target, maxFrames)
	if err != nil {
		return "", wrapError(KindRequestFailed, err, "failed to read data from %s", addr)
	}
	m.log.Debug().Stringer("address", addr).Int("frames", len(reply.Frames)).Msg("reply received")

	doc, err := reply.XML()
	if err != nil {
		return "", wrapError(KindSerializationFailed, err, "failed to serialize reply from %s", addr)
	}
	return doc, nil
}
