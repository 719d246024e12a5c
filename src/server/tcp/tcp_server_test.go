package tcp

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mbus-master-utils/src/server/discovery"
	"mbus-master-utils/src/server/master"
	"mbus-master-utils/src/server/master/mastertest"
	"mbus-master-utils/src/server/meters"
)

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) read() map[string]interface{} {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.r.ReadBytes('\n')
	require.NoError(c.t, err)
	var msg map[string]interface{}
	require.NoError(c.t, json.Unmarshal(line, &msg))
	return msg
}

func startServer(t *testing.T, bus *mastertest.Bus) *TCPServer {
	t.Helper()
	m := master.New(master.WithBusFactory(func(master.Link, zerolog.Logger) master.Bus { return bus }))
	require.NoError(t, m.OpenSerial("/dev/ttyS1", 2400))
	svc := meters.NewService(m, discovery.NewRegistry(), nil, zerolog.Nop())

	s := NewTCPServer("0", svc, "test", false, zerolog.Nop())
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func dial(t *testing.T, s *TCPServer) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	welcome := c.read()
	require.Equal(t, "welcome", welcome["type"])
	assert.Equal(t, "test", welcome["version"])
	return c
}

func TestTCPServerCommands(t *testing.T) {
	bus := mastertest.NewBus(
		&mastertest.Device{Secondary: "123456782D2C0104", Primary: 5},
		&mastertest.Device{Secondary: "223456782D2C0107", Primary: 6},
	)
	s := startServer(t, bus)
	c := dial(t, s)
	require.Eventually(t, s.IsConnected, time.Second, time.Millisecond)

	c.send(`{"type":"get","id":"r1","address":"5"}`)
	resp := c.read()
	assert.Equal(t, "get-response", resp["type"])
	assert.Equal(t, "r1", resp["id"])
	assert.Equal(t, "ok", resp["status"])
	assert.Contains(t, resp["data"], "<Id>12345678</Id>")

	c.send(`{"type":"get","id":"r1b","address":"6","maxFrames":3}`)
	resp = c.read()
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, 1, bus.CallCount("request 6 3"))

	c.send(`{"type":"scan","id":"r2"}`)
	var progress int
	for {
		msg := c.read()
		if msg["type"] == "scan-progress" {
			assert.Equal(t, "r2", msg["id"])
			progress++
			continue
		}
		assert.Equal(t, "scan-response", msg["type"])
		assert.Equal(t, []interface{}{"123456782D2C0104", "223456782D2C0107"}, msg["addresses"])
		break
	}
	assert.Positive(t, progress)

	c.send(`{"type":"set-primary","id":"r3","address":"5","newAddress":6}`)
	resp = c.read()
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "AddressInUse", resp["kind"])

	c.send(`{"type":"set-primary","id":"r4","address":"5"}`)
	resp = c.read()
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "newAddress is required", resp["message"])

	c.send(`{"type":"status"}`)
	resp = c.read()
	assert.Equal(t, "status-response", resp["type"])
	assert.NotEmpty(t, resp["id"], "id generated when absent")
	state := resp["state"].(map[string]interface{})
	assert.Equal(t, true, state["connected"])
	assert.Equal(t, false, state["communicationInProgress"])
}

func TestTCPServerBadInput(t *testing.T) {
	s := startServer(t, mastertest.NewBus())
	c := dial(t, s)

	c.send(`not json`)
	assert.Equal(t, "error", c.read()["type"])

	c.send(`{"type":"reboot","id":"x"}`)
	resp := c.read()
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, "x", resp["id"])

	c.send(`{"type":"get","id":"y","address":"meter"}`)
	resp = c.read()
	assert.Equal(t, "get-response", resp["type"])
	assert.Equal(t, "InvalidAddress", resp["kind"])
	assert.NotContains(t, resp, "data")
}

func TestTCPServerSingleClient(t *testing.T) {
	s := startServer(t, mastertest.NewBus())
	first := dial(t, s)
	require.Eventually(t, s.IsConnected, time.Second, time.Millisecond)

	second, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = bufio.NewReader(second).ReadBytes('\n')
	assert.Error(t, err, "second client is closed without a welcome")

	first.conn.Close()
	require.Eventually(t, func() bool { return !s.IsConnected() }, time.Second, time.Millisecond)
	dial(t, s)
}
