// mbus-tool talks to an M-Bus segment directly, without the API server.
//
// Build (to dist/):
//   mkdir -p dist && go build -o dist/mbus-tool ./cmd/mbus-tool
//
// Usage:
//   mbus-tool -port=/dev/ttyUSB0 -baud=2400 scan
//   mbus-tool -host=10.0.0.7 -tcp-port=10001 get 12345678FFFFFFFF
//   mbus-tool -addresses=5,6,7 get
//   mbus-tool set-primary 12345678FFFFFFFF 12
//   mbus-tool ports
//
// Port defaults to /dev/ttyS0 if neither -port nor -host is given.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mbus-master-utils/src/server"
	"mbus-master-utils/src/server/master"
	"mbus-master-utils/src/server/util"
)

func main() {
	port := flag.String("port", master.DefaultSerialDevice, "Serial port")
	baud := flag.Int("baud", 2400, "Baud rate (300, 600, 1200, 2400, 4800, 9600, 19200, 38400)")
	host := flag.String("host", "", "TCP gateway host; when set the serial port is ignored")
	tcpPort := flag.Int("tcp-port", 10001, "TCP gateway port")
	timeout := flag.Duration("timeout", 0, "TCP response timeout (0 keeps the default)")
	addresses := flag.String("addresses", "", "Comma-separated addresses for get (e.g. 5,6,12345678FFFFFFFF)")
	mask := flag.String("mask", master.FullMask, "Secondary address mask for scan")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	log := util.NewLogger(level)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if args[0] == "ports" {
		ports, err := server.ListSerialPorts()
		if err != nil {
			log.Fatal().Err(err).Msg("ports")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	link := master.Link{Transport: master.TransportSerial, Device: *port, BaudRate: *baud}
	if *host != "" {
		link = master.Link{Transport: master.TransportTCP, Host: *host, Port: *tcpPort, Timeout: *timeout}
	}

	m := master.New(master.WithLogger(log))
	if err := m.Open(link); err != nil {
		log.Fatal().Err(err).Stringer("link", link).Msg("open")
	}
	defer m.Close()

	ctx := context.Background()
	if err := run(ctx, m, args, *addresses, *mask, log); err != nil {
		m.Close()
		log.Fatal().Err(err).Str("command", args[0]).Msg("failed")
	}
}

func run(ctx context.Context, m *master.Master, args []string, addrFlag, mask string, log zerolog.Logger) error {
	switch args[0] {
	case "get":
		addrs, err := parseAddresses(strings.Join(append([]string{addrFlag}, args[1:]...), ","))
		if err != nil {
			return err
		}
		for _, a := range addrs {
			doc, err := m.Get(a).Wait(ctx)
			if err != nil {
				log.Warn().Err(err).Str("address", a).Msg("read failed")
				continue
			}
			fmt.Println(doc)
		}
		return nil

	case "scan":
		start := time.Now()
		found, err := m.ScanRange(mask, func(p master.ScanProgress) {
			log.Debug().Int("position", p.Position).Str("mask", p.Mask).Msg("probing")
		}).Wait(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("devices", len(found)).Dur("took", time.Since(start)).Msg("scan done")
		fmt.Println(master.FormatAddressList(found))
		return nil

	case "set-primary":
		if len(args) != 3 {
			return fmt.Errorf("usage: set-primary <address> <new primary address>")
		}
		newAddr, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid new address %q", args[2])
		}
		if _, err := m.SetPrimaryID(args[1], newAddr).Wait(ctx); err != nil {
			return err
		}
		fmt.Printf("Done. %s now answers at primary address %d.\n", args[1], newAddr)
		return nil
	}
	return fmt.Errorf("unknown command %q", args[0])
}

// parseAddresses splits a comma-separated list and validates every entry.
func parseAddresses(s string) ([]string, error) {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		a, err := master.ParseAddress(p)
		if err != nil {
			return nil, err
		}
		out = append(out, a.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no addresses")
	}
	return out, nil
}
