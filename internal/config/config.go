// Package config parses command-line configuration for the media
// transport daemon, generalizing the flag-set layout of the RTMP server
// teacher this module grew out of (internal interface/port selection,
// hardware-decode and reconnect-backoff knobs instead of RTMP-relay flags).
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully parsed, validated daemon configuration.
type Config struct {
	RTMPListenAddr string
	GRPCListenAddr string
	LogLevel       string
	ShowVersion    bool

	InterfaceWhitelist []string
	ExtraAddresses     []string
	PortBase           int
	PortSpan           int
	UseAllAddresses    bool

	DisableHardwareDecode bool
	MixedGPUDevices       bool

	ReconnectCeiling time.Duration
	KeepAliveMillis  int32
}

// stringSliceFlag implements flag.Value for flags given multiple times.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ", ") }
func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// Parse parses args (typically os.Args[1:]) into a validated Config.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("mediad", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &Config{}
	var ifaces stringSliceFlag
	var extras stringSliceFlag

	fs.StringVar(&cfg.RTMPListenAddr, "rtmp-listen", ":1935", "TCP listen address for inbound RTMP publishers")
	fs.StringVar(&cfg.GRPCListenAddr, "grpc-listen", ":7788", "gRPC listen address for the RPC endpoint carrier")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")

	fs.Var(&ifaces, "interface", "Network interface to advertise/bind (can be specified multiple times; default: all up interfaces)")
	fs.Var(&extras, "extra-address", "Additional address to advertise to sinks, beyond auto-discovered interfaces (can be specified multiple times)")
	fs.IntVar(&cfg.PortBase, "port-base", 30000, "Start of the TCP port range the Connection Acceptor scans")
	fs.IntVar(&cfg.PortSpan, "port-span", 1000, "Number of ports in the Connection Acceptor's scan range")
	fs.BoolVar(&cfg.UseAllAddresses, "use-all-addresses", false, "Advertise every up interface's address to sinks, not just loopback+extras")

	fs.BoolVar(&cfg.DisableHardwareDecode, "disable-hw-decode", false, "Never request hardware-decoder-backed sources")
	fs.BoolVar(&cfg.MixedGPUDevices, "mixed-gpu-devices", false, "Allow decoder requirements spanning more than one GPU device")

	var reconnectCeilingStr string
	fs.StringVar(&reconnectCeilingStr, "reconnect-ceiling", "8s", "Maximum Sink Endpoint reconnect backoff delay")
	var keepAliveMillis int
	fs.IntVar(&keepAliveMillis, "keepalive-ms", 5000, "Sink Endpoint Lease keep-alive cadence advertised to RPC peers, in milliseconds")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.InterfaceWhitelist = ifaces
	cfg.ExtraAddresses = extras

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.LogLevel)
	}

	if cfg.PortBase <= 0 || cfg.PortBase > 65535 {
		return nil, errors.New("port-base must be between 1 and 65535")
	}
	if cfg.PortSpan <= 0 || cfg.PortBase+cfg.PortSpan > 65536 {
		return nil, errors.New("port-span must keep the scan range within valid port numbers")
	}

	ceiling, err := time.ParseDuration(reconnectCeilingStr)
	if err != nil {
		return nil, fmt.Errorf("invalid reconnect-ceiling %q: %w", reconnectCeilingStr, err)
	}
	if ceiling <= 0 {
		return nil, errors.New("reconnect-ceiling must be positive")
	}
	cfg.ReconnectCeiling = ceiling

	if keepAliveMillis <= 0 || keepAliveMillis > 600000 {
		return nil, fmt.Errorf("keepalive-ms must be between 1 and 600000, got %d", keepAliveMillis)
	}
	cfg.KeepAliveMillis = int32(keepAliveMillis)

	for _, a := range cfg.ExtraAddresses {
		if err := validateAddress(a); err != nil {
			return nil, fmt.Errorf("invalid extra-address %q: %w", a, err)
		}
	}

	return cfg, nil
}

// validateAddress accepts a bare IP or IP:port; it is deliberately lenient
// about hostnames since advertised addresses may be DNS names in some
// deployments.
func validateAddress(addr string) error {
	if addr == "" {
		return errors.New("address must not be empty")
	}
	if host, port, err := splitHostPort(addr); err == nil {
		if port != "" {
			if _, err := strconv.Atoi(port); err != nil {
				return fmt.Errorf("invalid port %q", port)
			}
		}
		if host == "" {
			return errors.New("address must have a host")
		}
	}
	return nil
}

func splitHostPort(addr string) (host, port string, err error) {
	if i := strings.LastIndex(addr, ":"); i >= 0 && !strings.Contains(addr[i+1:], ":") {
		return addr[:i], addr[i+1:], nil
	}
	return addr, "", nil
}
