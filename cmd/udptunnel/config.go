package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// errUsage marks an invalid invocation; main prints usage and exits 2.
var errUsage = errors.New("invalid usage")

type appConfig struct {
	server   bool
	inetd    bool
	timeout  int // seconds; 0 disables the idle timeout
	syslogOn bool
	verbose  int
	help     bool

	logFormat   string
	metricsAddr string
	mdnsEnable  bool
	mdnsName    string

	source string // listen address; empty when sockets are inherited
	dest   string // egress address
}

// parseArgs parses flags, applies UDPTUNNEL_* environment overrides for
// flags not set explicitly, and validates the positional arguments.
// passedSockets is the number of supervisor-passed sockets; together with
// --inetd it decides whether a source address is expected.
func parseArgs(args []string, passedSockets int) (*appConfig, error) {
	cfg := &appConfig{}
	fs := pflag.NewFlagSet("udptunnel", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVarP(&cfg.server, "server", "s", false, "listen for TCP connections")
	fs.BoolVarP(&cfg.inetd, "inetd", "i", false, "expect to be started by inetd")
	fs.IntVarP(&cfg.timeout, "timeout", "T", 0, "close the source connection after N idle seconds")
	fs.BoolVarP(&cfg.syslogOn, "syslog", "S", false, "log to syslog instead of standard error")
	fs.CountVarP(&cfg.verbose, "verbose", "v", "explain what is being done")
	fs.BoolVarP(&cfg.help, "help", "h", false, "display this help and exit")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "log format: text|json")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&cfg.mdnsEnable, "mdns", false, "advertise the TCP listener via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	if cfg.help {
		return cfg, nil
	}
	applyEnvOverrides(cfg, fs)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}

	rest := fs.Args()
	expected := 2
	if passedSockets > 0 || cfg.inetd {
		expected = 1
	}
	if len(rest) == 0 {
		return nil, fmt.Errorf("%w: missing addresses", errUsage)
	}
	if len(rest) != expected {
		return nil, fmt.Errorf("%w: expected %d argument(s)", errUsage, expected)
	}
	if expected == 2 {
		cfg.source = rest[0]
		cfg.dest = rest[1]
	} else {
		cfg.dest = rest[0]
	}
	return cfg, nil
}

// applyEnvOverrides maps UDPTUNNEL_* environment variables to config
// fields unless the corresponding flag was set explicitly (flag wins).
func applyEnvOverrides(cfg *appConfig, fs *pflag.FlagSet) {
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if !fs.Changed("timeout") {
		if v, ok := get("UDPTUNNEL_TIMEOUT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				cfg.timeout = n
			}
		}
	}
	if !fs.Changed("log-format") {
		if v, ok := get("UDPTUNNEL_LOG_FORMAT"); ok && v != "" {
			cfg.logFormat = v
		}
	}
	if !fs.Changed("metrics-addr") {
		if v, ok := get("UDPTUNNEL_METRICS_ADDR"); ok {
			cfg.metricsAddr = v
		}
	}
	if !fs.Changed("mdns") {
		if v, ok := get("UDPTUNNEL_MDNS"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				cfg.mdnsEnable = true
			case "0", "false", "no", "off":
				cfg.mdnsEnable = false
			}
		}
	}
	if !fs.Changed("mdns-name") {
		if v, ok := get("UDPTUNNEL_MDNS_NAME"); ok && v != "" {
			cfg.mdnsName = v
		}
	}
}

// validate performs semantic validation of the parsed configuration. It
// does not attempt to resolve addresses or open sockets.
func (c *appConfig) validate() error {
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if c.timeout < 0 {
		return fmt.Errorf("timeout must be >= 0 (got %d)", c.timeout)
	}
	return nil
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: udptunnel [OPTION]... [[SOURCE:]PORT] DESTINATION:PORT

-s    --server         listen for TCP connections
-i    --inetd          expect to be started by inetd
-T N  --timeout N      close the source connection after N seconds
                       where no data was received
-S    --syslog         log to syslog instead of standard error
-v    --verbose        explain what is being done
-h    --help           display this help and exit
      --log-format F   log format: text or json
      --metrics-addr A serve Prometheus metrics on address A
      --mdns           advertise the TCP listener via mDNS (server mode)
      --mdns-name N    mDNS instance name

SOURCE:PORT must not be specified when using inetd or socket activation.

If the -s option is used then the program will listen on SOURCE:PORT for TCP
connections and relay the encapsulated packets with UDP to DESTINATION:PORT.
Otherwise it will listen on SOURCE:PORT for UDP packets and encapsulate
them in a TCP connection to DESTINATION:PORT.
`)
}
