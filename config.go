package remotethread

import (
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/janneku/remotethread/rtproto"
)

// maxServers bounds the configured server list, per spec.md §4.6.
const maxServers = 16

var (
	configMu      sync.Mutex
	ownBinaryPath string
	servers       []string
)

// Init captures argv[0] as the path to the running binary (the client
// ships this file to a server verbatim), strips every
// "--remotethread <ipv4>" pair into the server list, and returns the
// remaining arguments for the host program to parse as it normally would.
//
// If argv[1] is the slave sentinel, Init instead dispatches to the slave
// entry point (§4.4) and never returns: the process exits from inside this
// call.
//
// Parsing is a single left-to-right scan over argv rather than a
// pflag.FlagSet, even though the rest of the ambient stack uses pflag for
// the example programs' own flags: pflag's model assumes it owns the
// entire argument vector and errors on unknown flags, which does not fit
// Init's contract of silently preserving whatever the host program's own
// parser will want to see later.
func Init(argv []string) ([]string, error) {
	if len(argv) == 0 {
		return argv, errors.New("remotethread: argv must contain at least the program path")
	}

	configMu.Lock()
	ownBinaryPath = argv[0]
	configMu.Unlock()

	if len(argv) >= 3 && argv[1] == rtproto.SlaveArg {
		fd, err := strconv.Atoi(argv[2])
		if err != nil {
			return nil, errors.Wrapf(err, "remotethread: invalid slave fd argument %q", argv[2])
		}
		runSlave(fd) // does not return
		panic("unreachable")
	}

	rest := argv[:1:1]
	var collected []string
	i := 1
	for i < len(argv) {
		if argv[i] == "--remotethread" && i+1 < len(argv) {
			ip := argv[i+1]
			if net.ParseIP(ip) == nil {
				logger().Warnf("remotethread: ignoring invalid --remotethread address %q", ip)
			} else if len(collected) >= maxServers {
				logger().Warnf("remotethread: ignoring --remotethread %q, already have %d servers", ip, maxServers)
			} else {
				collected = append(collected, ip)
			}
			i += 2
			continue
		}
		rest = append(rest, argv[i])
		i++
	}

	configMu.Lock()
	servers = collected
	configMu.Unlock()

	return rest, nil
}

// OwnBinaryPath returns the path Init captured from argv[0].
func OwnBinaryPath() string {
	configMu.Lock()
	defer configMu.Unlock()
	return ownBinaryPath
}

// Servers returns the configured server list.
func Servers() []string {
	configMu.Lock()
	defer configMu.Unlock()
	out := make([]string, len(servers))
	copy(out, servers)
	return out
}

// exitProcess is a package-level indirection over os.Exit so slave-mode
// tests can observe the intended exit code without actually terminating
// the test binary.
var exitProcess = os.Exit
