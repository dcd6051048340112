package process

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	gopsnet "github.com/shirou/gopsutil/v4/net"
)

// ErrNoListener is returned when no process listens on a port.
var ErrNoListener = errors.New("no process listens on port")

// FindByPort returns the pid of the process listening on the TCP port. When
// several processes share the port, as with SO_REUSEPORT or forked servers,
// the lowest pid is returned. Sockets of other users may be invisible without
// privileges.
func FindByPort(ctx context.Context, port uint32) (string, error) {
	if port == 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %d", port)
	}

	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return "", fmt.Errorf("failed to list connections: %w", err)
	}

	var pids []int32
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Laddr.Port == port && c.Pid > 0 {
			pids = append(pids, c.Pid)
		}
	}
	if len(pids) == 0 {
		return "", fmt.Errorf("%w %d", ErrNoListener, port)
	}

	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return strconv.Itoa(int(pids[0])), nil
}
