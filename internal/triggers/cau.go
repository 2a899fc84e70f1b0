package triggers

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/edgefog/agentd/internal/agentstate"
)

const cauDefaultTimeout = 3 * time.Second

// CAU adapts the TCP line-protocol authentication client collaborator.
// spec.md §9 retains the TCP form as normative over a commented-out HTTP
// alternative present in the original implementation.
type CAU struct {
	addr string
}

// NewCAU targets the CAU client at host:port (spec.md names port 46065).
func NewCAU(host string, port int) *CAU {
	return &CAU{addr: fmt.Sprintf("%s:%d", host, port)}
}

// Authenticate opens a TCP connection, writes the line-protocol payload, and
// reports success if the reply contains "OK". idKey is truncated to its
// first 64 characters per spec.md §4.5 step 6.
func (c *CAU) Authenticate(ctx context.Context, detectedLeaderID, macAddr, idKey, deviceID string) (bool, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return false, &agentstate.TransportError{Op: "cau dial", Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(cauDefaultTimeout))
	}

	if len(idKey) > 64 {
		idKey = idKey[:64]
	}
	line := fmt.Sprintf("detectedLeaderID=%s,MACaddr=%s,IDkey=%s,deviceID=%s\n", detectedLeaderID, macAddr, idKey, deviceID)
	if _, err := conn.Write([]byte(line)); err != nil {
		return false, &agentstate.TransportError{Op: "cau write", Err: err}
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return false, &agentstate.TransportError{Op: "cau read", Err: err}
	}
	return strings.Contains(reply, "OK"), nil
}
