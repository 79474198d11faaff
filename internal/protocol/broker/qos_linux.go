//go:build linux

package broker

import (
	"log/slog"
	"syscall"

	"golang.org/x/sys/unix"
)

// dscpEF is the Expedited Forwarding code point used for voice.
const dscpEF = 46

// markVoice sets DSCP EF on the socket. Failures are logged and ignored;
// containers commonly refuse the option.
func markVoice(network, _ string, rc syscall.RawConn) error {
	tos := dscpEF << 2
	return rc.Control(func(fd uintptr) {
		level, opt := unix.IPPROTO_IP, unix.IP_TOS
		if network == "udp6" {
			level, opt = unix.IPPROTO_IPV6, unix.IPV6_TCLASS
		}
		if err := unix.SetsockoptInt(int(fd), level, opt, tos); err != nil {
			slog.Debug("broker: dscp marking unavailable", "network", network, "err", err)
		}
	})
}
