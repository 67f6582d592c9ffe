package bridge

import (
	"fmt"

	"golang.org/x/sys/unix"

	"vtcp/pkg/sockerr"
)

var statusNames = [...]string{
	StatusOK:                  "ok",
	StatusInvalidState:        "invalid_state",
	StatusAddressInUse:        "address_in_use",
	StatusConnectionRefused:   "connection_refused",
	StatusConnectionReset:     "connection_reset",
	StatusBrokenPipe:          "broken_pipe",
	StatusTimeout:             "timeout",
	StatusWouldBlock:          "would_block",
	StatusInProgress:          "in_progress",
	StatusNotConnected:        "not_connected",
	StatusBadFrame:            "bad_frame",
	StatusUnsupported:         "unsupported",
	StatusAddressNotAvailable: "address_not_available",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

var statusKinds = map[Status]sockerr.Kind{
	StatusInvalidState:        sockerr.KindInvalidState,
	StatusAddressInUse:        sockerr.KindAddressInUse,
	StatusConnectionRefused:   sockerr.KindConnectionRefused,
	StatusConnectionReset:     sockerr.KindConnectionReset,
	StatusBrokenPipe:          sockerr.KindBrokenPipe,
	StatusTimeout:             sockerr.KindTimeout,
	StatusWouldBlock:          sockerr.KindWouldBlock,
	StatusInProgress:          sockerr.KindInProgress,
	StatusNotConnected:        sockerr.KindNotConnected,
	StatusAddressNotAvailable: sockerr.KindAddressNotAvailable,
}

// Err converts a reply status into the error reported for op, or nil for
// StatusOK.
func (s Status) Err(op string) error {
	if s == StatusOK {
		return nil
	}
	if kind, ok := statusKinds[s]; ok {
		return sockerr.New(op, kind)
	}
	switch s {
	case StatusUnsupported:
		return sockerr.WithErrno(op, sockerr.KindInvalidArgument, unix.EOPNOTSUPP)
	case StatusBadFrame:
		return sockerr.WithErrno(op, sockerr.KindInvalidArgument, unix.EPROTO)
	}
	return sockerr.WithErrno(op, sockerr.KindInvalidState, unix.EIO)
}
