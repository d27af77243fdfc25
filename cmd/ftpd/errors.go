package main

import (
	"errors"
	"fmt"
	"net"
)

// FormatUserError renders err the way it should appear on stderr. A
// *net.OpError anywhere in the chain (e.g. address already in use) is
// reduced to "network error: <cause>"; every other error, including a
// missing root directory, is printed as err.Error() unchanged.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Sprintf("network error: %s", opErr.Err)
	}

	return err.Error()
}
