package connpool

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
)

// ErrNilConnection is returned when the driver hands back no connection and no error.
var ErrNilConnection = errors.New("driver returned no connection")

// transientErrorNumbers are SQL Server / Azure SQL error numbers that are
// expected to clear on retry.
var transientErrorNumbers = map[int32]bool{
	-2:    true, // client timeout
	20:    true, // instance does not support encryption, seen during failover
	64:    true, // connection dropped during login
	233:   true, // no process on the other end of the pipe
	1205:  true, // deadlock victim
	4060:  true, // cannot open database requested by the login
	4221:  true, // login to read-secondary failed, replica unavailable
	10053: true, // transport-level error, connection aborted
	10054: true, // transport-level error, connection reset
	10060: true, // network timeout
	10928: true, // resource limit reached
	10929: true, // resource limit, minimum guarantee
	40143: true, // service encountered an error processing the request
	40197: true, // service error, reconfiguration or failover
	40501: true, // service is busy
	40540: true, // service encountered an error processing the request
	40613: true, // database not currently available
	49918: true, // not enough resources to process request
	49919: true, // too many create or update operations in progress
	49920: true, // too many operations in progress
}

// IsTransient reports whether err is likely to succeed on retry: a known
// transient SQL Server error number, a timeout, a dropped network connection,
// or a missing connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNilConnection) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if n, ok := DriverErrorNumber(err); ok {
		return transientErrorNumbers[n]
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
