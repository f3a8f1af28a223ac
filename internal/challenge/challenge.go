// Package challenge implements ACME challenge solvers. HTTP-01 drops
// tokens into a webroot served by the fleet's web servers, DNS-01
// publishes TXT records through a configured DNS provider and waits
// for the authoritative nameservers to answer.
package challenge

import "fmt"

// Error reports that a challenge could not be set up or confirmed on
// our side, before the CA ever validated it.
type Error struct {
	Method string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s challenge: %s", e.Method, e.Detail)
}
