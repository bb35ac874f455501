package sparse

import (
	"crypto/x509"
)

// Hostname is the name a peer proves with its certificate.
type Hostname string

// PeerResolver can resolve a hostname from a list of
// `x509.Certificate`, those certificates are the one received from a
// remote peer.
//
// The contract of this function is:
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the connection establishment critical path.
//
// If the resolution is successful, *Implementations* MUST return an hostname
// and a nil error.
//
// Otherwise, *Implementations* MUST return a human-friendly error string
// as a second value, which will be sent to the remote peer, so they can
// debug the error.
type PeerResolver func(certs []*x509.Certificate) (Hostname, string, error)

// CommonNameResolver is the default resolver used to resolve the hostname
// from the x509 Subject Common Name of the peer certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, string, error) {
	if len(certs) == 0 {
		return "", "it seems like you haven't provided a certificate", ErrHostnameResolve
	}

	return Hostname(certs[0].Subject.CommonName), "", nil
}
