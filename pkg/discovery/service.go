package discovery

import "context"

const (
	DefaultServiceType = "_lan-backup._tcp"
	DefaultDomain      = "local"
)

// ServiceInfo describes the record advertised for a running receiver.
// The receiver only ever announces; discovery of peers is the sending
// device's job.
type ServiceInfo struct {
	Name    string // instance name, usually the device name
	Type    string // service type, e.g. "_lan-backup._tcp"
	Domain  string // domain, e.g. "local"
	Port    int
	Version string // protocol version, published as a TXT record
	Device  string // human-readable device name TXT record
}

type Announcer interface {
	Announce(ctx context.Context, service ServiceInfo) error
}
