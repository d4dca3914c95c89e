package netcheck

import "net"

// TransportDetector reports whether the host has a usable network transport.
type TransportDetector interface {
	HasActiveTransport() bool
}

// TransportFunc adapts a function to TransportDetector.
type TransportFunc func() bool

// HasActiveTransport calls f.
func (f TransportFunc) HasActiveTransport() bool { return f() }

// InterfaceDetector treats any up, running, non-loopback interface with at
// least one unicast address as an active transport.
type InterfaceDetector struct {
	// Interfaces defaults to net.Interfaces.
	Interfaces func() ([]net.Interface, error)
}

// HasActiveTransport inspects the host's interfaces.
func (d InterfaceDetector) HasActiveTransport() bool {
	list := d.Interfaces
	if list == nil {
		list = net.Interfaces
	}

	ifaces, err := list()
	if err != nil {
		return false
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagRunning == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.IsGlobalUnicast() {
				return true
			}
		}
	}
	return false
}
