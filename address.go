// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wcpool

import (
	"fmt"
	"net"
	"net/netip"
)

// Address identifies a single server endpoint by IP and port. Two
// addresses are equal, and hash identically, iff their IP and port are
// bit-exact equal — which makes Address directly usable as a map key.
// There is deliberately no sentinel "empty" or "deleted" value: that's an
// implementation detail of an open-addressed hash map, not part of the
// contract (see the manager's pools map, which uses a plain Go map).
type Address struct {
	IP   netip.Addr
	Port uint16
}

// NewAddress builds an Address from a net.IP and port, unmapping an
// IPv4-mapped IPv6 address to its plain 4-byte IPv4 form so that, e.g., an
// IPv4 address held in a 16-byte net.IP compares equal to the same address
// parsed by ParseAddress.
func NewAddress(ip net.IP, port uint16) (Address, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return Address{}, fmt.Errorf("invalid IP address %v", ip)
	}
	return Address{IP: addr.Unmap(), Port: port}, nil
}

// ParseAddress parses a "host:port" string into an Address.
func ParseAddress(hostPort string) (Address, error) {
	addrPort, err := netip.ParseAddrPort(hostPort)
	if err != nil {
		return Address{}, fmt.Errorf("parsing address %q: %w", hostPort, err)
	}
	return Address{IP: addrPort.Addr().Unmap(), Port: addrPort.Port()}, nil
}

// String renders the address in "host:port" form.
func (a Address) String() string {
	return netip.AddrPortFrom(a.IP, a.Port).String()
}

// IsValid reports whether the address has a usable IP. The zero Address is
// invalid, which lets call sites use it as a "not found" sentinel when
// Address isn't already wrapped in a bool or pointer.
func (a Address) IsValid() bool {
	return a.IP.IsValid()
}
