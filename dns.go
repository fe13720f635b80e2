package hostsim

import (
	"fmt"
	"net"
	"sync"
)

// DNS maps hostnames and IPs to the Address registered for them.  It is shared by all
// workers, so every access goes through its lock.
type DNS struct {
	mu        sync.RWMutex
	byIP      map[uint32]*Address
	byName    map[string]*Address
	ipCounter uint32
}

// first address handed out when a host does not request a usable one
var dnsFirstGeneratedIP = IPToValue(net.IPv4(11, 0, 0, 0))

func CreateDNS() *DNS {
	dns := new(DNS)
	dns.byIP = make(map[uint32]*Address)
	dns.byName = make(map[string]*Address)
	dns.ipCounter = dnsFirstGeneratedIP
	return dns
}

// isRestrictedIP reports whether an address may never be handed to a host:
// 0.0.0.0/8, loopback, multicast and reserved, broadcast, and any x.x.x.0 or x.x.x.255
func isRestrictedIP(v uint32) bool {
	first := v >> 24
	last := v & 0xff
	switch {
	case first == 0, first == 127, first >= 224:
		return true
	case last == 0, last == 255:
		return true
	}
	return false
}

func (dns *DNS) ipInUse(v uint32) bool {
	_, present := dns.byIP[v]
	return present
}

func (dns *DNS) generateIP() uint32 {
	for {
		dns.ipCounter++
		if !isRestrictedIP(dns.ipCounter) && !dns.ipInUse(dns.ipCounter) {
			return dns.ipCounter
		}
	}
}

// Register creates the Address of a host.  The requested IP is used when it is valid,
// unrestricted and unclaimed; otherwise a fresh one is generated.  Hostnames must be unique.
func (dns *DNS) Register(hostID HostID, name string, requestedIP net.IP) (*Address, error) {
	dns.mu.Lock()
	defer dns.mu.Unlock()

	if _, present := dns.byName[name]; present {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateHost, name)
	}

	ipValue := IPToValue(requestedIP)
	if ipValue == 0 || isRestrictedIP(ipValue) || dns.ipInUse(ipValue) {
		ipValue = dns.generateIP()
	}

	addr := createAddress(hostID, name, ipValue, false)
	dns.byIP[ipValue] = addr
	dns.byName[name] = addr
	return addr, nil
}

// Deregister removes an Address.  Other holders of the pointer keep a valid value.
func (dns *DNS) Deregister(addr *Address) {
	if addr == nil || addr.isLocal {
		return
	}
	dns.mu.Lock()
	defer dns.mu.Unlock()
	if dns.byIP[addr.ipValue] == addr {
		delete(dns.byIP, addr.ipValue)
	}
	if dns.byName[addr.hostname] == addr {
		delete(dns.byName, addr.hostname)
	}
}

func (dns *DNS) ResolveIP(ipValue uint32) *Address {
	dns.mu.RLock()
	defer dns.mu.RUnlock()
	return dns.byIP[ipValue]
}

func (dns *DNS) ResolveName(name string) *Address {
	dns.mu.RLock()
	defer dns.mu.RUnlock()
	return dns.byName[name]
}

// NameToIP returns the host-order IP registered for a name, or 0
func (dns *DNS) NameToIP(name string) uint32 {
	addr := dns.ResolveName(name)
	if addr == nil {
		return 0
	}
	return addr.ipValue
}
