package hostsim

import (
	"encoding/binary"
	"net"
)

// HostID identifies a host for the lifetime of a simulation
type HostID uint32

// Address is the immutable identity of one network-visible endpoint of a host:
// its IP (kept both as a 4-byte value and as a host-order integer), the hostname
// it is registered under in DNS, and the id of the owning host.  Addresses are shared
// by the DNS registry, the topology attachment table and sockets.
type Address struct {
	ip       net.IP
	ipValue  uint32
	ipString string
	hostname string
	hostID   HostID
	isLocal  bool
}

// LoopbackIP is 127.0.0.1 as a host-order value, AnyIP the wildcard bind address
var (
	LoopbackIP uint32 = IPToValue(net.IPv4(127, 0, 0, 1))
	AnyIP      uint32 = 0
)

// IPToValue converts an IPv4 address to its host-order integer value.  Zero is returned
// for anything that is not IPv4.
func IPToValue(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}

// ValueToIP converts a host-order integer to an IPv4 address
func ValueToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// IPString formats a host-order integer IP in dotted-quad form
func IPString(v uint32) string {
	return ValueToIP(v).String()
}

func createAddress(hostID HostID, hostname string, ipValue uint32, isLocal bool) *Address {
	addr := new(Address)
	addr.ipValue = ipValue
	addr.ip = ValueToIP(ipValue)
	addr.ipString = addr.ip.String()
	addr.hostname = hostname
	addr.hostID = hostID
	addr.isLocal = isLocal
	return addr
}

// CreateLocalAddress builds the loopback address of a host.  Local addresses are never
// registered in DNS.
func CreateLocalAddress(hostID HostID, hostname string) *Address {
	return createAddress(hostID, hostname, LoopbackIP, true)
}

func (addr *Address) IP() net.IP       { return addr.ip }
func (addr *Address) IPValue() uint32  { return addr.ipValue }
func (addr *Address) IPString() string { return addr.ipString }
func (addr *Address) Hostname() string { return addr.hostname }
func (addr *Address) HostID() HostID   { return addr.hostID }
func (addr *Address) IsLocal() bool    { return addr.isLocal }
func (addr *Address) String() string   { return addr.hostname + "/" + addr.ipString }
