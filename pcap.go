package hostsim

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapSnapLen bounds the bytes of each record
const pcapSnapLen = 65536

// pcapWriter captures the packets an interface sends and receives.  Records carry raw
// IPv4 datagrams stamped with the simulated time.
type pcapWriter struct {
	file *os.File
	w    *pcapgo.Writer
	buf  gopacket.SerializeBuffer
	opts gopacket.SerializeOptions
}

func createPcapWriter(dir, hostname string, ip uint32) (*pcapWriter, error) {
	if len(dir) == 0 {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := filepath.Join(dir, fmt.Sprintf("%s-%s.pcap", hostname, IPString(ip)))
	file, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	pw := new(pcapWriter)
	pw.file = file
	pw.w = pcapgo.NewWriterNanos(file)
	if err := pw.w.WriteFileHeader(pcapSnapLen, layers.LinkTypeRaw); err != nil {
		file.Close()
		return nil, err
	}
	pw.buf = gopacket.NewSerializeBuffer()
	pw.opts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	return pw, nil
}

// encodePacket renders pkt as an IPv4 datagram
func encodePacket(buf gopacket.SerializeBuffer, opts gopacket.SerializeOptions, pkt *Packet) ([]byte, error) {
	ip4 := &layers.IPv4{
		Version: 4,
		IHL:     5,
		TTL:     64,
		SrcIP:   ValueToIP(pkt.srcIP),
		DstIP:   ValueToIP(pkt.dstIP),
	}
	payload := gopacket.Payload(pkt.payload)

	var err error
	switch pkt.protocol {
	case ProtocolTCP:
		ip4.Protocol = layers.IPProtocolTCP
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(pkt.srcPort),
			DstPort: layers.TCPPort(pkt.dstPort),
		}
		if hdr := pkt.tcp; hdr != nil {
			tcp.Seq = hdr.Sequence
			tcp.Ack = hdr.Acknowledgment
			tcp.Window = uint16(min(hdr.Window, 0xffff))
			tcp.SYN = hdr.Flags&TCPFlagSYN != 0
			tcp.ACK = hdr.Flags&TCPFlagACK != 0
			tcp.FIN = hdr.Flags&TCPFlagFIN != 0
			tcp.RST = hdr.Flags&TCPFlagRST != 0
		}
		if err = tcp.SetNetworkLayerForChecksum(ip4); err != nil {
			return nil, err
		}
		err = gopacket.SerializeLayers(buf, opts, ip4, tcp, payload)
	case ProtocolUDP:
		ip4.Protocol = layers.IPProtocolUDP
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(pkt.srcPort),
			DstPort: layers.UDPPort(pkt.dstPort),
		}
		if err = udp.SetNetworkLayerForChecksum(ip4); err != nil {
			return nil, err
		}
		err = gopacket.SerializeLayers(buf, opts, ip4, udp, payload)
	default:
		return nil, fmt.Errorf("pcap: cannot encode %s packet", pkt.protocol)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (pw *pcapWriter) writePacket(now SimTime, pkt *Packet) error {
	data, err := encodePacket(pw.buf, pw.opts, pkt)
	if err != nil {
		return err
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Unix(0, int64(now)),
		CaptureLength: len(data),
		Length:        len(data),
	}
	return pw.w.WritePacket(ci, data)
}

func (pw *pcapWriter) close() error {
	if pw == nil || pw.file == nil {
		return nil
	}
	err := pw.file.Close()
	pw.file = nil
	return err
}
