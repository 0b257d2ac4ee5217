package txrx

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/ixl/dma"
	"github.com/slackhq/ixl/hw"
	"github.com/slackhq/ixl/test"
	"github.com/stretchr/testify/require"
)

// fakeRegs is a register file whose queue enable status follows the request
// bit unless stuck is set.
type fakeRegs struct {
	mu    sync.Mutex
	m     map[uint32]uint32
	stuck bool
}

func newFakeRegs() *fakeRegs {
	return &fakeRegs{m: map[uint32]uint32{}}
}

func isEnableReg(reg uint32) bool {
	return (reg >= hw.QTXEna(0) && reg < hw.QTXCtl(0)) || (reg >= hw.QRXEna(0) && reg < hw.QRXTail(0))
}

func (f *fakeRegs) Read32(reg uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[reg]
}

func (f *fakeRegs) Write32(reg uint32, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if isEnableReg(reg) && !f.stuck {
		if v&hw.QEnaReq != 0 {
			v |= hw.QEnaStat
		} else {
			v &^= hw.QEnaStat
		}
	}
	f.m[reg] = v
}

func newTestTx(t *testing.T, depth, bufSize, maxSegs int) (*TxRing, *fakeRegs) {
	regs := newFakeRegs()
	tx, err := NewTxRing(test.NewLogger().WithField("queue", 0), regs, dma.NewMmap(0), 0, depth, bufSize, maxSegs, true, NewStats(0, metrics.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { tx.release() })
	return tx, regs
}

// completeTx marks the next n outstanding packets done the way the device
// does, by writing DTYPE done into each packet's last descriptor.
func completeTx(tx *TxRing, n int) {
	idx := tx.ring.Cons()
	for range n {
		eop := tx.slots[idx].eop
		if eop < 0 {
			return
		}
		d := tx.ring.Slot(uint32(eop))
		atomic.StoreUint64(&d.QW1, atomic.LoadUint64(&d.QW1)|TxDTypeDone)
		idx = tx.ring.Next(uint32(eop))
	}
}

func frame(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

var (
	srcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
)

func udp4Frame(t *testing.T, payload int) []byte {
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2}}
	udp := &layers.UDP{SrcPort: 4242, DstPort: 4243}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	return frame(t,
		&layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4},
		ip, udp, gopacket.Payload(make([]byte, payload)),
	)
}

func tcp6TaggedFrame(t *testing.T) []byte {
	ip := &layers.IPv6{Version: 6, NextHeader: layers.IPProtocolTCP, HopLimit: 64, SrcIP: net.ParseIP("fd00::1"), DstIP: net.ParseIP("fd00::2")}
	tcp := &layers.TCP{SrcPort: 1000, DstPort: 2000, SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	return frame(t,
		&layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeDot1Q},
		&layers.Dot1Q{VLANIdentifier: 7, Type: layers.EthernetTypeIPv6},
		ip, tcp, gopacket.Payload([]byte("hello")),
	)
}
