package classifier

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/leasehub/internal/metrics"
	"github.com/terminal-bench/leasehub/internal/models"
)

const (
	deviceMAC  = "aa:bb:cc:dd:ee:01"
	blockedMAC = "aa:bb:cc:dd:ee:02"
	strayMAC   = "aa:bb:cc:dd:ee:03"
)

var (
	deviceIP = net.IPv4(192, 168, 1, 20)
	serverIP = net.IPv4(192, 168, 1, 1)
)

func newClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(Config{
		Subnet:     netip.MustParsePrefix("192.168.1.0/24"),
		ServerAddr: netip.MustParseAddr("192.168.1.1"),
		ServerPort: 12000,
	}, metrics.New(), zerolog.Nop())
	require.NoError(t, err)
	c.Sync([]models.Device{
		{MAC: deviceMAC},
		{MAC: blockedMAC, Blocked: true},
	})
	return c
}

func encode(t *testing.T, src string, ip *layers.IPv4, upper ...gopacket.SerializableLayer) []byte {
	t.Helper()
	mac, err := net.ParseMAC(src)
	require.NoError(t, err)

	ip.Version = 4
	ip.TTL = 64
	if ip.SrcIP == nil {
		ip.SrcIP = deviceIP
	}
	if ip.DstIP == nil {
		ip.DstIP = net.IPv4(8, 8, 8, 8)
	}
	for _, l := range upper {
		switch l := l.(type) {
		case *layers.TCP:
			require.NoError(t, l.SetNetworkLayerForChecksum(ip))
		case *layers.UDP:
			require.NoError(t, l.SetNetworkLayerForChecksum(ip))
		}
	}

	eth := &layers.Ethernet{
		SrcMAC:       mac,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	all := append([]gopacket.SerializableLayer{eth, ip}, upper...)
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, all...))
	return buf.Bytes()
}

func packet(t *testing.T, src string, ip *layers.IPv4, upper ...gopacket.SerializableLayer) gopacket.Packet {
	t.Helper()
	return gopacket.NewPacket(encode(t, src, ip, upper...), layers.LayerTypeEthernet, gopacket.Default)
}

func echo(size int) []gopacket.SerializableLayer {
	return []gopacket.SerializableLayer{
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1},
		gopacket.Payload(bytes.Repeat([]byte{0x42}, size)),
	}
}

func TestInspect(t *testing.T) {
	tests := []struct {
		name  string
		ip    *layers.IPv4
		upper []gopacket.SerializableLayer
		want  int
	}{
		{
			name:  "should accept a plain echo request",
			ip:    &layers.IPv4{Protocol: layers.IPProtocolICMPv4},
			upper: echo(32),
			want:  0,
		},
		{
			name:  "should flag an ICMP fragment with an offset",
			ip:    &layers.IPv4{Protocol: layers.IPProtocolICMPv4, FragOffset: 185},
			upper: echo(32),
			want:  1,
		},
		{
			name:  "should flag ICMP with more fragments set",
			ip:    &layers.IPv4{Protocol: layers.IPProtocolICMPv4, Flags: layers.IPv4MoreFragments},
			upper: echo(32),
			want:  1,
		},
		{
			name:  "should flag oversized ICMP",
			ip:    &layers.IPv4{Protocol: layers.IPProtocolICMPv4},
			upper: echo(1100),
			want:  1,
		},
		{
			name: "should flag a fragmented SYN",
			ip:   &layers.IPv4{Protocol: layers.IPProtocolTCP, Flags: layers.IPv4MoreFragments},
			upper: []gopacket.SerializableLayer{
				&layers.TCP{SrcPort: 40000, DstPort: 80, SYN: true, Window: 1024},
				gopacket.Payload([]byte("hello")),
			},
			want: 1,
		},
		{
			name: "should accept an unfragmented SYN",
			ip:   &layers.IPv4{Protocol: layers.IPProtocolTCP},
			upper: []gopacket.SerializableLayer{
				&layers.TCP{SrcPort: 40000, DstPort: 80, SYN: true, Window: 1024},
			},
			want: 0,
		},
		{
			name:  "should flag a source outside the subnet",
			ip:    &layers.IPv4{Protocol: layers.IPProtocolICMPv4, SrcIP: net.IPv4(10, 0, 0, 5)},
			upper: echo(32),
			want:  1,
		},
		{
			name:  "should flag the network address as source",
			ip:    &layers.IPv4{Protocol: layers.IPProtocolICMPv4, SrcIP: net.IPv4(192, 168, 1, 0)},
			upper: echo(32),
			want:  1,
		},
		{
			name:  "should flag the broadcast address as source",
			ip:    &layers.IPv4{Protocol: layers.IPProtocolICMPv4, SrcIP: net.IPv4(192, 168, 1, 255)},
			upper: echo(32),
			want:  1,
		},
		{
			name:  "should flag unknown protocols",
			ip:    &layers.IPv4{Protocol: layers.IPProtocol(200)},
			upper: []gopacket.SerializableLayer{gopacket.Payload([]byte{1, 2, 3, 4})},
			want:  1,
		},
		{
			name: "should flag TCP to another port of the server",
			ip:   &layers.IPv4{Protocol: layers.IPProtocolTCP, DstIP: serverIP},
			upper: []gopacket.SerializableLayer{
				&layers.TCP{SrcPort: 40000, DstPort: 22, ACK: true, Window: 1024},
			},
			want: 1,
		},
		{
			name: "should accept TCP to the server port",
			ip:   &layers.IPv4{Protocol: layers.IPProtocolTCP, DstIP: serverIP},
			upper: []gopacket.SerializableLayer{
				&layers.TCP{SrcPort: 40000, DstPort: 12000, ACK: true, Window: 1024},
			},
			want: 0,
		},
		{
			name: "should flag UDP to another port of the server",
			ip:   &layers.IPv4{Protocol: layers.IPProtocolUDP, DstIP: serverIP},
			upper: []gopacket.SerializableLayer{
				&layers.UDP{SrcPort: 40000, DstPort: 53},
				gopacket.Payload([]byte("q")),
			},
			want: 1,
		},
		{
			name:  "should add one per matching rule",
			ip:    &layers.IPv4{Protocol: layers.IPProtocolICMPv4, Flags: layers.IPv4MoreFragments, FragOffset: 8, SrcIP: net.IPv4(10, 0, 0, 5)},
			upper: echo(1100),
			want:  4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClassifier(t)
			got := c.Inspect(packet(t, deviceMAC, tt.ip, tt.upper...))
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, c.Flush()[deviceMAC])
		})
	}
}

func TestInspectIgnoredDevices(t *testing.T) {
	bad := &layers.IPv4{Protocol: layers.IPProtocolICMPv4, FragOffset: 185, SrcIP: net.IPv4(10, 0, 0, 5)}

	t.Run("should never count a blocked device", func(t *testing.T) {
		c := newClassifier(t)
		for i := 0; i < 5; i++ {
			assert.Equal(t, 0, c.Inspect(packet(t, blockedMAC, bad, echo(2000)...)))
		}
		_, ok := c.Flush()[blockedMAC]
		assert.False(t, ok)
	})

	t.Run("should ignore untracked devices", func(t *testing.T) {
		c := newClassifier(t)
		assert.Equal(t, 0, c.Inspect(packet(t, strayMAC, bad, echo(32)...)))
		assert.Empty(t, c.Flush())
	})

	t.Run("should follow the latest snapshot", func(t *testing.T) {
		c := newClassifier(t)
		c.Sync([]models.Device{{MAC: "AA:BB:CC:DD:EE:03"}})

		assert.Equal(t, 0, c.Inspect(packet(t, deviceMAC, bad, echo(32)...)))
		assert.Equal(t, 2, c.Inspect(packet(t, strayMAC, bad, echo(32)...)))
		assert.Equal(t, 1, c.Tracked())
	})
}

func TestFlush(t *testing.T) {
	t.Run("should swap the report", func(t *testing.T) {
		c := newClassifier(t)
		c.Inspect(packet(t, deviceMAC, &layers.IPv4{Protocol: layers.IPProtocol(200)}, gopacket.Payload([]byte{1})))

		first := c.Flush()
		assert.Equal(t, models.Report{deviceMAC: 1}, first)
		assert.Empty(t, c.Flush())
	})

	t.Run("should merge a restored report", func(t *testing.T) {
		c := newClassifier(t)
		c.Restore(models.Report{deviceMAC: 2})
		c.Inspect(packet(t, deviceMAC, &layers.IPv4{Protocol: layers.IPProtocol(200)}, gopacket.Payload([]byte{1})))

		assert.Equal(t, models.Report{deviceMAC: 3}, c.Flush())
	})
}

func TestCapture(t *testing.T) {
	t.Run("should inspect every captured frame", func(t *testing.T) {
		var buf bytes.Buffer
		w := pcapgo.NewWriter(&buf)
		require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

		frames := [][]byte{
			encode(t, deviceMAC, &layers.IPv4{Protocol: layers.IPProtocolICMPv4, FragOffset: 185}, echo(32)...),
			encode(t, deviceMAC, &layers.IPv4{Protocol: layers.IPProtocolICMPv4}, echo(32)...),
			encode(t, deviceMAC, &layers.IPv4{Protocol: layers.IPProtocol(250)}, gopacket.Payload([]byte{1})),
		}
		for _, f := range frames {
			require.NoError(t, w.WritePacket(gopacket.CaptureInfo{CaptureLength: len(f), Length: len(f)}, f))
		}

		r, err := pcapgo.NewReader(&buf)
		require.NoError(t, err)

		c := newClassifier(t)
		require.NoError(t, Capture(context.Background(), r, c, zerolog.Nop()))
		assert.Equal(t, models.Report{deviceMAC: 2}, c.Flush())
	})
}

func TestNew(t *testing.T) {
	_, err := New(Config{Subnet: netip.MustParsePrefix("fd00::/64")}, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Config{}, nil, zerolog.Nop())
	assert.Error(t, err)
}
