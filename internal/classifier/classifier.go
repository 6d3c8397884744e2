package classifier

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog"
	"github.com/terminal-bench/leasehub/internal/metrics"
	"github.com/terminal-bench/leasehub/internal/models"
)

// Rule names
const (
	RuleICMPFragment    = "icmp_fragment"
	RuleICMPMore        = "icmp_more_fragments"
	RuleICMPOversize    = "icmp_oversize"
	RuleSYNFragment     = "syn_fragment"
	RuleForeignSource   = "foreign_source"
	RuleUnknownProtocol = "unknown_protocol"
	RuleServerPort      = "server_port"
)

const (
	maxICMPLength      = 1024
	maxKnownIPProtocol = 143
)

// Config describes the network a classifier watches
type Config struct {
	// Subnet is the local network; sources outside its host range are foreign
	Subnet     netip.Prefix
	ServerAddr netip.Addr
	ServerPort uint16
}

// Classifier counts suspicious IPv4 packets per tracked device
type Classifier struct {
	subnet     netip.Prefix
	serverAddr netip.Addr
	serverPort uint16
	metrics    *metrics.Metrics
	log        zerolog.Logger

	mu      sync.Mutex
	devices map[string]bool
	report  models.Report
}

// New creates a classifier with no tracked devices
func New(cfg Config, m *metrics.Metrics, log zerolog.Logger) (*Classifier, error) {
	if !cfg.Subnet.IsValid() || !cfg.Subnet.Addr().Is4() {
		return nil, fmt.Errorf("invalid IPv4 subnet %v", cfg.Subnet)
	}
	return &Classifier{
		subnet:     cfg.Subnet.Masked(),
		serverAddr: cfg.ServerAddr.Unmap(),
		serverPort: cfg.ServerPort,
		metrics:    m,
		log:        log.With().Str("component", "classifier").Logger(),
		devices:    make(map[string]bool),
		report:     make(models.Report),
	}, nil
}

func normalizeMAC(mac string) string {
	if hw, err := net.ParseMAC(mac); err == nil {
		return hw.String()
	}
	return strings.ToLower(mac)
}

// Sync replaces the tracked devices with a full snapshot
func (c *Classifier) Sync(devices []models.Device) {
	next := make(map[string]bool, len(devices))
	for _, d := range devices {
		next[normalizeMAC(d.MAC)] = d.Blocked
	}

	c.mu.Lock()
	c.devices = next
	c.mu.Unlock()

	c.log.Debug().Int("devices", len(next)).Msg("device table synced")
}

// Tracked returns how many devices are tracked
func (c *Classifier) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.devices)
}

// Inspect evaluates packet and returns the number of violations it added.
// Only IPv4 packets sent by tracked, unblocked devices are evaluated.
func (c *Classifier) Inspect(packet gopacket.Packet) int {
	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ethLayer == nil || ipLayer == nil {
		return 0
	}
	eth := ethLayer.(*layers.Ethernet)
	ip := ipLayer.(*layers.IPv4)
	mac := eth.SrcMAC.String()

	c.mu.Lock()
	blocked, tracked := c.devices[mac]
	c.mu.Unlock()
	if !tracked || blocked {
		return 0
	}

	rules := c.evaluate(ip)

	c.mu.Lock()
	c.report[mac] += len(rules)
	c.mu.Unlock()

	for _, rule := range rules {
		if c.metrics != nil {
			c.metrics.Violations.WithLabelValues(rule).Inc()
		}
		c.log.Debug().Str("mac", mac).Str("rule", rule).Str("src", ip.SrcIP.String()).Msg("suspicious packet")
	}
	return len(rules)
}

func (c *Classifier) evaluate(ip *layers.IPv4) []string {
	var rules []string

	fragmented := ip.FragOffset != 0 || ip.Flags&layers.IPv4MoreFragments != 0
	hasPayload := len(ip.Payload) > 0

	if ip.Protocol == layers.IPProtocolICMPv4 && hasPayload {
		if ip.FragOffset != 0 {
			rules = append(rules, RuleICMPFragment)
		}
		if ip.Flags&layers.IPv4MoreFragments != 0 {
			rules = append(rules, RuleICMPMore)
		}
		if ip.Length > maxICMPLength {
			rules = append(rules, RuleICMPOversize)
		}
	}

	tcp, udp := transport(ip)
	if tcp != nil && fragmented && tcp.SYN {
		rules = append(rules, RuleSYNFragment)
	}

	if src, ok := netip.AddrFromSlice(ip.SrcIP); !ok || !c.isHost(src.Unmap()) {
		rules = append(rules, RuleForeignSource)
	}

	if int(ip.Protocol) > maxKnownIPProtocol {
		rules = append(rules, RuleUnknownProtocol)
	}

	if dst, ok := netip.AddrFromSlice(ip.DstIP); ok && c.serverAddr.IsValid() && dst.Unmap() == c.serverAddr {
		switch {
		case tcp != nil && uint16(tcp.DstPort) != c.serverPort:
			rules = append(rules, RuleServerPort)
		case tcp == nil && udp != nil && uint16(udp.DstPort) != c.serverPort:
			rules = append(rules, RuleServerPort)
		}
	}
	return rules
}

// transport decodes the TCP or UDP header carried by ip. Only the first
// fragment of a datagram carries one.
func transport(ip *layers.IPv4) (*layers.TCP, *layers.UDP) {
	if ip.FragOffset != 0 || len(ip.Payload) == 0 {
		return nil, nil
	}
	switch ip.Protocol {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{}
		if err := tcp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
			return nil, nil
		}
		return tcp, nil
	case layers.IPProtocolUDP:
		udp := &layers.UDP{}
		if err := udp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
			return nil, nil
		}
		return nil, udp
	}
	return nil, nil
}

// isHost reports whether a is a usable host address of the subnet
func (c *Classifier) isHost(a netip.Addr) bool {
	if !c.subnet.Contains(a) {
		return false
	}
	if c.subnet.Bits() >= 31 {
		return true
	}
	network := c.subnet.Addr()
	return a != network && a != broadcast(c.subnet)
}

func broadcast(p netip.Prefix) netip.Addr {
	b := p.Addr().As4()
	v := binary.BigEndian.Uint32(b[:]) | (^uint32(0) >> p.Bits())
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// Flush returns the current report and starts an empty one
func (c *Classifier) Flush() models.Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.report
	c.report = make(models.Report)
	return out
}

// Restore merges an undelivered report back into the current one
func (c *Classifier) Restore(r models.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for mac, n := range r {
		c.report[mac] += n
	}
}
