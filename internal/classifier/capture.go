package classifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog"
)

// DefaultInterfaces are tried in order when no capture interface is given
var DefaultInterfaces = []string{"wlan0", "eth0", "enp0s3"}

// Capture feeds every frame of src to the classifier until src is exhausted
// or ctx is done. The caller closes src to interrupt a blocked read.
func Capture(ctx context.Context, src gopacket.PacketDataSource, c *Classifier, log zerolog.Logger) error {
	opts := gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	for {
		if ctx.Err() != nil {
			return nil
		}
		data, _, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("failed to read packet: %w", err)
		}
		c.Inspect(gopacket.NewPacket(data, layers.LayerTypeEthernet, opts))
	}
}

// Discover picks the first existing interface of names and returns it with
// its IPv4 network
func Discover(names []string) (string, netip.Prefix, error) {
	for _, name := range names {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			continue
		}
		prefix, err := interfacePrefix(iface)
		if err != nil {
			return "", netip.Prefix{}, err
		}
		return name, prefix, nil
	}
	return "", netip.Prefix{}, fmt.Errorf("no usable interface among %v", names)
}

func interfacePrefix(iface *net.Interface) (netip.Prefix, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("failed to read addresses of %s: %w", iface.Name, err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.To4() == nil {
			continue
		}
		addr, _ := netip.AddrFromSlice(ipNet.IP.To4())
		bits, _ := ipNet.Mask.Size()
		return netip.PrefixFrom(addr, bits).Masked(), nil
	}
	return netip.Prefix{}, fmt.Errorf("%s has no IPv4 address", iface.Name)
}
