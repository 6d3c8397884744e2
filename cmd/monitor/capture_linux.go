//go:build linux

package main

import (
	"context"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
)

// openCapture opens a raw socket on iface in promiscuous mode. The socket is
// closed when ctx is done.
func openCapture(ctx context.Context, iface string) (gopacket.PacketDataSource, error) {
	h, err := pcapgo.NewEthernetHandle(iface)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", iface, err)
	}
	if err := h.SetPromiscuous(true); err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to enable promiscuous mode on %s: %w", iface, err)
	}
	go func() {
		<-ctx.Done()
		h.Close()
	}()
	return h, nil
}
