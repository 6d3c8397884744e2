//go:build !linux

package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/google/gopacket"
)

func openCapture(context.Context, string) (gopacket.PacketDataSource, error) {
	return nil, fmt.Errorf("live capture is not supported on %s", runtime.GOOS)
}
