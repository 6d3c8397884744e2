package models

import (
	"github.com/ethereum/go-ethereum/common"
)

// Credit bounds
const (
	MaxCredit     = 100
	InitialCredit = 100
)

// ResourceKind identifies a leasable resource pool
type ResourceKind string

const (
	Storage        ResourceKind = "storage"
	ComputingPower ResourceKind = "cpu"
)

// Valid reports whether k is a kind the allocator manages
func (k ResourceKind) Valid() bool {
	return k == Storage || k == ComputingPower
}

// Account is a registered device as mirrored in the store
type Account struct {
	Address common.Address `json:"address"`
	MAC     string         `json:"mac"`
	IP      string         `json:"ip"`
	Balance int64          `json:"balance"`
	Credit  int            `json:"credit"`
	Blocked bool           `json:"blocked"`
}

// Grant is an accepted petition holding pool capacity until freed
type Grant struct {
	ID      string         `json:"id"`
	Account common.Address `json:"account"`
	Kind    ResourceKind   `json:"kind"`
	Amount  int64          `json:"amount"`
}

// PendingCharge is a price collected at grant time and rebated on settlement
type PendingCharge struct {
	ID      string         `json:"id"`
	Account common.Address `json:"account"`
	Amount  int64          `json:"amount"`
}

// Settlement records a processed pending charge. LedgerConfirmed is false
// until the rebate has a ledger receipt.
type Settlement struct {
	ID              string         `json:"id"`
	Account         common.Address `json:"account"`
	Rebate          int64          `json:"rebate"`
	LedgerConfirmed bool           `json:"ledger_confirmed"`
}

// Device is one entry of the snapshot pushed to monitors
type Device struct {
	Account string `json:"account"`
	MAC     string `json:"mac"`
	IP      string `json:"ip"`
	Blocked bool   `json:"blocked"`
}

// Report maps a MAC address to the number of violations seen in one window
type Report map[string]int

// Registration carries the device data of a register event
type Registration struct {
	Account common.Address
	MAC     string
	IP      string
	Balance int64
}

// DeviceOf projects an account onto its monitor snapshot entry
func DeviceOf(a Account) Device {
	return Device{
		Account: a.Address.Hex(),
		MAC:     a.MAC,
		IP:      a.IP,
		Blocked: a.Blocked,
	}
}

// Monitor message types
const (
	MessageSnapshot = "snapshot"
	MessageReport   = "report"
)

// MonitorMessage is one frame of the monitor connection. The server sends
// snapshots; monitors send reports.
type MonitorMessage struct {
	Type    string   `json:"type"`
	Devices []Device `json:"devices,omitempty"`
	Counts  Report   `json:"counts,omitempty"`
}
