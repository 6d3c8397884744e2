package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/terminal-bench/leasehub/internal/models"
)

// Event topics
const (
	TopicPetitionStorage = "petition.storage"
	TopicPetitionCPU     = "petition.cpu"
	TopicFreeStorage     = "free.storage"
	TopicFreeCPU         = "free.cpu"
	TopicRegister        = "register"
)

// Topics lists every topic the server consumes
var Topics = []string{
	TopicPetitionStorage,
	TopicPetitionCPU,
	TopicFreeStorage,
	TopicFreeCPU,
	TopicRegister,
}

// PetitionTopic returns the petition topic of kind
func PetitionTopic(kind models.ResourceKind) (string, error) {
	switch kind {
	case models.Storage:
		return TopicPetitionStorage, nil
	case models.ComputingPower:
		return TopicPetitionCPU, nil
	}
	return "", fmt.Errorf("no petition topic for %q", kind)
}

// FreeTopic returns the free topic of kind
func FreeTopic(kind models.ResourceKind) (string, error) {
	switch kind {
	case models.Storage:
		return TopicFreeStorage, nil
	case models.ComputingPower:
		return TopicFreeCPU, nil
	}
	return "", fmt.Errorf("no free topic for %q", kind)
}

// PetitionArgs is the payload of a petition event
type PetitionArgs struct {
	Account common.Address `json:"account"`
	Amount  int64          `json:"amount"`
}

// FreeArgs is the payload of a free event
type FreeArgs struct {
	Account common.Address `json:"account"`
	GrantID string         `json:"grant_id"`
}

// RegisterArgs is the payload of a register event
type RegisterArgs struct {
	Account common.Address `json:"account"`
	MAC     string         `json:"mac_address"`
	IP      string         `json:"ip_address"`
	Balance int64          `json:"balance"`
}

// Registration converts the payload to the store's registration record
func (r RegisterArgs) Registration() models.Registration {
	return models.Registration{
		Account: r.Account,
		MAC:     r.MAC,
		IP:      r.IP,
		Balance: r.Balance,
	}
}
