package registry

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/terminal-bench/leasehub/internal/ledger"
	"github.com/terminal-bench/leasehub/internal/store"
	"github.com/terminal-bench/leasehub/pkg/messaging"
)

// Handler registers devices announced on the ledger
type Handler struct {
	store  store.Store
	ledger ledger.Client
	log    zerolog.Logger
}

// NewHandler creates a registration handler
func NewHandler(st store.Store, lc ledger.Client, log zerolog.Logger) *Handler {
	return &Handler{
		store:  st,
		ledger: lc,
		log:    log.With().Str("component", "registry").Logger(),
	}
}

// Register stores the device and answers the registration. A known account
// only has its MAC and IP refreshed. Malformed device data is refused on the
// ledger.
func (h *Handler) Register(ctx context.Context, args ledger.RegisterArgs) error {
	mac, err := net.ParseMAC(args.MAC)
	if err != nil || net.ParseIP(args.IP) == nil {
		if err := h.ledger.AnswerRegistration(ctx, args.Account, args.IP, args.MAC, false); err != nil {
			h.log.Error().Err(err).Str("account", args.Account.Hex()).Msg("failed to refuse registration")
		}
		return fmt.Errorf("invalid device %q/%q for %s", args.MAC, args.IP, args.Account.Hex())
	}
	args.MAC = mac.String()

	created, err := h.store.Register(ctx, args.Registration())
	if err != nil {
		return err
	}
	if err := h.ledger.AnswerRegistration(ctx, args.Account, args.IP, args.MAC, true); err != nil {
		return err
	}

	h.log.Info().Str("account", args.Account.Hex()).Str("mac", args.MAC).Str("ip", args.IP).
		Bool("new", created).Msg("device registered")
	return nil
}

// Handle decodes a register event and registers the device
func (h *Handler) Handle(ctx context.Context, e *messaging.Event) error {
	args, err := messaging.ParseEventData[ledger.RegisterArgs](e)
	if err != nil {
		return err
	}
	return h.Register(ctx, *args)
}

// Run consumes register events until ctx is done
func (h *Handler) Run(ctx context.Context, interval time.Duration, batch int, claims ledger.Claimer) error {
	return ledger.NewPoller(h.ledger, ledger.TopicRegister, batch, interval, claims, h.Handle, h.log).Run(ctx)
}
