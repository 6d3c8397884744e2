package classifier

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/terminal-bench/leasehub/internal/models"
	"golang.org/x/time/rate"
)

const writeWait = 10 * time.Second

// UplinkConfig configures the connection to the server
type UplinkConfig struct {
	URL            string
	Token          string
	ReportInterval time.Duration
	// ReconnectEvery is the minimum time between two dial attempts
	ReconnectEvery time.Duration
}

// Uplink keeps the classifier connected to the server. It applies device
// snapshots and sends the report every interval. Reports that could not be
// sent are merged back into the classifier.
type Uplink struct {
	cfg        UplinkConfig
	classifier *Classifier
	dialer     *websocket.Dialer
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// NewUplink creates an uplink for c
func NewUplink(cfg UplinkConfig, c *Classifier, log zerolog.Logger) *Uplink {
	if cfg.ReconnectEvery <= 0 {
		cfg.ReconnectEvery = 5 * time.Second
	}
	return &Uplink{
		cfg:        cfg,
		classifier: c,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(cfg.ReconnectEvery), 1),
		log:        log.With().Str("component", "uplink").Logger(),
	}
}

// Run connects and reconnects until ctx is done
func (u *Uplink) Run(ctx context.Context) error {
	for {
		if err := u.limiter.Wait(ctx); err != nil {
			return nil
		}

		err := u.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		u.log.Warn().Err(err).Msg("disconnected from server")
	}
}

func (u *Uplink) connect(ctx context.Context) error {
	header := http.Header{}
	if u.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+u.cfg.Token)
	}

	conn, resp, err := u.dialer.DialContext(ctx, u.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", models.ErrConnectionLost, u.cfg.URL, err)
	}
	defer conn.Close()
	u.log.Info().Str("url", u.cfg.URL).Msg("connected to server")

	return u.session(ctx, conn)
}

func (u *Uplink) session(ctx context.Context, conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg models.MonitorMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			if msg.Type == models.MessageSnapshot {
				u.classifier.Sync(msg.Devices)
			}
		}
	}()

	ticker := time.NewTicker(u.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("%w: %w", models.ErrConnectionLost, err)
		case <-ticker.C:
			if err := u.send(conn); err != nil {
				return err
			}
		}
	}
}

func (u *Uplink) send(conn *websocket.Conn) error {
	report := u.classifier.Flush()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(models.MonitorMessage{Type: models.MessageReport, Counts: report})
	if err != nil {
		u.classifier.Restore(report)
		return fmt.Errorf("%w: send report: %w", models.ErrConnectionLost, err)
	}

	u.log.Info().Int("devices", len(report)).Msg("report sent")
	return nil
}
