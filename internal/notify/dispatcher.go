package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Dispatcher hands an event to the notification transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// ErrPermanent marks a delivery that must not be retried.
var ErrPermanent = errors.New("notification rejected")

type HTTPDispatcher struct {
	url    string
	client *http.Client
}

func NewHTTPDispatcher(url string, timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: newrelic.NewRoundTripper(http.DefaultTransport),
		},
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(ErrPermanent, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build dispatch request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.ID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "dispatch notification")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("notification service responded %d", resp.StatusCode)
	default:
		return errors.Wrapf(ErrPermanent, "notification service responded %d", resp.StatusCode)
	}
}

// LogDispatcher only logs; used when no notification service is configured.
type LogDispatcher struct {
	logger *zerolog.Logger
}

func NewLogDispatcher(logger *zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, ev Event) error {
	d.logger.Info().
		Str("event_type", ev.Type).
		Str("reservation_id", ev.ReservationID.String()).
		Interface("recipients", ev.Recipients).
		Msg("Notification dispatched")
	return nil
}
