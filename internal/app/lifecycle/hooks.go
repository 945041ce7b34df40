package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/domain"
)

// EndCallEvent is the body posted to the end-of-call webhook.
type EndCallEvent struct {
	SessionID     domain.SessionID     `json:"session_id"`
	AppointmentID domain.AppointmentID `json:"appointment_id"`
	ProviderID    domain.UserID        `json:"provider_id"`
	PatientID     domain.UserID        `json:"patient_id"`
	EndedBy       domain.UserID        `json:"ended_by"`
	EndedAt       time.Time            `json:"ended_at"`
	DurationSec   float64              `json:"duration_seconds"`
	Notes         string               `json:"notes,omitempty"`
}

func LogHook(_ context.Context, s domain.Session) {
	log.Info().Str("module", "lifecycle.hook").Str("sid", string(s.ID)).
		Str("appointment", string(s.AppointmentID)).Dur("duration", s.Duration).Msg("end of call")
}

// Webhook posts an EndCallEvent to url in the background, retrying
// transient failures for up to maxElapsed.
func Webhook(url string, client *http.Client, maxElapsed time.Duration) EndHook {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context, s domain.Session) {
		body, err := json.Marshal(EndCallEvent{
			SessionID:     s.ID,
			AppointmentID: s.AppointmentID,
			ProviderID:    s.ProviderID,
			PatientID:     s.PatientID,
			EndedBy:       s.EndedBy,
			EndedAt:       s.EndedAt,
			DurationSec:   s.Duration.Seconds(),
			Notes:         s.Notes,
		})
		if err != nil {
			log.Error().Str("module", "lifecycle.hook").Err(err).Msg("marshal end-call event")
			return
		}
		ctx = context.WithoutCancel(ctx)
		go func() {
			b := backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(maxElapsed))
			err := backoff.Retry(func() error {
				return postJSON(ctx, client, url, body)
			}, backoff.WithContext(b, ctx))
			if err != nil {
				log.Warn().Str("module", "lifecycle.hook").Str("sid", string(s.ID)).Err(err).Msg("end-call webhook failed")
				return
			}
			log.Debug().Str("module", "lifecycle.hook").Str("sid", string(s.ID)).Msg("end-call webhook delivered")
		}()
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
	}
	return nil
}
