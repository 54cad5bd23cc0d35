// Package settlement forwards payout instructions to the external service
// that actually moves funds. Instructions are recorded durably by the
// engine; the dispatcher drains them per hook with a persisted cursor, so a
// restart never drops or duplicates a delivery to a healthy endpoint.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"escrowline/internal/config"
	"escrowline/internal/domain"
	"escrowline/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

type Dispatcher struct {
	Repo     repo.Repo
	Hooks    []config.Webhook
	Client   *http.Client
	Interval time.Duration
	Now      func() time.Time
	Logger   *log.Logger
}

func New(r repo.Repo, hooks []config.Webhook) *Dispatcher {
	return &Dispatcher{
		Repo:     r,
		Hooks:    hooks,
		Client:   &http.Client{Timeout: defaultTimeout},
		Interval: defaultInterval,
		Now:      time.Now,
	}
}

// Run polls until the context ends. Each tick drains every hook.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.Hooks) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one drain pass over every configured hook.
func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.Hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if err := d.dispatchHook(ctx, hook); err != nil {
			d.logf("settlement: deliver to %s failed: %v", hook.URL, err)
		}
	}
}

// dispatchHook posts undelivered instructions in order and advances the
// cursor after each accepted delivery. A failed post stops the hook's
// drain; the next tick retries from the same cursor.
func (d *Dispatcher) dispatchHook(ctx context.Context, hook config.Webhook) error {
	cursor, err := d.Repo.SettlementCursor(ctx, hook.URL)
	if err != nil {
		return err
	}
	payouts, err := d.Repo.PayoutsAfter(ctx, cursor, defaultBatch)
	if err != nil {
		return err
	}
	for _, p := range payouts {
		if err := d.post(ctx, hook, p); err != nil {
			return err
		}
		ts := d.Now().UTC().Format(time.RFC3339)
		if err := d.Repo.SetSettlementCursor(ctx, hook.URL, p.Seq, ts); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, hook config.Webhook, p domain.PayoutInstruction) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrowline-Delivery", p.ID)
	if strings.TrimSpace(hook.Token) != "" {
		req.Header.Set("Authorization", "Bearer "+hook.Token)
	}
	res, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
