// Package notify delivers audit records to configured HTTP hooks. Delivery
// is at-least-once per hook: each hook keeps its own cursor over the audit
// log and a failed POST stops the batch so the record is retried on the next
// tick.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"dispatchline/internal/config"
	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

type Dispatcher struct {
	engine  engine.Engine
	hooks   []config.NotificationHook
	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

// Start launches the background delivery loop. It is a no-op when no hooks
// are configured.
func Start(e engine.Engine) {
	if e.Config == nil || len(e.Config.Notifications) == 0 {
		return
	}
	d := &Dispatcher{
		engine:  e,
		hooks:   e.Config.Notifications,
		client:  &http.Client{Timeout: defaultTimeout},
		cursors: make(map[int]int64),
	}
	go d.run()
}

func (d *Dispatcher) run() {
	ticker := time.NewTicker(defaultInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *Dispatcher) dispatchAll() {
	for i, hook := range d.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchHook(i, hook)
	}
}

func (d *Dispatcher) dispatchHook(idx int, hook config.NotificationHook) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	records, err := d.engine.Repo.AuditRecordsAfter(ctx, defaultBatch, cursor)
	if err != nil {
		log.Printf("notify: fetch audit records failed: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	filter := newActionFilter(hook.Events)
	for _, rec := range records {
		if !filter.match(rec.Action) {
			d.setCursor(idx, rec.ID)
			continue
		}
		if err := d.post(ctx, hook, rec); err != nil {
			log.Printf("notify: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, rec.ID)
	}
}

// cursorFor initialises a hook's cursor at the current tail of the audit log
// so freshly configured hooks do not replay history.
func (d *Dispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestAuditID(context.Background())
	if err != nil {
		log.Printf("notify: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type notification struct {
	ID         int64  `json:"id"`
	Action     string `json:"action"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Before     string `json:"before,omitempty"`
	After      string `json:"after,omitempty"`
	Actor      string `json:"actor"`
	Reason     string `json:"reason,omitempty"`
	At         string `json:"at"`
}

func (d *Dispatcher) post(ctx context.Context, hook config.NotificationHook, rec domain.AuditRecord) error {
	body := notification{
		ID:         rec.ID,
		Action:     rec.Action,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Before:     rec.Before,
		After:      rec.After,
		Actor:      rec.Actor,
		Reason:     rec.Reason,
		At:         rec.At,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dispatchline-Event", rec.Action)
	req.Header.Set("X-Dispatchline-Delivery", fmt.Sprintf("%d", rec.ID))
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type actionFilter struct {
	all      bool
	exact    map[string]struct{}
	prefixes []string
}

// newActionFilter accepts exact action names ("trip.transitioned") and
// wildcard patterns ("document.*"). An empty list matches everything.
func newActionFilter(events []string) actionFilter {
	if len(events) == 0 {
		return actionFilter{all: true}
	}
	f := actionFilter{exact: make(map[string]struct{}, len(events))}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		if strings.HasSuffix(key, ".*") {
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
			continue
		}
		f.exact[key] = struct{}{}
	}
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		return actionFilter{all: true}
	}
	return f
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	if _, ok := f.exact[action]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(action, p) {
			return true
		}
	}
	return false
}
