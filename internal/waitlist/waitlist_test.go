package waitlist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/clawreform/internal/config"
	"github.com/mtzanidakis/clawreform/internal/store"
)

type activityLog struct {
	mu       sync.Mutex
	messages []string
}

func (a *activityLog) RecordActivity(_ context.Context, _ store.Level, message string, _ map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, message)
}

func newService(t *testing.T, cfg config.WaitlistConfig) (*Service, *store.Store, *activityLog) {
	t.Helper()
	st := store.New(store.NewMemoryBackend())
	log := &activityLog{}
	s := New(st, cfg, log)
	s.nowFunc = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s, st, log
}

func TestRegisterNewAndExisting(t *testing.T) {
	s, _, log := newService(t, config.WaitlistConfig{})
	ctx := context.Background()

	res, err := s.Register(ctx, Registration{Email: "  Ada@Example.COM ", Name: "Ada", Company: "Engines"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.AlreadyRegistered || res.Count != 1 {
		t.Errorf("unexpected first result: %+v", res)
	}
	if res.Webhook.Sent || res.Webhook.Reason != "disabled" {
		t.Errorf("expected webhook disabled, got %+v", res.Webhook)
	}

	res, err = s.Register(ctx, Registration{Email: "ada@example.com", UseCase: "swarms"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.AlreadyRegistered || res.Count != 1 {
		t.Errorf("unexpected second result: %+v", res)
	}

	doc := s.load(ctx)
	e := doc.Entries[0]
	if e.Email != "ada@example.com" || e.Name != "Ada" || e.Company != "Engines" || e.UseCase != "swarms" {
		t.Errorf("entry not merged: %+v", e)
	}
	if e.Source != "landing" || e.UpdatedAt == nil {
		t.Errorf("unexpected source or updatedAt: %+v", e)
	}

	want := []string{"New waitlist registration: ada@example.com.", "Waitlist profile refreshed for ada@example.com."}
	if len(log.messages) != 2 || log.messages[0] != want[0] || log.messages[1] != want[1] {
		t.Errorf("unexpected activity: %v", log.messages)
	}
}

func TestRegisterInvalidEmail(t *testing.T) {
	s, _, _ := newService(t, config.WaitlistConfig{})
	for _, email := range []string{"", "nope", "a@b", "a b@c.d", "@c.d"} {
		if _, err := s.Register(context.Background(), Registration{Email: email}); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("%q: expected ErrInvalidEmail, got %v", email, err)
		}
	}
}

func TestRegisterCapsEntries(t *testing.T) {
	s, _, _ := newService(t, config.WaitlistConfig{MaxEntries: 2})
	ctx := context.Background()
	for _, email := range []string{"a@x.io", "b@x.io", "c@x.io"} {
		if _, err := s.Register(ctx, Registration{Email: email}); err != nil {
			t.Fatal(err)
		}
	}
	doc := s.load(ctx)
	if len(doc.Entries) != 2 || doc.Entries[0].Email != "c@x.io" || doc.Entries[1].Email != "b@x.io" {
		t.Errorf("expected newest two entries, got %+v", doc.Entries)
	}
}

func TestStats(t *testing.T) {
	s, st, _ := newService(t, config.WaitlistConfig{})
	ctx := context.Background()

	if got := s.Stats(ctx); got.Count != 0 || got.UpdatedAt != nil {
		t.Errorf("unexpected empty stats: %+v", got)
	}
	s.Register(ctx, Registration{Email: "a@x.io"})
	if got := s.Stats(ctx); got.Count != 1 || got.UpdatedAt == nil {
		t.Errorf("unexpected stats: %+v", got)
	}

	// Invalid stored entries are dropped, corrupt documents read as empty.
	st.SaveRaw(ctx, store.WaitlistKey, []byte(`{"entries":[{"email":"bad"},{"email":"OK@x.io"}]}`))
	if got := s.Stats(ctx); got.Count != 1 {
		t.Errorf("expected invalid entry dropped, got %d", got.Count)
	}
	st.SaveRaw(ctx, store.WaitlistKey, []byte(`{not json`))
	if got := s.Stats(ctx); got.Count != 0 {
		t.Errorf("expected corrupt waitlist to read empty, got %d", got.Count)
	}
}

func TestWebhook(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		var p webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s, _, _ := newService(t, config.WaitlistConfig{WebhookURL: srv.URL})
	ctx := context.Background()
	res, err := s.Register(ctx, Registration{Email: "a@x.io", IP: "10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Webhook.Sent || res.Webhook.Status != http.StatusAccepted {
		t.Errorf("unexpected webhook result: %+v", res.Webhook)
	}
	s.Register(ctx, Registration{Email: "a@x.io"})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 webhook calls, got %d", len(received))
	}
	if received[0].Type != EventRegistered || received[1].Type != EventUpdated {
		t.Errorf("unexpected event types %q, %q", received[0].Type, received[1].Type)
	}
	if received[0].Entry.Email != "a@x.io" || received[0].Count != 1 {
		t.Errorf("unexpected payload: %+v", received[0])
	}
}

func TestWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, _, _ := newService(t, config.WaitlistConfig{WebhookURL: srv.URL})
	res, err := s.Register(context.Background(), Registration{Email: "a@x.io"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Webhook.Sent || res.Webhook.Status != http.StatusInternalServerError {
		t.Errorf("unexpected webhook result: %+v", res.Webhook)
	}

	s.cfg.WebhookURL = "http://127.0.0.1:1"
	res, _ = s.Register(context.Background(), Registration{Email: "b@x.io"})
	if res.Webhook.Sent || res.Webhook.Reason != "failed" {
		t.Errorf("expected unreachable webhook to fail, got %+v", res.Webhook)
	}
}
