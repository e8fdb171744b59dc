// Package waitlist keeps the landing page signup list next to the control
// plane state and notifies an optional webhook on every registration.
package waitlist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/clawreform/internal/config"
	"github.com/mtzanidakis/clawreform/internal/store"
)

const (
	defaultMaxEntries = 25000
	defaultSource     = "landing"

	EventRegistered = "waitlist.registered"
	EventUpdated    = "waitlist.updated"
)

var ErrInvalidEmail = errors.New("Valid email is required.")

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type Entry struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	Company   string     `json:"company"`
	UseCase   string     `json:"useCase"`
	Source    string     `json:"source"`
	IP        string     `json:"ip"`
	UserAgent string     `json:"userAgent"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt"`
}

type Document struct {
	Entries   []Entry    `json:"entries"`
	UpdatedAt *time.Time `json:"updatedAt"`
}

type Registration struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	Company   string `json:"company"`
	UseCase   string `json:"useCase"`
	Source    string `json:"source"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

type WebhookResult struct {
	Sent   bool   `json:"sent"`
	Status int    `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type Result struct {
	OK                bool          `json:"ok"`
	AlreadyRegistered bool          `json:"alreadyRegistered"`
	Count             int           `json:"count"`
	Webhook           WebhookResult `json:"webhook"`
}

type Stats struct {
	Count     int        `json:"count"`
	UpdatedAt *time.Time `json:"updatedAt"`
}

// webhookPayload is what the webhook receives. It leaves out ip and user
// agent.
type webhookPayload struct {
	Type         string    `json:"type"`
	RegisteredAt time.Time `json:"registeredAt"`
	Count        int       `json:"count"`
	Entry        struct {
		ID      string `json:"id"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Company string `json:"company"`
		UseCase string `json:"useCase"`
		Source  string `json:"source"`
	} `json:"entry"`
}

// ActivityRecorder receives a log line per registration.
// swarm.Coordinator satisfies it.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, level store.Level, message string, fields map[string]string)
}

type Service struct {
	mu       sync.Mutex
	store    *store.Store
	cfg      config.WaitlistConfig
	client   *http.Client
	activity ActivityRecorder
	nowFunc  func() time.Time
}

func New(st *store.Store, cfg config.WaitlistConfig, activity ActivityRecorder) *Service {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Service{
		store:    st,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		activity: activity,
		nowFunc:  time.Now,
	}
}

func NormalizeEmail(s string) string {
	return strings.ToLower(store.SanitizeText(s, ""))
}

func ValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// Register adds a new entry or refreshes an existing one with the same
// email. Non-empty fields of reg overwrite stored ones.
func (s *Service) Register(ctx context.Context, reg Registration) (Result, error) {
	email := NormalizeEmail(reg.Email)
	if !ValidEmail(email) {
		return Result{}, ErrInvalidEmail
	}
	name := store.SanitizeText(reg.Name, "")
	company := store.SanitizeText(reg.Company, "")
	useCase := store.SanitizeText(reg.UseCase, "")
	source := store.SanitizeText(reg.Source, defaultSource)
	ip := store.SanitizeText(reg.IP, "")
	userAgent := store.SanitizeText(reg.UserAgent, "")

	s.mu.Lock()
	doc := s.load(ctx)
	now := s.nowFunc().UTC()

	idx := -1
	for i := range doc.Entries {
		if doc.Entries[i].Email == email {
			idx = i
			break
		}
	}
	existing := idx >= 0

	var entry Entry
	if existing {
		e := &doc.Entries[idx]
		e.Name = firstNonEmpty(name, e.Name)
		e.Company = firstNonEmpty(company, e.Company)
		e.UseCase = firstNonEmpty(useCase, e.UseCase)
		e.Source = firstNonEmpty(source, e.Source)
		e.IP = firstNonEmpty(ip, e.IP)
		e.UserAgent = firstNonEmpty(userAgent, e.UserAgent)
		updated := now
		e.UpdatedAt = &updated
		entry = *e
	} else {
		entry = Entry{
			ID:        store.NewID("wait"),
			Email:     email,
			Name:      name,
			Company:   company,
			UseCase:   useCase,
			Source:    source,
			IP:        ip,
			UserAgent: userAgent,
			CreatedAt: now,
		}
		doc.Entries = append([]Entry{entry}, doc.Entries...)
	}
	if len(doc.Entries) > s.cfg.MaxEntries {
		doc.Entries = doc.Entries[:s.cfg.MaxEntries]
	}
	doc.UpdatedAt = &now
	count := len(doc.Entries)
	err := s.store.SaveJSON(ctx, store.WaitlistKey, doc)
	s.mu.Unlock()
	if err != nil {
		return Result{}, fmt.Errorf("save waitlist: %w", err)
	}

	eventType := EventRegistered
	message := fmt.Sprintf("New waitlist registration: %s.", email)
	if existing {
		eventType = EventUpdated
		message = fmt.Sprintf("Waitlist profile refreshed for %s.", email)
	}

	payload := webhookPayload{Type: eventType, RegisteredAt: now, Count: count}
	payload.Entry.ID = entry.ID
	payload.Entry.Email = entry.Email
	payload.Entry.Name = entry.Name
	payload.Entry.Company = entry.Company
	payload.Entry.UseCase = entry.UseCase
	payload.Entry.Source = entry.Source
	webhook := s.sendWebhook(ctx, payload)

	if s.activity != nil {
		s.activity.RecordActivity(ctx, store.LevelInfo, message, map[string]string{
			"email":  email,
			"source": entry.Source,
		})
	}

	return Result{OK: true, AlreadyRegistered: existing, Count: count, Webhook: webhook}, nil
}

func (s *Service) Stats(ctx context.Context) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.load(ctx)
	return Stats{Count: len(doc.Entries), UpdatedAt: doc.UpdatedAt}
}

// load reads the waitlist. Missing or corrupt data yields an empty list,
// and entries with an invalid email are dropped.
func (s *Service) load(ctx context.Context) *Document {
	doc := &Document{}
	if _, err := s.store.LoadJSON(ctx, store.WaitlistKey, doc); err != nil {
		slog.Warn("waitlist unreadable, starting empty", "error", err)
		return &Document{Entries: []Entry{}}
	}
	kept := make([]Entry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		e.Email = NormalizeEmail(e.Email)
		if !ValidEmail(e.Email) {
			continue
		}
		if e.ID == "" {
			e.ID = store.NewID("wait")
		}
		e.Source = store.SanitizeText(e.Source, defaultSource)
		kept = append(kept, e)
	}
	doc.Entries = kept
	return doc
}

func (s *Service) sendWebhook(ctx context.Context, payload webhookPayload) WebhookResult {
	target := strings.TrimSpace(s.cfg.WebhookURL)
	if target == "" {
		return WebhookResult{Reason: "disabled"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return WebhookResult{Reason: "failed"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		slog.Warn("waitlist webhook request invalid", "error", err)
		return WebhookResult{Reason: "failed"}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Warn("waitlist webhook failed", "error", err)
		return WebhookResult{Reason: "failed"}
	}
	resp.Body.Close()
	return WebhookResult{
		Sent:   resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
