// Package digest keeps the audit trail of suppressed notifications and
// optionally delivers periodic summaries to a Telegram chat. Only app ids,
// categories and reason codes ever leave the process; notification text is
// never recorded.
package digest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"hyperisle/internal/eventbus"
	"hyperisle/internal/island"
	"hyperisle/internal/storage"
	logx "hyperisle/pkg/logx"
)

type Config struct {
	Enabled     bool
	HistorySize int
	DedupWindow time.Duration
	FlushSpec   string
	Telegram    *TelegramConfig
}

type TelegramConfig struct {
	Enabled     bool
	Token       string
	ChatID      int64
	PollTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 30 * time.Second
	}
	if strings.TrimSpace(c.FlushSpec) == "" {
		c.FlushSpec = "0 9 * * *"
	}
	return c
}

// Entry is one suppressed notification record.
type Entry struct {
	At       time.Time
	App      string
	Category string
	Reason   string
}

// Service implements island.Digest.
type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store // nil disables the persistent audit trail

	mu      sync.Mutex
	cfg     Config
	dedup   map[string]time.Time
	history []Entry
	pending map[string]int // "app|category|reason" -> count since last flush

	bot *tele.Bot
	lim *rate.Limiter

	cronMu  sync.Mutex
	cron    *cron.Cron
	started bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) (*Service, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		bus:     bus,
		store:   store,
		cfg:     cfg,
		dedup:   map[string]time.Time{},
		pending: map[string]int{},
		// Summaries are low-volume; the limiter only guards against a
		// misconfigured flush spec firing in a tight loop.
		lim: rate.NewLimiter(rate.Every(30*time.Second), 2),
	}

	if tc := cfg.Telegram; tc != nil && tc.Enabled {
		timeout := tc.PollTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		b, err := tele.NewBot(tele.Settings{
			Token:  tc.Token,
			Poller: &tele.LongPoller{Timeout: timeout},
		})
		if err != nil {
			return nil, fmt.Errorf("digest: telegram bot: %w", err)
		}
		s.bot = b
	}
	return s, nil
}

// Start schedules periodic summary flushes. Safe to call once.
func (s *Service) Start(ctx context.Context) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.FlushSpec, func() { s.Flush(ctx) }); err != nil {
		return fmt.Errorf("digest: flush spec %q: %w", s.cfg.FlushSpec, err)
	}
	s.cron.Start()
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.cronMu.Lock()
	c := s.cron
	s.cron = nil
	s.started = false
	s.cronMu.Unlock()
	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	s.Flush(ctx)
}

// RecordSuppressed adds one audit record. Identical records arriving inside
// the dedup window collapse into the pending counter without a new history
// or storage entry.
func (s *Service) RecordSuppressed(app string, cat island.Category, reason island.Reason) {
	now := time.Now()
	key := app + "|" + cat.String() + "|" + string(reason)

	s.mu.Lock()
	s.pending[key]++

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.mu.Unlock()
		return
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)
	if len(s.dedup) > 4*s.cfg.HistorySize {
		for k, until := range s.dedup {
			if now.After(until) {
				delete(s.dedup, k)
			}
		}
	}

	e := Entry{At: now, App: app, Category: cat.String(), Reason: string(reason)}
	s.history = append(s.history, e)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
	st := s.store
	s.mu.Unlock()

	if st != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := st.AppendSuppressed(ctx, storage.SuppressedEntry{
				At: e.At, App: e.App, Category: e.Category, Reason: e.Reason,
			}); err != nil {
				s.log.Debug("suppressed audit write failed", logx.Err(err))
			}
		}()
	}
}

// History returns the most recent records, newest last.
func (s *Service) History(limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// Flush delivers the pending summary and resets the counters.
func (s *Service) Flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	pending := s.pending
	s.pending = map[string]int{}
	s.mu.Unlock()

	if !s.lim.Allow() {
		s.log.Warn("digest flush rate-limited; dropping summary", logx.Int("groups", len(pending)))
		return
	}

	text := formatSummary(pending)
	total := 0
	for _, n := range pending {
		total += n
	}
	s.log.Info("suppressed digest", logx.Int("groups", len(pending)), logx.Int("total", total))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "digest.flushed", Data: eventbus.Suppressed{Reason: fmt.Sprintf("%d suppressed", total)}})
	}

	if s.bot == nil || s.cfg.Telegram == nil {
		return
	}
	_ = ctx
	if _, err := s.bot.Send(&tele.Chat{ID: s.cfg.Telegram.ChatID}, text, tele.ModeHTML); err != nil {
		s.log.Warn("digest delivery failed", logx.Err(err))
	}
}

func formatSummary(pending map[string]int) string {
	type row struct {
		key string
		n   int
	}
	rows := make([]row, 0, len(pending))
	for k, n := range pending {
		rows = append(rows, row{k, n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].n != rows[j].n {
			return rows[i].n > rows[j].n
		}
		return rows[i].key < rows[j].key
	})

	var b strings.Builder
	b.WriteString("<b>Suppressed notifications</b>\n")
	for _, r := range rows {
		parts := strings.SplitN(r.key, "|", 3)
		for len(parts) < 3 {
			parts = append(parts, "")
		}
		fmt.Fprintf(&b, "%s (%s, %s): %d\n", parts[0], parts[1], parts[2], r.n)
	}
	return b.String()
}
