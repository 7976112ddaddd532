// Package calendar answers bank holiday and attendance questions from a YAML
// file and an optional JSON holiday feed, refreshed at most once per interval.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"escalator/internal/clock"
	"escalator/internal/config"

	"gopkg.in/yaml.v3"
)

// CategoryHoliday is the attendance category of people on leave.
const CategoryHoliday = "holiday"

const dateLayout = "2006-01-02"

// File is the YAML calendar document.
type File struct {
	BankHolidays []string           `yaml:"bank_holidays"`
	Attendance   map[string][]Entry `yaml:"attendance"`
}

// Entry places one person in a category for an inclusive date range.
type Entry struct {
	Who  string `yaml:"who"`
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type span struct {
	who      string
	from, to string
}

type snapshot struct {
	loadedAt   time.Time
	holidays   map[string]struct{}
	attendance map[string][]span
}

// Calendar caches holidays and attendance.
type Calendar struct {
	file     string
	url      string
	refresh  time.Duration
	client   *http.Client
	location *time.Location
	clock    clock.Clock
	logger   *slog.Logger

	mu   sync.Mutex
	data *snapshot
}

// New creates calendar; nothing is loaded until the first question.
// Params: calendar config, evaluation location, clock, and logger.
// Returns: calendar.
func New(cfg config.CalendarConfig, loc *time.Location, clk clock.Clock, logger *slog.Logger) *Calendar {
	if loc == nil {
		loc = time.Local
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	refresh := time.Duration(cfg.RefreshSec) * time.Second
	if refresh <= 0 {
		refresh = time.Hour
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Calendar{
		file:     strings.TrimSpace(cfg.File),
		url:      strings.TrimSpace(cfg.URL),
		refresh:  refresh,
		client:   &http.Client{Timeout: timeout},
		location: loc,
		clock:    clk,
		logger:   logger,
	}
}

// BankHoliday reports whether at falls on a bank holiday.
func (c *Calendar) BankHoliday(at time.Time) bool {
	_, ok := c.current().holidays[c.day(at)]
	return ok
}

// AttendeesFor lists people in category on the day of at.
func (c *Calendar) AttendeesFor(category string, at time.Time) []string {
	day := c.day(at)
	var who []string
	for _, entry := range c.current().attendance[strings.ToLower(category)] {
		if entry.from <= day && day <= entry.to {
			who = append(who, entry.who)
		}
	}
	return who
}

// GroupEmpty reports that nobody is in category on the day of at.
func (c *Calendar) GroupEmpty(category string, at time.Time) bool {
	return len(c.AttendeesFor(category, at)) == 0
}

// OnHoliday reports whether person is listed under the holiday category at.
func (c *Calendar) OnHoliday(person string, at time.Time) bool {
	for _, who := range c.AttendeesFor(CategoryHoliday, at) {
		if strings.EqualFold(who, person) {
			return true
		}
	}
	return false
}

// Refresh reloads all sources now.
func (c *Calendar) Refresh(ctx context.Context) {
	data := c.load(ctx)
	c.mu.Lock()
	c.data = data
	c.mu.Unlock()
}

func (c *Calendar) current() *snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if c.data == nil || now.Sub(c.data.loadedAt) >= c.refresh {
		ctx, cancel := context.WithTimeout(context.Background(), c.client.Timeout)
		c.data = c.load(ctx)
		cancel()
	}
	return c.data
}

// load reads every source. Failures are logged and never returned.
func (c *Calendar) load(ctx context.Context) *snapshot {
	data := &snapshot{
		loadedAt:   c.clock.Now(),
		holidays:   make(map[string]struct{}),
		attendance: make(map[string][]span),
	}
	if c.file != "" {
		if err := c.loadFile(data); err != nil {
			c.logger.Warn("calendar file unavailable", "file", c.file, "error", err.Error())
		}
	}
	if c.url != "" {
		if err := c.loadFeed(ctx, data); err != nil {
			c.logger.Warn("holiday feed unavailable", "url", c.url, "error", err.Error())
		}
	}
	c.logger.Debug("calendar refreshed", "holidays", len(data.holidays), "categories", len(data.attendance))
	return data
}

func (c *Calendar) loadFile(data *snapshot) error {
	raw, err := os.ReadFile(c.file)
	if err != nil {
		return fmt.Errorf("read calendar file: %w", err)
	}
	var doc File
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse calendar file: %w", err)
	}
	for _, day := range doc.BankHolidays {
		if err := addHoliday(data, day); err != nil {
			return err
		}
	}
	for category, entries := range doc.Attendance {
		key := strings.ToLower(strings.TrimSpace(category))
		for i, entry := range entries {
			from, to := strings.TrimSpace(entry.From), strings.TrimSpace(entry.To)
			if to == "" {
				to = from
			}
			if _, err := time.Parse(dateLayout, from); err != nil {
				return fmt.Errorf("attendance.%s[%d].from: %w", category, i, err)
			}
			if _, err := time.Parse(dateLayout, to); err != nil {
				return fmt.Errorf("attendance.%s[%d].to: %w", category, i, err)
			}
			data.attendance[key] = append(data.attendance[key], span{who: strings.TrimSpace(entry.Who), from: from, to: to})
		}
	}
	return nil
}

type feedEvent struct {
	Date string `json:"date"`
}

type feedDivision struct {
	Events []feedEvent `json:"events"`
}

// loadFeed accepts either a list of {"date": ...} events or an object of
// divisions each holding an "events" list.
func (c *Calendar) loadFeed(ctx context.Context, data *snapshot) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build feed request: %w", err)
	}
	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("fetch feed: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch feed: unexpected status %d", response.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read feed: %w", err)
	}

	var events []feedEvent
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return fmt.Errorf("decode feed: %w", err)
		}
	} else {
		var divisions map[string]feedDivision
		if err := json.Unmarshal(trimmed, &divisions); err != nil {
			return fmt.Errorf("decode feed: %w", err)
		}
		for _, division := range divisions {
			events = append(events, division.Events...)
		}
	}
	for _, event := range events {
		if err := addHoliday(data, event.Date); err != nil {
			return err
		}
	}
	return nil
}

func addHoliday(data *snapshot, day string) error {
	day = strings.TrimSpace(day)
	if _, err := time.Parse(dateLayout, day); err != nil {
		return fmt.Errorf("bank holiday %q: %w", day, err)
	}
	data.holidays[day] = struct{}{}
	return nil
}

func (c *Calendar) day(at time.Time) string {
	return at.In(c.location).Format(dateLayout)
}
