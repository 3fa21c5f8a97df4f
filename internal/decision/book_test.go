package decision

import (
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/event"
)

type eventCollector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *eventCollector) handler(e event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func rollbackRequest(level Level) Request {
	return Request{
		Level:          level,
		Title:          "Roll business_analyst back to in_progress?",
		RequestingRole: "business_analyst",
		Options: []Option{
			{ID: "approve", Label: "Roll back", Event: "rollback_approved"},
			{ID: "reject", Label: "Keep completed"},
		},
		DefaultOption: "reject",
	}
}

func TestCreateByLevel(t *testing.T) {
	tests := []struct {
		level        Level
		wantResolved bool
	}{
		{LevelAuto, true},
		{LevelNotify, true},
		{LevelApproval, false},
		{LevelCritical, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			bus := event.NewBus(nil)
			events := &eventCollector{}
			bus.SubscribeAll(events.handler)
			book, err := Open("", WithBus(bus))
			if err != nil {
				t.Fatal(err)
			}

			d, err := book.Create(rollbackRequest(tt.level))
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if d.ID == "" {
				t.Error("decision ID should be generated")
			}
			if d.Resolved != tt.wantResolved {
				t.Errorf("Resolved = %v, want %v", d.Resolved, tt.wantResolved)
			}
			if tt.wantResolved {
				if d.ChosenOption != "reject" || d.ResolvedBy != ResolvedByLevel {
					t.Errorf("auto-resolution = %q by %q", d.ChosenOption, d.ResolvedBy)
				}
				if len(book.Pending()) != 0 {
					t.Error("resolved decision listed as pending")
				}
			} else if len(book.Pending()) != 1 {
				t.Error("waiting decision missing from Pending")
			}

			if events.count(event.TypeDecisionCreated) != 1 {
				t.Error("decision.created not published")
			}
			wantResolvedEvents := 0
			if tt.wantResolved {
				wantResolvedEvents = 1
			}
			if got := events.count(event.TypeDecisionResolved); got != wantResolvedEvents {
				t.Errorf("decision.resolved published %d times, want %d", got, wantResolvedEvents)
			}
		})
	}
}

func TestCreateValidation(t *testing.T) {
	book, _ := Open("")

	tests := []struct {
		name string
		req  Request
	}{
		{"unknown level", Request{Level: "urgent", Title: "x", Options: []Option{{ID: "a"}}}},
		{"missing title", Request{Level: LevelAuto, Options: []Option{{ID: "a"}}}},
		{"no options", Request{Level: LevelAuto, Title: "x"}},
		{"duplicate option", Request{Level: LevelAuto, Title: "x", Options: []Option{{ID: "a"}, {ID: "a"}}}},
		{"unknown default", Request{Level: LevelAuto, Title: "x", Options: []Option{{ID: "a"}}, DefaultOption: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := book.Create(tt.req); !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestDefaultOptionIsFirst(t *testing.T) {
	book, _ := Open("")
	req := rollbackRequest(LevelAuto)
	req.DefaultOption = ""
	d, err := book.Create(req)
	if err != nil {
		t.Fatal(err)
	}
	if d.ChosenOption != "approve" {
		t.Errorf("ChosenOption = %q, want first option", d.ChosenOption)
	}
}

func TestResolve(t *testing.T) {
	book, _ := Open("")
	d, _ := book.Create(rollbackRequest(LevelApproval))

	if _, err := book.Resolve(d.ID, "maybe"); !errors.Is(err, errors.ErrOptionNotFound) {
		t.Errorf("unknown option: err = %v", err)
	}
	if _, err := book.Resolve("nope", "approve"); !errors.Is(err, errors.ErrDecisionNotFound) {
		t.Errorf("unknown decision: err = %v", err)
	}

	res, err := book.Resolve(d.ID, "approve")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Option.Event != "rollback_approved" || res.Decision.ResolvedBy != ResolvedByArbiter {
		t.Errorf("resolution = %+v", res)
	}

	if _, err := book.Resolve(d.ID, "reject"); err == nil {
		t.Error("resolving twice should fail")
	}
	got, _ := book.Get(d.ID)
	if got.ChosenOption != "approve" {
		t.Errorf("second resolve changed the answer to %q", got.ChosenOption)
	}
}

func TestExpireResolvesWithDefault(t *testing.T) {
	now := start
	book, _ := Open("", WithClock(func() time.Time { return now }), WithDefaultDeadline(time.Hour))

	d, _ := book.Create(rollbackRequest(LevelApproval))
	noDeadline := rollbackRequest(LevelCritical)
	noDeadline.Deadline = -1
	forever, _ := book.Create(noDeadline)

	if !d.Deadline.Equal(start.Add(time.Hour)) {
		t.Fatalf("Deadline = %v", d.Deadline)
	}
	if !forever.Deadline.IsZero() {
		t.Error("negative deadline should mean none")
	}

	if got := book.Expire(start.Add(30 * time.Minute)); len(got) != 0 {
		t.Errorf("expired early: %+v", got)
	}
	now = start.Add(time.Hour)
	got := book.Expire(now)
	if len(got) != 1 || got[0].Decision.ID != d.ID {
		t.Fatalf("Expire = %+v", got)
	}
	if got[0].Option.ID != "reject" || got[0].Decision.ResolvedBy != ResolvedByDeadline {
		t.Errorf("expired resolution = %+v", got[0])
	}
	if len(book.Expire(now.Add(time.Hour))) != 0 {
		t.Error("expired decision resolved twice")
	}
	if p := book.Pending(); len(p) != 1 || p[0].ID != forever.ID {
		t.Errorf("Pending = %+v", p)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := start
	clock := func() time.Time { return now }

	book, err := Open(dir, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	first, _ := book.Create(rollbackRequest(LevelApproval))
	now = now.Add(time.Minute)
	second, _ := book.Create(rollbackRequest(LevelCritical))
	if _, err := book.Resolve(first.ID, "approve"); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir, WithClock(clock))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	all := reopened.All()
	if len(all) != 2 || all[0].ID != first.ID || all[1].ID != second.ID {
		t.Fatalf("All after reopen = %+v", all)
	}
	if !all[0].Resolved || all[0].ChosenOption != "approve" {
		t.Errorf("resolution lost: %+v", all[0])
	}
	if p := reopened.Pending(); len(p) != 1 || p[0].ID != second.ID {
		t.Errorf("Pending after reopen = %+v", p)
	}

	onDisk, err := ReadFile(dir)
	if err != nil || len(onDisk) != 2 {
		t.Errorf("ReadFile = %d decisions, %v", len(onDisk), err)
	}
}

func TestReadFileMissing(t *testing.T) {
	got, err := ReadFile(t.TempDir())
	if err != nil || got != nil {
		t.Errorf("ReadFile on empty dir = %v, %v", got, err)
	}
}
