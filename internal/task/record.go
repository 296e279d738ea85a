// Package task provides the immutable task snapshot values served by the
// bridge, converted from the replica store's native key-value entries.
package task

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a task as reported by the replica.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusDeleted   Status = "deleted"
	StatusRecurring Status = "recurring"
	StatusUnknown   Status = "unknown"
)

// ParseStatus maps a raw status string to a Status. Unrecognized values
// map to StatusUnknown rather than failing the containing entry.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusPending, StatusCompleted, StatusDeleted, StatusRecurring:
		return Status(s)
	}
	return StatusUnknown
}

// Entry is a native task as read from the replica store: a UUID plus the
// flat key-value map the store persists. Keys follow Taskwarrior naming
// (description, status, project, entry, modified, scheduled, start, wait,
// end, tags).
type Entry struct {
	UUID string
	Data map[string]string
}

// Record is an immutable snapshot of one task. Records do not reference
// the store; they remain valid after the store is reset or reopened.
type Record struct {
	UUID        string     `json:"uuid"`
	ShortID     string     `json:"short_id"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Project     string     `json:"project,omitempty"`
	Tags        []string   `json:"tags"`
	Active      bool       `json:"active"`
	Entry       *time.Time `json:"-"`
	Modified    *time.Time `json:"-"`
	Scheduled   *time.Time `json:"-"`
	Start       *time.Time `json:"-"`
	Wait        *time.Time `json:"-"`
	End         *time.Time `json:"-"`
}

// FromEntry converts a native entry to a Record.
//
// An entry with an empty UUID or a nil data map is malformed and returns
// an error; callers converting a batch should log and skip it rather than
// abort the read.
func FromEntry(e Entry) (Record, error) {
	if e.UUID == "" {
		return Record{}, fmt.Errorf("entry has empty uuid")
	}
	if e.Data == nil {
		return Record{}, fmt.Errorf("entry %s has no data", e.UUID)
	}

	shortID := e.UUID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	r := Record{
		UUID:        e.UUID,
		ShortID:     shortID,
		Description: e.Data["description"],
		Status:      ParseStatus(e.Data["status"]),
		Project:     e.Data["project"],
		Tags:        parseTags(e.Data),
		Entry:       ParseTimestamp(e.Data["entry"]),
		Modified:    ParseTimestamp(e.Data["modified"]),
		Scheduled:   ParseTimestamp(e.Data["scheduled"]),
		Start:       ParseTimestamp(e.Data["start"]),
		Wait:        ParseTimestamp(e.Data["wait"]),
		End:         ParseTimestamp(e.Data["end"]),
	}

	// A task is active while it has been started and not yet completed.
	r.Active = r.Start != nil && r.End == nil

	return r, nil
}

// FromEntries converts a batch of native entries, logging and skipping
// malformed ones. A single bad entry never aborts the read.
func FromEntries(entries []Entry, logger *log.Logger) []Record {
	if logger == nil {
		logger = log.Default()
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		r, err := FromEntry(e)
		if err != nil {
			logger.Printf("Skipping malformed entry: %v", err)
			continue
		}
		records = append(records, r)
	}
	return records
}

// ParseTimestamp parses a store timestamp string. The store records
// timestamps either as decimal epoch seconds or as RFC 3339; anything
// else (including empty) yields nil.
func ParseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}

	if epoch, err := strconv.ParseFloat(s, 64); err == nil {
		t := time.Unix(int64(epoch), 0).UTC()
		return &t
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t
	}

	return nil
}

// parseTags splits the comma-separated tags value and returns the tags
// sorted for deterministic output.
func parseTags(data map[string]string) []string {
	raw := data["tags"]
	if raw == "" {
		return []string{}
	}

	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	sort.Strings(tags)
	return tags
}

// Overview filters a snapshot down to the overview report: pending tasks
// only, sorted by project then entry time. The input slice is not
// modified.
func Overview(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Status == StatusPending {
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Project, out[j].Project
		if pi != pj {
			return pi < pj
		}
		return entryKey(out[i]).Before(entryKey(out[j]))
	})

	return out
}

func entryKey(r Record) time.Time {
	if r.Entry == nil {
		return time.Time{}
	}
	return *r.Entry
}
