// SPDX-License-Identifier: MIT

// Package tasklog keeps a bounded in-memory log per task for the inspect
// and streaming surfaces.
package tasklog

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Levels in ascending severity. Heartbeat entries are synthetic stream
// keepalives and never stored.
const (
	LevelDebug     = "debug"
	LevelInfo      = "info"
	LevelWarning   = "warning"
	LevelError     = "error"
	LevelHeartbeat = "heartbeat"
)

var levelRank = map[string]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// Entry is one log line of one task.
type Entry struct {
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

type ring struct {
	entries []Entry // oldest first
	nextSeq int64
	subs    map[chan Entry]struct{}
}

// Service stores per-task rings and fans appended entries out to streams.
type Service struct {
	mu         sync.RWMutex
	rings      map[string]*ring
	maxEntries int
}

// New builds a Service. maxEntries bounds each task's ring; default 1000.
func New(maxEntries int) *Service {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Service{
		rings:      make(map[string]*ring),
		maxEntries: maxEntries,
	}
}

// Append records one entry and wakes streams. A slow stream drops entries
// rather than blocking the writer.
func (s *Service) Append(taskID, level, message string, fields map[string]any) {
	if _, ok := levelRank[level]; !ok {
		level = LevelInfo
	}

	s.mu.Lock()
	r, ok := s.rings[taskID]
	if !ok {
		r = &ring{subs: make(map[chan Entry]struct{})}
		s.rings[taskID] = r
	}
	e := Entry{
		Seq:       r.nextSeq,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}
	r.nextSeq++
	r.entries = append(r.entries, e)
	if len(r.entries) > s.maxEntries {
		r.entries = r.entries[len(r.entries)-s.maxEntries:]
	}
	for ch := range r.subs {
		select {
		case ch <- e:
		default:
		}
	}
	s.mu.Unlock()
}

// Get returns up to limit entries at or above the minimum level, oldest
// first. Empty level means everything; limit <= 0 means everything kept.
func (s *Service) Get(taskID, minLevel string, limit int) []Entry {
	minRank := -1
	if minLevel != "" {
		if r, ok := levelRank[strings.ToLower(minLevel)]; ok {
			minRank = r
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rings[taskID]
	if !ok {
		return nil
	}

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if minRank >= 0 && levelRank[e.Level] < minRank {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stream subscribes to a task's entries. The channel first replays the
// kept backlog, then receives live entries and periodic heartbeat entries
// until the context ends. The channel closes on unsubscribe.
func (s *Service) Stream(ctx context.Context, taskID string, heartbeat time.Duration) <-chan Entry {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	out := make(chan Entry, 64)
	live := make(chan Entry, 64)

	s.mu.Lock()
	r, ok := s.rings[taskID]
	if !ok {
		r = &ring{subs: make(map[chan Entry]struct{})}
		s.rings[taskID] = r
	}
	backlog := append([]Entry(nil), r.entries...)
	r.subs[live] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			if r, ok := s.rings[taskID]; ok {
				delete(r.subs, live)
			}
			s.mu.Unlock()
		}()

		for _, e := range backlog {
			select {
			case <-ctx.Done():
				return
			case out <- e:
			}
		}

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-live:
				select {
				case <-ctx.Done():
					return
				case out <- e:
				}
			case <-ticker.C:
				select {
				case out <- Entry{Level: LevelHeartbeat, Timestamp: time.Now().UTC()}:
				default:
				}
			}
		}
	}()
	return out
}

// Remove drops a task's ring, closing nothing; live streams keep their
// subscription until their context ends.
func (s *Service) Remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[taskID]
	if !ok {
		return
	}
	if len(r.subs) == 0 {
		delete(s.rings, taskID)
		return
	}
	r.entries = nil
}

// Tasks reports how many tasks currently hold entries.
func (s *Service) Tasks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rings)
}
