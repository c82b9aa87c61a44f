package subscriber

import (
	"sort"
	"time"

	"collab-realtime/internal/models"
)

// MaxActivities bounds the cached activity feed.
const MaxActivities = 100

// State is the local view of one channel. Values are never mutated after
// they are published; Reduce returns a new State.
type State struct {
	Project    *models.Project
	Activities []models.Activity
	Cards      map[string]models.Card
	Comments   []models.Comment

	// Editors is everyone present, OtherEditors the same without the local
	// user. Both are sorted by user id.
	Editors      []models.PresenceEntry
	OtherEditors []models.PresenceEntry

	marks map[string]mark
	// rosterAt is the newest roster snapshot applied. Facts older than it
	// about users with no mark are already covered by that snapshot.
	rosterAt time.Time
}

// mark is the latest known presence fact for one user. A leave is kept as
// a tombstone so an older join or roster arriving late cannot revive it.
type mark struct {
	entry   models.PresenceEntry
	present bool
	at      time.Time
}

// Reduce applies one decoded event to s and returns the resulting state.
// self is the local user id, which never appears in OtherEditors. Unknown
// kinds leave the state untouched.
func Reduce(s State, env models.Envelope, ev models.Event, self string) State {
	switch e := ev.(type) {
	case *models.ProjectCreated:
		p := e.Project
		s.Project = &p

	case *models.ProjectUpdated:
		if s.Project == nil || s.Project.ID != e.ID {
			return s
		}
		p := mergeProject(*s.Project, e)
		s.Project = &p

	case *models.ProjectArchived:
		if s.Project == nil || s.Project.ID != e.ID {
			return s
		}
		p := *s.Project
		p.IsArchived = true
		s.Project = &p

	case *models.ActivityCreated:
		s.Activities = prependActivity(s.Activities, e.Activity)

	case *models.CardCreated:
		s.Cards = cloneCards(s.Cards)
		s.Cards[e.ID] = e.Card

	case *models.CardUpdated:
		card, ok := s.Cards[e.ID]
		if !ok {
			return s
		}
		s.Cards = cloneCards(s.Cards)
		s.Cards[e.ID] = mergeCard(card, e)

	case *models.CardArchived:
		if _, ok := s.Cards[e.ID]; !ok {
			return s
		}
		s.Cards = cloneCards(s.Cards)
		delete(s.Cards, e.ID)

	case *models.CommentCreated:
		for _, c := range s.Comments {
			if c.ID == e.ID {
				return s
			}
		}
		comments := make([]models.Comment, 0, len(s.Comments)+1)
		s.Comments = append(append(comments, s.Comments...), e.Comment)

	case *models.PresenceJoin:
		s.marks = applyMark(cloneMarks(s.marks), s.rosterAt, e.PresenceEntry, true, env.Timestamp)
		s.Editors, s.OtherEditors = editors(s.marks, self)

	case *models.PresenceLeave:
		s.marks = applyMark(cloneMarks(s.marks), s.rosterAt, models.PresenceEntry{UserID: e.UserID}, false, env.Timestamp)
		s.Editors, s.OtherEditors = editors(s.marks, self)

	case *models.PresenceRoster:
		s.marks = applyRoster(cloneMarks(s.marks), s.rosterAt, e.Editors, env.Timestamp)
		if env.Timestamp.After(s.rosterAt) {
			s.rosterAt = env.Timestamp
		}
		pruneTombstones(s.marks, s.rosterAt)
		s.Editors, s.OtherEditors = editors(s.marks, self)
	}
	return s
}

func mergeProject(p models.Project, u *models.ProjectUpdated) models.Project {
	if u.Name != nil {
		p.Name = *u.Name
	}
	// A cleared description arrives as null and decodes to "".
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.Link != nil {
		p.Link = *u.Link
	}
	if u.Tags != nil {
		p.Tags = append([]string(nil), (*u.Tags)...)
	}
	if u.IsArchived != nil {
		p.IsArchived = *u.IsArchived
	}
	if u.UpdatedAt != nil {
		p.UpdatedAt = *u.UpdatedAt
	}
	return p
}

func mergeCard(c models.Card, u *models.CardUpdated) models.Card {
	if u.Title != nil {
		c.Title = *u.Title
	}
	if u.Content != nil {
		c.Content = *u.Content
	}
	if u.Type != nil {
		c.Type = *u.Type
	}
	if u.Visibility != nil {
		c.Visibility = *u.Visibility
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.Why != nil {
		c.Why = *u.Why
	}
	if u.Issues != nil {
		c.Issues = *u.Issues
	}
	if u.Mentions != nil {
		c.Mentions = append([]string(nil), (*u.Mentions)...)
	}
	if u.Attachments != nil {
		c.Attachments = append([]string(nil), (*u.Attachments)...)
	}
	if u.UpdatedAt != nil {
		c.UpdatedAt = *u.UpdatedAt
	}
	return c
}

func prependActivity(feed []models.Activity, a models.Activity) []models.Activity {
	for _, existing := range feed {
		if existing.ID == a.ID {
			return feed
		}
	}
	n := len(feed) + 1
	if n > MaxActivities {
		n = MaxActivities
	}
	out := make([]models.Activity, 0, n)
	out = append(out, a)
	return append(out, feed[:n-1]...)
}

func cloneCards(in map[string]models.Card) map[string]models.Card {
	out := make(map[string]models.Card, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneMarks(in map[string]mark) map[string]mark {
	out := make(map[string]mark, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// applyMark records a presence fact unless a newer one is already known.
// For a user without a mark, floor stands in for the last known fact.
func applyMark(marks map[string]mark, floor time.Time, entry models.PresenceEntry, present bool, at time.Time) map[string]mark {
	m, ok := marks[entry.UserID]
	if (ok && at.Before(m.at)) || (!ok && at.Before(floor)) {
		return marks
	}
	if !present && ok {
		entry = m.entry
	}
	marks[entry.UserID] = mark{entry: entry, present: present, at: at}
	return marks
}

// applyRoster treats the roster as a full snapshot taken at at: listed users
// are present, everyone else known is absent, in both cases only where the
// snapshot is not older than what is already known.
func applyRoster(marks map[string]mark, floor time.Time, roster []models.PresenceEntry, at time.Time) map[string]mark {
	listed := make(map[string]bool, len(roster))
	for _, e := range roster {
		listed[e.UserID] = true
		applyMark(marks, floor, e, true, at)
	}
	for id, m := range marks {
		if !listed[id] && m.present {
			applyMark(marks, floor, m.entry, false, at)
		}
	}
	return marks
}

// pruneTombstones drops leaves the roster snapshot at floor already implies.
func pruneTombstones(marks map[string]mark, floor time.Time) {
	for id, m := range marks {
		if !m.present && !m.at.After(floor) {
			delete(marks, id)
		}
	}
}

func editors(marks map[string]mark, self string) (all, others []models.PresenceEntry) {
	for _, m := range marks {
		if !m.present {
			continue
		}
		all = append(all, m.entry)
		if m.entry.UserID != self {
			others = append(others, m.entry)
		}
	}
	byID := func(list []models.PresenceEntry) {
		sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
	}
	byID(all)
	byID(others)
	return all, others
}
