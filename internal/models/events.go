package models

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

var (
	ErrUnknownKind      = errors.New("unknown event kind")
	ErrMalformedPayload = errors.New("malformed event payload")
)

// Envelope is the wire form of every event published to a channel.
type Envelope struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and stamps it for channel.
func NewEnvelope(channel Channel, kind Kind, payload any, ts time.Time) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{
		Type:      string(kind),
		Channel:   channel.String(),
		Timestamp: ts,
		Payload:   data,
	}, nil
}

type Kind string

const (
	KindProjectCreated  Kind = "project:created"
	KindProjectUpdated  Kind = "project:updated"
	KindProjectArchived Kind = "project:archived"
	KindActivityCreated Kind = "activity:created"
	KindCardCreated     Kind = "card:created"
	KindCardUpdated     Kind = "card:updated"
	KindCardArchived    Kind = "card:archived"
	KindCommentCreated  Kind = "comment:created"
	KindPresenceJoin    Kind = "presence:join"
	KindPresenceLeave   Kind = "presence:leave"
	KindPresenceRoster  Kind = "presence:roster"
)

// Event is the decoded, typed form of an envelope payload. Decode returns
// one of the pointer types below, or Unknown.
type Event interface {
	Kind() Kind
}

// Publishable reports whether kind may be published by the CRUD side.
// Presence kinds are produced only by the tracker.
func (k Kind) Publishable() bool {
	switch k {
	case KindProjectCreated, KindProjectUpdated, KindProjectArchived,
		KindActivityCreated,
		KindCardCreated, KindCardUpdated, KindCardArchived,
		KindCommentCreated:
		return true
	}
	return false
}

type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Image string `json:"image,omitempty"`
}

type Project struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Link        string    `json:"link,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	IsArchived  bool      `json:"isArchived,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

type ProjectCreated struct {
	Project
}

// ProjectUpdated carries only the fields that changed; nil means untouched.
// An explicit null on a nullable text field decodes to the empty string.
type ProjectUpdated struct {
	ID          string     `json:"id"`
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	Link        *string    `json:"link,omitempty"`
	Tags        *[]string  `json:"tags,omitempty"`
	IsArchived  *bool      `json:"isArchived,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

func (u *ProjectUpdated) UnmarshalJSON(data []byte) error {
	type plain ProjectUpdated
	if err := json.Unmarshal(data, (*plain)(u)); err != nil {
		return err
	}
	return clearNulls(data, map[string]**string{
		"description": &u.Description,
		"link":        &u.Link,
	})
}

type ProjectArchived struct {
	ID         string    `json:"id"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// ActivityID is the activity identifier. Producers send either a string or
// a millisecond timestamp number; both decode to the same text.
type ActivityID string

func (id *ActivityID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ActivityID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("activity id must be a string or number: %w", err)
	}
	*id = ActivityID(n.String())
	return nil
}

type Activity struct {
	ID          ActivityID     `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	User        UserRef        `json:"user"`
	ProjectID   string         `json:"projectId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

type ActivityCreated struct {
	Activity
}

type CardType string

const (
	CardTask     CardType = "TASK"
	CardInsight  CardType = "INSIGHT"
	CardDecision CardType = "DECISION"
)

type Card struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Title       string    `json:"title"`
	Content     string    `json:"content,omitempty"`
	Type        CardType  `json:"type,omitempty"`
	Visibility  string    `json:"visibility,omitempty"`
	Status      string    `json:"status,omitempty"`
	Why         string    `json:"why,omitempty"`
	Issues      string    `json:"issues,omitempty"`
	Mentions    []string  `json:"mentions,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	AssignedTo  *UserRef  `json:"assignedTo,omitempty"`
	IsArchived  bool      `json:"isArchived,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

type CardCreated struct {
	Card
}

// CardUpdated follows the same patch rules as ProjectUpdated.
type CardUpdated struct {
	ID          string     `json:"id"`
	Title       *string    `json:"title,omitempty"`
	Content     *string    `json:"content,omitempty"`
	Type        *CardType  `json:"type,omitempty"`
	Visibility  *string    `json:"visibility,omitempty"`
	Status      *string    `json:"status,omitempty"`
	Why         *string    `json:"why,omitempty"`
	Issues      *string    `json:"issues,omitempty"`
	Mentions    *[]string  `json:"mentions,omitempty"`
	Attachments *[]string  `json:"attachments,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

func (u *CardUpdated) UnmarshalJSON(data []byte) error {
	type plain CardUpdated
	if err := json.Unmarshal(data, (*plain)(u)); err != nil {
		return err
	}
	return clearNulls(data, map[string]**string{
		"content": &u.Content,
		"why":     &u.Why,
		"issues":  &u.Issues,
	})
}

// clearNulls points every field whose key is present as null in data at the
// empty string, so a cleared value is distinguishable from an absent one.
func clearNulls(data []byte, fields map[string]**string) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, dst := range fields {
		if v, ok := raw[key]; ok && bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			empty := ""
			*dst = &empty
		}
	}
	return nil
}

type CardArchived struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId,omitempty"`
	ArchivedAt time.Time `json:"archivedAt"`
}

type Comment struct {
	ID        string    `json:"id"`
	CardID    string    `json:"cardId"`
	Content   string    `json:"content"`
	Author    UserRef   `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type CommentCreated struct {
	Comment
}

type PresenceJoin struct {
	PresenceEntry
}

type PresenceLeave struct {
	UserID string `json:"userId"`
}

type PresenceRoster struct {
	Editors []PresenceEntry `json:"editors"`
}

// Unknown carries an event type this build does not understand.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (*ProjectCreated) Kind() Kind  { return KindProjectCreated }
func (*ProjectUpdated) Kind() Kind  { return KindProjectUpdated }
func (*ProjectArchived) Kind() Kind { return KindProjectArchived }
func (*ActivityCreated) Kind() Kind { return KindActivityCreated }
func (*CardCreated) Kind() Kind     { return KindCardCreated }
func (*CardUpdated) Kind() Kind     { return KindCardUpdated }
func (*CardArchived) Kind() Kind    { return KindCardArchived }
func (*CommentCreated) Kind() Kind  { return KindCommentCreated }
func (*PresenceJoin) Kind() Kind    { return KindPresenceJoin }
func (*PresenceLeave) Kind() Kind   { return KindPresenceLeave }
func (*PresenceRoster) Kind() Kind  { return KindPresenceRoster }
func (u *Unknown) Kind() Kind       { return Kind(u.Type) }

// NewEvent returns an empty value for kind, ready to be unmarshaled into.
func NewEvent(kind Kind) (Event, error) {
	switch kind {
	case KindProjectCreated:
		return &ProjectCreated{}, nil
	case KindProjectUpdated:
		return &ProjectUpdated{}, nil
	case KindProjectArchived:
		return &ProjectArchived{}, nil
	case KindActivityCreated:
		return &ActivityCreated{}, nil
	case KindCardCreated:
		return &CardCreated{}, nil
	case KindCardUpdated:
		return &CardUpdated{}, nil
	case KindCardArchived:
		return &CardArchived{}, nil
	case KindCommentCreated:
		return &CommentCreated{}, nil
	case KindPresenceJoin:
		return &PresenceJoin{}, nil
	case KindPresenceLeave:
		return &PresenceLeave{}, nil
	case KindPresenceRoster:
		return &PresenceRoster{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// Decode turns an envelope into its typed event. Unrecognized types decode
// to *Unknown without error; a recognized type whose payload does not parse
// or lacks its identifier returns ErrMalformedPayload.
func Decode(env Envelope) (Event, error) {
	ev, err := NewEvent(Kind(env.Type))
	if err != nil {
		return &Unknown{Type: env.Type, Raw: env.Payload}, nil
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s: empty payload", ErrMalformedPayload, env.Type)
	}
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Type, err)
	}
	if id := eventKey(ev); id == "" && ev.Kind() != KindPresenceRoster {
		return nil, fmt.Errorf("%w: %s: missing id", ErrMalformedPayload, env.Type)
	}
	return ev, nil
}

// DecodeBytes parses a raw envelope then decodes its payload.
func DecodeBytes(data []byte) (Envelope, Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Type == "" {
		return env, nil, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}
	ev, err := Decode(env)
	return env, ev, err
}

func eventKey(ev Event) string {
	switch e := ev.(type) {
	case *ProjectCreated:
		return e.ID
	case *ProjectUpdated:
		return e.ID
	case *ProjectArchived:
		return e.ID
	case *ActivityCreated:
		return string(e.ID)
	case *CardCreated:
		return e.ID
	case *CardUpdated:
		return e.ID
	case *CardArchived:
		return e.ID
	case *CommentCreated:
		return e.ID
	case *PresenceJoin:
		return e.UserID
	case *PresenceLeave:
		return e.UserID
	}
	return ""
}
