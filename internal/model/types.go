package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidActor    = errors.New("invalid actor id")
	ErrInvalidAction   = errors.New("invalid action id")
	ErrInvalidDuration = errors.New("invalid duration")
)

// ActorID is the stable identity of whoever triggers a cooldown.
type ActorID struct {
	id uuid.UUID
}

func ParseActorID(s string) (ActorID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ActorID{}, fmt.Errorf("%w: blank", ErrInvalidActor)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return ActorID{}, fmt.Errorf("%w: %v", ErrInvalidActor, err)
	}
	return NewActorID(id)
}

func NewActorID(id uuid.UUID) (ActorID, error) {
	if id == uuid.Nil {
		return ActorID{}, fmt.Errorf("%w: nil uuid", ErrInvalidActor)
	}
	return ActorID{id: id}, nil
}

func (a ActorID) UUID() uuid.UUID { return a.id }

func (a ActorID) String() string { return a.id.String() }

func (a ActorID) IsZero() bool { return a.id == uuid.Nil }

// ActionID names a cooldown category such as "teleport" or "kit-claim".
type ActionID string

func NewActionID(s string) (ActionID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: blank", ErrInvalidAction)
	}
	return ActionID(s), nil
}

func (a ActionID) String() string { return string(a) }

// Normalize strips surrounding whitespace so " kit " and "kit" name the same action.
func (a ActionID) Normalize() ActionID { return ActionID(strings.TrimSpace(string(a))) }

// Key is the registry identity of one (actor, action) pair.
type Key struct {
	Actor  ActorID
	Action ActionID
}

func NewKey(actor, action string) (Key, error) {
	a, err := ParseActorID(actor)
	if err != nil {
		return Key{}, err
	}
	act, err := NewActionID(action)
	if err != nil {
		return Key{}, err
	}
	return Key{Actor: a, Action: act}, nil
}

func (k Key) String() string {
	return k.Actor.String() + "|" + string(k.Action)
}

func ValidateDuration(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: negative duration %s", ErrInvalidDuration, d)
	}
	return nil
}

// maxSeconds is the largest whole-second count a time.Duration can hold.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// ParseDuration accepts Go duration strings ("1m30s") and bare integers as seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: blank", ErrInvalidDuration)
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > maxSeconds || n < -maxSeconds {
			return 0, fmt.Errorf("%w: %s seconds is out of range", ErrInvalidDuration, s)
		}
		d = time.Duration(n) * time.Second
	} else {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidDuration, err)
		}
		d = parsed
	}
	if err := ValidateDuration(d); err != nil {
		return 0, err
	}
	return d, nil
}

// Expiration is the instant a cooldown lapses.
type Expiration struct {
	At time.Time
}

func ExpirationAfter(now time.Time, d time.Duration) Expiration {
	return Expiration{At: now.Add(d)}
}

// IsExpired reports whether now has reached the expiration instant.
func (e Expiration) IsExpired(now time.Time) bool {
	return !now.Before(e.At)
}

func (e Expiration) RemainingUntil(now time.Time) time.Duration {
	if d := e.At.Sub(now); d > 0 {
		return d
	}
	return 0
}

type Entry struct {
	Key        Key
	Expiration Expiration
}

func (e Entry) IsExpired(now time.Time) bool {
	return e.Expiration.IsExpired(now)
}

func (e Entry) Remaining(now time.Time) time.Duration {
	return e.Expiration.RemainingUntil(now)
}

type EventKind string

const (
	EventConsumed EventKind = "consumed"
	EventRejected EventKind = "rejected"
	EventReset    EventKind = "reset"
	EventCleared  EventKind = "cleared"
	EventExpired  EventKind = "expired"
	EventReady    EventKind = "ready"
)

type Event struct {
	Timestamp time.Time
	Kind      EventKind
	Actor     string
	Action    string
	Duration  time.Duration
	Until     time.Time
	Count     int
}

// MarshalJSON writes Duration in milliseconds and leaves out an unset Until.
func (e Event) MarshalJSON() ([]byte, error) {
	out := struct {
		Timestamp  time.Time  `json:"timestamp"`
		Kind       EventKind  `json:"kind"`
		Actor      string     `json:"actor"`
		Action     string     `json:"action,omitempty"`
		DurationMS int64      `json:"duration_ms,omitempty"`
		Until      *time.Time `json:"until,omitempty"`
		Count      int        `json:"count,omitempty"`
	}{
		Timestamp:  e.Timestamp,
		Kind:       e.Kind,
		Actor:      e.Actor,
		Action:     e.Action,
		DurationMS: e.Duration.Milliseconds(),
		Count:      e.Count,
	}
	if !e.Until.IsZero() {
		until := e.Until
		out.Until = &until
	}
	return json.Marshal(out)
}
