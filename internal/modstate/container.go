// Package modstate defines the per-module state envelope: the settings
// history, generated results and free-form auxiliary fields. Containers are
// values; every mutation returns a new Container and leaves the receiver
// intact, so a container handed to the autosave coordinator never changes
// underneath it.
package modstate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/atelier/internal/history"
)

var ErrInvalidSettings = errors.New("settings snapshot must be a JSON value")

// Settings is one opaque settings snapshot. The core never looks inside it.
type Settings []byte

// ParseSettings validates raw as JSON and returns a private copy.
func ParseSettings(raw []byte) (Settings, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !json.Valid(raw) {
		return nil, ErrInvalidSettings
	}
	return Settings(bytes.Clone(raw)), nil
}

func (s Settings) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return s, nil
}

func (s *Settings) UnmarshalJSON(data []byte) error {
	*s = bytes.Clone(data)
	return nil
}

// Equal reports byte-level equality after whitespace compaction.
func (s Settings) Equal(o Settings) bool {
	var a, b bytes.Buffer
	if json.Compact(&a, s) != nil || json.Compact(&b, o) != nil {
		return bytes.Equal(s, o)
	}
	return bytes.Equal(a.Bytes(), b.Bytes())
}

// Container is the unit persisted per module key.
type Container struct {
	ModuleID  string
	History   history.Stack[Settings]
	Results   Results
	Auxiliary map[string]json.RawMessage
	UpdatedAt time.Time

	repaired bool
}

// New returns an empty container: no settings, no results.
func New(moduleID string) Container {
	return Container{ModuleID: moduleID}
}

// CurrentSettings returns the snapshot under the history cursor.
func (c Container) CurrentSettings() (Settings, bool) {
	if c.History.Empty() {
		return nil, false
	}
	return c.History.Current(), true
}

func (c Container) PushSettings(s Settings) Container {
	c.History = c.History.Push(s)
	return c
}

func (c Container) Undo() Container {
	c.History = c.History.Undo()
	return c
}

func (c Container) Redo() Container {
	c.History = c.History.Redo()
	return c
}

// WithResultRecord appends r to the collection matching its shape,
// preserving insertion order.
func (c Container) WithResultRecord(r Result) Container {
	c.Results = c.Results.with(r)
	return c
}

// WithoutResultRecord removes every result whose RecordID equals id.
func (c Container) WithoutResultRecord(id string) (Container, bool) {
	var n int
	c.Results, n = c.Results.without(id)
	return c, n > 0
}

func (c Container) WithAuxiliary(key string, value json.RawMessage) Container {
	aux := make(map[string]json.RawMessage, len(c.Auxiliary)+1)
	for k, v := range c.Auxiliary {
		aux[k] = v
	}
	if value == nil {
		delete(aux, key)
	} else {
		aux[key] = bytes.Clone(value)
	}
	c.Auxiliary = aux
	return c
}

// Reset returns the container to its pre-first-mutation state.
func (c Container) Reset() Container {
	return Container{ModuleID: c.ModuleID}
}

// Repaired reports whether decoding had to clamp an out of range history
// index.
func (c Container) Repaired() bool { return c.repaired }

type containerWire struct {
	ModuleID        string                     `json:"moduleId"`
	SettingsHistory []Settings                 `json:"settingsHistory"`
	HistoryIndex    int                        `json:"historyIndex"`
	Results
	Auxiliary map[string]json.RawMessage `json:"auxiliary,omitempty"`
	UpdatedAt time.Time                  `json:"updatedAt"`
}

func (c Container) MarshalJSON() ([]byte, error) {
	snaps := c.History.Snapshots()
	return json.Marshal(containerWire{
		ModuleID:        c.ModuleID,
		SettingsHistory: snaps,
		HistoryIndex:    c.History.Index(),
		Results:         c.Results,
		Auxiliary:       c.Auxiliary,
		UpdatedAt:       c.UpdatedAt,
	})
}

func (c *Container) UnmarshalJSON(data []byte) error {
	var w containerWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode module container: %w", err)
	}
	stack, clamped := history.Restore(w.SettingsHistory, w.HistoryIndex)
	*c = Container{
		ModuleID:  w.ModuleID,
		History:   stack,
		Results:   w.Results,
		Auxiliary: w.Auxiliary,
		UpdatedAt: w.UpdatedAt,
		repaired:  clamped,
	}
	return nil
}
