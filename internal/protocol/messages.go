package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ent0n29/atelier/internal/autosave"
	"github.com/ent0n29/atelier/internal/modstate"
)

// Shape identifies which result collection a payload belongs to.
type Shape string

const (
	ShapeRecord  Shape = "record"
	ShapeGallery Shape = "gallery"
	ShapeImage   Shape = "image"
	ShapeVideo   Shape = "video"
	ShapeAudio   Shape = "audio"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSaveStatus MessageType = "save_status"
	TypeErrorEvent MessageType = "error_event"
)

var ErrUnsupportedShape = errors.New("unsupported result shape")

type Envelope struct {
	Shape Shape `json:"shape"`
}

type recordPayload struct {
	ID        string        `json:"id"`
	Kind      modstate.Kind `json:"kind"`
	Artifact  string        `json:"artifact"`
	Timestamp int64         `json:"timestamp"`
}

type galleryPayload struct {
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}

type imagePayload struct {
	ID    int64  `json:"id"`
	Image string `json:"image"`
}

type videoPayload struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

type audioPayload struct {
	ID      int64  `json:"id"`
	DataURL string `json:"dataUrl"`
}

// ParseResult decodes a result posted by a client. Every shape must carry
// its sort key. A record without an id is given a fresh one.
func ParseResult(raw []byte) (modstate.Result, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Shape {
	case ShapeRecord:
		var msg recordPayload
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Artifact) == "" {
			return nil, errors.New("invalid record: artifact is required")
		}
		if msg.Timestamp <= 0 {
			return nil, errors.New("invalid record: timestamp must be positive")
		}
		if msg.Kind != "" && !msg.Kind.Valid() {
			return nil, fmt.Errorf("invalid record: unknown kind %q", msg.Kind)
		}
		if strings.TrimSpace(msg.ID) == "" {
			msg.ID = uuid.NewString()
		}
		return modstate.Record{ID: msg.ID, Kind: msg.Kind, Artifact: msg.Artifact, Timestamp: msg.Timestamp}, nil
	case ShapeGallery:
		var msg galleryPayload
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.URL == "" || msg.Timestamp <= 0 {
			return nil, errors.New("invalid gallery entry")
		}
		return modstate.GalleryEntry{URL: msg.URL, Timestamp: msg.Timestamp}, nil
	case ShapeImage:
		var msg imagePayload
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ID <= 0 || msg.Image == "" {
			return nil, errors.New("invalid image entry")
		}
		return modstate.ImageEntry{ID: msg.ID, Image: msg.Image}, nil
	case ShapeVideo:
		var msg videoPayload
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ID <= 0 || msg.URL == "" {
			return nil, errors.New("invalid video entry")
		}
		return modstate.VideoEntry{ID: msg.ID, URL: msg.URL}, nil
	case ShapeAudio:
		var msg audioPayload
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ID <= 0 || !strings.HasPrefix(msg.DataURL, "data:") {
			return nil, errors.New("invalid audio entry")
		}
		return modstate.AudioEntry{ID: msg.ID, DataURL: msg.DataURL}, nil
	default:
		return nil, ErrUnsupportedShape
	}
}

// SaveStatusEvent is pushed to websocket subscribers on every save state
// change.
type SaveStatusEvent struct {
	Type MessageType `json:"type"`
	autosave.Status
	StoreMode string `json:"store_mode"`
	Degraded  bool   `json:"degraded"`
}

func NewSaveStatusEvent(st autosave.Status, storeMode string, degraded bool) SaveStatusEvent {
	return SaveStatusEvent{Type: TypeSaveStatus, Status: st, StoreMode: storeMode, Degraded: degraded}
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func NewErrorEvent(code, detail string) ErrorEvent {
	return ErrorEvent{Type: TypeErrorEvent, Code: code, Detail: detail}
}
