package modstate

import "strconv"

// Kind classifies a generated artifact.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

func (k Kind) Valid() bool {
	switch k {
	case KindImage, KindVideo, KindAudio:
		return true
	default:
		return false
	}
}

// Result is one of the closed set of result shapes a module can produce:
// Record, GalleryEntry, ImageEntry, VideoEntry or AudioEntry.
type Result interface {
	// RecordID is the key used to remove the result from its container.
	RecordID() string
	// Stamp is the sort key used by the aggregated feed.
	Stamp() int64
	isResult()
}

// Record is the generic result shape: explicit id, kind and artifact.
type Record struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Artifact  string `json:"artifact"`
	Timestamp int64  `json:"timestamp"`
}

// GalleryEntry is an image URL paired with its creation time. It has no id
// of its own, so the timestamp doubles as one.
type GalleryEntry struct {
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}

// ImageEntry is an image whose id is its creation timestamp.
type ImageEntry struct {
	ID    int64  `json:"id"`
	Image string `json:"image"`
}

// VideoEntry is a generated clip whose id is its creation timestamp.
type VideoEntry struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

// AudioEntry is generated speech stored as a data URL; id is its timestamp.
type AudioEntry struct {
	ID      int64  `json:"id"`
	DataURL string `json:"dataUrl"`
}

func (r Record) RecordID() string       { return r.ID }
func (r GalleryEntry) RecordID() string { return strconv.FormatInt(r.Timestamp, 10) }
func (r ImageEntry) RecordID() string   { return strconv.FormatInt(r.ID, 10) }
func (r VideoEntry) RecordID() string   { return strconv.FormatInt(r.ID, 10) }
func (r AudioEntry) RecordID() string   { return strconv.FormatInt(r.ID, 10) }

func (r Record) Stamp() int64       { return r.Timestamp }
func (r GalleryEntry) Stamp() int64 { return r.Timestamp }
func (r ImageEntry) Stamp() int64   { return r.ID }
func (r VideoEntry) Stamp() int64   { return r.ID }
func (r AudioEntry) Stamp() int64   { return r.ID }

func (Record) isResult()       {}
func (GalleryEntry) isResult() {}
func (ImageEntry) isResult()   {}
func (VideoEntry) isResult()   {}
func (AudioEntry) isResult()   {}

// Results groups every result collection a container can carry. A module
// normally fills only one of them.
type Results struct {
	Records []Record       `json:"resultRecords,omitempty"`
	Gallery []GalleryEntry `json:"gallery,omitempty"`
	Images  []ImageEntry   `json:"images,omitempty"`
	Videos  []VideoEntry   `json:"videos,omitempty"`
	Audio   []AudioEntry   `json:"audio,omitempty"`
}

func (r Results) Len() int {
	return len(r.Records) + len(r.Gallery) + len(r.Images) + len(r.Videos) + len(r.Audio)
}

func (r Results) with(res Result) Results {
	switch v := res.(type) {
	case Record:
		r.Records = appendCopy(r.Records, v)
	case GalleryEntry:
		r.Gallery = appendCopy(r.Gallery, v)
	case ImageEntry:
		r.Images = appendCopy(r.Images, v)
	case VideoEntry:
		r.Videos = appendCopy(r.Videos, v)
	case AudioEntry:
		r.Audio = appendCopy(r.Audio, v)
	}
	return r
}

func (r Results) without(id string) (Results, int) {
	var removed, n int
	r.Records, n = removeByID(r.Records, id)
	removed += n
	r.Gallery, n = removeByID(r.Gallery, id)
	removed += n
	r.Images, n = removeByID(r.Images, id)
	removed += n
	r.Videos, n = removeByID(r.Videos, id)
	removed += n
	r.Audio, n = removeByID(r.Audio, id)
	removed += n
	return r, removed
}

func appendCopy[T any](in []T, v T) []T {
	out := make([]T, len(in), len(in)+1)
	copy(out, in)
	return append(out, v)
}

// removeByID returns the input slice untouched when nothing matches.
func removeByID[T Result](in []T, id string) ([]T, int) {
	hits := 0
	for _, v := range in {
		if v.RecordID() == id {
			hits++
		}
	}
	if hits == 0 {
		return in, 0
	}
	out := make([]T, 0, len(in)-hits)
	for _, v := range in {
		if v.RecordID() != id {
			out = append(out, v)
		}
	}
	return out, hits
}
