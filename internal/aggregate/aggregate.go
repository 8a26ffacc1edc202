// Package aggregate projects the result collections of every module into a
// single feed ordered newest first. It is a pure read-side view: nothing is
// cached and no container is modified.
package aggregate

import (
	"sort"
	"strings"

	"github.com/ent0n29/atelier/internal/modstate"
)

// Item is one normalized result.
type Item struct {
	ID          string        `json:"id"`
	Kind        modstate.Kind `json:"kind"`
	ArtifactRef string        `json:"artifact_ref"`
	Timestamp   int64         `json:"timestamp"`
	ModuleID    string        `json:"module_id"`
}

// Aggregate collects every result of every container and orders them by
// descending timestamp. Modules are visited in ascending id order and equal
// timestamps keep that encounter order.
func Aggregate(containers map[string]modstate.Container) []Item {
	ids := make([]string, 0, len(containers))
	total := 0
	for id, c := range containers {
		ids = append(ids, id)
		total += c.Results.Len()
	}
	sort.Strings(ids)

	items := make([]Item, 0, total)
	for _, id := range ids {
		items = appendContainer(items, id, containers[id])
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp > items[j].Timestamp
	})
	return items
}

func appendContainer(items []Item, moduleID string, c modstate.Container) []Item {
	r := c.Results
	for _, rec := range r.Records {
		items = append(items, Item{
			ID:          rec.RecordID(),
			Kind:        recordKind(rec.Kind),
			ArtifactRef: rec.Artifact,
			Timestamp:   rec.Stamp(),
			ModuleID:    moduleID,
		})
	}
	for _, g := range r.Gallery {
		items = append(items, Item{
			ID:          g.RecordID(),
			Kind:        modstate.KindImage,
			ArtifactRef: g.URL,
			Timestamp:   g.Stamp(),
			ModuleID:    moduleID,
		})
	}
	for _, img := range r.Images {
		items = append(items, Item{
			ID:          img.RecordID(),
			Kind:        modstate.KindImage,
			ArtifactRef: img.Image,
			Timestamp:   img.Stamp(),
			ModuleID:    moduleID,
		})
	}
	for _, v := range r.Videos {
		items = append(items, Item{
			ID:          v.RecordID(),
			Kind:        modstate.KindVideo,
			ArtifactRef: v.URL,
			Timestamp:   v.Stamp(),
			ModuleID:    moduleID,
		})
	}
	for _, a := range r.Audio {
		items = append(items, Item{
			ID:          a.RecordID(),
			Kind:        modstate.KindAudio,
			ArtifactRef: a.DataURL,
			Timestamp:   a.Stamp(),
			ModuleID:    moduleID,
		})
	}
	return items
}

// Generic records without a recognizable kind are shown as images, which is
// what every module produced before kinds were recorded.
func recordKind(k modstate.Kind) modstate.Kind {
	if k.Valid() {
		return k
	}
	return modstate.KindImage
}

// Query narrows an aggregated feed. Zero fields match everything.
type Query struct {
	Kind     modstate.Kind
	ModuleID string
	Limit    int
}

// Filter returns the items matching q, keeping their order.
func Filter(items []Item, q Query) []Item {
	moduleID := strings.TrimSpace(q.ModuleID)
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if q.Kind != "" && it.Kind != q.Kind {
			continue
		}
		if moduleID != "" && it.ModuleID != moduleID {
			continue
		}
		out = append(out, it)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}
