package modstate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/atelier/internal/history"
)

func mustSettings(t *testing.T, raw string) Settings {
	t.Helper()
	s, err := ParseSettings([]byte(raw))
	require.NoError(t, err)
	return s
}

var containerCmp = []cmp.Option{
	cmp.AllowUnexported(Container{}, history.Stack[Settings]{}),
	cmpopts.EquateEmpty(),
}

func TestParseSettingsRejectsInvalidJSON(t *testing.T) {
	for _, raw := range []string{"", "   ", "{", "nope"} {
		_, err := ParseSettings([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidSettings, "input %q", raw)
	}
}

func TestContainerSettingsNavigation(t *testing.T) {
	c := New("alpha")
	_, ok := c.CurrentSettings()
	require.False(t, ok)

	c = c.PushSettings(mustSettings(t, `{"step":"A"}`)).
		PushSettings(mustSettings(t, `{"step":"B"}`))
	cur, ok := c.CurrentSettings()
	require.True(t, ok)
	assert.JSONEq(t, `{"step":"B"}`, string(cur))

	undone := c.Undo()
	cur, _ = undone.CurrentSettings()
	assert.JSONEq(t, `{"step":"A"}`, string(cur))

	cur, _ = c.CurrentSettings()
	assert.JSONEq(t, `{"step":"B"}`, string(cur), "receiver is unchanged by Undo")

	cur, _ = undone.Redo().CurrentSettings()
	assert.JSONEq(t, `{"step":"B"}`, string(cur))
}

func TestPushSettingsKeepsIdenticalSnapshots(t *testing.T) {
	first := mustSettings(t, `{"step": "A"}`)
	again := mustSettings(t, `{"step":"A"}`)
	require.True(t, first.Equal(again), "whitespace does not matter")
	assert.False(t, first.Equal(mustSettings(t, `{"step":"B"}`)))

	c := New("alpha").PushSettings(first).PushSettings(again)
	require.Equal(t, 2, c.History.Len(), "equal snapshots are both recorded")
	snaps := c.History.Snapshots()
	assert.True(t, snaps[0].Equal(snaps[1]))
	assert.True(t, c.History.CanUndo())
}

func TestWithResultRecordPreservesOrderPerShape(t *testing.T) {
	c := New("photoshoot").
		WithResultRecord(Record{ID: "r1", Kind: KindImage, Artifact: "blob:1", Timestamp: 10}).
		WithResultRecord(GalleryEntry{URL: "https://x/1.png", Timestamp: 20}).
		WithResultRecord(Record{ID: "r2", Kind: KindVideo, Artifact: "blob:2", Timestamp: 5}).
		WithResultRecord(AudioEntry{ID: 30, DataURL: "data:audio/wav;base64,AA=="})

	require.Len(t, c.Results.Records, 2)
	assert.Equal(t, "r1", c.Results.Records[0].ID)
	assert.Equal(t, "r2", c.Results.Records[1].ID)
	assert.Len(t, c.Results.Gallery, 1)
	assert.Len(t, c.Results.Audio, 1)
	assert.Equal(t, 4, c.Results.Len())
}

func TestWithResultRecordDoesNotAliasReceiver(t *testing.T) {
	base := New("m").WithResultRecord(ImageEntry{ID: 1, Image: "a"})
	next := base.WithResultRecord(ImageEntry{ID: 2, Image: "b"})
	other := base.WithResultRecord(ImageEntry{ID: 3, Image: "c"})

	assert.Len(t, base.Results.Images, 1)
	require.Len(t, next.Results.Images, 2)
	require.Len(t, other.Results.Images, 2)
	assert.Equal(t, int64(2), next.Results.Images[1].ID)
	assert.Equal(t, int64(3), other.Results.Images[1].ID)
}

func TestWithoutResultRecord(t *testing.T) {
	c := New("m").
		WithResultRecord(VideoEntry{ID: 100, URL: "v1"}).
		WithResultRecord(VideoEntry{ID: 200, URL: "v2"}).
		WithResultRecord(Record{ID: "keep", Kind: KindAudio, Artifact: "a", Timestamp: 1})

	out, removed := c.WithoutResultRecord("100")
	require.True(t, removed)
	require.Len(t, out.Results.Videos, 1)
	assert.Equal(t, "v2", out.Results.Videos[0].URL)
	assert.Len(t, c.Results.Videos, 2, "receiver keeps the removed record")

	_, removed = out.WithoutResultRecord("missing")
	assert.False(t, removed)
}

func TestWithAuxiliary(t *testing.T) {
	c := New("m").WithAuxiliary("lastText", json.RawMessage(`"hello"`))
	d := c.WithAuxiliary("lastText", nil)

	assert.JSONEq(t, `"hello"`, string(c.Auxiliary["lastText"]))
	_, ok := d.Auxiliary["lastText"]
	assert.False(t, ok)
}

func TestResetKeepsModuleID(t *testing.T) {
	c := New("m").
		PushSettings(mustSettings(t, `1`)).
		WithResultRecord(ImageEntry{ID: 1, Image: "x"}).
		Reset()
	assert.Equal(t, "m", c.ModuleID)
	assert.True(t, c.History.Empty())
	assert.Zero(t, c.Results.Len())
}

func TestContainerJSONRoundTrip(t *testing.T) {
	c := New("alpha").
		PushSettings(mustSettings(t, `{"pose":"standing","tags":["a","b"]}`)).
		PushSettings(mustSettings(t, `{"pose":"sitting"}`)).
		Undo().
		WithResultRecord(Record{ID: "r1", Kind: KindImage, Artifact: "https://cdn/1.png", Timestamp: 100}).
		WithResultRecord(GalleryEntry{URL: "https://cdn/2.png", Timestamp: 200}).
		WithResultRecord(ImageEntry{ID: 300, Image: "data:image/png;base64,AA=="}).
		WithResultRecord(VideoEntry{ID: 400, URL: "https://cdn/v.mp4"}).
		WithResultRecord(AudioEntry{ID: 500, DataURL: "data:audio/mp3;base64,AA=="}).
		WithAuxiliary("lastOutput", json.RawMessage(`{"text":"ok"}`))
	c.UpdatedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	raw, err := json.Marshal(c)
	require.NoError(t, err)

	var got Container
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.False(t, got.Repaired())
	if diff := cmp.Diff(c, got, containerCmp...); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalClampsMalformedIndex(t *testing.T) {
	raw := []byte(`{"moduleId":"m","settingsHistory":[{"v":1},{"v":2}],"historyIndex":7}`)
	var c Container
	require.NoError(t, json.Unmarshal(raw, &c))
	assert.True(t, c.Repaired())
	assert.Equal(t, 1, c.History.Index())
	cur, ok := c.CurrentSettings()
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(cur))
}

func TestUnmarshalWireNames(t *testing.T) {
	raw := []byte(`{
		"moduleId": "voice",
		"settingsHistory": [{"voice":"warm"}],
		"historyIndex": 0,
		"audio": [{"id": 42, "dataUrl": "data:audio/wav;base64,AA=="}],
		"images": [{"id": 41, "image": "blob:img"}],
		"gallery": [{"url": "https://g/1", "timestamp": 40}]
	}`)
	var c Container
	require.NoError(t, json.Unmarshal(raw, &c))
	require.Len(t, c.Results.Audio, 1)
	assert.Equal(t, int64(42), c.Results.Audio[0].ID)
	assert.Equal(t, "blob:img", c.Results.Images[0].Image)
	assert.Equal(t, int64(40), c.Results.Gallery[0].Timestamp)
}
