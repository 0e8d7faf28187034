package store

import (
	"encoding/json"
	"testing"
	"time"

	"concord/engine/internal/engine"
)

func TestDecodeContentTextual(t *testing.T) {
	raw, _ := json.Marshal([]string{"hello", "world"})
	content, err := decodeContent(engine.KindText, raw)
	if err != nil {
		t.Fatalf("decodeContent: %v", err)
	}
	lines, ok := content.([]string)
	if !ok || len(lines) != 2 || lines[0] != "hello" {
		t.Fatalf("got %#v", content)
	}
}

func TestDecodeContentStructured(t *testing.T) {
	content, err := decodeContent(engine.KindJSON, []byte(`{"title":"x","children":[1,2]}`))
	if err != nil {
		t.Fatalf("decodeContent: %v", err)
	}
	tree, ok := content.(map[string]any)
	if !ok || tree["title"] != "x" {
		t.Fatalf("got %#v", content)
	}
}

func TestDecodeContentEmptyDefaults(t *testing.T) {
	text, err := decodeContent(engine.KindCode, nil)
	if err != nil {
		t.Fatalf("decodeContent code: %v", err)
	}
	if lines, ok := text.([]string); !ok || len(lines) != 1 {
		t.Fatalf("empty code content = %#v", text)
	}

	tree, err := decodeContent(engine.KindDesign, nil)
	if err != nil {
		t.Fatalf("decodeContent design: %v", err)
	}
	if _, ok := tree.(map[string]any); !ok {
		t.Fatalf("empty design content = %#v", tree)
	}
}

func TestCommentRecordRoundTrip(t *testing.T) {
	original := engine.Comment{
		ID:      "cmt_1",
		UserID:  "alice",
		Content: "needs a citation",
		Thread: []engine.Comment{
			{ID: "cmt_2", UserID: "bob", Content: "agreed"},
		},
		Reactions: []engine.Reaction{
			{UserID: "bob", Emoji: "👍", At: time.Now().UTC()},
		},
		Resolved: true,
	}

	position, _ := json.Marshal(original.Position)
	thread, _ := json.Marshal(original.Thread)
	reactions, _ := json.Marshal(original.Reactions)
	rec := CommentRecord{
		ID:        original.ID,
		UserID:    original.UserID,
		Content:   original.Content,
		Position:  position,
		Thread:    thread,
		Reactions: reactions,
		Resolved:  original.Resolved,
	}

	got, err := rec.toComment()
	if err != nil {
		t.Fatalf("toComment: %v", err)
	}
	if got.ID != "cmt_1" || !got.Resolved {
		t.Fatalf("header fields lost: %+v", got)
	}
	if len(got.Thread) != 1 || got.Thread[0].ID != "cmt_2" {
		t.Fatalf("thread lost: %+v", got.Thread)
	}
	if len(got.Reactions) != 1 || got.Reactions[0].Emoji != "👍" {
		t.Fatalf("reactions lost: %+v", got.Reactions)
	}
}
