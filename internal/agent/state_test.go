package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
)

func TestSQLiteStateStore(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	classic := shadow.Classic("lamp1")
	named := shadow.Named("lamp1", "config")

	err := store.Merge(ctx, classic, State{
		"on":    true,
		"level": 40,
		"color": map[string]any{"r": 255, "g": 0},
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if err := store.Merge(ctx, named, State{"mode": "eco"}); err != nil {
		t.Fatalf("Merge(named) error = %v", err)
	}

	// Later merges overwrite and delete individual keys.
	if err := store.Merge(ctx, classic, State{"level": 80, "on": nil}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	state, err := store.Load(ctx, classic)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(state) != 2 {
		t.Errorf("state = %v, want level and color", state)
	}
	if state["level"] != int64(80) {
		t.Errorf("level = %v, want 80", state["level"])
	}
	color, ok := state["color"].(map[string]any)
	if !ok || color["r"] != int64(255) {
		t.Errorf("color = %v, want nested object", state["color"])
	}

	namedState, err := store.Load(ctx, named)
	if err != nil {
		t.Fatalf("Load(named) error = %v", err)
	}
	if len(namedState) != 1 || namedState["mode"] != "eco" {
		t.Errorf("named state = %v, want only mode", namedState)
	}
}

func TestSQLiteStateStore_EmptyKeyRollsBack(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := shadow.Classic("lamp1")

	err := store.Merge(ctx, id, State{"": 1, "on": true})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Merge() error = %v, want ErrInvalidState", err)
	}

	state, err := store.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(state) != 0 {
		t.Errorf("state = %v, want nothing written", state)
	}
}

func TestSQLiteStateStore_Unencodable(t *testing.T) {
	store := openTestStore(t)

	err := store.Merge(context.Background(), shadow.Classic("lamp1"), State{"ch": make(chan int)})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Merge() error = %v, want ErrInvalidState", err)
	}
}

func TestAcceptAll(t *testing.T) {
	desired := State{"on": true}
	applied, err := AcceptAll.Apply(context.Background(), shadow.Classic("lamp1"), desired)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	applied["on"] = false
	if desired["on"] != true {
		t.Error("AcceptAll returned the caller's map instead of a copy")
	}
}
