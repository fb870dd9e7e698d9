package scene

import (
	"encoding/json"
	"fmt"

	"github.com/radpeer/radpeer/annotation"
)

// sceneState is the serialized form of the annotation scene. Order preserves
// insertion sequence so rendering and snapshots are deterministic.
type sceneState struct {
	Order   []string                         `json:"order"`
	Objects map[string]annotation.Annotation `json:"objects"`
}

// history is a linear sequence of full-scene snapshots. The current index
// always points at the snapshot matching the rendered state; committing a new
// snapshot truncates any redo tail, so the sequence never branches.
//
// Full JSON snapshots are deliberate: annotation counts are bounded and a
// whole-state capture keeps undo/redo trivially correct. Inverse-operation
// undo would only pay off at much larger object counts.
type history struct {
	snapshots [][]byte
	current   int
}

func newHistory(initial sceneState) (*history, error) {
	snap, err := json.Marshal(initial)
	if err != nil {
		return nil, fmt.Errorf("failed to capture initial snapshot: %w", err)
	}
	return &history{snapshots: [][]byte{snap}, current: 0}, nil
}

// push captures state as a new snapshot after the current index, discarding
// any redo entries beyond it.
func (h *history) push(state sceneState) error {
	snap, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to capture snapshot: %w", err)
	}
	h.snapshots = append(h.snapshots[:h.current+1], snap)
	h.current = len(h.snapshots) - 1
	return nil
}

// undo steps the cursor back and returns that snapshot's state.
// Returns false at the beginning of history.
func (h *history) undo() (sceneState, bool) {
	if h.current == 0 {
		return sceneState{}, false
	}
	h.current--
	return h.restore()
}

// redo steps the cursor forward and returns that snapshot's state.
// Returns false at the end of history.
func (h *history) redo() (sceneState, bool) {
	if h.current >= len(h.snapshots)-1 {
		return sceneState{}, false
	}
	h.current++
	return h.restore()
}

func (h *history) restore() (sceneState, bool) {
	var state sceneState
	if err := json.Unmarshal(h.snapshots[h.current], &state); err != nil {
		// Snapshots are produced by push; a decode failure means corruption.
		return sceneState{}, false
	}
	if state.Objects == nil {
		state.Objects = make(map[string]annotation.Annotation)
	}
	return state, true
}

// size returns the number of snapshots retained
func (h *history) size() int {
	return len(h.snapshots)
}
