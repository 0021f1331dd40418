package workspace

import (
	"sort"
	"time"
)

// ItemKind distinguishes user-supplied images from frames the pipeline
// extracted out of a video.
type ItemKind string

const (
	KindSourceImage    ItemKind = "source_image"
	KindExtractedFrame ItemKind = "extracted_frame"
)

// ItemState is the per-item processing state. Transitions happen only inside
// the dispatcher; every other component treats it as read-only.
type ItemState string

const (
	StateNone       ItemState = "none"
	StatePending    ItemState = "pending"
	StateProcessing ItemState = "processing"
	StateCompleted  ItemState = "completed"
	StateFailed     ItemState = "failed"
	StatePaused     ItemState = "paused"
)

// TokenUsage is the normalized token accounting for one provider call.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Description is one AI-generated result. Immutable once created; regenerate
// always appends a new one.
type Description struct {
	Text         string      `json:"text"`
	Provider     string      `json:"provider"`
	Model        string      `json:"model"`
	PromptStyle  string      `json:"prompt_style"`
	CustomPrompt string      `json:"custom_prompt,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Item is one unit of work, keyed by its absolute path.
type Item struct {
	Path          string        `json:"path"`
	Kind          ItemKind      `json:"kind"`
	State         ItemState     `json:"state"`
	QueuePosition *int          `json:"queue_position,omitempty"`
	Descriptions  []Description `json:"descriptions,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// Latest returns the newest description, which is authoritative for display.
func (it *Item) Latest() *Description {
	if it == nil || len(it.Descriptions) == 0 {
		return nil
	}
	return &it.Descriptions[len(it.Descriptions)-1]
}

// BatchState exists at most once per workspace while a batch is live or
// paused. It survives pause so a restart can offer resumption.
type BatchState struct {
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	PromptStyle  string    `json:"prompt_style"`
	CustomPrompt string    `json:"custom_prompt,omitempty"`
	TotalQueued  int       `json:"total_queued"`
	StartedAt    time.Time `json:"started_at"`
}

// Provenance records where a workspace's media came from, and its lineage
// when it was derived from another run.
type Provenance struct {
	SourceDirs  []string  `json:"source_dirs,omitempty"`
	DerivedFrom string    `json:"derived_from,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Workspace is the aggregate persisted as one snapshot file. It is owned
// exclusively by the session that has it open.
type Workspace struct {
	Items      map[string]*Item `json:"items"`
	Batch      *BatchState      `json:"batch,omitempty"`
	Provenance Provenance       `json:"provenance"`
}

func New(sourceDirs ...string) *Workspace {
	now := time.Now().UTC()
	return &Workspace{
		Items: make(map[string]*Item),
		Provenance: Provenance{
			SourceDirs: sourceDirs,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}
}

// AddItem registers a new item in the none state. Existing items are kept
// as-is so re-scanning a source directory is idempotent.
func (w *Workspace) AddItem(path string, kind ItemKind) *Item {
	if it, ok := w.Items[path]; ok {
		return it
	}
	it := &Item{Path: path, Kind: kind, State: StateNone}
	w.Items[path] = it
	return it
}

// Queued returns items holding a queue position with the given states,
// in ascending queue position.
func (w *Workspace) Queued(states ...ItemState) []*Item {
	want := make(map[ItemState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	var out []*Item
	for _, it := range w.Items {
		if it.QueuePosition == nil {
			continue
		}
		if len(want) == 0 || want[it.State] {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return *out[i].QueuePosition < *out[j].QueuePosition
	})
	return out
}

// Counts tallies items per state.
func (w *Workspace) Counts() map[ItemState]int {
	out := make(map[ItemState]int)
	for _, it := range w.Items {
		out[it.State]++
	}
	return out
}

// Resumable reports whether a loaded workspace has an interrupted or paused
// batch the caller should be offered to resume.
func (w *Workspace) Resumable() bool {
	if w.Batch == nil {
		return false
	}
	for _, it := range w.Items {
		switch it.State {
		case StatePending, StatePaused, StateProcessing:
			return true
		}
	}
	return false
}

// RecoverInFlight downgrades items left in processing by an unclean shutdown
// back to pending. The work was not provably completed, so it re-runs.
func (w *Workspace) RecoverInFlight() int {
	n := 0
	for _, it := range w.Items {
		if it.State == StateProcessing {
			it.State = StatePending
			n++
		}
	}
	return n
}
