package main

import (
	"fmt"
	"testing"

	"describify/internal/workspace"
)

func TestDescribeQueueIsPathOrdered(t *testing.T) {
	ws := workspace.New()
	// insertion order reversed; map iteration order is arbitrary anyway
	for i := 19; i >= 0; i-- {
		ws.AddItem(fmt.Sprintf("/in/%02d.jpg", i), workspace.KindSourceImage)
	}
	ws.Items["/in/05.jpg"].State = workspace.StateCompleted
	ws.Items["/in/11.jpg"].State = workspace.StateFailed

	got := describeQueue(ws)
	if len(got) != 18 {
		t.Fatalf("queue length %d, want 18", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Path >= got[i].Path {
			t.Fatalf("queue not in path order: %s before %s", got[i-1].Path, got[i].Path)
		}
	}
	for _, it := range got {
		if it.Path == "/in/05.jpg" || it.Path == "/in/11.jpg" {
			t.Fatalf("terminal item enqueued: %s", it.Path)
		}
	}
}
