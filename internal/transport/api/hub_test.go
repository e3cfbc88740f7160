package api

import (
	"io"
	"log"
	"testing"
	"time"

	"hexhive.ai/internal/hive"
)

func TestHub_StalledSubscriberNeverBlocksBroadcast(t *testing.T) {
	h := NewHub(log.New(io.Discard, "", 0))
	ch := h.add()
	defer h.remove(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			h.ConsensusReached(hive.ConsensusEvent{ChamberID: int64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked on a subscriber that never drains")
	}
	if got := len(ch); got != cap(ch) {
		t.Fatalf("stalled subscriber holds %d frames, want full buffer of %d", got, cap(ch))
	}
}
