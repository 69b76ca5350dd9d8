package dedup_test

import (
	"fmt"
	"math/rand"
	"testing"

	"lingochat/internal/dedup"
	"lingochat/internal/models"
)

func msg(seq int) models.Message {
	return models.Message{ID: fmt.Sprintf("m%d", seq), Seq: int64(seq)}
}

func TestPrimeDropsMessageAlreadyInPage(t *testing.T) {
	var w dedup.Watermark
	w.Prime([]models.Message{msg(1), msg(2), msg(3)})

	if got := w.Admit(msg(3)); got != dedup.Drop {
		t.Fatalf("expected drop for primed message, got %s", got)
	}
	if got := w.Admit(msg(4)); got != dedup.Render {
		t.Fatalf("expected render for new message, got %s", got)
	}
	if got := w.Admit(msg(4)); got != dedup.Drop {
		t.Fatalf("expected drop for repeated message, got %s", got)
	}
	if w.Last() != "m4" {
		t.Fatalf("unexpected watermark: %s", w.Last())
	}
}

func TestEmptyWatermarkAdmitsFirstMessage(t *testing.T) {
	var w dedup.Watermark
	w.Prime(nil)
	if got := w.Admit(msg(1)); got != dedup.Render {
		t.Fatalf("expected render, got %s", got)
	}
	w.Reset()
	if w.Last() != "" {
		t.Fatalf("expected empty watermark after reset, got %s", w.Last())
	}
}

func TestSystemMessagesShareTheGate(t *testing.T) {
	var w dedup.Watermark
	sys := models.Message{ID: "s1", Seq: 5, Kind: models.MessageSystem}
	if w.Admit(sys) != dedup.Render {
		t.Fatal("expected system message to render")
	}
	if w.Admit(sys) != dedup.Drop {
		t.Fatal("expected repeated system message to drop")
	}
}

// Pages and tail events overlap arbitrarily; every id renders once and the rendered
// tail stays in ascending log order.
func TestOverlappingPageAndTailRenderEachOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		total := 1 + rng.Intn(40)
		pageEnd := rng.Intn(total + 1)

		page := make([]models.Message, 0, pageEnd)
		for i := 1; i <= pageEnd; i++ {
			page = append(page, msg(i))
		}

		// The tail replays from somewhere inside the page, repeating entries.
		var tail []models.Message
		start := 1 + rng.Intn(pageEnd+1)
		for i := start; i <= total; i++ {
			tail = append(tail, msg(i))
			if rng.Intn(3) == 0 {
				tail = append(tail, msg(i))
			}
		}

		var w dedup.Watermark
		w.Prime(page)
		rendered := map[string]int{}
		order := make([]int64, 0, total)
		for _, m := range page {
			rendered[m.ID]++
			order = append(order, m.Seq)
		}
		for _, m := range tail {
			if w.Admit(m) == dedup.Render {
				rendered[m.ID]++
				order = append(order, m.Seq)
			}
		}

		for id, n := range rendered {
			if n != 1 {
				t.Fatalf("round %d: %s rendered %d times", round, id, n)
			}
		}
		for i := 1; i < len(order); i++ {
			if order[i] <= order[i-1] {
				t.Fatalf("round %d: out of order: %v", round, order)
			}
		}
		if len(order) != total {
			t.Fatalf("round %d: rendered %d of %d", round, len(order), total)
		}
	}
}
