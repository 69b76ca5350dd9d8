package pagination

import (
	"math"
	"strings"
	"unicode/utf8"

	"lingochat/internal/models"
)

// Measurer estimates the rendered height of a message row in pixels.
type Measurer interface {
	Height(m models.Message) float64
}

// LineMeasurer estimates height from wrapped line count.
type LineMeasurer struct {
	LineHeight   float64
	Padding      float64
	CharsPerLine int
}

var DefaultMeasurer = LineMeasurer{LineHeight: 20, Padding: 16, CharsPerLine: 48}

func (lm LineMeasurer) Height(m models.Message) float64 {
	per := lm.CharsPerLine
	if per <= 0 {
		per = 1
	}
	lines := 0
	for _, para := range strings.Split(m.Text, "\n") {
		n := utf8.RuneCountInString(para)
		lines += max(1, int(math.Ceil(float64(n)/float64(per))))
	}
	return lm.Padding + float64(lines)*lm.LineHeight
}

// Viewport mirrors the rendered message list: row heights top to bottom and the
// scroll offset of the visible window.
type Viewport struct {
	measure   Measurer
	ids       []string
	heights   []float64
	scrollTop float64
	height    float64
}

func NewViewport(m Measurer) *Viewport {
	if m == nil {
		m = DefaultMeasurer
	}
	return &Viewport{measure: m}
}

// Reset replaces the rendered rows and scrolls to the bottom.
func (v *Viewport) Reset(msgs []models.Message) {
	v.ids = v.ids[:0]
	v.heights = v.heights[:0]
	v.Append(msgs)
	v.scrollTop = math.Max(0, v.ContentHeight()-v.height)
}

func (v *Viewport) Append(msgs []models.Message) {
	for _, m := range msgs {
		v.ids = append(v.ids, m.ID)
		v.heights = append(v.heights, v.measure.Height(m))
	}
}

// Prepend inserts msgs above the current rows and moves the scroll offset down by
// exactly their height, so whatever was on screen stays where it was. It returns the
// new scroll offset.
func (v *Viewport) Prepend(msgs []models.Message) float64 {
	ids := make([]string, 0, len(msgs)+len(v.ids))
	heights := make([]float64, 0, len(msgs)+len(v.heights))
	var delta float64
	for _, m := range msgs {
		h := v.measure.Height(m)
		ids = append(ids, m.ID)
		heights = append(heights, h)
		delta += h
	}
	v.ids = append(ids, v.ids...)
	v.heights = append(heights, v.heights...)
	v.scrollTop += delta
	return v.scrollTop
}

// SetHeight records a measured row height reported by the client. A change to a row
// above the viewport shifts the scroll offset by the same amount.
func (v *Viewport) SetHeight(id string, h float64) float64 {
	var top float64
	for i, rowID := range v.ids {
		if rowID == id {
			old := v.heights[i]
			v.heights[i] = h
			if top+old <= v.scrollTop {
				v.scrollTop += h - old
			}
			break
		}
		top += v.heights[i]
	}
	return v.scrollTop
}

// Scroll records the client's scroll offset and window height.
func (v *Viewport) Scroll(top, height float64) {
	v.scrollTop = math.Max(0, top)
	if height > 0 {
		v.height = height
	}
}

func (v *Viewport) ScrollTop() float64 { return v.scrollTop }

// NearTop reports whether the top sentinel is within threshold pixels of view.
func (v *Viewport) NearTop(threshold float64) bool {
	return v.scrollTop <= threshold
}

// Offset returns the distance from the viewport top to the top of row id.
func (v *Viewport) Offset(id string) (float64, bool) {
	var top float64
	for i, rowID := range v.ids {
		if rowID == id {
			return top - v.scrollTop, true
		}
		top += v.heights[i]
	}
	return 0, false
}

// TopVisible returns the first row whose bottom edge is below the viewport top.
func (v *Viewport) TopVisible() (string, bool) {
	var top float64
	for i, rowID := range v.ids {
		top += v.heights[i]
		if top > v.scrollTop {
			return rowID, true
		}
	}
	return "", false
}

func (v *Viewport) ContentHeight() float64 {
	var total float64
	for _, h := range v.heights {
		total += h
	}
	return total
}

func (v *Viewport) Len() int { return len(v.ids) }
