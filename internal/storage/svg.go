package storage

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

var palette = []string{"#00d7d7", "#ffaf00", "#87d700", "#ff5f87", "#af87ff", "#5fafff", "#d7d7d7"}

// WriteSVG draws every species of a trajectory as one line against time.
func WriteSVG(w io.Writer, species []string, times []float64, states [][]float64, width, height int) error {
	if len(times) < 2 {
		return errors.New("svg: need at least two samples")
	}
	if len(states) != len(times) {
		return fmt.Errorf("svg: %d states for %d times", len(states), len(times))
	}

	minT, maxT := times[0], times[len(times)-1]
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, row := range states {
		for _, v := range row {
			minY = math.Min(minY, v)
			maxY = math.Max(maxY, v)
		}
	}
	spanT, spanY := maxT-minT, maxY-minY
	if spanT == 0 {
		spanT = 1
	}
	if spanY == 0 {
		spanY = 1
	}
	// 5% headroom above and below
	minY -= spanY * 0.05
	spanY *= 1.1

	x := func(t float64) float64 { return (t - minT) / spanT * float64(width) }
	y := func(v float64) float64 { return float64(height) - (v-minY)/spanY*float64(height) }

	var sb strings.Builder
	fmt.Fprintf(&sb, `<?xml version="1.0" encoding="UTF-8"?>
<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">
<rect width="100%%" height="100%%" fill="#0a0a0a"/>
`, width, height, width, height)

	for i, name := range species {
		color := palette[i%len(palette)]
		sb.WriteString(`<path fill="none" stroke-width="1.5" stroke="` + color + `" d="`)
		for k, t := range times {
			cmd := " L"
			if k == 0 {
				cmd = "M"
			}
			fmt.Fprintf(&sb, "%s%.1f,%.1f", cmd, x(t), y(states[k][i]))
		}
		sb.WriteString("\"/>\n")
		fmt.Fprintf(&sb, `<text x="8" y="%d" fill="%s" font-family="monospace" font-size="12">%s</text>
`, 16*(i+1), color, name)
	}
	sb.WriteString("</svg>\n")

	_, err := io.WriteString(w, sb.String())
	return err
}
