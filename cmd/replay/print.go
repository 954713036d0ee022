package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lukasbauer/proxyvoice/internal/render"
	"github.com/lukasbauer/proxyvoice/internal/segment"
)

var (
	colorRed    = lipgloss.Color("#FF0000")
	colorGreen  = lipgloss.Color("#00FF00")
	colorYellow = lipgloss.Color("#FFFF00")
	colorCyan   = lipgloss.Color("#00FFFF")
	colorGray   = lipgloss.Color("#666666")
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	idStyle     = lipgloss.NewStyle().Foreground(colorGray)
	sourceStyle = lipgloss.NewStyle().Foreground(colorCyan)
	dimStyle    = lipgloss.NewStyle().Foreground(colorGray)
	errorStyle  = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)

	statusStyles = map[string]lipgloss.Style{
		render.Label(segment.StatusListening):    lipgloss.NewStyle().Foreground(colorGray),
		render.Label(segment.StatusTranscribing): lipgloss.NewStyle().Foreground(colorYellow),
		render.Label(segment.StatusTranslating):  lipgloss.NewStyle().Foreground(colorYellow).Bold(true),
		render.Label(segment.StatusDone):         lipgloss.NewStyle().Foreground(colorGreen),
		render.Label(segment.StatusError):        lipgloss.NewStyle().Foreground(colorRed),
	}
)

// printer writes either styled or plain text.
type printer struct {
	w     io.Writer
	plain bool
}

func (p printer) style(s lipgloss.Style, text string) string {
	if p.plain {
		return text
	}
	return s.Render(text)
}

func (p printer) statusLabel(status string) string {
	label := fmt.Sprintf("%-12s", status)
	s, ok := statusStyles[status]
	if !ok {
		return label
	}
	return p.style(s, label)
}

func (p printer) title(name string) {
	fmt.Fprintln(p.w, p.style(titleStyle, name))
}

func (p printer) transcript(views []render.View) {
	if len(views) == 0 {
		fmt.Fprintln(p.w, p.style(dimStyle, "(no segments)"))
		return
	}
	for _, v := range views {
		fmt.Fprintf(p.w, "%s %s %s\n", p.style(idStyle, fmt.Sprintf("%-7s", v.ID)), p.statusLabel(v.Status), p.style(sourceStyle, v.Source))
		if v.Target != "" {
			fmt.Fprintf(p.w, "%21s%s\n", "", v.Target)
		}
		if v.Error != "" {
			fmt.Fprintf(p.w, "%21s%s\n", "", p.style(errorStyle, "error: "+v.Error))
		}
	}
}

func (p printer) stats(res Result) {
	st := res.Stats.Store
	fmt.Fprintf(p.w, "segments: %d  active: %d  frames: %d  elapsed: %s\n", st.Segments, st.Active, res.Frames, res.Elapsed)
	fmt.Fprintf(p.w, "awaiting response: %d  awaiting item: %d  buffered: %d  settled early: %d  previews: %d\n",
		st.AwaitingResponse, st.AwaitingItem, st.BufferedTranslations, st.KnownComplete, st.Previews)
	seg := res.Stats.Segmenter
	fmt.Fprintf(p.w, "emitted: %d  words: %d  wpm: %.0f\n", seg.Emitted, seg.TotalWords, seg.WPM)
	if res.Malformed > 0 {
		fmt.Fprintln(p.w, p.style(errorStyle, fmt.Sprintf("malformed events: %d", res.Malformed)))
	}
}

func (p printer) anomalies(res Result) {
	counts := res.Stats.Store.Anomalies
	if res.Anomalies() == 0 {
		fmt.Fprintln(p.w, p.style(okStyle, "no anomalies"))
		return
	}
	kinds := make([]string, 0, len(counts))
	for k, n := range counts {
		if n > 0 {
			kinds = append(kinds, string(k))
		}
	}
	sort.Strings(kinds)
	var b strings.Builder
	for _, k := range kinds {
		fmt.Fprintf(&b, "  %-22s %d\n", k, counts[segment.AnomalyKind(k)])
	}
	fmt.Fprintln(p.w, p.style(errorStyle, "anomalies:"))
	fmt.Fprint(p.w, b.String())
}
