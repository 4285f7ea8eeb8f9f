package peer

import (
	"fmt"
	"io"
	"strings"
	"time"

	"bklv/p2p-share/pkg/fetch"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	nameStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	pctStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	speedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	plainStyle = lipgloss.NewStyle()
)

// ProgressRenderer redraws one line for a fetch session until stopped.
type ProgressRenderer struct {
	sess        *fetch.Session
	out         io.Writer
	stopChan    chan struct{}
	doneChan    chan struct{}
	refreshRate time.Duration
	useColors   bool
	width       int
}

func NewProgressRenderer(sess *fetch.Session, out io.Writer, useColors bool) *ProgressRenderer {
	return &ProgressRenderer{
		sess:        sess,
		out:         out,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
		width:       40,
	}
}

func (pr *ProgressRenderer) SetRefreshRate(rate time.Duration) {
	pr.refreshRate = rate
}

func (pr *ProgressRenderer) SetWidth(width int) {
	pr.width = width
}

// Start runs the render loop; call it in its own goroutine.
func (pr *ProgressRenderer) Start() {
	defer close(pr.doneChan)
	pr.Render()

	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pr.Render()
		case <-pr.stopChan:
			return
		}
	}
}

// StopAndWait ends the loop and prints the final line.
func (pr *ProgressRenderer) StopAndWait() {
	close(pr.stopChan)
	<-pr.doneChan

	p := pr.sess.Progress()
	fmt.Fprint(pr.out, "\r\033[K")
	fmt.Fprintln(pr.out, pr.finalLine(p))
}

func (pr *ProgressRenderer) style(s lipgloss.Style) lipgloss.Style {
	if pr.useColors {
		return s
	}
	return plainStyle
}

func (pr *ProgressRenderer) bar(percent float64) string {
	filled := int(float64(pr.width) * percent / 100)
	if filled > pr.width {
		filled = pr.width
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", pr.width-filled)
}

func (pr *ProgressRenderer) Render() {
	fmt.Fprint(pr.out, "\r"+pr.line(pr.sess.Progress()))
}

func (pr *ProgressRenderer) line(p fetch.Progress) string {
	return fmt.Sprintf("%s [%s] %s %s/%s | %s/s | %s | ETA: %s",
		pr.style(nameStyle).Render("["+p.FileName+"]"),
		pr.style(barStyle).Render(pr.bar(p.Percent)),
		pr.style(pctStyle).Render(fmt.Sprintf("%.1f%%", p.Percent)),
		humanize.IBytes(uint64(p.DownloadedSize)),
		humanize.IBytes(uint64(p.TotalSize)),
		pr.style(speedStyle).Render(humanize.IBytes(uint64(p.SpeedBps))),
		p.Status,
		formatETA(time.Duration(p.ETASeconds*float64(time.Second))),
	)
}

func (pr *ProgressRenderer) finalLine(p fetch.Progress) string {
	name := pr.style(nameStyle).Render("[" + p.FileName + "]")
	if p.State() == fetch.Completed {
		return fmt.Sprintf("%s [%s] 100%% %s | Completed in %s",
			name,
			pr.style(barStyle).Render(pr.bar(100)),
			humanize.IBytes(uint64(p.TotalSize)),
			formatDuration(p.Elapsed),
		)
	}
	return fmt.Sprintf("%s [✗] %.1f%% | %s: %s",
		name, p.Percent,
		pr.style(errStyle).Render("Download failed"),
		p.ErrorMessage,
	)
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	return formatDuration(eta)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return "<1s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", d/time.Second)
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", d/time.Minute, (d%time.Minute)/time.Second)
	default:
		return fmt.Sprintf("%dh%dm", d/time.Hour, (d%time.Hour)/time.Minute)
	}
}
