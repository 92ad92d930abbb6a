// Package status reduces connectivity, policy and queue state to the one
// banner shown to the user.
package status

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/g960059/ridewatch/internal/connstate"
	"github.com/g960059/ridewatch/internal/model"
)

// Level orders banner conditions from least to most severe.
type Level int

const (
	Nominal Level = iota
	Syncing
	PolicyLimited
	Offline
)

func (l Level) String() string {
	switch l {
	case Nominal:
		return "nominal"
	case Syncing:
		return "syncing"
	case PolicyLimited:
		return "limited"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// ParseLevel is the inverse of Level.String. Unknown names read as
// Offline.
func ParseLevel(s string) Level {
	for _, l := range []Level{Nominal, Syncing, PolicyLimited, Offline} {
		if l.String() == s {
			return l
		}
	}
	return Offline
}

type Inputs struct {
	Conn         connstate.Snapshot
	Mode         model.Mode
	PolicyTables []string
	Pending      int
	Stuck        int
	Demo         bool
}

type Banner struct {
	Level  Level
	Title  string
	Detail string
}

// Compute picks the worst condition present.
func Compute(in Inputs) Banner {
	var b Banner
	switch {
	case !in.Conn.Connected || in.Mode == model.ModeOffline:
		b = Banner{Level: Offline, Title: "Working offline"}
		var parts []string
		if in.Pending > 0 {
			parts = append(parts, fmt.Sprintf("%d change(s) will sync when the connection returns", in.Pending))
		}
		if in.Conn.LastError != nil {
			parts = append(parts, in.Conn.LastError.Error())
		}
		b.Detail = strings.Join(parts, "; ")
	case in.Mode == model.ModeLimited || len(in.PolicyTables) > 0:
		b = Banner{
			Level:  PolicyLimited,
			Title:  "Limited access",
			Detail: "backend access rules need attention",
		}
		if len(in.PolicyTables) > 0 {
			b.Detail += ": " + strings.Join(in.PolicyTables, ", ")
		}
	case in.Pending > 0 || in.Conn.Checking:
		b = Banner{Level: Syncing, Title: "Syncing"}
		if in.Pending > 0 {
			b.Detail = fmt.Sprintf("%d pending change(s)", in.Pending)
		} else {
			b.Detail = "checking connection"
		}
	default:
		b = Banner{Level: Nominal, Title: "All systems normal"}
		if in.Conn.Health == connstate.HealthDegraded {
			b.Detail = "connection unstable"
		}
	}
	if in.Stuck > 0 {
		b.Detail = joinDetail(b.Detail, fmt.Sprintf("%d change(s) need attention", in.Stuck))
	}
	if in.Demo {
		b.Detail = joinDetail(b.Detail, "showing demo data")
	}
	return b
}

func joinDetail(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

var (
	base = lipgloss.NewStyle().Padding(0, 1).Bold(true)

	levelStyles = map[Level]lipgloss.Style{
		Nominal:       base.Foreground(lipgloss.Color("#0f172a")).Background(lipgloss.Color("#4ade80")),
		Syncing:       base.Foreground(lipgloss.Color("#0f172a")).Background(lipgloss.Color("#60a5fa")),
		PolicyLimited: base.Foreground(lipgloss.Color("#0f172a")).Background(lipgloss.Color("#facc15")),
		Offline:       base.Foreground(lipgloss.Color("#f8fafc")).Background(lipgloss.Color("#ef4444")),
	}
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#94a3b8")).PaddingLeft(1)
)

// Render formats the banner for a terminal. Width 0 means unbounded.
func (b Banner) Render(width int) string {
	head := levelStyles[b.Level].Render(strings.ToUpper(b.Level.String()) + "  " + b.Title)
	if b.Detail == "" {
		return head
	}
	detail := detailStyle
	if width > 0 {
		detail = detail.MaxWidth(max(width-lipgloss.Width(head), 10))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, head, detail.Render(b.Detail))
}

// Plain is the unstyled one-line form used in logs and JSON output.
func (b Banner) Plain() string {
	if b.Detail == "" {
		return fmt.Sprintf("[%s] %s", b.Level, b.Title)
	}
	return fmt.Sprintf("[%s] %s: %s", b.Level, b.Title, b.Detail)
}
