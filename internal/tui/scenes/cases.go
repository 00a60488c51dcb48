package scenes

import (
	"fmt"
	"strings"
	"time"

	"scamwarden/internal/tui/api"
	"scamwarden/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// CasesScene displays recent moderation cases
type CasesScene struct {
	client     *api.Client
	cases      []api.Case
	totalCount int
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

// casesMsg carries updated cases
type casesMsg struct {
	cases      []api.Case
	totalCount int
	err        string
}

// NewCasesScene creates a new cases scene
func NewCasesScene(client *api.Client) *CasesScene {
	return &CasesScene{
		client:  client,
		loading: true,
		maxRows: 10,
	}
}

// Init initializes the cases scene
func (c *CasesScene) Init() tea.Cmd {
	return c.fetchCases()
}

// fetchCases fetches cases from the API
func (c *CasesScene) fetchCases() tea.Cmd {
	return func() tea.Msg {
		resp, err := c.client.GetCases(100)
		if err != nil {
			return casesMsg{err: err.Error()}
		}
		if resp.Error != "" {
			return casesMsg{err: resp.Error}
		}
		return casesMsg{
			cases:      resp.Cases,
			totalCount: resp.Total,
		}
	}
}

// TickCmd returns a command that ticks every interval
func (c *CasesScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "cases", Time: t}
	})
}

// Update handles messages for the cases scene
func (c *CasesScene) Update(msg tea.Msg) (*CasesScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		c.width = msg.Width
		c.height = msg.Height
		c.maxRows = max(5, c.height-12)
		return c, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if c.cursor > 0 {
				c.cursor--
				if c.cursor < c.offset {
					c.offset = c.cursor
				}
			}
		case "down", "j":
			if c.cursor < len(c.cases)-1 {
				c.cursor++
				if c.cursor >= c.offset+c.maxRows {
					c.offset = c.cursor - c.maxRows + 1
				}
			}
		case "pgup":
			c.cursor = max(0, c.cursor-c.maxRows)
			c.offset = max(0, c.offset-c.maxRows)
		case "pgdown":
			c.cursor = min(len(c.cases)-1, c.cursor+c.maxRows)
			c.offset = min(max(0, len(c.cases)-c.maxRows), c.offset+c.maxRows)
		case "r":
			// Manual refresh
			c.loading = true
			return c, c.fetchCases()
		}
		return c, nil

	case casesMsg:
		c.loading = false
		c.cases = msg.cases
		c.totalCount = msg.totalCount
		c.err = msg.err
		c.lastUpdate = time.Now()
		// Reset cursor if out of bounds
		if c.cursor >= len(c.cases) {
			c.cursor = max(0, len(c.cases)-1)
		}
		return c, nil

	case TickMsg:
		if msg.Scene == "cases" {
			// Auto-refresh cases
			return c, c.fetchCases()
		}
		return c, nil
	}

	return c, nil
}

// View renders the case list
func (c *CasesScene) View() string {
	var b strings.Builder

	// Title
	title := styles.Title.Render("  Moderation Cases")
	b.WriteString(title)
	b.WriteString("\n\n")

	if c.loading && len(c.cases) == 0 {
		b.WriteString(styles.Muted.Render("  Loading cases..."))
		return b.String()
	}

	// Error display
	if c.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", c.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  The case listing needs a reader key when auth is enabled on the gateway."))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	// No cases
	if len(c.cases) == 0 {
		b.WriteString(styles.Muted.Render("  No cases found."))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Cases appear once a campaign crosses a policy threshold."))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Feed messages via the HTTP API (POST /v1/messages) or the relay listeners."))
		return b.String()
	}

	// Case count and status
	countText := fmt.Sprintf("  Showing %d of %d cases", len(c.cases), c.totalCount)
	b.WriteString(styles.Subtitle.Render(countText))
	if c.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	b.WriteString("\n\n")

	// Table header
	header := fmt.Sprintf("  %-10s %-10s %-10s %-20s %s",
		"Detected", "Severity", "Status", "User", "Campaign")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	// Table rows
	endIdx := min(c.offset+c.maxRows, len(c.cases))
	visibleCases := c.cases[c.offset:endIdx]
	for i, cs := range visibleCases {
		idx := c.offset + i
		row := c.renderCaseRow(cs, idx == c.cursor)
		b.WriteString(row)
		b.WriteString("\n")
	}

	// Scroll indicator
	if len(c.cases) > c.maxRows {
		scrollInfo := fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [r] refresh)",
			c.offset+1, endIdx, len(c.cases))
		b.WriteString(styles.Muted.Render(scrollInfo))
	} else {
		b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	}

	// Last update time
	if !c.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", c.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (c *CasesScene) renderCaseRow(cs api.Case, selected bool) string {
	detected := cs.DetectedAt.Format("15:04:05")
	severity := c.formatSeverity(cs.Severity)
	status := c.formatStatus(cs.Status)

	campaign := cs.Content
	if campaign == "" {
		campaign = fmt.Sprintf("attachment wave (%d messages)", len(cs.Messages))
	}

	row := fmt.Sprintf("  %-10s %s %s %-20s %s",
		detected, severity, status, truncate(cs.UserID, 20), truncate(campaign, 44))

	if selected {
		return lipgloss.NewStyle().
			Background(styles.Primary).
			Foreground(styles.White).
			Render(row)
	}

	return row
}

func (c *CasesScene) formatSeverity(sev string) string {
	width := 10
	var style lipgloss.Style

	switch sev {
	case "critical":
		style = styles.StatusError
	case "high":
		style = styles.StatusWarning
	default:
		style = styles.Muted
	}

	padded := fmt.Sprintf("%-*s", width, strings.ToUpper(sev))
	return style.Render(padded)
}

func (c *CasesScene) formatStatus(status string) string {
	width := 10
	var style lipgloss.Style

	switch status {
	case "new":
		style = styles.StatusWarning
	case "actioned":
		style = styles.StatusOK
	case "failed":
		style = styles.StatusError
	default:
		style = styles.Muted
	}

	padded := fmt.Sprintf("%-*s", width, status)
	return style.Render(padded)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
