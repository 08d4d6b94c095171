package tui

import (
	"fmt"
	"strings"

	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"

	"github.com/csheth/kbchat/internal/api"
	"github.com/csheth/kbchat/internal/conversation"
	"github.com/csheth/kbchat/internal/workspace"
)

type pageLayout struct {
	windowWidth    int
	windowHeight   int
	sidebarWidth   int
	viewportWidth  int
	viewportHeight int
}

func newPageLayout() pageLayout {
	return pageLayout{
		sidebarWidth:   32,
		viewportWidth:  80,
		viewportHeight: 20,
	}
}

func (l *pageLayout) Update(width, height int) {
	l.windowWidth = width
	l.windowHeight = height
	l.sidebarWidth = 32
	if width < 100 {
		l.sidebarWidth = 24
	}
	innerWidth := width - l.sidebarWidth - viewportHorizontalPadding
	if innerWidth < minViewportWidth {
		innerWidth = minViewportWidth
	}
	l.viewportWidth = innerWidth
	// header, status line, composer and their gaps
	const chrome = 8
	usable := height - chrome
	if usable < 6 {
		usable = 6
	}
	l.viewportHeight = usable
}

type contentBuilder struct {
	builder strings.Builder
	lines   int
}

func (cb *contentBuilder) WriteString(s string) {
	cb.builder.WriteString(s)
	cb.lines += strings.Count(s, "\n")
}

func (cb *contentBuilder) WriteRune(r rune) {
	cb.builder.WriteRune(r)
	if r == '\n' {
		cb.lines++
	}
}

func (cb *contentBuilder) String() string {
	return cb.builder.String()
}

// renderTranscript lays out the conversation. Citations of the latest
// answer are numbered for /cite.
func renderTranscript(snap conversation.Snapshot, width int, spinnerFrame string) string {
	cb := &contentBuilder{}
	if snap.ProjectID == "" {
		cb.WriteString(helperStyle.Render("Select or create a project to start chatting."))
		return cb.String()
	}
	if snap.Loading && len(snap.Messages) == 0 {
		cb.WriteString(helperStyle.Render(spinnerFrame + " Loading conversation…"))
		return cb.String()
	}
	if snap.Err != nil && len(snap.Messages) == 0 {
		cb.WriteString(errorStyle.Render("Could not load the conversation: " + snap.Err.Error()))
		return cb.String()
	}
	if len(snap.Messages) == 0 {
		cb.WriteString(helperStyle.Render("No messages yet. Ask a question below."))
		return cb.String()
	}

	wrap := wrapWidth(width, 4)
	citeIdx := latestCitedIndex(snap.Messages)
	for idx, msg := range snap.Messages {
		if idx > 0 {
			cb.WriteRune('\n')
		}
		cb.WriteString(messageLabel(msg))
		cb.WriteRune('\n')
		body := msg.Content
		switch {
		case body == "" && msg.Role == api.RoleAssistant && snap.State == conversation.Waiting:
			body = spinnerFrame + " Thinking…"
		case body == "" && msg.Failed:
			body = "(no answer received)"
		}
		cb.WriteString(indent.String(wordwrap.String(body, wrap), 2))
		cb.WriteRune('\n')
		if msg.Failed {
			cb.WriteString(errorStyle.Render("  " + streamFailedNotice))
			cb.WriteRune('\n')
		}
		if idx == citeIdx {
			for n, c := range msg.Citations {
				line := fmt.Sprintf("  [%d] %s", n+1, citationLabel(c))
				cb.WriteString(citationStyle.Render(truncate.StringWithTail(line, uint(wrap), "…")))
				cb.WriteRune('\n')
			}
		}
	}
	return strings.TrimRight(cb.String(), "\n")
}

func messageLabel(msg conversation.Message) string {
	switch {
	case msg.Role == api.RoleUser && msg.Pending:
		return userLabelStyle.Render("You") + helperStyle.Render(" (sending)")
	case msg.Role == api.RoleUser:
		return userLabelStyle.Render("You")
	case msg.Failed:
		return assistantLabelStyle.Render("Assistant") + errorStyle.Render(" (failed)")
	case msg.Pending:
		return assistantLabelStyle.Render("Assistant") + helperStyle.Render(" (streaming)")
	default:
		return assistantLabelStyle.Render("Assistant")
	}
}

func citationLabel(c api.Citation) string {
	label := c.DocumentName
	if label == "" {
		label = c.ID
	}
	if c.PageNumber > 0 {
		label = fmt.Sprintf("%s, page %d", label, c.PageNumber)
	}
	if snippet := strings.TrimSpace(c.Snippet); snippet != "" {
		label = fmt.Sprintf("%s: %q", label, previewText(snippet, 60))
	}
	return label
}

// latestCitedIndex is the index of the newest assistant message carrying
// citations, or -1.
func latestCitedIndex(messages []conversation.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == api.RoleAssistant && len(messages[i].Citations) > 0 {
			return i
		}
	}
	return -1
}

func latestCitations(messages []conversation.Message) []api.Citation {
	idx := latestCitedIndex(messages)
	if idx < 0 {
		return nil
	}
	return messages[idx].Citations
}

func renderSidebar(state workspace.State, width, height int, spinnerFrame string) string {
	inner := width - 2
	if inner < 10 {
		inner = 10
	}
	clip := func(s string) string {
		return truncate.StringWithTail(s, uint(inner), "…")
	}

	var lines []string
	lines = append(lines, sectionHeaderStyle.Render("Projects"))
	switch {
	case state.ProjectsErr != nil && len(state.Projects) == 0:
		lines = append(lines, errorStyle.Render(clip(state.ProjectsErr.Error())))
	case !state.ProjectsLoaded:
		lines = append(lines, helperStyle.Render(spinnerFrame+" loading"))
	case len(state.Projects) == 0:
		lines = append(lines, helperStyle.Render("none yet"))
	}
	for i, p := range state.Projects {
		if i == maxListedProjects {
			lines = append(lines, helperStyle.Render(fmt.Sprintf("  +%d more", len(state.Projects)-i)))
			break
		}
		marker := "  "
		style := listItemStyle
		if p.ID == state.SelectedID {
			marker = "▸ "
			style = selectedItemStyle
		}
		row := clip(fmt.Sprintf("%s%d %s", marker, i+1, p.Name))
		lines = append(lines, style.Render(row))
		lines = append(lines, statusStyle(p.Status).Render("    "+p.Status))
	}

	if _, ok := state.Selected(); ok {
		lines = append(lines, "")
		if progress := progressLine(state.Progress); progress != "" {
			lines = append(lines, sectionHeaderStyle.Render("Pipeline"), clip(progress))
		}
		if state.ProgressErr != nil {
			lines = append(lines, errorStyle.Render(clip(state.ProgressErr.Error())))
		}
		lines = append(lines, sectionHeaderStyle.Render("Documents"))
		switch {
		case state.DocumentsErr != nil:
			lines = append(lines, errorStyle.Render(clip(state.DocumentsErr.Error())))
		case len(state.Documents) == 0:
			lines = append(lines, helperStyle.Render("none, try /upload"))
		}
		for i, doc := range state.Documents {
			if i == maxListedDocuments {
				lines = append(lines, helperStyle.Render(fmt.Sprintf("  +%d more", len(state.Documents)-i)))
				break
			}
			lines = append(lines, clip(fmt.Sprintf("%d %s", i+1, doc.Filename)))
			lines = append(lines, statusStyle(doc.Status).Render("  "+documentDetail(doc)))
		}
	}
	return sidebarStyle.Width(width).MaxHeight(height).Render(strings.Join(lines, "\n"))
}

func progressLine(p *api.ProgressSnapshot) string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("%s %d/%d documents", p.Status, p.DocumentsProcessed, p.TotalDocuments)
}

func documentDetail(doc api.Document) string {
	if doc.TotalChunks == 0 || doc.Status == api.DocumentReady {
		return doc.Status
	}
	return fmt.Sprintf("%s %d/%d embedded", doc.Status, doc.ChunksEmbedded, doc.TotalChunks)
}

func renderPreview(msg citeResultMsg, width int) string {
	wrap := wrapWidth(width, 2)
	cb := &contentBuilder{}
	cb.WriteString(sectionHeaderStyle.Render("Citation: " + citationLabel(msg.citation)))
	cb.WriteRune('\n')
	cb.WriteString(helperStyle.Render(wordwrap.String(msg.target.URL, wrap)))
	cb.WriteRune('\n')
	cb.WriteRune('\n')
	switch {
	case msg.preview != nil:
		header := fmt.Sprintf("Page %d of %d", msg.preview.Page, msg.preview.TotalPages)
		cb.WriteString(helperStyle.Render(header))
		cb.WriteRune('\n')
		text := msg.preview.Text
		if text == "" {
			text = "(no extractable text on this page)"
		}
		cb.WriteString(wordwrap.String(previewText(text, previewLimit), wrap))
		if msg.preview.Truncated {
			cb.WriteRune('\n')
			cb.WriteString(helperStyle.Render("(truncated)"))
		}
	case msg.previewErr != nil:
		cb.WriteString(errorStyle.Render("Preview unavailable: " + msg.previewErr.Error()))
	default:
		cb.WriteString(helperStyle.Render("Open the link above to read the cited page."))
	}
	cb.WriteRune('\n')
	cb.WriteString(helperStyle.Render("Esc closes the preview."))
	return cb.String()
}

func wrapWidth(width, padding int) int {
	if width <= 0 {
		width = 80
	}
	if padding < 0 {
		padding = 0
	}
	available := width - padding
	if available < 20 {
		available = 20
	}
	return available
}

func previewText(value string, limit int) string {
	value = strings.TrimSpace(value)
	if limit <= 0 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return strings.TrimSpace(string(runes[:limit])) + "…"
}
