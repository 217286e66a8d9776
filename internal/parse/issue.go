package parse

import (
	"bytes"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/mantiscan/mantiscan/internal/mantis"
)

// fieldLabels maps lowercased tracker field labels to record setters.
// Labels are matched by containment so themed trackers with decorated
// headers still resolve.
var fieldLabels = []struct {
	label string
	set   func(*mantis.IssueRecord, string)
}{
	{"steps to reproduce", func(r *mantis.IssueRecord, v string) { r.StepsToRepro = v }},
	{"additional information", func(r *mantis.IssueRecord, v string) { r.AdditionalInfo = v }},
	{"date submitted", func(r *mantis.IssueRecord, v string) { r.SubmittedAt = parseTrackerTime(v) }},
	{"last updated", func(r *mantis.IssueRecord, v string) { r.LastUpdated = parseTrackerTime(v) }},
	{"fixed in version", func(r *mantis.IssueRecord, v string) { r.FixedInVersion = v }},
	{"target version", func(r *mantis.IssueRecord, v string) { r.TargetVersion = v }},
	{"assigned to", func(r *mantis.IssueRecord, v string) { r.Assignee = v }},
	{"resolution", func(r *mantis.IssueRecord, v string) { r.Resolution = v }},
	{"description", func(r *mantis.IssueRecord, v string) { r.Description = v }},
	{"category", func(r *mantis.IssueRecord, v string) { r.Category = v }},
	{"summary", func(r *mantis.IssueRecord, v string) { r.Summary = v }},
	{"reporter", func(r *mantis.IssueRecord, v string) { r.Reporter = v }},
	{"priority", func(r *mantis.IssueRecord, v string) { r.Priority = v }},
	{"severity", func(r *mantis.IssueRecord, v string) { r.Severity = v }},
	{"status", func(r *mantis.IssueRecord, v string) { r.Status = v }},
	{"version", func(r *mantis.IssueRecord, v string) { r.Version = v }},
}

// Layouts the tracker has been observed to render timestamps in.
var trackerTimeLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02",
}

// ParseIssue extracts a normalized IssueRecord from one issue view page.
// Missing optional fields (assignee, category, versions) stay empty; the
// parse fails only when the page carries no recognizable issue table.
func ParseIssue(ref mantis.IssueReference, body []byte, scrapedAt time.Time) (mantis.IssueRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return mantis.IssueRecord{}, &mantis.ParseError{URL: ref.URL, Reason: "invalid html: " + err.Error()}
	}

	record := mantis.IssueRecord{
		IssueID:   ref.IssueID,
		ProjectID: ref.ProjectID,
		SourceURL: ref.URL,
		ScrapedAt: scrapedAt,
	}

	matched := 0
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td, th")
		if cells.Length() < 2 {
			return
		}
		label := strings.ToLower(strings.TrimSpace(cells.Eq(0).Text()))
		value := strings.TrimSpace(cells.Eq(1).Text())
		if label == "" || value == "" {
			return
		}
		for _, f := range fieldLabels {
			if strings.Contains(label, f.label) {
				f.set(&record, value)
				matched++
				break
			}
		}

		// Compact header layout: an "ID | Category | ..." header row with
		// the values in the following sibling row.
		if label == "id" && strings.Contains(strings.ToLower(value), "category") {
			next := row.Next()
			nextCells := next.Find("td, th")
			if nextCells.Length() >= 2 {
				if category := strings.TrimSpace(nextCells.Eq(1).Text()); category != "" {
					record.Category = category
					matched++
				}
			}
		}
	})

	if matched == 0 {
		return mantis.IssueRecord{}, &mantis.ParseError{URL: ref.URL, Reason: "no issue fields recognized"}
	}

	record.ProjectName = ProjectNameFromCategory(record.Category)
	record.Bugnotes = parseBugnotes(doc)
	return record, nil
}

// ProjectNameFromCategory extracts the owning project from a category
// value like "[FortiToken Cloud] Registration"; without brackets the first
// word is taken.
func ProjectNameFromCategory(category string) string {
	category = strings.TrimSpace(category)
	if category == "" {
		return ""
	}
	if open := strings.Index(category, "["); open >= 0 {
		if close := strings.Index(category[open:], "]"); close > 1 {
			return strings.TrimSpace(category[open+1 : open+close])
		}
	}
	fields := strings.Fields(category)
	if len(fields) == 0 {
		return category
	}
	return fields[0]
}

func parseBugnotes(doc *goquery.Document) []mantis.Bugnote {
	var notes []mantis.Bugnote
	doc.Find("#bugnotes .bugnote, .bugnotes .bugnote").Each(func(_ int, note *goquery.Selection) {
		n := mantis.Bugnote{}

		header := note.Find(".bugnoteheader").First()
		if header.Length() > 0 {
			headerText := strings.TrimSpace(header.Text())
			n.Author, n.At = splitBugnoteHeader(headerText)
		}
		if text := strings.TrimSpace(note.Find(".bugnote-note").First().Text()); text != "" {
			n.Text = text
		}
		if n.Author != "" || n.Text != "" {
			notes = append(notes, n)
		}
	})
	return notes
}

// splitBugnoteHeader pulls the author and timestamp out of a header blob
// like "jsmith (developer)\n2023-04-01 10:22".
func splitBugnoteHeader(header string) (author string, at time.Time) {
	lines := strings.FieldsFunc(header, func(r rune) bool { return r == '\n' || r == '\r' })
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if ts := parseTrackerTime(line); !ts.IsZero() {
			at = ts
			continue
		}
		if author == "" {
			author = line
		}
	}
	return author, at
}

func parseTrackerTime(v string) time.Time {
	v = strings.TrimSpace(v)
	for _, layout := range trackerTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
