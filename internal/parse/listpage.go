// Package parse turns raw tracker HTML into typed scan data.
package parse

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mantiscan/mantiscan/internal/mantis"
)

// ListPage is the parsed form of one view_all_bug_page response.
type ListPage struct {
	References []mantis.IssueReference
	// Signature fingerprints the set of issue ids on the page. A repeated
	// signature across page numbers means the tracker is looping.
	Signature string
	// Empty is true when the page carries no issue rows at all.
	Empty bool
}

// Markers the tracker renders on an exhausted listing.
var emptyPageMarkers = []string{
	"No issues found",
	"No records found",
}

// ParseListPage extracts issue references from one bug list page.
//
// The bug table is the page's widest table: header rows followed by one row
// per issue, with the issue id and its view link in the second cell.
func ParseListPage(projectID string, pageNumber int, baseURL string, body []byte) (ListPage, error) {
	text := string(body)
	for _, marker := range emptyPageMarkers {
		if strings.Contains(text, marker) {
			return ListPage{Empty: true}, nil
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ListPage{}, &mantis.ParseError{URL: baseURL, Reason: "invalid html: " + err.Error()}
	}

	table := widestTable(doc)
	if table == nil {
		return ListPage{}, &mantis.ParseError{URL: baseURL, Reason: "bug list table not found"}
	}

	page := ListPage{}
	base := strings.TrimRight(baseURL, "/")
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		idCell := cells.Eq(1)
		issueID := strings.TrimSpace(idCell.Text())
		if !isDigits(issueID) {
			return
		}
		href, ok := idCell.Find("a").First().Attr("href")
		if !ok || href == "" {
			return
		}
		page.References = append(page.References, mantis.IssueReference{
			ProjectID:  projectID,
			IssueID:    issueID,
			SourcePage: pageNumber,
			URL:        base + "/" + strings.TrimLeft(href, "/"),
		})
	})

	if len(page.References) == 0 {
		page.Empty = true
		return page, nil
	}

	page.Signature = signature(page.References)
	return page, nil
}

// widestTable returns the table with the most columns in its densest row,
// which on a Mantis listing is always the bug table.
func widestTable(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestWidth := 0
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		width := 0
		table.Find("tr").Each(func(_ int, row *goquery.Selection) {
			if n := row.Find("td").Length(); n > width {
				width = n
			}
		})
		if width > bestWidth {
			bestWidth = width
			best = table
		}
	})
	return best
}

func signature(refs []mantis.IssueReference) string {
	h := sha256.New()
	for _, ref := range refs {
		h.Write([]byte(ref.IssueID))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
