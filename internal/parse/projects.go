package parse

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mantiscan/mantiscan/internal/mantis"
)

var partitionKeyStrip = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// ParseProjects extracts the selectable projects from the tracker's
// project dropdown on any authenticated page.
func ParseProjects(url string, body []byte) ([]mantis.Project, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &mantis.ParseError{URL: url, Reason: "invalid html: " + err.Error()}
	}

	selector := doc.Find(`select[name="project_id"]`).First()
	if selector.Length() == 0 {
		return nil, &mantis.ParseError{URL: url, Reason: "project selector not found"}
	}

	var projects []mantis.Project
	selector.Find("option").Each(func(_ int, opt *goquery.Selection) {
		id, ok := opt.Attr("value")
		name := strings.TrimSpace(opt.Text())
		if !ok || id == "" || name == "" {
			return
		}
		// "0" is the synthetic All Projects entry, not a real partition.
		if id == "0" {
			return
		}
		projects = append(projects, mantis.Project{
			ID:           id,
			Name:         name,
			PartitionKey: PartitionKey(name),
		})
	})

	if len(projects) == 0 {
		return nil, &mantis.ParseError{URL: url, Reason: "no projects listed"}
	}
	return projects, nil
}

// PartitionKey derives the stable persistence partition name for a
// project, matching the issues_<name> table convention.
func PartitionKey(projectName string) string {
	key := strings.TrimSpace(projectName)
	key = strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(key)
	key = partitionKeyStrip.ReplaceAllString(key, "")
	if key == "" {
		key = "unnamed"
	}
	return "issues_" + key
}
