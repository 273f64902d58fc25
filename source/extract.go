package source

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/smallnest/doseguide/errs"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PediatricAdvice is returned for medications not dosed under 18.
const PediatricAdvice = "Not recommended for patients under 18; consult a doctor."

var adultOnly = []string{"alprazolam", "clonazepam"}

var (
	oralRE     = regexp.MustCompile(`(?i)oral:`)
	boundaryRE = []*regexp.Regexp{
		regexp.MustCompile(`(?i)parenteral\s*(\([^)]+\))?:`),
		regexp.MustCompile(`(?i)rectal\s*:`),
		regexp.MustCompile(`(?i)comments?:`),
		regexp.MustCompile(`(?i)use:`),
	}
	unitRE = regexp.MustCompile(`(?i)mg|mcg|ml`)
)

const minDosageLength = 20

func mainContent(doc *goquery.Document) *goquery.Selection {
	if main := doc.Find("div#content.ddc-main-content").First(); main.Length() > 0 {
		return main
	}
	return doc.Selection
}

// ExtractDosage finds the dosage section for condition and ageGroup and
// returns its oral dosing lines. args are condition, ageGroup, medication.
func ExtractDosage(doc *goquery.Document, args ...string) (string, error) {
	if len(args) < 3 {
		return "", fmt.Errorf("extract_dosage_info: want 3 args, got %d", len(args))
	}
	condition, ageGroup, drug := strings.ToLower(args[0]), strings.ToLower(args[1]), strings.ToLower(args[2])

	if ageGroup == "pediatric" && slices.Contains(adultOnly, drug) {
		return PediatricAdvice, nil
	}

	heading := findDosageHeading(mainContent(doc), condition, ageGroup)
	if heading == nil {
		return "", errs.NotFound("no dosage section found for %s and %s", ageGroup, condition)
	}

	var b strings.Builder
	for n := heading.NextSibling; n != nil; n = n.NextSibling {
		if isHeading(n) {
			if n.DataAtom == atom.H2 || n.DataAtom == atom.H3 {
				break
			}
			continue
		}
		writeText(&b, n)
	}

	text := strings.Join(cleanLines(b.String()), "\n")
	if loc := oralRE.FindStringIndex(text); loc != nil {
		text = text[loc[0]:]
	}
	text = cutAtBoundary(text)

	if len(text) < minDosageLength || !unitRE.MatchString(text) {
		return "", errs.NotFound("no valid dosage found for %s and %s", ageGroup, condition)
	}
	return text, nil
}

func findDosageHeading(main *goquery.Selection, condition, ageGroup string) *html.Node {
	headings := main.Find("h2, h3")
	title := fmt.Sprintf("usual %s dose for %s", ageGroup, condition)

	var found *html.Node
	headings.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.Contains(headingText(s), title) {
			found = s.Get(0)
			return false
		}
		return true
	})
	if found != nil {
		return found
	}

	headings.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := headingText(s)
		if strings.Contains(text, "dose") && (strings.Contains(text, ageGroup) || strings.Contains(text, condition)) {
			found = s.Get(0)
			return false
		}
		return true
	})
	return found
}

func headingText(s *goquery.Selection) string {
	return strings.ToLower(strings.Join(strings.Fields(s.Text()), " "))
}

func isHeading(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

var blockAtoms = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Li: true, atom.Ul: true, atom.Ol: true,
	atom.Dl: true, atom.Dt: true, atom.Dd: true, atom.Tr: true, atom.Table: true,
}

// writeText renders n as plain text. <br> and block elements become line breaks.
func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Br:
			b.WriteByte('\n')
			return
		case atom.Script, atom.Style:
			return
		}
	case html.CommentNode:
		return
	}

	block := n.Type == html.ElementNode && blockAtoms[n.DataAtom]
	if block {
		b.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
	if block {
		b.WriteByte('\n')
	}
}

func cleanLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// cutAtBoundary keeps lines up to the first non-oral section marker.
func cutAtBoundary(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		stop := false
		for _, re := range boundaryRE {
			if loc := re.FindStringIndex(line); loc != nil {
				if before := strings.TrimSpace(line[:loc[0]]); before != "" {
					kept = append(kept, before)
				}
				stop = true
				break
			}
		}
		if stop {
			break
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

const professionalPlaceholder = "available on the professional version"

// ExtractFoodInteractions lists every food/alcohol interaction block as
// "{Severity} Interaction: {Title}\n{Description}", separated by blank lines.
func ExtractFoodInteractions(doc *goquery.Document, _ ...string) (string, error) {
	var parts []string

	mainContent(doc).Find("div.interactions-reference").Each(func(_ int, d *goquery.Selection) {
		severity := "Unknown"
		if s := d.Find("span.ddc-status-label").First(); s.Length() > 0 {
			severity = collapse(s.Text())
		}

		title := "Unknown Interaction"
		titleSel := d.Find("h3").First()
		if titleSel.Length() > 0 {
			title = collapse(titleSel.Text())
		}

		desc := description(d, titleSel)
		if desc == "" || strings.Contains(strings.ToLower(desc), professionalPlaceholder) {
			return
		}
		parts = append(parts, fmt.Sprintf("%s Interaction: %s\n%s", severity, title, desc))
	})

	if len(parts) == 0 {
		return "", errs.NotFound("no food/alcohol interactions found")
	}
	return strings.Join(parts, "\n\n"), nil
}

func description(d, title *goquery.Selection) string {
	p := d.ChildrenFiltered("p").First()
	if p.Length() == 0 {
		p = d.Find("p").First()
	}
	if p.Length() > 0 {
		return collapse(p.Text())
	}

	var texts []string
	d.Children().Each(func(_ int, child *goquery.Selection) {
		if child.Is("div") || (title.Length() > 0 && child.IsSelection(title)) {
			return
		}
		if t := collapse(child.Text()); t != "" {
			texts = append(texts, t)
		}
	})
	return strings.Join(texts, " ")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
