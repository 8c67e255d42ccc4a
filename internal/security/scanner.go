// Package security statically vets generated scripts before they are
// injected into a workbook.
//
// The scanner is a denylist: it catches the common ways a macro reaches
// outside the workbook (processes, files, registry, network, external
// objects) but an obfuscated call can slip past it. It is a first gate, not
// a security boundary. Hosts that execute scripts in a capability-restricted
// interpreter provide the actual guarantee.
package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/witanlabs/sheetpilot/internal/host"
)

const (
	maxSnippet = 120

	// mediumTolerance is how many Medium findings a script may carry and
	// still be considered safe.
	mediumTolerance = 3
)

// Issue is a single finding.
type Issue struct {
	Category    Category `json:"type"`
	Level       Level    `json:"level"`
	Description string   `json:"description"`
	CodeSnippet string   `json:"code_snippet"`
	LineNumber  int      `json:"line_number"`
	Suggestion  string   `json:"suggestion"`
}

// ScanResult is the outcome of scanning one script.
type ScanResult struct {
	Safe    bool    `json:"is_safe"`
	Issues  []Issue `json:"issues"`
	Level   Level   `json:"level"`
	Summary string  `json:"summary"`
}

type rule struct {
	pattern     string
	re          *regexp.Regexp
	category    Category
	level       Level
	description string
}

var (
	executableLiteralRe = regexp.MustCompile(`(?i)"[^"]*\.(exe|bat|cmd|vbs|vbe|ps1|scr|pif|msi|dll|hta|wsf|jar)"`)
	urlLiteralRe        = regexp.MustCompile(`(?i)\b(?:https?|ftp|file)://[^\s"')]+`)
	remCommentRe        = regexp.MustCompile(`(?i)^rem(\s|$)`)
)

// Scanner holds the compiled denylist and suspicious-pattern list.
// A Scanner is immutable after construction and safe for concurrent use.
type Scanner struct {
	deny       []rule
	suspicious []rule
	dialect    host.Dialect
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithRules appends extra deny and suspicious entries. Entries must already
// be validated; use LoadRules or ParseRules.
func WithRules(r Rules) Option {
	return func(s *Scanner) {
		for _, e := range r.Deny {
			s.deny = append(s.deny, compileRule(e.Pattern, e.Category, LevelDangerous, e.Description))
		}
		for _, e := range r.Suspicious {
			s.suspicious = append(s.suspicious, compileRule(e.Pattern, e.Category, LevelMedium, e.Description))
		}
	}
}

// WithDialect selects which comment markers are skipped. The default is VBA.
func WithDialect(d host.Dialect) Option {
	return func(s *Scanner) { s.dialect = d }
}

// NewScanner builds a scanner with the default lists plus any options.
func NewScanner(opts ...Option) *Scanner {
	s := &Scanner{dialect: host.DialectVBA}
	for _, e := range defaultDeny {
		s.deny = append(s.deny, compileRule(e.Pattern, e.Category, LevelDangerous, e.Description))
	}
	for _, e := range defaultSuspicious {
		s.suspicious = append(s.suspicious, compileRule(e.Pattern, e.Category, LevelMedium, e.Description))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var defaultScanner = NewScanner()

// ForDialect returns a scanner with the same rules that skips d's comments.
func (s *Scanner) ForDialect(d host.Dialect) *Scanner {
	if s.dialect == d {
		return s
	}
	c := *s
	c.dialect = d
	return &c
}

// Dialect reports whose comment syntax the scanner skips.
func (s *Scanner) Dialect() host.Dialect {
	return s.dialect
}

// Scan runs the default scanner.
func Scan(text string) ScanResult {
	return defaultScanner.Scan(text)
}

// Denylist returns the forbidden identifiers, in list order.
func (s *Scanner) Denylist() []string {
	out := make([]string, 0, len(s.deny))
	for _, r := range s.deny {
		out = append(out, r.pattern)
	}
	return out
}

// Scan inspects text line by line. It never fails; unparsable input is just
// text with no matches.
func (s *Scanner) Scan(text string) ScanResult {
	var issues []Issue

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isComment(s.dialect, trimmed) {
			continue
		}
		lineNo := i + 1

		for _, r := range s.deny {
			if r.re.MatchString(trimmed) {
				issues = append(issues, r.issue(trimmed, lineNo))
			}
		}
		for _, r := range s.suspicious {
			if r.re.MatchString(trimmed) {
				issues = append(issues, r.issue(trimmed, lineNo))
			}
		}
		if m := executableLiteralRe.FindString(trimmed); m != "" {
			issues = append(issues, Issue{
				Category:    CategoryExternalExecution,
				Level:       LevelHigh,
				Description: fmt.Sprintf("reference to executable file %s", m),
				CodeSnippet: snippet(trimmed),
				LineNumber:  lineNo,
				Suggestion:  CategoryExternalExecution.suggestion(),
			})
		}
		if m := urlLiteralRe.FindString(trimmed); m != "" {
			issues = append(issues, Issue{
				Category:    CategoryNetworkAccess,
				Level:       LevelMedium,
				Description: fmt.Sprintf("URL literal %s", m),
				CodeSnippet: snippet(trimmed),
				LineNumber:  lineNo,
				Suggestion:  CategoryNetworkAccess.suggestion(),
			})
		}
	}

	level := LevelSafe
	for _, is := range issues {
		if is.Level > level {
			level = is.Level
		}
	}

	safe := level < LevelHigh && !(level == LevelMedium && len(issues) > mediumTolerance)
	return ScanResult{
		Safe:    safe,
		Issues:  issues,
		Level:   level,
		Summary: summarize(issues, safe),
	}
}

func (r rule) issue(line string, lineNo int) Issue {
	desc := r.description
	if desc == "" {
		desc = fmt.Sprintf("use of %s", r.pattern)
	}
	return Issue{
		Category:    r.category,
		Level:       r.level,
		Description: desc,
		CodeSnippet: snippet(line),
		LineNumber:  lineNo,
		Suggestion:  r.category.suggestion(),
	}
}

func compileRule(pattern string, category Category, level Level, description string) rule {
	return rule{
		pattern:     pattern,
		re:          regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(pattern) + `\b`),
		category:    category,
		level:       level,
		description: description,
	}
}

// isComment recognizes the line comments of d only.
func isComment(d host.Dialect, trimmed string) bool {
	if d == host.DialectGo {
		return strings.HasPrefix(trimmed, "//")
	}
	return strings.HasPrefix(trimmed, "'") || remCommentRe.MatchString(trimmed)
}

func snippet(line string) string {
	if utf8.RuneCountInString(line) <= maxSnippet {
		return line
	}
	r := []rune(line)
	return string(r[:maxSnippet]) + "..."
}

func summarize(issues []Issue, safe bool) string {
	if len(issues) == 0 {
		return "No security issues found."
	}

	counts := make(map[Level]int)
	for _, is := range issues {
		counts[is.Level]++
	}
	var parts []string
	for l := LevelDangerous; l >= LevelLow; l-- {
		if n := counts[l]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, l))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d issue(s): %s.", len(issues), strings.Join(parts, ", "))
	if safe {
		b.WriteString(" Script allowed with warnings.")
	} else {
		b.WriteString(" Script rejected: remove the flagged constructs, or rephrase the request so the script only reads and writes workbook ranges.")
	}
	return b.String()
}
