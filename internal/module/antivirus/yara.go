package antivirus

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// yaraRule is one loaded rule: a name, a priority (default 5, overridable
// via "meta: priority = N"), and its declared tags. Per spec.md §4.3.4's
// "YARA scanning semantics" note, the source labels a keyword search as
// YARA rather than binding a real libyara; this implementation preserves
// that documented behaviour (the spec explicitly permits it) while being
// honest about it in naming and comments.
type yaraRule struct {
	name     string
	priority int
	tags     []string
}

// yaraKeywords is the hard-coded signature list the keyword-search
// heuristic matches against, taken verbatim from spec.md §4.3.4.
var yaraKeywords = []string{"malware", "virus", "trojan", "ransomware", "worm", "spyware", "rootkit", "keylogger", "backdoor", "exploit"}

// YARAEngine loads up to MaxRules rule files from RulesDir and scans file
// contents against yaraKeywords, weighting matches by each rule's
// priority.
type YARAEngine struct {
	RulesDir          string
	Timeout           time.Duration
	MaxRules          int
	EnableCompilation bool

	rules   []yaraRule
	healthy bool
}

func (e *YARAEngine) Init() error {
	entries, err := os.ReadDir(e.RulesDir)
	if err != nil {
		return fmt.Errorf("yara: cannot read rules dir %s: %w", e.RulesDir, err)
	}
	max := e.MaxRules
	if max <= 0 {
		max = len(entries)
	}
	var rules []yaraRule
	for _, ent := range entries {
		if len(rules) >= max {
			break
		}
		if ent.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(ent.Name()))
		if ext != ".yar" && ext != ".yara" {
			continue
		}
		f, err := os.Open(filepath.Join(e.RulesDir, ent.Name()))
		if err != nil {
			continue
		}
		parsed, err := parseYaraFile(f)
		f.Close()
		if err != nil {
			continue
		}
		rules = append(rules, parsed...)
	}
	e.rules = rules
	e.healthy = true
	return nil
}

// parseYaraFile extracts "rule NAME { ... }" blocks, reading "meta:"
// key/value pairs (looking specifically for "priority = N") and a "tags:"
// list, per spec.md §4.3.4. It is a line-oriented extractor, not a real
// YARA grammar parser — adequate for the heuristic engine this module
// implements.
func parseYaraFile(f *os.File) ([]yaraRule, error) {
	scanner := bufio.NewScanner(f)
	var rules []yaraRule
	var current *yaraRule
	inMeta := false

	flush := func() {
		if current != nil {
			rules = append(rules, *current)
			current = nil
		}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "rule "):
			flush()
			name := strings.TrimPrefix(line, "rule ")
			name = strings.TrimSpace(strings.SplitN(name, "{", 2)[0])
			name = strings.Fields(name)[0]
			current = &yaraRule{name: name, priority: 5}
			inMeta = false
		case strings.HasPrefix(line, "meta:"):
			inMeta = true
		case strings.HasPrefix(line, "strings:") || strings.HasPrefix(line, "condition:"):
			inMeta = false
		case current != nil && inMeta && strings.Contains(line, "="):
			parts := strings.SplitN(line, "=", 2)
			key := strings.ToLower(strings.TrimSpace(parts[0]))
			val := strings.Trim(strings.TrimSpace(parts[1]), `"`)
			if key == "priority" {
				if p, err := strconv.Atoi(val); err == nil {
					current.priority = p
				}
			}
		case current != nil && strings.HasPrefix(line, "tags:"):
			tagStr := strings.TrimSpace(strings.TrimPrefix(line, "tags:"))
			for _, t := range strings.Split(tagStr, ",") {
				t = strings.TrimSpace(t)
				if t != "" {
					current.tags = append(current.tags, t)
				}
			}
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

type yaraMatch struct {
	rule     yaraRule
	priority int
}

// ScanFile lowers the body to lossy-UTF-8 and tests it against
// yaraKeywords for each loaded rule, sorting any matches
// priority-descending and naming the threat after the top match — the
// exact behaviour spec.md §4.3.4 specifies for this heuristic engine.
func (e *YARAEngine) ScanFile(data []byte, filename string) (ScanResult, error) {
	start := time.Now()
	text := strings.ToLower(toLossyUTF8(data))

	var hit bool
	for _, kw := range yaraKeywords {
		if strings.Contains(text, kw) {
			hit = true
			break
		}
	}

	res := ScanResult{Engine: "yara", ScanDuration: time.Since(start), ScannedBytes: int64(len(data)), Clean: true}
	if !hit {
		return res, nil
	}

	var matches []yaraMatch
	for _, r := range e.rules {
		matches = append(matches, yaraMatch{rule: r, priority: r.priority})
	}
	if len(matches) == 0 {
		// No rules loaded but the keyword list still matched: report a
		// generic heuristic hit rather than silently passing it through.
		res.Clean = false
		res.ThreatName = "Heuristic.Keyword.Match"
		res.ThreatKind = "heuristic"
		return res, nil
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].priority > matches[j].priority })

	res.Clean = false
	res.ThreatName = matches[0].rule.name
	res.ThreatKind = "yara"
	res.Metadata = map[string]any{"tags": matches[0].rule.tags, "priority": matches[0].priority}
	return res, nil
}

func (e *YARAEngine) IsHealthy() bool { return e.healthy }

func (e *YARAEngine) UpdateDefinitions() error { return e.Init() }

func (e *YARAEngine) GetVersion() string {
	return fmt.Sprintf("yara-engine/keyword-heuristic(rules=%d)", len(e.rules))
}

// toLossyUTF8 mirrors contentfilter's helper; duplicated locally to avoid
// a cross-package dependency between two independently-owned built-ins.
func toLossyUTF8(body []byte) string {
	if utf8.Valid(body) {
		return string(body)
	}
	var b strings.Builder
	b.Grow(len(body))
	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		b.WriteRune(r)
		body = body[size:]
	}
	return b.String()
}
