// Package contentfilter implements the built-in URL/domain/keyword/MIME
// content filter module (spec.md §4.3.3). It is the simplest of the two
// built-in scanning modules and the primary home for regex-based policy.
package contentfilter

import (
	"encoding/json"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ppomes/g3icap-go/internal/icap"
	"github.com/ppomes/g3icap-go/internal/icap/response"
	"github.com/ppomes/g3icap-go/internal/module"
)

const Version = "1.0.0"

// Module is the content filter adaptation module.
type Module struct {
	gen   *response.Generator
	cfg   Config
	cache *regexCache
	stats *stats

	domainSet    map[string]struct{}
	keywordSet   map[string]struct{}
	mimeSet      []string
	extSet       map[string]struct{}
	domainRegex  []*regexp.Regexp
	keywordRegex []*regexp.Regexp
}

// New builds a content filter module from cfg. Regex patterns are compiled
// eagerly here (and re-cached on every Init/Reload) so a bad pattern fails
// fast at registration instead of on the first matching request.
func New(gen *response.Generator, cfg Config) (*Module, error) {
	m := &Module{gen: gen, stats: newStats()}
	if err := m.configure(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) Name() string          { return "content-filter" }
func (m *Module) ModuleVersion() string { return Version }

func (m *Module) SupportedMethods() []module.Method {
	return []module.Method{icap.REQMOD, icap.RESPMOD, icap.OPTIONS}
}

// Init decodes cfg.Payload into a Config (via a JSON round-trip, since the
// payload arrives as a generic map from viper/YAML) and reconfigures the
// module in place — this is what Registry.Reload calls on a config-file
// change.
func (m *Module) Init(cfg module.Config) error {
	var fc Config
	if len(cfg.Payload) > 0 {
		b, err := json.Marshal(cfg.Payload)
		if err != nil {
			return module.NewError(module.ErrInitFailed, m.Name(), err.Error())
		}
		fc = DefaultConfig()
		if err := json.Unmarshal(b, &fc); err != nil {
			return module.NewError(module.ErrInitFailed, m.Name(), err.Error())
		}
	} else {
		fc = m.cfg
	}
	if err := m.configure(fc); err != nil {
		return module.NewError(module.ErrInitFailed, m.Name(), err.Error())
	}
	return nil
}

func (m *Module) configure(cfg Config) error {
	cache := newRegexCache(cfg.RegexCacheSize)

	domainSet := toSet(cfg.BlockedDomains, cfg.CaseInsensitive)
	keywordSet := toSet(cfg.BlockedKeywords, cfg.CaseInsensitive)
	extSet := toSet(cfg.BlockedExtensions, true)

	patterns := cfg.BlockedKeywordPatterns
	if cfg.EnableDefaultInjectionPatterns {
		patterns = append(append([]string{}, patterns...), DefaultInjectionPatterns()...)
	}

	var domainRegex, keywordRegex []*regexp.Regexp
	if cfg.EnableRegex {
		for _, p := range cfg.BlockedDomainPatterns {
			re, err := cache.compile(p, cfg.CaseInsensitive)
			if err != nil {
				return err
			}
			domainRegex = append(domainRegex, re)
		}
		for _, p := range patterns {
			re, err := cache.compile(p, cfg.CaseInsensitive)
			if err != nil {
				return err
			}
			keywordRegex = append(keywordRegex, re)
		}
	}

	m.cfg = cfg
	m.cache = cache
	m.domainSet = domainSet
	m.keywordSet = keywordSet
	m.mimeSet = cfg.BlockedMimeTypes
	m.extSet = extSet
	m.domainRegex = domainRegex
	m.keywordRegex = keywordRegex
	return nil
}

func toSet(items []string, caseInsensitive bool) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		if caseInsensitive {
			it = strings.ToLower(it)
		}
		set[it] = struct{}{}
	}
	return set
}

func (m *Module) HandleREQMOD(req *icap.Request) (*icap.Response, error) {
	return m.handle(req)
}

func (m *Module) HandleRESPMOD(req *icap.Request) (*icap.Response, error) {
	return m.handle(req)
}

func (m *Module) handle(req *icap.Request) (*icap.Response, error) {
	start := time.Now()
	blocked, reason, detail := m.decide(req)
	micros := time.Since(start).Microseconds()

	if !blocked {
		m.stats.recordAllow(micros)
		return m.gen.NoModifications(req.Encapsulated), nil
	}
	m.stats.recordBlock(reason, micros)
	return m.buildBlockResponse(reason, detail), nil
}

// decide runs the short-circuit decision procedure from spec.md §4.3.3.
func (m *Module) decide(req *icap.Request) (blocked bool, reason BlockReason, detail string) {
	p := req.Encapsulated
	if p == nil {
		return false, "", ""
	}

	// Step 1: Host header domain match.
	if p.ReqHdr != nil {
		if host := p.ReqHdr.Header.Get("Host"); host != "" {
			hostKey := host
			if m.cfg.CaseInsensitive {
				hostKey = strings.ToLower(hostKey)
			}
			if _, ok := m.domainSet[hostKey]; ok {
				return true, ReasonDomain, "Blocked domain: " + host
			}
			for ex := range m.domainSet {
				if strings.Contains(hostKey, ex) {
					return true, ReasonDomain, "Blocked domain: " + host
				}
			}
			for _, re := range m.domainRegex {
				if re.MatchString(host) {
					return true, ReasonDomain, "Blocked domain: " + host
				}
			}
		}
	}

	// Step 2: request-URI keyword match.
	uri := requestURI(p)
	if uri != "" {
		uriKey := uri
		if m.cfg.CaseInsensitive {
			uriKey = strings.ToLower(uriKey)
		}
		for kw := range m.keywordSet {
			if strings.Contains(uriKey, kw) {
				return true, ReasonKeyword, "Blocked keyword in URI: " + kw
			}
		}
		for _, re := range m.keywordRegex {
			if re.MatchString(uri) {
				return true, ReasonKeyword, "Blocked keyword pattern in URI"
			}
		}
	}

	// Step 3: MIME type and file extension.
	if ct := contentType(p); ct != "" {
		for _, mt := range m.mimeSet {
			if strings.Contains(strings.ToLower(ct), strings.ToLower(mt)) {
				return true, ReasonMime, "Blocked MIME type: " + ct
			}
		}
	}
	if uri != "" {
		ext := strings.TrimPrefix(path.Ext(uriPath(uri)), ".")
		if ext != "" {
			if _, ok := m.extSet[strings.ToLower(ext)]; ok {
				return true, ReasonExtension, "Blocked extension: " + ext
			}
		}
	}

	// Step 4: file size, by declared Content-Length or actual body size.
	_, body, _ := p.Body()
	if m.cfg.MaxFileSize != nil {
		max := *m.cfg.MaxFileSize
		if cl := contentLength(p); cl > max {
			return true, ReasonFileSize, "Content-Length exceeds maximum allowed size"
		}
		if int64(len(body)) > max {
			return true, ReasonFileSize, "Body exceeds maximum allowed size"
		}
	}

	// Step 5: body keyword scan, lossy UTF-8.
	if len(body) > 0 && (len(m.keywordSet) > 0 || len(m.keywordRegex) > 0) {
		text := toLossyUTF8(body)
		textKey := text
		if m.cfg.CaseInsensitive {
			textKey = strings.ToLower(textKey)
		}
		for kw := range m.keywordSet {
			if strings.Contains(textKey, kw) {
				return true, ReasonBodyKeyword, "Blocked keyword in body: " + kw
			}
		}
		for _, re := range m.keywordRegex {
			if re.MatchString(text) {
				return true, ReasonBodyKeyword, "Blocked keyword pattern in body"
			}
		}
	}

	return false, "", ""
}

func (m *Module) buildBlockResponse(reason BlockReason, detail string) *icap.Response {
	msg := detail
	if m.cfg.CustomMessage != "" {
		msg = m.cfg.CustomMessage
	}
	switch m.cfg.BlockingAction.Kind {
	case ActionNotFound:
		return m.gen.NotFound(msg)
	case ActionCustomCode:
		switch m.cfg.BlockingAction.CustomCode {
		case 403:
			return m.gen.Forbidden(msg)
		case 404:
			return m.gen.NotFound(msg)
		case 409:
			return m.gen.Conflict(msg)
		case 415:
			return m.gen.UnsupportedMediaType(msg)
		default:
			return m.gen.Forbidden(msg)
		}
	case ActionRedirect:
		return m.gen.Found(m.cfg.BlockingAction.RedirectURL)
	case ActionReplace:
		r := m.gen.OK(&icap.EncapsulatedPayload{NullBody: true})
		r.Body = m.cfg.BlockingAction.ReplaceBody
		return r
	default:
		return m.gen.Forbidden(msg)
	}
}

func (m *Module) HandleOPTIONS(req *icap.Request) (*icap.Response, error) {
	return m.gen.Options(response.OptionsCapabilities{
		Methods:          []string{"REQMOD", "RESPMOD", "OPTIONS"},
		Service:          "Content Filter Module",
		OptionsTTLSeconds: 3600,
		TransferComplete: "*",
		Extra: map[string]string{
			"X-Content-Filter-Domains":  strconv.Itoa(len(m.domainSet)),
			"X-Content-Filter-Keywords": strconv.Itoa(len(m.keywordSet)),
		},
	}), nil
}

func (m *Module) IsHealthy() bool { return m.cache != nil }

func (m *Module) GetMetrics() module.Metrics {
	snap := m.stats.snapshot()
	var errRate float64
	if snap.Total > 0 {
		errRate = float64(snap.Blocked) / float64(snap.Total)
	}
	var avg time.Duration
	if snap.Total > 0 {
		avg = time.Duration(snap.CumulativeMicros/snap.Total) * time.Microsecond
	}
	return module.Metrics{RequestsTotal: snap.Total, AvgLatency: avg, ErrorRate: errRate}
}

func (m *Module) Cleanup() error { return nil }

// Stats exposes the content filter's decision counters for the admin
// surface's external read-only interface (spec.md §6.3).
func (m *Module) Stats() Snapshot { return m.stats.snapshot() }

func requestURI(p *icap.EncapsulatedPayload) string {
	if p.ReqHdr == nil {
		return ""
	}
	parts := strings.SplitN(p.ReqHdr.FirstLine, " ", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func uriPath(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	return uri
}

func contentType(p *icap.EncapsulatedPayload) string {
	if p.ResHdr != nil {
		if ct := p.ResHdr.Header.Get("Content-Type"); ct != "" {
			return ct
		}
	}
	if p.ReqHdr != nil {
		return p.ReqHdr.Header.Get("Content-Type")
	}
	return ""
}

func contentLength(p *icap.EncapsulatedPayload) int64 {
	var raw string
	if p.ResHdr != nil {
		raw = p.ResHdr.Header.Get("Content-Length")
	}
	if raw == "" && p.ReqHdr != nil {
		raw = p.ReqHdr.Header.Get("Content-Length")
	}
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// toLossyUTF8 replicates spec.md §4.3.3 step 5's "scan the body as
// lossy-UTF-8": invalid byte sequences are replaced with the Unicode
// replacement character rather than rejected, matching Rust's
// String::from_utf8_lossy the original source used.
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
