// Package pipeline implements the ordered-stage adaptation pipeline
// (spec.md §4.4 / C4): stages run sequentially over a per-request context,
// short-circuiting on the first stage error (fail-fast) or the first stage
// that reaches a terminal decision (a block, redirect, or rewrite), and the
// resulting response — or a synthesised 204 — becomes the pipeline's
// output.
package pipeline

import (
	"time"

	"github.com/ppomes/g3icap-go/internal/icap"
	"github.com/ppomes/g3icap-go/internal/icap/response"
)

// StageType enumerates the kinds of stage a pipeline can hold.
type StageType int

const (
	StageContentFilter StageType = iota
	StageAntivirusScan
	StageContentTransform
	StageLogging
	StageCustom
)

// Stage is one step of the pipeline (spec.md §4.4). CanHandle lets a
// pipeline skip a stage whose declared content types don't match the
// encapsulated message, without treating the skip as an error.
type Stage interface {
	Name() string
	StageType() StageType
	CanHandle(contentType string) bool
	Process(ctx *Context) error
	Init(cfg map[string]any) error
	Cleanup() error
}

// StageResult records one stage's outcome, appended to Context.Results in
// execution order (spec.md §3.1 data model).
type StageResult struct {
	StageName string
	Duration  time.Duration
	Success   bool
	Error     string
	Metadata  map[string]any
}

// Context owns one request for the pipeline's duration: the incoming
// request, mutable metadata, the accumulating result list, and — once a
// stage produces one — the response (spec.md §3.1/§3.2: "the pipeline...
// mutates the context's response field").
type Context struct {
	Request      *icap.Request
	Metadata     map[string]any
	Results      []StageResult
	StartTime    time.Time
	CurrentStage string
	Response     *icap.Response
}

// Terminal reports whether a stage has already reached a final decision on
// this request: any response other than the 204 "no modifications"
// pass-through (a block, a redirect, a rewrite). Execute uses this to
// short-circuit the stage list once a decision has been made.
func (c *Context) Terminal() bool {
	return c.Response != nil && c.Response.StatusCode != 204
}

// NewContext creates a Context for req with an empty metadata map and
// result list and a start timestamp of now.
func NewContext(req *icap.Request) *Context {
	return &Context{Request: req, Metadata: make(map[string]any), StartTime: time.Now()}
}

// Config configures a Pipeline: an ordered stage list plus timing and
// concurrency knobs. Parallel is advisory only — spec.md §4.4/§9 note the
// source never actually implemented parallel stage execution, and this
// implementation follows the spec's preferred default of sequential
// execution regardless of the flag's value.
type Config struct {
	Name          string
	Stages        []Stage
	Timeout       time.Duration
	Parallel      bool
	MaxConcurrent int
}

// Pipeline runs Config.Stages in order over a Context.
type Pipeline struct {
	cfg     Config
	metrics *Metrics
	gen     *response.Generator
}

// New builds a Pipeline. gen is used to synthesise the default 204 when no
// stage produced a response.
func New(cfg Config, gen *response.Generator) *Pipeline {
	return &Pipeline{cfg: cfg, metrics: NewMetrics(), gen: gen}
}

// Metrics returns the pipeline's running metrics snapshot.
func (p *Pipeline) Metrics() MetricsSnapshot { return p.metrics.Snapshot() }

// Execute runs stages in order against ctx, stopping at the first stage
// error (fail-fast, spec.md §4.4's default continuation policy) or the
// first stage that reaches a terminal decision (spec.md C4: a block,
// redirect, or rewrite short-circuits every later stage, including
// advisory ones). The caller (internal/server) is responsible for
// translating a returned error into an ICAP response per spec.md §7. On
// success, ctx.Response holds whichever stage set it, or a synthesised 204
// if none did.
func (p *Pipeline) Execute(ctx *Context) error {
	start := time.Now()
	var stageErr error

	for _, stage := range p.cfg.Stages {
		if !stage.CanHandle(contentTypeOf(ctx.Request)) {
			continue
		}

		ctx.CurrentStage = stage.Name()
		stageStart := time.Now()
		err := stage.Process(ctx)
		dur := time.Since(stageStart)

		result := StageResult{StageName: stage.Name(), Duration: dur, Success: err == nil}
		if err != nil {
			result.Error = err.Error()
		}
		ctx.Results = append(ctx.Results, result)
		p.metrics.recordStage(err == nil, dur)

		if err != nil {
			stageErr = err
			break
		}
		if ctx.Terminal() {
			break
		}
	}

	p.metrics.recordRequest(time.Since(start), stageErr == nil)

	if stageErr != nil {
		return stageErr
	}
	if ctx.Response == nil {
		ctx.Response = p.gen.NoModifications(nil)
	}
	return nil
}

// contentTypeOf extracts the encapsulated message's Content-Type, from
// whichever header section carries one, for Stage.CanHandle gating.
func contentTypeOf(req *icap.Request) string {
	if req == nil || req.Encapsulated == nil {
		return ""
	}
	p := req.Encapsulated
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
