// Package stages provides the default stage handlers used when tailor runs
// without external agents. They produce small deterministic documents and
// exercise every coordinator feature: gates, progress text and fan-out.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/tailor/internal/cache"
	"github.com/dyluth/tailor/pkg/stage"
	"golang.org/x/sync/errgroup"
)

// Gate names asked by the default handlers.
const (
	GateProfileConfirm = "profile_confirm"
	GateFinalApproval  = "final_approval"
)

// Finding is one fact a research source contributed about the candidate.
type Finding struct {
	Source string `json:"source"`
	Fact   string `json:"fact"`
}

// Source looks up public information about a candidate.
type Source interface {
	Name() string
	Lookup(ctx context.Context, ownerID string) ([]Finding, error)
}

// Options configures the default handlers.
type Options struct {
	Sources     []Source
	Cache       *cache.Cache[[]Finding]
	Parallelism int
	Now         func() time.Time
}

// Defaults returns a handler for every stage of the default order.
func Defaults(opts Options) map[stage.Name]stage.Handler {
	if opts.Cache == nil {
		opts.Cache = cache.New[[]Finding](0, 0)
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.Sources) == 0 {
		opts.Sources = []Source{StaticSource{SourceName: "profile", Facts: []string{"Public profile found"}}}
	}

	r := &research{sources: opts.Sources, cache: opts.Cache, parallelism: opts.Parallelism}
	return map[stage.Name]stage.Handler{
		stage.Intake:         stage.HandlerFunc(intakeHandler(opts.Now)),
		stage.Positioning:    stage.HandlerFunc(positioning),
		stage.Research:       r,
		stage.GapAnalysis:    stage.HandlerFunc(gapAnalysis),
		stage.Blueprint:      stage.HandlerFunc(blueprint),
		stage.SectionWriting: &sectionWriter{parallelism: opts.Parallelism},
		stage.QualityReview:  stage.HandlerFunc(qualityReview),
		stage.Export:         stage.HandlerFunc(export),
	}
}

// StaticSource returns a fixed set of facts.
type StaticSource struct {
	SourceName string
	Facts      []string
}

func (s StaticSource) Name() string { return s.SourceName }

func (s StaticSource) Lookup(ctx context.Context, ownerID string) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	findings := make([]Finding, len(s.Facts))
	for i, f := range s.Facts {
		findings[i] = Finding{Source: s.SourceName, Fact: f}
	}
	return findings, nil
}

type profile struct {
	OwnerID    string `json:"owner_id"`
	ReceivedAt string `json:"received_at"`
}

func intakeHandler(now func() time.Time) func(context.Context, stage.Input) (stage.Result, error) {
	return func(ctx context.Context, in stage.Input) (stage.Result, error) {
		in.Report("Reading your details")
		return stage.Done("profile", profile{OwnerID: in.OwnerID, ReceivedAt: now().UTC().Format(time.RFC3339)})
	}
}

type positioningDoc struct {
	Headline string   `json:"headline"`
	Themes   []string `json:"themes"`
}

func positioning(ctx context.Context, in stage.Input) (stage.Result, error) {
	var p profile
	if err := decode(in, stage.Intake, &p); err != nil {
		return stage.Result{}, err
	}
	in.Report("Choosing how to position you")
	return stage.Done("positioning", positioningDoc{
		Headline: fmt.Sprintf("Candidate %s", p.OwnerID),
		Themes:   []string{"impact", "ownership"},
	})
}

type research struct {
	sources     []Source
	cache       *cache.Cache[[]Finding]
	parallelism int
}

type researchBrief struct {
	Findings  []Finding       `json:"findings"`
	Confirmed json.RawMessage `json:"confirmed"`
}

// Run looks the candidate up in every source, then asks the user to confirm
// the profile it found before completing.
func (r *research) Run(ctx context.Context, in stage.Input) (stage.Result, error) {
	findings, err := r.cache.GetOrLoad(ctx, in.OwnerID, func(ctx context.Context) ([]Finding, error) {
		in.Report("Searching public sources")
		return r.lookup(ctx, in.OwnerID)
	})
	if err != nil {
		return stage.Result{}, err
	}

	confirmed, ok := in.Response(GateProfileConfirm)
	if !ok {
		return stage.AskGate(GateProfileConfirm, map[string]interface{}{
			"found":    len(findings) > 0,
			"findings": findings,
		})
	}
	return stage.Done("research_brief", researchBrief{Findings: findings, Confirmed: confirmed})
}

func (r *research) lookup(ctx context.Context, ownerID string) ([]Finding, error) {
	results := make([][]Finding, len(r.sources))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, src := range r.sources {
		g.Go(func() error {
			found, err := src.Lookup(ctx, ownerID)
			if err != nil {
				return stage.Transient(fmt.Errorf("source %s: %w", src.Name(), err), 0)
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Finding
	for _, found := range results {
		all = append(all, found...)
	}
	return all, nil
}

type gapReport struct {
	Strengths []string `json:"strengths"`
	Gaps      []string `json:"gaps"`
}

func gapAnalysis(ctx context.Context, in stage.Input) (stage.Result, error) {
	var pos positioningDoc
	if err := decode(in, stage.Positioning, &pos); err != nil {
		return stage.Result{}, err
	}
	var brief researchBrief
	if err := decode(in, stage.Research, &brief); err != nil {
		return stage.Result{}, err
	}

	report := gapReport{}
	for _, f := range brief.Findings {
		report.Strengths = append(report.Strengths, f.Fact)
	}
	if len(brief.Findings) < len(pos.Themes) {
		report.Gaps = append(report.Gaps, "Few public examples back the chosen themes")
	}
	in.Report("Comparing your profile with the role")
	return stage.Done("gap_report", report)
}

type blueprintDoc struct {
	Sections []string `json:"sections"`
}

func blueprint(ctx context.Context, in stage.Input) (stage.Result, error) {
	var gaps gapReport
	if err := decode(in, stage.GapAnalysis, &gaps); err != nil {
		return stage.Result{}, err
	}
	sections := []string{"summary", "experience", "skills"}
	if len(gaps.Gaps) > 0 {
		sections = append(sections, "projects")
	}
	return stage.Done("blueprint", blueprintDoc{Sections: sections})
}

type sectionWriter struct {
	parallelism int
}

type draft struct {
	Sections map[string]string `json:"sections"`
}

// Run writes every blueprint section concurrently.
func (w *sectionWriter) Run(ctx context.Context, in stage.Input) (stage.Result, error) {
	var bp blueprintDoc
	if err := decode(in, stage.Blueprint, &bp); err != nil {
		return stage.Result{}, err
	}
	var pos positioningDoc
	if err := decode(in, stage.Positioning, &pos); err != nil {
		return stage.Result{}, err
	}

	texts := make([]string, len(bp.Sections))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)
	for i, name := range bp.Sections {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			texts[i] = fmt.Sprintf("%s: %s", strings.ToUpper(name[:1])+name[1:], pos.Headline)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stage.Result{}, err
	}

	d := draft{Sections: make(map[string]string, len(texts))}
	for i, name := range bp.Sections {
		d.Sections[name] = texts[i]
		in.Report(fmt.Sprintf("Wrote %s. ", name))
	}
	return stage.Done("draft", d)
}

type review struct {
	Approved bool     `json:"approved"`
	Notes    []string `json:"notes,omitempty"`
}

func qualityReview(ctx context.Context, in stage.Input) (stage.Result, error) {
	var d draft
	if err := decode(in, stage.SectionWriting, &d); err != nil {
		return stage.Result{}, err
	}

	answer, ok := in.Response(GateFinalApproval)
	if !ok {
		names := make([]string, 0, len(d.Sections))
		for name := range d.Sections {
			names = append(names, name)
		}
		sort.Strings(names)
		return stage.AskGate(GateFinalApproval, map[string]interface{}{"sections": names})
	}

	var r review
	if err := json.Unmarshal(answer, &r); err != nil {
		return stage.Result{}, stage.Validation(fmt.Errorf("final approval answer: %w", err))
	}
	return stage.Done("review", r)
}

type exported struct {
	Format   string `json:"format"`
	Document string `json:"document"`
}

func export(ctx context.Context, in stage.Input) (stage.Result, error) {
	var d draft
	if err := decode(in, stage.SectionWriting, &d); err != nil {
		return stage.Result{}, err
	}
	var r review
	if err := decode(in, stage.QualityReview, &r); err != nil {
		return stage.Result{}, err
	}
	if !r.Approved {
		return stage.Result{}, stage.Validation(fmt.Errorf("draft was not approved"))
	}

	names := make([]string, 0, len(d.Sections))
	for name := range d.Sections {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", name, d.Sections[name])
	}
	return stage.Done("export", exported{Format: "markdown", Document: b.String()})
}

// decode reads the output of an earlier stage.
func decode(in stage.Input, from stage.Name, v interface{}) error {
	raw, ok := in.Outputs[from]
	if !ok {
		return stage.Validation(fmt.Errorf("missing output of %s", from))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return stage.Validation(fmt.Errorf("decode %s output: %w", from, err))
	}
	return nil
}
