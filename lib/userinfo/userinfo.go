// Package userinfo executes the ordered, authenticated request steps that
// assemble a user-account record when no single page carries every field.
// Steps run strictly one at a time; a step whose fields are all known
// already is skipped without issuing its request.
package userinfo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ptengine/lib/login"
	"ptengine/lib/ruleset"
	"ptengine/lib/selector"
	"ptengine/lib/transport"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("ptengine/userinfo")

// ErrNotSupported distinguishes "this site declares no user-info steps"
// from a failure.
var ErrNotSupported = errors.New("user info not supported")

// ErrUnresolvedDependency is raised when a step's assertion names a field
// no earlier step produced. The engine never infers an extra bootstrap
// request; the site's first step has to supply its own dependencies.
var ErrUnresolvedDependency = errors.New("unresolved step dependency")

// Pipeline runs the user-info protocol for one site.
type Pipeline struct {
	client   transport.Doer
	rules    *ruleset.RuleSet
	detector *login.Detector
}

func New(client transport.Doer, rules *ruleset.RuleSet, detector *login.Detector) *Pipeline {
	return &Pipeline{client: client, rules: rules, detector: detector}
}

// Run executes the step list. prior seeds the accumulator with the
// fields the site declares as carry-overs (pickLast), so the step that
// derives them is skipped on subsequent runs.
//
// On error the partial accumulator is returned alongside it; callers keep
// whatever fields were resolved before the failure.
func (p *Pipeline) Run(ctx context.Context, prior map[string]any) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "userinfo:Run")
	defer span.End()

	ui := p.rules.UserInfo
	if ui == nil || len(ui.Process) == 0 {
		return nil, ErrNotSupported
	}

	acc := map[string]any{}
	resolved := map[string]struct{}{}
	for _, field := range ui.PickLast {
		v, ok := prior[field]
		if !ok || v == nil {
			continue
		}
		acc[field] = v
		resolved[field] = struct{}{}
	}

	issued := 0
	for i, step := range ui.Process {
		missing := missingFields(step.Fields, resolved)
		if len(missing) == 0 {
			span.AddEvent("step skipped", trace.WithAttributes(attribute.Int("step", i)))
			continue
		}

		req, err := p.buildRequest(&step, acc)
		if err != nil {
			return acc, err
		}

		if issued > 0 && ui.RequestDelayMs > 0 {
			select {
			case <-time.After(time.Duration(ui.RequestDelayMs) * time.Millisecond):
			case <-ctx.Done():
				return acc, ctx.Err()
			}
		}

		res, err := p.client.Do(ctx, req)
		issued++
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, fmt.Sprintf("step %d request failed", i))
			return acc, err
		}
		if p.detector != nil && !p.detector.LoggedIn(res) {
			return acc, login.ErrNeedLogin
		}

		c, err := stepContext(&step, res)
		if err != nil {
			return acc, err
		}
		if err := p.extractInto(c, missing, acc, resolved); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, fmt.Sprintf("step %d extraction failed", i))
			return acc, err
		}
	}

	span.SetAttributes(attribute.Int("fields", len(acc)))
	return acc, nil
}

// buildRequest instantiates the step's request template, substituting the
// assertion fields: either into a $path$ placeholder in the URL or into
// the parameter bag.
func (p *Pipeline) buildRequest(step *ruleset.UserInfoStep, acc map[string]any) (*transport.RequestConfig, error) {
	req := &transport.RequestConfig{
		Method:       step.Request.Method,
		BaseURL:      p.rules.URL,
		URL:          step.Request.Path,
		BodyType:     step.Request.BodyType,
		ResponseType: step.Request.ResponseType,
		Headers:      step.Request.Headers,
	}
	req = req.Clone()
	for k, v := range step.Request.Params {
		if req.Params == nil {
			req.Params = map[string]any{}
		}
		req.Params[k] = v
	}
	for k, v := range step.Request.Data {
		if req.Data == nil {
			req.Data = map[string]any{}
		}
		req.Data[k] = v
	}

	for field, paramPath := range step.Assertion {
		value, ok := acc[field]
		if !ok {
			return nil, fmt.Errorf("%w: step requires %q", ErrUnresolvedDependency, field)
		}
		placeholder := "$" + paramPath + "$"
		if strings.Contains(req.URL, placeholder) {
			req.URL = strings.ReplaceAll(req.URL, placeholder, fmt.Sprint(value))
			continue
		}
		if req.Params == nil {
			req.Params = map[string]any{}
		}
		req.Params[strings.TrimPrefix(paramPath, "params.")] = value
	}
	return req, nil
}

// extractInto resolves only the still-missing fields; resolved fields are
// never overwritten by a later step.
func (p *Pipeline) extractInto(c selector.Context, missing []string, acc map[string]any, resolved map[string]struct{}) error {
	for _, field := range missing {
		q := p.rules.UserInfo.Selectors[field]
		if q == nil {
			continue
		}
		value, err := selector.Extract(c, q)
		if err != nil {
			return fmt.Errorf("field %s: %w", field, err)
		}
		if isEmptyValue(value) {
			continue
		}
		acc[field] = value
		resolved[field] = struct{}{}
	}
	return nil
}

func stepContext(step *ruleset.UserInfoStep, res *transport.Response) (selector.Context, error) {
	if step.Request.ResponseType == transport.ResponseJSON {
		return selector.Object(res.JSON()), nil
	}
	doc, err := res.Document()
	if err != nil {
		return selector.Context{}, err
	}
	return selector.Document(doc.Selection), nil
}

func missingFields(fields []string, resolved map[string]struct{}) []string {
	var missing []string
	for _, f := range fields {
		if _, ok := resolved[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}
