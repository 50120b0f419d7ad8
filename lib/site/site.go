// Package site ties the engine together for one tracker: the lazily
// merged rule set, the authenticated transport, the login detector and
// the search / user-info entry points with their status taxonomy.
package site

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ptengine/lib/login"
	"ptengine/lib/ruleset"
	"ptengine/lib/search"
	"ptengine/lib/torrents"
	"ptengine/lib/transport"
	"ptengine/lib/userinfo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("ptengine/site")

// Status classifies the outcome of an entry point. needLogin and
// noResults are deliberately distinct from parseError so the UI can
// render session expiry and empty states instead of failures.
type Status string

const (
	StatusSuccess      Status = "success"
	StatusNeedLogin    Status = "needLogin"
	StatusNoResults    Status = "noResults"
	StatusParseError   Status = "parseError"
	StatusNotSupported Status = "notSupported"
	StatusSkipped      Status = "skipped"
)

// Options configure one Site. The three rule layers merge in increasing
// precedence; Client may be injected for tests.
type Options struct {
	SchemaDefaults map[string]any
	Definition     map[string]any
	UserOverrides  map[string]any

	Client           transport.Doer
	Cookie           string
	Timeout          time.Duration
	CloudflareBypass bool
	// DumpDir enables the transport's exchange dump for rule debugging.
	DumpDir string
}

// Site is not safe for concurrent pipeline runs; callers serialize use
// per site object.
type Site struct {
	opts Options

	once     sync.Once
	rules    *ruleset.RuleSet
	rulesErr error
	client   transport.Doer
	detector *login.Detector
}

func New(opts Options) *Site {
	return &Site{opts: opts}
}

// Rules merges and compiles the site's effective rule set exactly once.
func (s *Site) Rules() (*ruleset.RuleSet, error) {
	s.once.Do(func() {
		rules, err := ruleset.Resolve(
			s.opts.SchemaDefaults,
			s.opts.Definition,
			s.opts.UserOverrides,
		)
		if err != nil {
			s.rulesErr = err
			return
		}
		s.rules = rules

		s.detector, err = login.NewDetector(rules.Login)
		if err != nil {
			s.rulesErr = err
			return
		}

		if s.opts.Client != nil {
			s.client = s.opts.Client
			return
		}
		s.client, err = transport.NewClient(transport.Options{
			BaseURL:          rules.URL,
			Cookie:           s.opts.Cookie,
			Timeout:          s.opts.Timeout,
			CloudflareBypass: s.opts.CloudflareBypass,
			DumpDir:          s.opts.DumpDir,
			Encoding:         rules.Encoding,
		})
		if err != nil {
			s.rulesErr = err
		}
	})
	return s.rules, s.rulesErr
}

// SearchResult is the outcome of one search. Data is all-or-nothing: a
// parse failure discards partially parsed rows.
type SearchResult struct {
	Status Status
	Data   []torrents.Torrent
	// Err carries the underlying parse failure when Status is
	// parseError.
	Err error
}

// Search composes and issues the search request and parses the response.
// The returned error is reserved for configuration and transport
// failures; parse-level outcomes land in the result status.
func (s *Site) Search(ctx context.Context, input search.Input) (*SearchResult, error) {
	ctx, span := tracer.Start(ctx, "site:Search")
	defer span.End()

	rules, err := s.Rules()
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("site", rules.Name))

	if !rules.SearchAllowed() {
		return &SearchResult{Status: StatusNotSupported}, nil
	}

	composed, err := search.Compose(rules, input)
	if err != nil {
		return nil, err
	}
	if composed.Skipped {
		span.AddEvent(composed.SkipReason)
		return &SearchResult{Status: StatusSkipped}, nil
	}

	res, err := s.client.Do(ctx, composed.Request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search request failed")
		return nil, err
	}
	if !s.detector.LoggedIn(res) {
		return &SearchResult{Status: StatusNeedLogin}, nil
	}

	parser := torrents.NewParser(rules)
	data, err := parser.Parse(ctx, res)
	if errors.Is(err, torrents.ErrNoResults) {
		return &SearchResult{Status: StatusNoResults, Data: []torrents.Torrent{}}, nil
	}
	if err != nil {
		return &SearchResult{Status: StatusParseError, Err: err}, nil
	}
	return &SearchResult{Status: StatusSuccess, Data: data}, nil
}

// UserRecord is the assembled account record. Fields keeps the raw
// accumulator so a later run can seed its pickLast carry-overs from it.
type UserRecord struct {
	ID           string  `json:"id,omitempty"`
	Name         string  `json:"name,omitempty"`
	LevelName    string  `json:"levelName,omitempty"`
	Uploaded     int64   `json:"uploaded,omitempty"`
	Downloaded   int64   `json:"downloaded,omitempty"`
	Ratio        float64 `json:"ratio,omitempty"`
	Bonus        float64 `json:"bonus,omitempty"`
	BonusPerHour float64 `json:"bonusPerHour,omitempty"`
	JoinTime     int64   `json:"joinTime,omitempty"`
	Seeding      int64   `json:"seeding,omitempty"`
	SeedingSize  int64   `json:"seedingSize,omitempty"`
	Leeching     int64   `json:"leeching,omitempty"`
	MessageCount int64   `json:"messageCount,omitempty"`

	Status   Status         `json:"status"`
	UpdateAt int64          `json:"updateAt"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// UserInfo runs the multi-step pipeline. prior may be nil; when given,
// its fields seed the accumulator so already-derived identifiers are not
// re-fetched. A partial record is returned even on failure.
func (s *Site) UserInfo(ctx context.Context, prior *UserRecord) (*UserRecord, error) {
	ctx, span := tracer.Start(ctx, "site:UserInfo")
	defer span.End()

	rules, err := s.Rules()
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("site", rules.Name))

	if !rules.UserInfoAllowed() {
		return &UserRecord{Status: StatusNotSupported, UpdateAt: nowMillis()}, nil
	}

	var priorFields map[string]any
	if prior != nil {
		priorFields = prior.Fields
	}

	pipeline := userinfo.New(s.client, rules, s.detector)
	fields, runErr := pipeline.Run(ctx, priorFields)

	rec := recordFromFields(fields)
	rec.UpdateAt = nowMillis()

	switch {
	case runErr == nil:
		rec.Status = StatusSuccess
	case errors.Is(runErr, userinfo.ErrNotSupported):
		rec.Status = StatusNotSupported
	case errors.Is(runErr, login.ErrNeedLogin):
		rec.Status = StatusNeedLogin
	default:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "user info pipeline failed")
		rec.Status = StatusParseError
	}
	return rec, nil
}

func recordFromFields(fields map[string]any) *UserRecord {
	rec := &UserRecord{Fields: fields}
	for name, value := range fields {
		switch name {
		case "id":
			rec.ID = asString(value)
		case "name":
			rec.Name = asString(value)
		case "levelName":
			rec.LevelName = asString(value)
		case "uploaded":
			rec.Uploaded = asInt64(value)
		case "downloaded":
			rec.Downloaded = asInt64(value)
		case "ratio":
			rec.Ratio = asFloat(value)
		case "bonus":
			rec.Bonus = asFloat(value)
		case "bonusPerHour":
			rec.BonusPerHour = asFloat(value)
		case "joinTime":
			rec.JoinTime = asInt64(value)
		case "seeding":
			rec.Seeding = asInt64(value)
		case "seedingSize":
			rec.SeedingSize = asInt64(value)
		case "leeching":
			rec.Leeching = asInt64(value)
		case "messageCount":
			rec.MessageCount = asInt64(value)
		}
	}
	return rec
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func asString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

func asInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case float64:
		return int64(val)
	case int:
		return int64(val)
	}
	return 0
}

func asFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case int:
		return float64(val)
	}
	return 0
}
