// Package risk produces a blended score combining a static per-method
// heuristic with an external Judge oracle's opinion, degrading
// fail-closed when the Judge is unreachable or returns something we
// cannot trust.
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultJudgeTimeout bounds the Judge HTTP call independently of the
// caller's own request budget; the Judge is never retried on failure.
const DefaultJudgeTimeout = 10 * time.Second

// DefaultThreshold is the score at or above which a request is routed
// to human approval rather than executed directly.
const DefaultThreshold = 0.5

// heuristicPriors is the static method-based prior table.
var heuristicPriors = map[string]float64{
	http.MethodHead:    0.05,
	http.MethodOptions: 0.05,
	http.MethodGet:     0.10,
	http.MethodPost:    0.30,
	http.MethodPatch:   0.40,
	http.MethodPut:     0.50,
	http.MethodDelete:  0.70,
}

const defaultHeuristic = 0.20

// Heuristic returns the static prior for an HTTP method.
func Heuristic(method string) float64 {
	if p, ok := heuristicPriors[strings.ToUpper(method)]; ok {
		return p
	}
	return defaultHeuristic
}

const judgeResponseSchema = `{
	"type": "object",
	"properties": {
		"score": {"type": "number", "minimum": 0, "maximum": 1},
		"explanation": {"type": "string"}
	},
	"required": ["score", "explanation"]
}`

var compiledJudgeSchema = mustCompileJudgeSchema()

func mustCompileJudgeSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://gaiterguard.local/schemas/judge-response.json"
	if err := c.AddResource(url, strings.NewReader(judgeResponseSchema)); err != nil {
		panic(fmt.Sprintf("risk: judge schema load: %v", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("risk: judge schema compile: %v", err))
	}
	return compiled
}

// Assessment is the outcome of assessing one proxied request.
type Assessment struct {
	Score       float64
	Blocked     bool
	Explanation string
	JudgeUsed   bool
}

// Request describes the action being assessed.
type Request struct {
	Method    string
	TargetURL string
	Intent    string
}

// judgeRequestBody is what we send the external Judge.
type judgeRequestBody struct {
	Method    string `json:"method"`
	TargetURL string `json:"targetUrl"`
	Intent    string `json:"intent"`
}

// Assessor blends the static heuristic with an optional external Judge.
type Assessor struct {
	httpClient  *http.Client
	judgeURL    string
	judgeAPIKey string
	threshold   float64
}

// Option configures an Assessor.
type Option func(*Assessor)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(t float64) Option {
	return func(a *Assessor) { a.threshold = t }
}

// WithJudgeTimeout overrides DefaultJudgeTimeout on the assessor's client.
func WithJudgeTimeout(d time.Duration) Option {
	return func(a *Assessor) { a.httpClient.Timeout = d }
}

// New constructs an Assessor. judgeURL and judgeAPIKey may be empty, in
// which case every assessment falls back to the heuristic-only,
// fail-closed path.
func New(judgeURL, judgeAPIKey string, opts ...Option) *Assessor {
	a := &Assessor{
		httpClient:  &http.Client{Timeout: DefaultJudgeTimeout},
		judgeURL:    judgeURL,
		judgeAPIKey: judgeAPIKey,
		threshold:   DefaultThreshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assess scores req, consulting the Judge if configured. Any Judge
// failure, timeout, non-2xx, malformed body, schema violation, or a
// missing required field, degrades fail-closed: the heuristic prior
// is bumped up rather than trusted as-is.
func (a *Assessor) Assess(ctx context.Context, req Request) Assessment {
	heuristic := Heuristic(req.Method)

	if a.judgeURL == "" {
		return failClosed(heuristic, "judge not configured", a.threshold)
	}

	score, explanation, err := a.callJudge(ctx, req)
	if err != nil {
		return failClosed(heuristic, fmt.Sprintf("judge unavailable: %v", err), a.threshold)
	}

	blended := 0.7*score + 0.3*heuristic
	if blended > 1 {
		blended = 1
	}
	return Assessment{
		Score:       blended,
		Blocked:     blended >= a.threshold,
		Explanation: explanation,
		JudgeUsed:   true,
	}
}

func failClosed(heuristic float64, reason string, threshold float64) Assessment {
	score := heuristic + 0.3
	if score > 1 {
		score = 1
	}
	return Assessment{
		Score:       score,
		Blocked:     score >= threshold,
		Explanation: reason,
		JudgeUsed:   false,
	}
}

func (a *Assessor) callJudge(ctx context.Context, req Request) (score float64, explanation string, err error) {
	payload, err := json.Marshal(judgeRequestBody{Method: req.Method, TargetURL: req.TargetURL, Intent: req.Intent})
	if err != nil {
		return 0, "", fmt.Errorf("encode judge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.judgeURL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("build judge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.judgeAPIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.judgeAPIKey)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return 0, "", fmt.Errorf("judge request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, "", fmt.Errorf("read judge response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, "", fmt.Errorf("judge returned status %d", resp.StatusCode)
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, "", fmt.Errorf("judge response not valid json: %w", err)
	}
	if err := compiledJudgeSchema.Validate(parsed); err != nil {
		return 0, "", fmt.Errorf("judge response failed schema validation: %w", err)
	}

	var decoded struct {
		Score       float64 `json:"score"`
		Explanation string  `json:"explanation"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return 0, "", fmt.Errorf("decode judge response: %w", err)
	}

	clamped := decoded.Score
	if clamped < 0 {
		clamped = 0
	}
	if clamped > 1 {
		clamped = 1
	}
	return clamped, decoded.Explanation, nil
}
