package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/forgeworks/devloop/internal/model"
	"github.com/forgeworks/devloop/internal/resilience"
	"github.com/forgeworks/devloop/pkg/anthropic"
)

// Provider is the provider name recorded on usage rows for these agents.
const Provider = "anthropic"

// fallbackPath is used when the generator response has no parseable filename.
const fallbackPath = "untitled.txt"

// Config tunes the Anthropic-backed agents.
type Config struct {
	Model     string  `yaml:"model" mapstructure:"model"`
	MaxTokens int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RPS       float64 `yaml:"rps" mapstructure:"rps"`
	Burst     int     `yaml:"burst" mapstructure:"burst"`
}

// DefaultConfig returns the standard agent configuration.
func DefaultConfig() Config {
	return Config{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 8192,
		RPS:       1,
		Burst:     2,
	}
}

// Anthropic implements Generator, Verifier, and ReadmeWriter over one
// rate-limited, retried, circuit-protected client.
type Anthropic struct {
	client  anthropic.Client
	cfg     Config
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewAnthropic creates the agent set over the given client.
func NewAnthropic(client anthropic.Client, cfg Config) *Anthropic {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.RPS <= 0 {
		cfg.RPS = def.RPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	return &Anthropic{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewCircuitBreaker("anthropic", resilience.DefaultCircuitBreakerConfig()),
	}
}

// Model returns the configured model name, for usage attribution.
func (a *Anthropic) Model() string {
	return a.cfg.Model
}

func (a *Anthropic) call(ctx context.Context, operation, system, prompt string) (*anthropic.MessageResponse, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limit wait")
	}

	cfg := a.retry
	cfg.OnRetry = resilience.RetryLogger(Provider, operation)

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		var resp *anthropic.MessageResponse
		err := a.breaker.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			resp, callErr = a.client.CreateMessage(ctx, anthropic.MessageRequest{
				Model:     a.cfg.Model,
				MaxTokens: a.cfg.MaxTokens,
				System:    anthropic.BuildCachedSystemBlocks(system),
				Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
			})
			return callErr
		})
		return resp, err
	})
}

// techStackString renders a tech stack map as stable "key: value" pairs.
func techStackString(stack map[string]string) string {
	keys := make([]string, 0, len(stack))
	for k := range stack {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s: %s", k, stack[k]))
	}
	return strings.Join(pairs, ", ")
}

func toUsage(u anthropic.TokenUsage) model.TokenUsage {
	return model.TokenUsage{
		InputTokens:  int(u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens),
		OutputTokens: int(u.OutputTokens),
	}
}

const generateSystemPrompt = `You are an expert software developer. Implement the given task in the specified tech stack.

Instructions:
1. Generate ONLY the code for the task.
2. The output must be a SINGLE file.
3. Start your response with the file path on the VERY FIRST line (e.g. src/utils/helper.go).
4. On the NEXT line, begin the file content.
5. Do NOT include any explanations, markdown fences, or extra text.`

// Generate implements Generator. The response protocol is file path on the
// first line, content after; a response without a newline is treated as
// content with an unknown path.
func (a *Anthropic) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n\n", req.TaskText)
	if req.ProjectDescription != "" {
		fmt.Fprintf(&sb, "Project description:\n%s\n\n", req.ProjectDescription)
	}
	if len(req.TechStack) > 0 {
		fmt.Fprintf(&sb, "Tech stack: %s\n\n", techStackString(req.TechStack))
	}
	if len(req.Context) > 0 {
		sb.WriteString("Relevant code from the project:\n")
		for _, c := range req.Context {
			sb.WriteString(c)
			sb.WriteString("\n---\n")
		}
		sb.WriteString("\n")
	}
	if req.Feedback != "" {
		fmt.Fprintf(&sb, "Reviewer feedback on the previous attempt:\n%s\n", req.Feedback)
	}

	resp, err := a.call(ctx, "generate", generateSystemPrompt, sb.String())
	if err != nil {
		return nil, eris.Wrap(err, "agent: generate")
	}

	path, content := parseGeneration(resp.Text())
	return &GenerationResult{
		Path:    path,
		Content: content,
		Usage:   toUsage(resp.Usage),
	}, nil
}

// parseGeneration splits a generator response into path and content.
func parseGeneration(text string) (string, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return fallbackPath, ""
	}

	head, rest, found := strings.Cut(text, "\n")
	if !found {
		return fallbackPath, text
	}

	path := strings.Trim(strings.TrimSpace(head), "`")
	if path == "" || strings.ContainsAny(path, " \t") {
		return fallbackPath, text
	}
	return path, strings.TrimSpace(rest)
}

const verifySystemPrompt = `You are an expert code reviewer and software architect. Review the implemented code against the task and project context.

Respond with 'APPROVED' if the code correctly implements the task, or 'REJECTED: [detailed reasons and suggestions]' if it does not.`

// Verify implements Verifier. An APPROVED token anywhere in the response
// approves; anything else rejects with the response as feedback. Provider
// failures surface as the error variant, never as a rejection.
func (a *Anthropic) Verify(ctx context.Context, req VerificationRequest) (Verdict, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The task was: %s\n\n", req.TaskText)
	if req.ProjectContext != "" {
		fmt.Fprintf(&sb, "Project context:\n%s\n\n", req.ProjectContext)
	}
	fmt.Fprintf(&sb, "The implemented code is:\n%s\n", req.Content)

	resp, err := a.call(ctx, "verify", verifySystemPrompt, sb.String())
	if err != nil {
		return Verdict{Status: VerdictError}, eris.Wrap(err, "agent: verify")
	}

	text := resp.Text()
	verdict := Verdict{Feedback: text, Usage: toUsage(resp.Usage)}
	if strings.Contains(strings.ToUpper(text), "APPROVED") &&
		!strings.HasPrefix(strings.ToUpper(strings.TrimSpace(text)), "REJECTED") {
		verdict.Status = VerdictApproved
	} else {
		verdict.Status = VerdictRejected
	}
	return verdict, nil
}

const readmeSystemPrompt = `You are a technical writer. Produce a complete README.md for the project described by the user. Use Markdown with sections for overview, setup, configuration, and usage. Respond with the README content only.`

// WriteReadme implements ReadmeWriter.
func (a *Anthropic) WriteReadme(ctx context.Context, req ReadmeRequest) (*ReadmeResult, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Project: %s\n\n%s\n\n", req.Title, req.Description)
	if len(req.TechStack) > 0 {
		fmt.Fprintf(&sb, "Tech stack: %s\n\n", techStackString(req.TechStack))
	}
	if len(req.ArtifactPaths) > 0 {
		sb.WriteString("Project files:\n")
		for _, p := range req.ArtifactPaths {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
	}

	resp, err := a.call(ctx, "readme", readmeSystemPrompt, sb.String())
	if err != nil {
		return nil, eris.Wrap(err, "agent: write readme")
	}

	return &ReadmeResult{
		Content: strings.TrimSpace(resp.Text()),
		Usage:   toUsage(resp.Usage),
	}, nil
}
