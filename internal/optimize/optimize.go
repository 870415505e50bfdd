// Package optimize shrinks structured requests until they fit a token
// target, escalating through normal, aggressive and extreme rule sets.
// Every step only removes content; nothing is rewritten or inserted.
package optimize

import (
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/flemzord/tokenguard/internal/tokens"
)

// MessageOverhead is the estimated per-message cost of role and framing tokens.
const MessageOverhead = 4

// Sentinel errors.
var (
	ErrNoEstimator   = errors.New("optimize: nil token estimator")
	ErrInvalidTarget = errors.New("optimize: target must be >= 0")
)

// Role is the author of a history message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the shrinkable part of a model call.
type Request struct {
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages,omitempty"`
	Query    string    `json:"query,omitempty"`
}

// Clone returns a deep copy of r.
func (r Request) Clone() Request {
	r.Messages = slices.Clone(r.Messages)
	return r
}

// Step names recorded in Result.Steps.
const (
	StepCompressWhitespace = "compress_whitespace"
	StepCompressCodeBlocks = "compress_code_blocks"
	StepCapMessages        = "cap_messages"
	StepTrimHistory        = "trim_history"
	StepTruncateSystem     = "truncate_system"
	StepTruncateQuery      = "truncate_query"
)

// Result is the outcome of one optimization pass. Callers must compare
// TokensAfter with their target: fitting is not guaranteed.
type Result struct {
	Request      Request  `json:"request"`
	TokensBefore int      `json:"tokens_before"`
	TokensAfter  int      `json:"tokens_after"`
	Optimized    bool     `json:"optimized"`
	Level        Level    `json:"level"`
	Steps        []string `json:"steps,omitempty"`
}

// Saved returns how many tokens the pass removed.
func (r Result) Saved() int {
	return r.TokensBefore - r.TokensAfter
}

// Optimizer applies rule sets using a token estimator. It holds no mutable
// state and may be shared across goroutines.
type Optimizer struct {
	est tokens.TokenEstimator
}

// New creates an Optimizer.
func New(est tokens.TokenEstimator) *Optimizer {
	return &Optimizer{est: est}
}

// Cost returns the estimated token count of r.
func (o *Optimizer) Cost(r Request) int {
	n := o.est.Estimate(r.System) + o.est.Estimate(r.Query)
	for _, m := range r.Messages {
		n += o.messageCost(m)
	}
	return n
}

func (o *Optimizer) messageCost(m Message) int {
	return o.est.Estimate(m.Content) + MessageOverhead
}

// Optimize shrinks r toward target using the rules of level.
func (o *Optimizer) Optimize(r Request, target int, level Level) (Result, error) {
	return o.Apply(r, target, Rules(level))
}

// Apply shrinks r toward target using an explicit rule set. A request that
// already fits is returned unchanged. On error the original request is
// returned.
func (o *Optimizer) Apply(r Request, target int, rules RuleSet) (Result, error) {
	res := Result{Request: r, Level: rules.Level}
	if o.est == nil {
		return res, ErrNoEstimator
	}
	res.TokensBefore = o.Cost(r)
	res.TokensAfter = res.TokensBefore
	if target < 0 {
		return res, fmt.Errorf("%w: got %d", ErrInvalidTarget, target)
	}
	if res.TokensBefore <= target {
		return res, nil
	}

	if rules.MaxTokens > 0 && rules.MaxTokens < target {
		target = rules.MaxTokens
	}

	out := r.Clone()
	var steps []string
	record := func(step string, changed bool) {
		if changed {
			steps = append(steps, step)
		}
	}

	if rules.CompressWhitespace {
		record(StepCompressWhitespace, rewriteAll(&out, compressWhitespace))
	}
	if rules.CompressCodeBlocks {
		record(StepCompressCodeBlocks, rewriteAll(&out, compressCodeBlocks))
	}
	if rules.MaxMessages > 0 {
		record(StepCapMessages, capMessages(&out, rules.MaxMessages, rules.TouchSystemMessages))
	}
	if rules.TrimHistory {
		record(StepTrimHistory, o.trimHistory(&out, target, rules.TouchSystemMessages))
	}
	if rules.TruncateSystem {
		if deficit := o.Cost(out) - target; deficit > 0 && out.System != "" {
			keep := o.est.Estimate(out.System) - deficit
			next := o.truncatePrefix(out.System, keep)
			record(StepTruncateSystem, next != out.System)
			out.System = next
		}
	}
	if rules.TruncateQuery {
		if deficit := o.Cost(out) - target; deficit > 0 && out.Query != "" {
			keep := o.est.Estimate(out.Query) - deficit
			next := o.truncateMiddle(out.Query, keep)
			record(StepTruncateQuery, next != out.Query)
			out.Query = next
		}
	}

	after := o.Cost(out)
	if after > res.TokensBefore || len(steps) == 0 {
		// Nothing helped (or a non-monotonic estimator priced the edit
		// higher): keep the original.
		return res, nil
	}

	res.Request = out
	res.TokensAfter = after
	res.Optimized = true
	res.Steps = steps
	return res, nil
}

// rewriteAll applies fn to the system text, every message and the query.
func rewriteAll(r *Request, fn func(string) string) bool {
	changed := false
	apply := func(s *string) {
		if next := fn(*s); next != *s {
			*s = next
			changed = true
		}
	}
	apply(&r.System)
	for i := range r.Messages {
		apply(&r.Messages[i].Content)
	}
	apply(&r.Query)
	return changed
}

func removable(m Message, touchSystem bool) bool {
	return touchSystem || m.Role != RoleSystem
}

// capMessages drops the oldest removable messages until at most limit remain.
func capMessages(r *Request, limit int, touchSystem bool) bool {
	excess := len(r.Messages) - limit
	if excess <= 0 {
		return false
	}
	kept := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if excess > 0 && removable(m, touchSystem) {
			excess--
			continue
		}
		kept = append(kept, m)
	}
	changed := len(kept) != len(r.Messages)
	r.Messages = kept
	return changed
}

// trimHistory removes the oldest removable messages whose cost fits in the
// remaining deficit, then truncates the first one that only partially does.
func (o *Optimizer) trimHistory(r *Request, target int, touchSystem bool) bool {
	deficit := o.Cost(*r) - target
	if deficit <= 0 {
		return false
	}

	changed := false
	kept := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if deficit <= 0 || !removable(m, touchSystem) {
			kept = append(kept, m)
			continue
		}

		cost := o.messageCost(m)
		keep := o.est.Estimate(m.Content) - deficit
		if cost <= deficit || keep <= 0 {
			deficit -= cost
			changed = true
			continue
		}

		truncated := o.truncatePrefix(m.Content, keep)
		if truncated == "" {
			deficit -= cost
			changed = true
			continue
		}
		deficit -= cost - o.messageCost(Message{Role: m.Role, Content: truncated})
		changed = changed || truncated != m.Content
		m.Content = truncated
		kept = append(kept, m)
	}
	r.Messages = kept
	return changed
}

// truncatePrefix returns the longest rune-aligned prefix of text estimated at
// no more than maxTokens.
func (o *Optimizer) truncatePrefix(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if o.est.Estimate(text) <= maxTokens {
		return text
	}
	return text[:o.prefixLen(text, maxTokens)]
}

// prefixLen binary-searches the longest fitting prefix length in bytes,
// moving back to a rune boundary.
func (o *Optimizer) prefixLen(text string, maxTokens int) int {
	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if o.est.Estimate(text[:mid]) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	for lo > 0 && lo < len(text) && !utf8.RuneStart(text[lo]) {
		lo--
	}
	return lo
}

// suffixStart binary-searches the earliest start of a fitting suffix that
// begins at or after from, moving forward to a rune boundary.
func (o *Optimizer) suffixStart(text string, from, maxTokens int) int {
	lo, hi := from, len(text)
	for lo < hi {
		mid := (lo + hi) / 2
		if o.est.Estimate(text[mid:]) <= maxTokens {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	for lo < len(text) && !utf8.RuneStart(text[lo]) {
		lo++
	}
	return lo
}

// truncateMiddle keeps a head and a tail of text, splitting maxTokens
// between them, and drops the middle. The ask at the end of a query
// survives this way.
func (o *Optimizer) truncateMiddle(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if o.est.Estimate(text) <= maxTokens {
		return text
	}

	head := o.prefixLen(text, maxTokens/2)
	tailBudget := maxTokens - o.est.Estimate(text[:head])
	tail := len(text)
	if tailBudget > 0 {
		tail = o.suffixStart(text, head, tailBudget)
	}

	out := text[:head] + text[tail:]
	if o.est.Estimate(out) > maxTokens {
		return o.truncatePrefix(text, maxTokens)
	}
	return out
}
