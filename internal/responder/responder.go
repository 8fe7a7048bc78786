// Package responder generates automated first-line replies and decides when
// a conversation needs a human agent.
package responder

import "context"

// Escalation reasons reported by the generator.
const (
	ReasonMissingKnowledge = "missing_knowledge"
	ReasonVisitorRequest   = "visitor_request"
	ReasonSentiment        = "sentiment"
)

// Turn is one prior exchange handed to the generator as context.
type Turn struct {
	Origin string
	Body   string
}

// Result is the generator's structured decision for a visitor message.
type Result struct {
	Reply           string `json:"reply"`
	NeedsEscalation bool   `json:"needsEscalation"`
	Reason          string `json:"reason"`
}

// Generator produces a reply plus escalation decision for the latest visitor
// message given the recent conversation history.
type Generator interface {
	Generate(ctx context.Context, history []Turn, message string) (*Result, error)
}
