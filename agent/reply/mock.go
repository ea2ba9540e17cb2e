// Package reply holds reply generators. The production deployment plugs in
// an LLM-backed implementation of agent.ReplyGenerator; Mock serves tests
// and local runs without network access.
package reply

import (
	"context"
	"strings"

	"github.com/driftmarket/agent/agent"
)

// priceWords route a message to the bargaining intent.
var priceWords = []string{"便宜", "优惠", "降价", "少点", "价格", "多少钱", "price", "cheaper", "discount"}

// techWords route a message to the product-detail intent.
var techWords = []string{"参数", "规格", "型号", "配置", "成色", "spec", "model", "condition"}

// Mock is a rule-based generator with deterministic output, keyed on the
// same intents the production generator reports.
type Mock struct{}

// NewMock returns the rule-based generator.
func NewMock() *Mock {
	return &Mock{}
}

// GenerateReply implements agent.ReplyGenerator.
func (m *Mock) GenerateReply(ctx context.Context, userMsg, itemDesc string, history []agent.ContextMessage) (agent.Reply, error) {
	if err := ctx.Err(); err != nil {
		return agent.Reply{}, err
	}

	switch {
	case containsAny(userMsg, priceWords):
		return agent.Reply{
			Text:   "这个价格已经很实惠了，宝贝质量有保证，您可以放心拍～",
			Intent: "price",
		}, nil
	case containsAny(userMsg, techWords):
		return agent.Reply{
			Text:   "宝贝的详细参数都在描述里哦，有具体想了解的地方随时问我～",
			Intent: "tech",
		}, nil
	default:
		return agent.Reply{
			Text:   "您好，在的～有什么想了解的都可以问我哦。",
			Intent: "default",
		}, nil
	}
}

func containsAny(s string, words []string) bool {
	lower := strings.ToLower(s)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
