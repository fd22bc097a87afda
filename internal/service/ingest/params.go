package ingest

import (
	"strings"

	"github.com/splax/agentwatch/internal/domain"
)

// paramSpelling lists, per canonical field, the snake_case key, the
// camelCase key and the vendor aliases in resolution order.
type paramSpelling struct {
	snake   string
	camel   string
	aliases []string
}

var (
	temperatureSpelling      = paramSpelling{snake: "temperature", camel: "temperature"}
	maxTokensSpelling        = paramSpelling{snake: "max_tokens", camel: "maxTokens", aliases: []string{"max_tokens_to_sample", "max_output_tokens", "maxOutputTokens", "max_completion_tokens", "max_new_tokens"}}
	topPSpelling             = paramSpelling{snake: "top_p", camel: "topP", aliases: []string{"p"}}
	frequencyPenaltySpelling = paramSpelling{snake: "frequency_penalty", camel: "frequencyPenalty"}
	presencePenaltySpelling  = paramSpelling{snake: "presence_penalty", camel: "presencePenalty"}
)

func (s paramSpelling) keys() []string {
	keys := make([]string, 0, 2+len(s.aliases))
	keys = append(keys, s.snake)
	if s.camel != s.snake {
		keys = append(keys, s.camel)
	}
	return append(keys, s.aliases...)
}

// NormalizeParams maps a vendor request payload onto the canonical parameter
// set. The alias table is shared by every vendor; vendor does not select
// spellings. Fields with no matching key stay nil.
func NormalizeParams(payload map[string]any, vendor string) domain.LLMParams {
	if len(payload) == 0 {
		return domain.LLMParams{}
	}
	return domain.LLMParams{
		Temperature:      lookupFloat(payload, temperatureSpelling.keys()...),
		MaxTokens:        lookupInt(payload, maxTokensSpelling.keys()...),
		TopP:             lookupFloat(payload, topPSpelling.keys()...),
		FrequencyPenalty: lookupFloat(payload, frequencyPenaltySpelling.keys()...),
		PresencePenalty:  lookupFloat(payload, presencePenaltySpelling.keys()...),
	}
}

// MergeParams takes each field from primary when set, otherwise from fallback.
func MergeParams(primary, fallback domain.LLMParams) domain.LLMParams {
	out := primary
	if out.Temperature == nil {
		out.Temperature = fallback.Temperature
	}
	if out.MaxTokens == nil {
		out.MaxTokens = fallback.MaxTokens
	}
	if out.TopP == nil {
		out.TopP = fallback.TopP
	}
	if out.FrequencyPenalty == nil {
		out.FrequencyPenalty = fallback.FrequencyPenalty
	}
	if out.PresencePenalty == nil {
		out.PresencePenalty = fallback.PresencePenalty
	}
	return out
}

// flattenLLMKeys strips the "llm." and "llm.request." prefixes from attribute
// keys. Unprefixed keys win over prefixed ones, and "llm.request." wins over "llm.".
func flattenLLMKeys(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for key, value := range attrs {
		if rest, ok := strings.CutPrefix(key, "llm."); ok && !strings.HasPrefix(key, "llm.request.") {
			out[rest] = value
		}
	}
	for key, value := range attrs {
		if rest, ok := strings.CutPrefix(key, "llm.request."); ok {
			out[rest] = value
		}
	}
	for key, value := range attrs {
		if !strings.HasPrefix(key, "llm.") {
			out[key] = value
		}
	}
	return out
}
