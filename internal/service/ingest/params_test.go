package ingest

import (
	"testing"

	"pgregory.net/rapid"
)

func TestNormalizeParamsSpellings(t *testing.T) {
	params := NormalizeParams(map[string]any{
		"temperature":          0.7,
		"maxTokens":            "512",
		"topP":                 0.9,
		"frequency_penalty":    0.1,
		"max_tokens_to_sample": 2048,
	}, "anthropic")

	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Fatalf("unexpected temperature %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Fatalf("expected camelCase max tokens to win over alias, got %v", params.MaxTokens)
	}
	if params.TopP == nil || *params.TopP != 0.9 {
		t.Fatalf("unexpected top_p %v", params.TopP)
	}
	if params.FrequencyPenalty == nil || *params.FrequencyPenalty != 0.1 {
		t.Fatalf("unexpected frequency penalty %v", params.FrequencyPenalty)
	}
	if params.PresencePenalty != nil {
		t.Fatalf("expected presence penalty unset, got %v", *params.PresencePenalty)
	}
}

func TestNormalizeParamsAliasIsVendorAgnostic(t *testing.T) {
	for _, vendor := range []string{"anthropic", "openai", "", "some-new-vendor"} {
		params := NormalizeParams(map[string]any{"max_tokens_to_sample": 300.0}, vendor)
		if params.MaxTokens == nil || *params.MaxTokens != 300 {
			t.Fatalf("vendor %q: expected alias resolved, got %v", vendor, params.MaxTokens)
		}
	}
}

func TestNormalizeParamsRejectsNonNumeric(t *testing.T) {
	params := NormalizeParams(map[string]any{"temperature": "warm", "max_tokens": 12.5, "top_p": true}, "openai")
	if !params.Empty() {
		t.Fatalf("expected all params unset, got %+v", params)
	}
}

func TestMergeParamsPrefersPrimary(t *testing.T) {
	primary := NormalizeParams(map[string]any{"temperature": 0.2}, "")
	fallback := NormalizeParams(map[string]any{"temperature": 0.9, "max_tokens": 100}, "")
	merged := MergeParams(primary, fallback)
	if *merged.Temperature != 0.2 {
		t.Fatalf("expected primary temperature, got %v", *merged.Temperature)
	}
	if merged.MaxTokens == nil || *merged.MaxTokens != 100 {
		t.Fatalf("expected fallback max tokens, got %v", merged.MaxTokens)
	}
}

func TestNormalizeParamsMaxTokensProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		spellings := maxTokensSpelling.keys()
		n := rapid.Int64Range(1, 1_000_000).Draw(t, "max_tokens")
		key := rapid.SampledFrom(spellings).Draw(t, "key")
		asString := rapid.Bool().Draw(t, "as_string")
		vendor := rapid.SampledFrom([]string{"anthropic", "openai", "google", ""}).Draw(t, "vendor")

		var value any = float64(n)
		if asString {
			value = formatInt(n)
		}
		params := NormalizeParams(map[string]any{key: value}, vendor)
		if params.MaxTokens == nil || *params.MaxTokens != n {
			t.Fatalf("spelling %q: expected %d, got %v", key, n, params.MaxTokens)
		}
	})
}

func TestNormalizeParamsResolutionOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		snake := rapid.Float64Range(0, 2).Draw(t, "snake")
		camel := rapid.Float64Range(0, 2).Draw(t, "camel")
		includeSnake := rapid.Bool().Draw(t, "include_snake")

		payload := map[string]any{"topP": camel, "p": 5.0}
		want := camel
		if includeSnake {
			payload["top_p"] = snake
			want = snake
		}
		params := NormalizeParams(payload, "cohere")
		if params.TopP == nil || *params.TopP != want {
			t.Fatalf("expected %v, got %v", want, params.TopP)
		}
	})
}

func formatInt(n int64) string {
	s, _ := asString(n)
	return s
}
