package providers

import "strings"

// Metadata describes a known OpenAI-compatible provider so API bases and
// default models can be resolved from config without hardcoding per call
// sites.
type Metadata struct {
	ID             string
	DisplayName    string
	DefaultAPIBase string
	DefaultModel   string
	ModelPrefix    string
	EnvKey         string
}

// knownProviders is ordered: FindByAPIBase scans in order, so more specific
// entries come before catch-alls.
var knownProviders = []Metadata{
	{
		ID:             "openai",
		DisplayName:    "OpenAI",
		DefaultAPIBase: "https://api.openai.com/v1",
		DefaultModel:   "gpt-5.3",
		EnvKey:         "OPENAI_API_KEY",
	},
	{
		ID:             "deepseek",
		DisplayName:    "DeepSeek",
		DefaultAPIBase: "https://api.deepseek.com/v1",
		DefaultModel:   "deepseek-chat",
		EnvKey:         "DEEPSEEK_API_KEY",
	},
	{
		ID:             "moonshot",
		DisplayName:    "Moonshot (Kimi)",
		DefaultAPIBase: "https://api.moonshot.cn/v1",
		DefaultModel:   "kimi-k2.5",
		EnvKey:         "MOONSHOT_API_KEY",
	},
	{
		ID:             "zhipu",
		DisplayName:    "Zhipu (GLM)",
		DefaultAPIBase: "https://open.bigmodel.cn/api/paas/v4",
		DefaultModel:   "glm-4.7-flash",
		EnvKey:         "ZHIPU_API_KEY",
	},
	{
		ID:             "qwen",
		DisplayName:    "Qwen (DashScope)",
		DefaultAPIBase: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		DefaultModel:   "qwen3.5-plus",
		EnvKey:         "DASHSCOPE_API_KEY",
	},
	{
		ID:             "openrouter",
		DisplayName:    "OpenRouter",
		DefaultAPIBase: "https://openrouter.ai/api/v1",
		DefaultModel:   "anthropic/claude-4.5-sonnet",
		EnvKey:         "OPENROUTER_API_KEY",
	},
	{
		ID:             "gemini",
		DisplayName:    "Google Gemini",
		DefaultAPIBase: "https://generativelanguage.googleapis.com/v1beta/openai",
		DefaultModel:   "gemini-2.5-flash",
		EnvKey:         "GEMINI_API_KEY",
	},
	{
		ID:             "groq",
		DisplayName:    "Groq",
		DefaultAPIBase: "https://api.groq.com/openai/v1",
		DefaultModel:   "llama-3.3-70b-versatile",
		EnvKey:         "GROQ_API_KEY",
	},
	{
		ID:             "ollama",
		DisplayName:    "Ollama (local)",
		DefaultAPIBase: "http://localhost:11434/v1",
		DefaultModel:   "llama3.2",
	},
	{
		ID:             "vllm",
		DisplayName:    "vLLM (local)",
		DefaultAPIBase: "http://localhost:8000/v1",
	},
	{
		ID:          "custom",
		DisplayName: "Custom (OpenAI-compatible)",
	},
}

// Known returns the metadata table for settings UIs.
func Known() []Metadata {
	out := make([]Metadata, len(knownProviders))
	copy(out, knownProviders)
	return out
}

// Lookup finds provider metadata by ID.
func Lookup(id string) (Metadata, bool) {
	for _, m := range knownProviders {
		if m.ID == id {
			return m, true
		}
	}
	return Metadata{}, false
}

// FindByAPIBase infers the provider from an API base URL. Some providers use
// multiple domains (moonshot.cn/moonshot.ai), so well-known domains are
// checked before falling back to the default base prefix.
func FindByAPIBase(apiBase string) (Metadata, bool) {
	base := strings.ToLower(strings.TrimSpace(apiBase))
	if base == "" {
		return Metadata{}, false
	}

	switch {
	case strings.Contains(base, "moonshot.cn"), strings.Contains(base, "moonshot.ai"):
		return mustLookup("moonshot"), true
	case strings.Contains(base, "bigmodel.cn"):
		return mustLookup("zhipu"), true
	case strings.Contains(base, "openrouter"):
		return mustLookup("openrouter"), true
	}

	for _, m := range knownProviders {
		if m.DefaultAPIBase != "" && strings.HasPrefix(base, strings.ToLower(m.DefaultAPIBase)) {
			return m, true
		}
	}
	return Metadata{}, false
}

func mustLookup(id string) Metadata {
	m, _ := Lookup(id)
	return m
}

// New builds a provider from config values. Unknown provider IDs fall back
// to the custom OpenAI-compatible client with the given base and model.
func New(providerID, apiKey, apiBase, model string) Provider {
	meta, ok := Lookup(providerID)
	if !ok && apiBase != "" {
		if byBase, found := FindByAPIBase(apiBase); found {
			meta, ok = byBase, true
		}
	}

	name := providerID
	defaultModel := model
	if ok {
		name = meta.ID
		if apiBase == "" {
			apiBase = meta.DefaultAPIBase
		}
		if defaultModel == "" {
			defaultModel = meta.DefaultModel
		}
	}

	p := NewOpenAIProvider(name, apiKey, apiBase, defaultModel)
	if ok && meta.ModelPrefix != "" {
		p.WithModelPrefix(meta.ModelPrefix)
	}
	return p
}
