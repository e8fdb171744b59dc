// Package catalog holds the provider and automation module catalogs the
// control plane validates swarms against. The built-in tables can be
// extended with a JSONC override file and a directory of module folders.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

// FallbackModel is used for providers without a known default model.
const FallbackModel = "auto-reasoning"

// DefaultProvider is assigned when a swarm names no provider.
const DefaultProvider = "openrouter"

var defaultModels = map[string]string{
	"openrouter": "openai/gpt-5-mini",
	"openai":     "gpt-5",
	"anthropic":  "claude-sonnet-4-20250514",
	"gemini":     "gemini-2.5-pro",
	"ollama":     "qwen2.5:14b",
	"mistral":    "mistral-large-latest",
	"groq":       "llama-3.3-70b-versatile",
	"deepseek":   "deepseek-chat",
	"xai":        "grok-3",
	"together":   "meta-llama/Llama-3.1-70B-Instruct-Turbo",
	"fireworks":  "accounts/fireworks/models/deepseek-r1",
	"perplexity": "sonar-pro",
	"cohere":     "command-a-03-2025",
	"bedrock":    "anthropic.claude-3-7-sonnet-20250219-v1:0",
	"venice":     "venice-uncensored",
	"vercel":     "openai/gpt-4.1-mini",
	"nvidia":     "meta/llama-3.1-70b-instruct",
	"astral":     "openai/gpt-5-mini",
	"qwen":       "qwen-max",
	"moonshot":   "moonshot-v1-8k",
	"glm":        "glm-4.6",
	"minimax":    "MiniMax-Text-01",
	"zai":        "zai-glm-4.6",
}

// Providers that are routable but have no default model of their own.
var extraProviders = []string{"qianfan", "custom", "anthropic-custom"}

var moduleDescriptions = map[string]string{
	"agent":       "Core think-act-observe loop and task execution runtime",
	"heartbeat":   "Scheduled pulse tasks, wake triggers, and liveness checks",
	"replication": "Child swarm spawning and lineage orchestration",
	"self-mod":    "Guarded self-modification and audit logging",
	"survival":    "Credit-aware mode switching and graceful degradation",
	"social":      "Agent-to-agent communication and relay integrations",
	"registry":    "Discovery identity maps and cross-agent addressing",
	"skills":      "Dynamic skill loading and capability expansion",
	"conway":      "Infrastructure client hooks for compute + inference",
	"state":       "Persistence layer for tasks, events, and lineage",
}

const discoveredModuleDescription = "Automation module from automaton runtime"

type Provider struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	DefaultModel string `json:"defaultModel"`
}

type Module struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Catalog is immutable once built and safe for concurrent use.
type Catalog struct {
	providers []Provider
	modules   []Module
	models    map[string]string
	moduleSet map[string]bool
}

// Override is the on-disk shape of a catalog file. Provider values are
// default model ids; an empty value keeps the provider routable with the
// fallback model.
type Override struct {
	Providers map[string]string `json:"providers"`
	Modules   map[string]string `json:"modules"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	models := make(map[string]string, len(defaultModels))
	for id, m := range defaultModels {
		models[id] = m
	}
	for _, id := range extraProviders {
		if _, ok := models[id]; !ok {
			models[id] = ""
		}
	}
	mods := make([]Module, 0, len(moduleDescriptions))
	for id, desc := range moduleDescriptions {
		mods = append(mods, Module{ID: id, Label: TitleCase(id), Description: desc})
	}
	return build(models, mods)
}

// Load builds a catalog from the defaults, the optional JSONC override at
// path and the optional module directory. Each subdirectory of modulesDir
// becomes a module; when modulesDir exists it replaces the built-in module
// list.
func Load(path, modulesDir string) (*Catalog, error) {
	base := Default()
	models := make(map[string]string, len(base.models))
	for id, m := range base.models {
		models[id] = m
	}
	mods := append([]Module(nil), base.modules...)

	if path != "" {
		ov, err := ReadOverride(path)
		if err != nil {
			return nil, err
		}
		for id, m := range ov.Providers {
			pid := ProviderID(id)
			models[pid] = strings.TrimSpace(m)
		}
		for id, desc := range ov.Modules {
			mid := strings.ToLower(strings.TrimSpace(id))
			if mid == "" {
				continue
			}
			mods = upsertModule(mods, Module{ID: mid, Label: TitleCase(mid), Description: desc})
		}
	}

	if modulesDir != "" {
		found, err := DiscoverModules(modulesDir)
		if err != nil {
			return nil, err
		}
		if found != nil {
			mods = found
		}
	}

	return build(models, mods), nil
}

// ReadOverride parses a catalog file. Comments and trailing commas are
// allowed.
func ReadOverride(path string) (*Override, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var ov Override
	if err := json.Unmarshal(jsonc.ToJSON(data), &ov); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return &ov, nil
}

// DiscoverModules lists the subdirectories of dir as modules. A missing
// directory yields (nil, nil).
func DiscoverModules(dir string) ([]Module, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read modules dir: %w", err)
	}
	var mods []Module
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		id := strings.ToLower(e.Name())
		desc, ok := moduleDescriptions[id]
		if !ok {
			desc = discoveredModuleDescription
		}
		mods = append(mods, Module{ID: id, Label: TitleCase(id), Description: desc})
	}
	return mods, nil
}

func upsertModule(mods []Module, m Module) []Module {
	for i := range mods {
		if mods[i].ID == m.ID {
			mods[i] = m
			return mods
		}
	}
	return append(mods, m)
}

func build(models map[string]string, mods []Module) *Catalog {
	c := &Catalog{
		models:    make(map[string]string, len(models)),
		moduleSet: make(map[string]bool, len(mods)),
	}
	for id, m := range models {
		if len(id) < 2 {
			continue
		}
		c.models[id] = m
		c.providers = append(c.providers, Provider{ID: id, Label: TitleCase(id), DefaultModel: c.DefaultModel(id)})
	}
	sort.Slice(c.providers, func(i, j int) bool { return c.providers[i].ID < c.providers[j].ID })

	for _, m := range mods {
		if c.moduleSet[m.ID] {
			continue
		}
		c.moduleSet[m.ID] = true
		c.modules = append(c.modules, m)
	}
	sort.Slice(c.modules, func(i, j int) bool { return c.modules[i].Label < c.modules[j].Label })
	return c
}

// Providers returns the provider catalog sorted by id.
func (c *Catalog) Providers() []Provider {
	return append([]Provider(nil), c.providers...)
}

// ProviderIDs returns just the sorted provider ids.
func (c *Catalog) ProviderIDs() []string {
	ids := make([]string, len(c.providers))
	for i, p := range c.providers {
		ids[i] = p.ID
	}
	return ids
}

// Modules returns the automation module catalog sorted by label.
func (c *Catalog) Modules() []Module {
	return append([]Module(nil), c.modules...)
}

func (c *Catalog) HasModule(id string) bool {
	return c.moduleSet[id]
}

// DefaultModel returns the default model for a provider, or FallbackModel
// when the provider is unknown or has none.
func (c *Catalog) DefaultModel(provider string) string {
	if m := c.models[provider]; m != "" {
		return m
	}
	return FallbackModel
}

// FilterModules lowercases ids and keeps the ones present in the catalog,
// preserving order and dropping duplicates.
func (c *Catalog) FilterModules(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if !c.moduleSet[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Fallback picks a random provider different from current. pick receives
// the number of candidates and returns an index into them.
func (c *Catalog) Fallback(current string, pick func(n int) int) (provider, model string) {
	candidates := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		if p.ID != current {
			candidates = append(candidates, p.ID)
		}
	}
	if len(candidates) == 0 {
		return DefaultProvider, c.DefaultModel(DefaultProvider)
	}
	provider = candidates[pick(len(candidates))]
	return provider, c.DefaultModel(provider)
}

// ProviderID normalizes a user supplied provider name: trimmed, lowercased,
// whitespace collapsed to dashes. Empty input yields DefaultProvider.
func ProviderID(raw string) string {
	id := strings.Join(strings.Fields(strings.ToLower(raw)), "-")
	if id == "" {
		return DefaultProvider
	}
	return id
}

// TitleCase turns "self-mod" into "Self Mod".
func TitleCase(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || r == ' ' || r == '\t'
	})
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
