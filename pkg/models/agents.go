package models

import (
	"fmt"
	"sort"
)

// AgentType selects which coding agent runs inside a chat container.
type AgentType string

const (
	AgentClaude AgentType = "claude"
	AgentCodex  AgentType = "codex"
	AgentShell  AgentType = "shell" // plain interactive shell, no agent binary
)

// AgentSpec is a chat's agent selection plus its per-type options.
type AgentSpec struct {
	Type      AgentType `json:"type"`
	Model     string    `json:"model,omitempty"`
	Reasoning string    `json:"reasoning,omitempty"` // reasoning effort, where supported
	ExtraArgs []string  `json:"extra_args,omitempty"`
}

// agentVariant declares what one agent type accepts and how its launch
// command is rendered. Keeping this as a table avoids string branching
// spread across the launcher.
type agentVariant struct {
	models    map[string]bool // empty = any model accepted
	reasoning map[string]bool // empty = flag not supported
	render    func(spec AgentSpec) []string
}

var agentVariants = map[AgentType]agentVariant{
	AgentClaude: {
		models:    set("sonnet", "opus", "haiku"),
		reasoning: set("low", "medium", "high"),
		render: func(s AgentSpec) []string {
			args := []string{"claude"}
			if s.Model != "" {
				args = append(args, "--model", s.Model)
			}
			if s.Reasoning != "" {
				args = append(args, "--reasoning-effort", s.Reasoning)
			}
			return append(args, s.ExtraArgs...)
		},
	},
	AgentCodex: {
		models:    set("gpt-5", "gpt-5-codex", "o4-mini"),
		reasoning: set("minimal", "low", "medium", "high"),
		render: func(s AgentSpec) []string {
			args := []string{"codex"}
			if s.Model != "" {
				args = append(args, "-m", s.Model)
			}
			if s.Reasoning != "" {
				args = append(args, "-c", "model_reasoning_effort="+s.Reasoning)
			}
			return append(args, s.ExtraArgs...)
		},
	},
	AgentShell: {
		render: func(s AgentSpec) []string {
			if len(s.ExtraArgs) > 0 {
				return s.ExtraArgs
			}
			return []string{"/bin/bash"}
		},
	},
}

func set(vals ...string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// Validate checks the spec against its variant's allowed enumerations.
func (s AgentSpec) Validate() error {
	v, ok := agentVariants[s.Type]
	if !ok {
		return fmt.Errorf("unknown agent type %q (known: %v)", s.Type, KnownAgentTypes())
	}
	if s.Model != "" && len(v.models) > 0 && !v.models[s.Model] {
		return fmt.Errorf("agent %s does not accept model %q", s.Type, s.Model)
	}
	if s.Reasoning != "" {
		if len(v.reasoning) == 0 {
			return fmt.Errorf("agent %s does not support reasoning effort", s.Type)
		}
		if !v.reasoning[s.Reasoning] {
			return fmt.Errorf("agent %s does not accept reasoning effort %q", s.Type, s.Reasoning)
		}
	}
	return nil
}

// Command renders the in-container entrypoint for this agent selection.
// The spec must have passed Validate first.
func (s AgentSpec) Command() []string {
	v, ok := agentVariants[s.Type]
	if !ok {
		return []string{"/bin/bash"}
	}
	return v.render(s)
}

// KnownAgentTypes lists registered agent types, sorted for stable errors.
func KnownAgentTypes() []string {
	out := make([]string, 0, len(agentVariants))
	for t := range agentVariants {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}
