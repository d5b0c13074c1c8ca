package graph

// DefaultGreeting is used when no greeting prompt is configured.
const DefaultGreeting = "How can I help you today?"

// GreetingPromptType marks the greeting prompt.
const GreetingPromptType = "greeting"

// GreetingPrompt returns the configured greeting or DefaultGreeting.
func GreetingPrompt(prompts []PromptConfig) string {
	for _, p := range prompts {
		if p.Type == GreetingPromptType && p.Prompt != "" {
			return p.Prompt
		}
	}
	return DefaultGreeting
}

// ResolveStartAgent picks the agent that acts first in a turn.
//
// forceStart always selects startAgent. Otherwise the control type of the
// agent that acted last decides: retain keeps it, parent_agent returns to its
// most recent parent (or keeps it when none is recorded) and start_agent
// selects startAgent. An empty result falls back to startAgent.
func ResolveStartAgent(lastAgent string, agentData []AgentData, configs []AgentConfig, startAgent string, forceStart bool) string {
	if forceStart {
		return startAgent
	}

	name := lastAgent
	if cfg, ok := findAgentConfig(configs, lastAgent); ok {
		switch cfg.ControlType {
		case ControlParentAgent:
			for _, d := range agentData {
				if d.Name == lastAgent && d.MostRecentParentName != "" {
					name = d.MostRecentParentName
					break
				}
			}
		case ControlStartAgent:
			name = startAgent
		}
	}

	if name == "" {
		return startAgent
	}
	return name
}
