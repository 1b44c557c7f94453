package agent

import (
	"fmt"
	"strings"
)

// instructions returns the configured system prompt, or a short default that
// advertises the declared functions.
func instructions(configured string, functionNames []string) string {
	if prompt := strings.TrimSpace(configured); prompt != "" {
		return prompt
	}
	if len(functionNames) == 0 {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf(`You are a concise assistant.
You can call functions: %s.
Call a function when its result is more reliable than your own reasoning, and use the returned values as given.
If a function reports an error, say so instead of guessing.`, strings.Join(functionNames, ", ")))
}
