package session

import "strings"

// ensureClosedFence appends a closing fence when the buffer ends inside an
// unterminated fenced code block, so a partial artifact stays syntactically
// well-formed after a stop.
func ensureClosedFence(output string) string {
	if strings.Count(output, "```")%2 == 1 {
		return output + "\n```"
	}
	return output
}
