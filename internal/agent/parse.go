package agent

import "strings"

const (
	openTag  = "<tool:"
	closeTag = "</tool>"
)

// Action is one tool invocation extracted from a plan.
type Action struct {
	Tool string   `json:"tool"`
	Args []string `json:"args"`
}

// ParseToolCalls extracts <tool:NAME>arg1|arg2</tool> invocations left to
// right. Tags with an invalid name or no closing tag are skipped. An opening
// tag inside a body abandons the outer tag and restarts there.
func ParseToolCalls(text string) []Action {
	var actions []Action
	i := 0
	for i < len(text) {
		start := strings.Index(text[i:], openTag)
		if start < 0 {
			break
		}
		nameStart := i + start + len(openTag)
		j := nameStart
		for j < len(text) && isNameByte(text[j]) {
			j++
		}
		if j == nameStart || j >= len(text) || text[j] != '>' {
			i = nameStart
			continue
		}
		bodyStart := j + 1
		end := strings.Index(text[bodyStart:], closeTag)
		if end < 0 {
			break
		}
		body := text[bodyStart : bodyStart+end]
		if nested := strings.Index(body, openTag); nested >= 0 {
			i = bodyStart + nested
			continue
		}
		parts := strings.Split(body, "|")
		for k := range parts {
			parts[k] = strings.TrimSpace(parts[k])
		}
		actions = append(actions, Action{Tool: text[nameStart:j], Args: parts})
		i = bodyStart + end + len(closeTag)
	}
	return actions
}

func isNameByte(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}
