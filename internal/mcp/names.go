package mcp

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode"
)

// Tool names exposed to consumers are capped at 64 characters to stay
// within provider tool-name limits.
const maxToolNameLen = 64

// SafeToolName builds the session-wide exposed name for a discovered
// tool: lowercased "<connection>_<tool>", non-alphanumerics collapsed
// to underscores, truncated with a stable hash suffix past the length
// cap, and hash-deduplicated on collision with an already-used name.
func SafeToolName(connID, toolName string, used map[string]struct{}) string {
	base := sanitizeToolPart(connID) + "_" + sanitizeToolPart(toolName)
	name := base
	if len(name) > maxToolNameLen {
		name = truncateWithHash(base, connID, toolName)
	}

	if _, exists := used[name]; exists {
		name = dedupeWithHash(name, connID, toolName)
	}

	used[name] = struct{}{}
	return name
}

func sanitizeToolPart(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	underscore := false
	for _, r := range value {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			underscore = false
		default:
			if !underscore {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

func toolNameHash(connID, toolName string) string {
	sum := sha1.Sum([]byte(connID + ":" + toolName))
	return hex.EncodeToString(sum[:])[:8]
}

func truncateWithHash(base, connID, toolName string) string {
	suffix := "_" + toolNameHash(connID, toolName)
	if maxToolNameLen <= len(suffix) {
		return suffix[len(suffix)-maxToolNameLen:]
	}
	trimLen := maxToolNameLen - len(suffix)
	if trimLen > len(base) {
		trimLen = len(base)
	}
	return base[:trimLen] + suffix
}

func dedupeWithHash(base, connID, toolName string) string {
	suffix := "_" + toolNameHash(connID, toolName)
	name := base + suffix
	if len(name) <= maxToolNameLen {
		return name
	}
	return truncateWithHash(base, connID, toolName)
}
