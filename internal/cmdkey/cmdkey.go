// Package cmdkey canonicalizes tool permission requests into stable command
// keys used by the allow/deny policy.
package cmdkey

import (
	"path/filepath"
	"strings"
)

// helperScripts maps known helper script basenames to their key suffix.
var helperScripts = map[string]string{
	"manage_log.py":     "manage_log",
	"manage_context.py": "manage_context",
	"notify_tool.py":    "notify_tool",
}

// Derive returns a stable key for a tool invocation. The command string is
// preferred; the tool title is the fallback when no command is present.
//
// Keys look like "shell:git", "npm:run:build", "python3:manage_log". Two
// invocations that a user would consider "the same command" derive the
// same key, so a single allow_always covers them.
func Derive(title, command string) string {
	tokens := splitCommandLine(command)
	tokens = unwrapShell(tokens)
	tokens = truncateAtOperator(tokens)
	tokens = skipPrefixes(tokens)

	if len(tokens) == 0 {
		word := firstWord(title)
		if word == "" {
			return "unknown"
		}
		return strings.ToLower(word)
	}

	head := strings.ToLower(filepath.Base(tokens[0]))
	rest := tokens[1:]

	switch head {
	case "npm":
		if len(rest) >= 2 && rest[0] == "run" {
			return "npm:run:" + rest[1]
		}
		if len(rest) >= 1 {
			return "npm:" + rest[0]
		}
		return "shell:npm"
	case "npx":
		if len(rest) >= 1 {
			return "npx:" + strings.ToLower(filepath.Base(rest[0]))
		}
		return "shell:npx"
	case "pnpm":
		if len(rest) >= 1 {
			return "pnpm:" + rest[0]
		}
		return "shell:pnpm"
	case "yarn":
		if len(rest) >= 1 {
			return "yarn:" + rest[0]
		}
		return "shell:yarn"
	case "python", "python3", "node":
		script := firstScriptArg(rest)
		if script == "" {
			return head
		}
		if suffix, ok := helperScripts[strings.ToLower(filepath.Base(script))]; ok {
			return "python3:" + suffix
		}
		return "shell:" + head
	default:
		return "shell:" + head
	}
}

// unwrapShell unwraps `bash -c "<cmd>"` (and sh/zsh) to the inner command.
func unwrapShell(tokens []string) []string {
	if len(tokens) < 3 {
		return tokens
	}
	head := strings.ToLower(filepath.Base(tokens[0]))
	if head != "bash" && head != "sh" && head != "zsh" {
		return tokens
	}
	for i := 1; i < len(tokens)-1; i++ {
		if tokens[i] == "-c" {
			return splitCommandLine(tokens[i+1])
		}
	}
	return tokens
}

// truncateAtOperator cuts the token list at the first shell operator so a
// compound command is keyed by its first stage only.
func truncateAtOperator(tokens []string) []string {
	for i, tok := range tokens {
		switch tok {
		case "&&", "||", ";", "|":
			return tokens[:i]
		}
	}
	return tokens
}

// skipPrefixes drops sudo, env, and VAR=value prefixes.
func skipPrefixes(tokens []string) []string {
	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		if tok == "sudo" || tok == "env" {
			i++
			continue
		}
		if isEnvAssignment(tok) {
			i++
			continue
		}
		break
	}
	return tokens[i:]
}

func isEnvAssignment(tok string) bool {
	eq := strings.Index(tok, "=")
	if eq <= 0 {
		return false
	}
	for _, r := range tok[:eq] {
		if !(r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// firstScriptArg returns the first argument that is not a flag.
func firstScriptArg(args []string) string {
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		return a
	}
	return ""
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimSuffix(fields[0], ":")
}

// splitCommandLine tokenizes a shell command, honoring single and double
// quotes and backslash escapes. Operators separated by whitespace remain
// their own tokens; embedded operators like "a&&b" split into three.
func splitCommandLine(s string) []string {
	var tokens []string
	var cur strings.Builder
	inSingle := false
	inDouble := false
	escaped := false

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if escaped {
			cur.WriteRune(r)
			escaped = false
			continue
		}

		switch {
		case r == '\\' && !inSingle:
			escaped = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case !inSingle && !inDouble && (r == ' ' || r == '\t' || r == '\n'):
			flush()
		case !inSingle && !inDouble && (r == ';' || r == '|' || r == '&'):
			flush()
			// Coalesce && and ||
			if (r == '&' || r == '|') && i+1 < len(runes) && runes[i+1] == r {
				tokens = append(tokens, string(r)+string(r))
				i++
			} else {
				tokens = append(tokens, string(r))
			}
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}
