package router

import (
	"slices"
	"strings"

	kit "castbot/internal/transport"
	"castbot/pkg/tgui"
)

const (
	maxMenuEntries = 100
	maxMenuDesc    = 256
	maxCommandName = 32
)

// commandName maps a route or alias onto Telegram's [a-z0-9_]{1,32} command
// alphabet. Separators become single underscores; other runes are dropped.
func commandName(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == '_', r == '-', r == '/', r == ' ', r == '\t':
			return '_'
		default:
			return -1
		}
	}, strings.ToLower(strings.TrimSpace(s)))

	out := strings.Join(strings.FieldsFunc(mapped, func(r rune) bool { return r == '_' }), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxCommandName {
		out = strings.TrimRight(out[:maxCommandName], "_")
	}
	return out
}

// menu lists top-level entries first, then shortcuts for nested commands.
func (c *catalog) menu() []kit.BotCommand {
	seen := map[string]bool{}
	var out []kit.BotCommand
	add := func(name, key string) {
		if name == "" || seen[name] || len(out) >= maxMenuEntries {
			return
		}
		seen[name] = true
		desc := strings.Join(strings.Fields(c.summary(key)), " ")
		if desc == "" {
			desc = key
		}
		if c.ownerOnly(key) {
			desc = "🔒 " + desc
		}
		out = append(out, kit.BotCommand{Command: name, Description: tgui.TruncRunes(desc, maxMenuDesc-1)})
	}

	for _, tok := range c.kids[""] {
		add(commandName(tok), tok)
	}
	var nested []string
	for key := range c.byRoute {
		if strings.Contains(key, " ") {
			nested = append(nested, key)
		}
	}
	slices.Sort(nested)
	for _, key := range nested {
		add(commandName(key), key)
	}
	return out
}
