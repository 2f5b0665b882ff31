package router

import (
	"strings"

	"castbot/pkg/tgui"
)

// helpText renders Telegram HTML help for the command or group at path, or
// the top-level list when path is empty.
func (m *CommandManager) helpText(path []string) string {
	cat := m.catalog()
	if len(path) == 0 {
		return helpTop(cat)
	}
	key, _, rest, ok := cat.resolve(path[0], path[1:])
	if !ok || len(rest) > 0 {
		return tgui.JoinH("\n",
			tgui.Raw("❓ ")+tgui.B("Unknown command"),
			tgui.Esc("Send ")+tgui.Code("/help")+tgui.Esc(" for the command list."),
		).String()
	}
	return helpNode(cat, key)
}

func helpEntry(cat *catalog, key string) tgui.H {
	line := tgui.Raw("• ")
	if cat.ownerOnly(key) {
		line += tgui.Raw("🔒 ")
	}
	line += tgui.Code("/" + key)
	if d := cat.summary(key); d != "" {
		line += tgui.Esc(" - " + d)
	}
	return line
}

func helpTop(cat *catalog) string {
	var open, locked []tgui.H
	for _, tok := range cat.kids[""] {
		if cat.ownerOnly(tok) {
			locked = append(locked, helpEntry(cat, tok))
		} else {
			open = append(open, helpEntry(cat, tok))
		}
	}
	lines := []tgui.H{
		tgui.Raw("📚 ") + tgui.B("Commands"),
		tgui.Esc("Send ") + tgui.Code("/help <cmd>") + tgui.Esc(" for details."),
		"",
	}
	lines = append(lines, open...)
	lines = append(lines, locked...)
	return joinLines(lines)
}

func helpNode(cat *catalog, key string) string {
	lines := []tgui.H{tgui.Raw("📚 ") + tgui.B("Help") + " " + tgui.Code("/"+key)}
	if cmd := cat.byRoute[key]; cmd != nil {
		if d := strings.TrimSpace(cmd.Description); d != "" {
			lines = append(lines, tgui.Esc(d))
		}
		if cmd.Access == AccessOwnerOnly {
			lines = append(lines, tgui.Raw("🔒 ")+tgui.I("Owner only"))
		}
		if u := strings.TrimSpace(cmd.Usage); u != "" {
			lines = append(lines, "", tgui.B("Usage"), tgui.Code(u))
		}
		if sc := cat.shortcuts(key); len(sc) > 0 {
			lines = append(lines, "", tgui.B("Shortcuts"))
			for _, s := range sc {
				lines = append(lines, tgui.Raw("• ")+tgui.Code("/"+s))
			}
		}
	} else {
		lines = append(lines, tgui.Esc("Command group."))
		if cat.ownerOnly(key) {
			lines = append(lines, tgui.Raw("🔒 ")+tgui.I("Owner only"))
		}
	}
	if kids := cat.kids[key]; len(kids) > 0 {
		lines = append(lines, "", tgui.B("Subcommands"))
		for _, k := range kids {
			lines = append(lines, helpEntry(cat, key+" "+k))
		}
	}
	return joinLines(lines)
}

func joinLines(lines []tgui.H) string {
	ss := make([]string, len(lines))
	for i, l := range lines {
		ss[i] = l.String()
	}
	return strings.TrimSpace(strings.Join(ss, "\n"))
}
