package tgui

import (
	"html"
	"strings"
)

// H is markup that is already safe for ParseMode=HTML.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for ParseMode=HTML.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw trusts s as markup.
func Raw(s string) H { return H(s) }

func tag(name, text string) H { return H("<" + name + ">" + html.EscapeString(text) + "</" + name + ">") }

func B(s string) H    { return tag("b", s) }
func I(s string) H    { return tag("i", s) }
func Code(s string) H { return tag("code", s) }

// Pre is a code block. Tags must balance per message, so split long text
// before wrapping it.
func Pre(s string) H { return H("<pre>" + string(Code(s)) + "</pre>") }

func Link(text, url string) H {
	return H(`<a href="` + html.EscapeString(url) + `">` + html.EscapeString(text) + "</a>")
}

// JoinH joins the non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) != "" {
			kept = append(kept, string(p))
		}
	}
	return H(strings.Join(kept, sep))
}
