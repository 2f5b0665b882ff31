package router

import (
	"slices"
	"strings"
)

// catalog is an immutable view of the registered commands. Routes are keyed
// by their space-joined tokens ("runs clear"); kids maps a route prefix (""
// for the top level) to its next tokens.
type catalog struct {
	byRoute map[string]*Command
	byAlias map[string]string
	kids    map[string][]string
}

func newCatalog(cmds []Command) *catalog {
	c := &catalog{
		byRoute: map[string]*Command{},
		byAlias: map[string]string{},
		kids:    map[string][]string{},
	}
	for _, cmd := range cmds {
		tokens := strings.Fields(cmd.Route)
		if len(tokens) == 0 || cmd.Handle == nil {
			continue
		}
		key := strings.Join(tokens, " ")
		cmd.Route = key
		c.byRoute[key] = &cmd
		for i, tok := range tokens {
			parent := strings.Join(tokens[:i], " ")
			if !slices.Contains(c.kids[parent], tok) {
				c.kids[parent] = append(c.kids[parent], tok)
			}
		}
	}
	for _, ks := range c.kids {
		slices.Sort(ks)
	}

	// Menu names of nested routes ("runs_clear") and explicit aliases jump
	// straight to the command. A single-token route is never its own alias
	// or it would hide its subcommands.
	for key, cmd := range c.byRoute {
		if strings.Contains(key, " ") {
			c.addAlias(commandName(key), key)
		}
		for _, a := range cmd.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.ContainsAny(a, " \t") {
				continue
			}
			c.byAlias[a] = key
			c.addAlias(commandName(a), key)
		}
	}
	return c
}

func (c *catalog) addAlias(name, key string) {
	if name == "" {
		return
	}
	if _, taken := c.byAlias[name]; !taken {
		c.byAlias[name] = key
	}
}

func (c *catalog) hasKid(parent, tok string) bool {
	return slices.Contains(c.kids[parent], tok)
}

// resolve walks word and then as many leading args as match subcommands.
// cmd is nil when the route names a group rather than a command.
func (c *catalog) resolve(word string, args []string) (key string, cmd *Command, rest []string, ok bool) {
	if key, ok := c.byAlias[word]; ok {
		return key, c.byRoute[key], args, true
	}
	if !c.hasKid("", word) {
		return "", nil, args, false
	}
	key = word
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") && c.hasKid(key, args[0]) {
		key += " " + args[0]
		args = args[1:]
	}
	return key, c.byRoute[key], args, true
}

// ownerOnly is true for an owner-only command, or for a group whose every
// command is owner-only.
func (c *catalog) ownerOnly(key string) bool {
	if cmd := c.byRoute[key]; cmd != nil {
		return cmd.Access == AccessOwnerOnly
	}
	found := false
	for route, cmd := range c.byRoute {
		if strings.HasPrefix(route, key+" ") {
			found = true
			if cmd.Access != AccessOwnerOnly {
				return false
			}
		}
	}
	return found
}

// summary is the command description, or a hint of a group's subcommands.
func (c *catalog) summary(key string) string {
	if cmd := c.byRoute[key]; cmd != nil {
		if d := strings.TrimSpace(cmd.Description); d != "" {
			return d
		}
	}
	kids := c.kids[key]
	if len(kids) == 0 {
		return ""
	}
	n := min(3, len(kids))
	s := "subcommands: " + strings.Join(kids[:n], ", ")
	if len(kids) > n {
		s += ", …"
	}
	return s
}

// shortcuts lists every other name that reaches the command at key.
func (c *catalog) shortcuts(key string) []string {
	var out []string
	for alias, target := range c.byAlias {
		if target == key && alias != key {
			out = append(out, alias)
		}
	}
	slices.Sort(out)
	return out
}
