package router

import (
	"fmt"
	"html"
	"strings"
)

// helpText renders help in HTML parse mode. Owner-only commands are listed
// only for owners.
func (m *CommandManager) helpText(req *Request) string {
	owner := req.Update.Message != nil && isOwner(req.Update.Message, m.ownersSnapshot())

	var b strings.Builder
	b.WriteString("📮 <b>slotpost</b>\n")
	if l := scheduleLine(req); l != "" {
		b.WriteString(html.EscapeString(l))
		b.WriteString("\n")
	}
	if owner {
		b.WriteString("Send text or a photo to queue it.\n")
	}
	b.WriteString("\n<b>Commands</b>\n")
	for _, c := range m.commands() {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		fmt.Fprintf(&b, "<code>%s</code> %s\n", html.EscapeString(usage), html.EscapeString(c.Description))
	}
	return strings.TrimRight(b.String(), "\n")
}
