package router

import (
	"strings"

	kit "slotpost/internal/transport"
)

// Telegram accepts at most this many menu entries, each named [a-z0-9_]{1,32}.
const (
	maxMenuCommands = 100
	maxCommandLen   = 32
)

// sanitizeTelegramCommand maps a name onto the command alphabet. Runs of
// other characters collapse into one underscore; a leading digit gets a
// "cmd_" prefix.
func sanitizeTelegramCommand(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := strings.Join(words, "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxCommandLen {
		out = strings.TrimRight(out[:maxCommandLen], "_")
	}
	return out
}

// buildMenuCommands lists commands for the client menu; owner-only ones
// carry a lock.
func buildMenuCommands(cmds []Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, min(len(cmds), maxMenuCommands))
	for _, c := range cmds[:min(len(cmds), maxMenuCommands)] {
		desc := strings.Join(strings.Fields(c.Description), " ")
		if desc == "" {
			desc = c.Name
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
	}
	return out
}
