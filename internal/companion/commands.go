package companion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/reminder"
	"github.com/nugget/hearth/internal/session"
)

const welcomeText = "Welcome to the chatbot!\n" +
	"You can use the following commands to choose a personality:\n" +
	"/use DefaultPersonality - Switch to ChatGPT4o\n" +
	"/use <personality name> - Switch to a specified personality\n" +
	"/clear - Clear the current chat history\n" +
	"Send a message to start chatting!\n" +
	"You can also set your timezone, for example /time Asia/Shanghai\n" +
	"Use /retry to resend the last message"

type commandFunc func(ctx context.Context, id string, args []string) Result

type command struct {
	name        string
	description string
	run         commandFunc
}

// CommandInfo describes one slash command.
type CommandInfo struct {
	Name        string
	Description string
}

// commandOrder fixes the listing order shown to users.
var commandOrder = []string{
	"start", "use", "clear", "time", "list", "retry",
	"clock", "clocklist", "clockeveryday", "clockclear", "clockclearevery",
}

func (e *Engine) commandTable() map[string]command {
	cmds := []command{
		{"start", "Start the bot", e.cmdStart},
		{"use", "Choose a personality", e.cmdUse},
		{"clear", "Clear the current chat history", e.cmdClear},
		{"time", "Set timezone", e.cmdTime},
		{"list", "List and manage memories", e.cmdList},
		{"retry", "Retry the last message", e.cmdRetry},
		{"clock", "Set a reminder", e.cmdClock},
		{"clocklist", "View the reminder list", e.cmdClockList},
		{"clockeveryday", "Set a daily reminder", e.cmdClockEveryday},
		{"clockclear", "Cancel a reminder", e.cmdClockClear},
		{"clockclearevery", "Cancel a daily reminder", e.cmdClockClearEvery},
	}
	m := make(map[string]command, len(cmds))
	for _, c := range cmds {
		m[c.name] = c
	}
	return m
}

// Commands lists the supported slash commands in display order.
func (e *Engine) Commands() []CommandInfo {
	out := make([]CommandInfo, 0, len(commandOrder))
	for _, name := range commandOrder {
		c := e.commands[name]
		out = append(out, CommandInfo{Name: c.name, Description: c.description})
	}
	return out
}

// IsCommand reports whether name (without the leading slash) is known.
func (e *Engine) IsCommand(name string) bool {
	_, ok := e.commands[strings.ToLower(name)]
	return ok
}

// HandleCommand runs a slash command. name excludes the leading slash;
// args are the whitespace-separated words after it.
func (e *Engine) HandleCommand(ctx context.Context, conversationID, name string, args []string) Result {
	name = strings.ToLower(name)
	c, ok := e.commands[name]
	if !ok {
		return reply(e.helpText(name))
	}

	e.logger.Debug("command", "conversation_id", conversationID, "command", name, "args", len(args))
	e.bus.Emit(events.SourceCompanion, events.KindCommand, map[string]any{
		"conversation_id": conversationID,
		"command":         name,
	})
	return c.run(ctx, conversationID, args)
}

func (e *Engine) helpText(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Unknown command /%s. Available commands:", name)
	for _, c := range e.Commands() {
		fmt.Fprintf(&b, "\n/%s - %s", c.Name, c.Description)
	}
	return b.String()
}

func (e *Engine) cmdStart(_ context.Context, id string, _ []string) Result {
	e.store.TouchActivity(id)
	e.restartGreeting(id)
	return reply(welcomeText)
}

func (e *Engine) cmdUse(_ context.Context, id string, args []string) Result {
	if len(args) != 1 {
		return reply("Usage: /use <personality name>")
	}
	p, err := e.registry.Lookup(args[0])
	if err != nil {
		e.logger.Warn("unknown personality requested", "conversation_id", id, "personality", args[0])
		return reply("Specified personality not found.")
	}
	e.store.SetPersonality(id, p.Name)
	e.logger.Info("personality switched", "conversation_id", id, "personality", p.Name)
	return reply(fmt.Sprintf("Switched to %s personality.", p.Name))
}

func (e *Engine) cmdClear(_ context.Context, id string, _ []string) Result {
	e.store.ClearHistory(id)
	e.logger.Info("history cleared", "conversation_id", id)
	return reply("Cleared current chat history.")
}

func (e *Engine) cmdTime(_ context.Context, id string, args []string) Result {
	if len(args) != 1 {
		return reply("Usage: /time <timezone name>")
	}
	if err := e.store.SetTimezone(id, args[0]); err != nil {
		e.logger.Warn("invalid timezone", "conversation_id", id, "timezone", args[0])
		return reply("Invalid timezone name. Please use a valid timezone name, such as Asia/Shanghai")
	}
	e.logger.Info("timezone set", "conversation_id", id, "timezone", args[0])
	return reply("Timezone set to " + args[0])
}

// cmdList lists memories with no arguments, upserts with an index and
// text, and deletes with an index alone.
func (e *Engine) cmdList(_ context.Context, id string, args []string) Result {
	if len(args) == 0 {
		memories := e.store.Memories(id)
		if len(memories) == 0 {
			return reply("No memories stored.")
		}
		lines := make([]string, len(memories))
		for i, m := range memories {
			lines[i] = fmt.Sprintf("%d. %s", i+1, m)
		}
		return reply("Memories:\n" + strings.Join(lines, "\n"))
	}

	index, err := strconv.Atoi(args[0])
	if err != nil {
		return reply("Usage: /list <memory index> <new memory text>")
	}

	if text := strings.Join(args[1:], " "); text != "" {
		if err := e.store.UpsertMemory(id, index, text); err != nil {
			return reply("Invalid memory index.")
		}
		return reply("Memory updated.")
	}
	if err := e.store.DeleteMemory(id, index); err != nil {
		return reply("Invalid memory index.")
	}
	return reply("Memory deleted.")
}

func (e *Engine) cmdRetry(ctx context.Context, id string, _ []string) Result {
	res, err := e.Retry(ctx, id)
	if err != nil {
		e.logger.Info("nothing to retry", "conversation_id", id, "reason", err)
	}
	return res
}

func (e *Engine) cmdClock(_ context.Context, id string, args []string) Result {
	if len(args) < 2 {
		return reply("Usage: /clock <time(HH:MM)> <event>")
	}
	at, err := session.ParseTimeOfDay(args[0])
	if err != nil {
		return reply("Invalid time format. Please use HH:MM format.")
	}
	event := strings.Join(args[1:], " ")
	r := e.store.AddReminder(id, at, event)
	e.logger.Info("reminder set", "conversation_id", id, "reminder_id", r.ID, "at", at.String())
	return reply(fmt.Sprintf("Reminder set at %s to remind: %s", args[0], event))
}

func (e *Engine) cmdClockEveryday(_ context.Context, id string, args []string) Result {
	if len(args) < 2 {
		return reply("Usage: /clockeveryday <time(HH:MM)> <event>")
	}
	at, err := session.ParseTimeOfDay(args[0])
	if err != nil {
		return reply("Invalid time format. Please use HH:MM format.")
	}
	event := strings.Join(args[1:], " ")
	r := e.store.AddDailyReminder(id, at, event)
	e.logger.Info("daily reminder set", "conversation_id", id, "reminder_id", r.ID, "at", at.String())
	return reply(fmt.Sprintf("Daily reminder set at %s to remind: %s", args[0], event))
}

func (e *Engine) cmdClockList(_ context.Context, id string, _ []string) Result {
	oneShot, daily := e.store.Reminders(id)
	return reply(reminder.FormatList(oneShot, daily)...)
}

func (e *Engine) cmdClockClear(_ context.Context, id string, args []string) Result {
	if len(args) != 1 {
		return reply("Usage: /clockclear <reminder index>")
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return reply("Invalid reminder index.")
	}
	if err := e.store.RemoveReminderAt(id, index); err != nil {
		if errors.Is(err, session.ErrIndexOutOfRange) {
			return reply("Invalid reminder index or the index does not correspond to a one-time reminder.")
		}
		return reply("Invalid reminder index.")
	}
	return reply("Reminder deleted.")
}

func (e *Engine) cmdClockClearEvery(_ context.Context, id string, args []string) Result {
	if len(args) != 1 {
		return reply("Usage: /clockclearevery <reminder index>")
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return reply("Invalid reminder index.")
	}
	if err := e.store.RemoveDailyReminderAt(id, index); err != nil {
		return reply("Invalid reminder index.")
	}
	return reply("Daily reminder deleted.")
}
