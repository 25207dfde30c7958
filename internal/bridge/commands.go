// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hermod/internal/pairing"
	"hermod/internal/pipeline"
	"hermod/internal/platform"
	"hermod/internal/store"
)

const helpText = `Commands:
/pair <code> [alias] - link this chat to a hub
/hubs - list linked hubs
/use <alias> - talk to a hub for a while
/default <alias> - set the fallback hub
/rename <old> <new> - rename a hub alias
/unpair <alias> - remove a hub link
/topic <alias> - route this topic thread to a hub
/untopic - remove this thread's hub route

Prefix a message with #alias or @alias to address one hub directly.`

// handleUpdate routes each normalized update: slash commands are handled
// conversationally, everything else goes through the inbound pipeline
func (d *Daemon) handleUpdate(ctx context.Context, upd *platform.Update) {
	if strings.HasPrefix(upd.Text, "/") {
		d.handleCommand(ctx, upd)
		return
	}

	result, err := d.inbound.Process(ctx, upd)
	if err != nil {
		d.logger.Error().
			Err(err).
			Int64("chat_id", upd.ChatID).
			Int64("update_id", upd.UpdateID).
			Msg("Inbound processing failed")
		return
	}

	switch result.Status {
	case pipeline.StatusNotPaired:
		d.reply(ctx, upd.ChatID, "This chat has no linked hub yet. Use /pair <code> to link one.")
	case pipeline.StatusChoose:
		d.reply(ctx, upd.ChatID, d.chooseText(upd.ChatID))
	}
}

// chooseText lists the chat's hubs so the user can disambiguate
func (d *Daemon) chooseText(chatID int64) string {
	bindings, err := d.db.ListBindings(chatID)
	if err != nil || len(bindings) == 0 {
		return "Several hubs are linked here. Prefix your message with #alias to pick one."
	}

	var b strings.Builder
	b.WriteString("Which hub? Prefix your message with one of:\n")
	for _, binding := range bindings {
		fmt.Fprintf(&b, "  #%s\n", binding.Alias)
	}
	return b.String()
}

// handleCommand dispatches a slash command
func (d *Daemon) handleCommand(ctx context.Context, upd *platform.Update) {
	fields := strings.Fields(upd.Text)
	cmd := strings.TrimPrefix(fields[0], "/")
	// Telegram appends the bot name in group chats
	if at := strings.Index(cmd, "@"); at >= 0 {
		cmd = cmd[:at]
	}
	args := fields[1:]

	var reply string
	switch cmd {
	case "start", "help":
		reply = helpText
	case "pair":
		reply = d.cmdPair(upd.ChatID, args)
	case "hubs":
		reply = d.cmdHubs(upd.ChatID)
	case "use":
		reply = d.cmdUse(upd.ChatID, args)
	case "default":
		reply = d.cmdDefault(upd.ChatID, args)
	case "rename":
		reply = d.cmdRename(upd.ChatID, args)
	case "unpair":
		reply = d.cmdUnpair(upd.ChatID, args)
	case "topic":
		reply = d.cmdTopic(upd.ChatID, upd.TopicID, args)
	case "untopic":
		reply = d.cmdUntopic(upd.ChatID, upd.TopicID)
	default:
		reply = "Unknown command. Try /help."
	}

	d.reply(ctx, upd.ChatID, reply)
}

func (d *Daemon) cmdPair(chatID int64, args []string) string {
	if len(args) == 0 {
		return "Usage: /pair <code> [alias]"
	}
	code := strings.ToUpper(args[0])

	record, err := d.pairing.Get(code)
	if err != nil {
		return "Unknown pairing code."
	}

	alias := record.HubID
	if len(args) > 1 {
		alias = args[1]
	}

	record, err = d.pairing.Confirm(code, chatID, alias)
	switch {
	case err == nil:
		return fmt.Sprintf("Paired with hub %s as #%s.", record.HubID, alias)
	case errors.Is(err, pairing.ErrExpired):
		return "That code has expired. Ask the hub for a fresh one."
	case errors.Is(err, pairing.ErrRevoked):
		return "That code was revoked."
	case errors.Is(err, pairing.ErrAlreadyConfirmed):
		return "That code was already used."
	default:
		d.logger.Error().Err(err).Str("code", code).Msg("Pairing failed")
		return "Pairing failed, try again later."
	}
}

func (d *Daemon) cmdHubs(chatID int64) string {
	bindings, err := d.db.ListBindings(chatID)
	if err != nil {
		d.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to list bindings")
		return "Could not list hubs right now."
	}
	if len(bindings) == 0 {
		return "No hubs linked. Use /pair <code> to link one."
	}

	var b strings.Builder
	b.WriteString("Linked hubs:\n")
	for _, binding := range bindings {
		marker := ""
		if binding.IsDefault {
			marker = " (default)"
		}
		fmt.Fprintf(&b, "  #%s — %s%s\n", binding.Alias, binding.HubID, marker)
	}
	return b.String()
}

func (d *Daemon) cmdUse(chatID int64, args []string) string {
	if len(args) != 1 {
		return "Usage: /use <alias>"
	}
	binding, err := d.db.GetBindingByAlias(chatID, args[0])
	if err != nil {
		return d.aliasError(err, args[0])
	}
	if err := d.db.SetSession(chatID, binding.HubID, "manual"); err != nil {
		d.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to set session")
		return "Could not switch hubs right now."
	}
	return fmt.Sprintf("Talking to #%s now.", binding.Alias)
}

func (d *Daemon) cmdDefault(chatID int64, args []string) string {
	if len(args) != 1 {
		return "Usage: /default <alias>"
	}
	binding, err := d.db.GetBindingByAlias(chatID, args[0])
	if err != nil {
		return d.aliasError(err, args[0])
	}
	if err := d.db.SetDefaultBinding(chatID, binding.HubID); err != nil {
		d.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to set default binding")
		return "Could not set the default hub right now."
	}
	return fmt.Sprintf("#%s is now the default hub.", binding.Alias)
}

func (d *Daemon) cmdRename(chatID int64, args []string) string {
	if len(args) != 2 {
		return "Usage: /rename <old> <new>"
	}
	if err := d.db.RenameBinding(chatID, args[0], args[1]); err != nil {
		return d.aliasError(err, args[0])
	}

	if binding, err := d.db.GetBindingByAlias(chatID, args[1]); err == nil && d.client != nil {
		if err := d.client.PublishAliasUpdate(binding.HubID, args[1]); err != nil {
			d.logger.Warn().Err(err).Str("hub_id", binding.HubID).Msg("Failed to propagate alias rename")
		}
	}
	return fmt.Sprintf("Renamed #%s to #%s.", args[0], args[1])
}

func (d *Daemon) cmdUnpair(chatID int64, args []string) string {
	if len(args) != 1 {
		return "Usage: /unpair <alias>"
	}
	binding, err := d.db.GetBindingByAlias(chatID, args[0])
	if err != nil {
		return d.aliasError(err, args[0])
	}
	if err := d.db.DeleteBinding(chatID, binding.HubID); err != nil {
		d.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to delete binding")
		return "Could not unpair right now."
	}
	return fmt.Sprintf("Unpaired #%s.", binding.Alias)
}

func (d *Daemon) cmdTopic(chatID, topicID int64, args []string) string {
	if topicID == 0 {
		return "Send /topic inside the topic thread you want to route."
	}
	if len(args) != 1 {
		return "Usage: /topic <alias>"
	}
	binding, err := d.db.GetBindingByAlias(chatID, args[0])
	if err != nil {
		return d.aliasError(err, args[0])
	}
	if err := d.db.BindTopic(chatID, topicID, binding.HubID); err != nil {
		d.logger.Error().Err(err).Int64("chat_id", chatID).Int64("topic_id", topicID).Msg("Failed to bind topic")
		return "Could not route this thread right now."
	}
	return fmt.Sprintf("Messages in this thread now go to #%s.", binding.Alias)
}

func (d *Daemon) cmdUntopic(chatID, topicID int64) string {
	if topicID == 0 {
		return "Send /untopic inside the topic thread you want to unroute."
	}
	if err := d.db.UnbindTopic(chatID, topicID); err != nil {
		d.logger.Error().Err(err).Int64("chat_id", chatID).Int64("topic_id", topicID).Msg("Failed to unbind topic")
		return "Could not unroute this thread right now."
	}
	return "This thread follows the chat's normal routing again."
}

func (d *Daemon) aliasError(err error, alias string) string {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("No hub named #%s here. /hubs lists what's linked.", alias)
	}
	d.logger.Error().Err(err).Str("alias", alias).Msg("Binding lookup failed")
	return "Something went wrong, try again later."
}

// reply sends conversational feedback, logging delivery failures
func (d *Daemon) reply(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	if err := d.sender.Reply(ctx, chatID, text); err != nil {
		d.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send reply")
	}
}
