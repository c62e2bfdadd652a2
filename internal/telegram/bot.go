// Package telegram provides a Telegram chat surface for AppForge.
//
// Uses long polling -- no public URL or webhook needed. Each Telegram
// chat is bound to one project: describe an app, answer the platform
// question if asked, and keep messaging to build and refine it.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"appforge/internal/model"
	"appforge/internal/orchestrator"
	"appforge/internal/sandbox"
	"appforge/internal/store"
)

// Runner is the message entry point the bot needs. The orchestrator
// implements it; tests provide a stub.
type Runner interface {
	Run(ctx context.Context, projectID, message string) (*orchestrator.Result, error)
}

// Previewer stops a project's running preview. May be nil when previews
// are not wired.
type Previewer interface {
	Stop(projectID string)
}

// Bot is the Telegram bot for AppForge.
type Bot struct {
	api      *tgbotapi.BotAPI
	store    *store.Store
	files    *sandbox.Store
	orch     Runner
	previews Previewer
	log      zerolog.Logger
}

// NewBot creates a Telegram bot.
func NewBot(token string, st *store.Store, files *sandbox.Store, orch Runner, previews Previewer, log zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("Telegram bot authorized")
	return &Bot{api: api, store: st, files: files, orch: orch, previews: previews, log: log}, nil
}

// Run starts the long-polling loop. Blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				go b.handleMessage(ctx, update.Message)
			}
		}
	}
}

// projectID derives the stable per-chat project id, so the binding
// survives restarts without an extra mapping table.
func projectID(chatID int64) string {
	return fmt.Sprintf("tg-%d", chatID)
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	chatID := msg.Chat.ID
	replyTo := msg.MessageID

	switch {
	case text == "/start" || text == "/help":
		b.reply(chatID, replyTo,
			"Hi! Describe the app you want and I'll build it.\n\n"+
				"Examples:\n"+
				"  build me a workout tracker web app\n"+
				"  make me a mockup of the login screen\n\n"+
				"/new starts this chat over with a fresh project.")
		return
	case text == "/new":
		id := projectID(chatID)
		if err := b.resetProject(id); err != nil {
			b.log.Error().Err(err).Str("project", id).Msg("resetting telegram project")
			b.reply(chatID, replyTo, "Couldn't reset the project, please try again.")
			return
		}
		b.reply(chatID, replyTo, "Fresh project ready. What should we build?")
		return
	case text == "":
		return
	}

	id := projectID(chatID)
	if _, err := b.store.GetMeta(id); errors.Is(err, store.ErrNotFound) {
		meta := &model.ProjectMeta{ID: id, Title: model.FirstLine(text, 60)}
		if err := b.store.CreateProject(meta); err != nil {
			b.log.Error().Err(err).Str("project", id).Msg("creating telegram project")
			b.reply(chatID, replyTo, "Couldn't start a project, please try again.")
			return
		}
	} else if err != nil {
		b.log.Error().Err(err).Str("project", id).Msg("loading telegram project")
		b.reply(chatID, replyTo, "Something went wrong, please try again.")
		return
	}

	result, err := b.orch.Run(ctx, id, text)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidMessage):
		b.reply(chatID, replyTo, "That message is empty or too long; please shorten it.")
		return
	case errors.Is(err, orchestrator.ErrMissingCredential):
		b.reply(chatID, replyTo, "The server has no generator API key configured, so I can't build right now.")
		return
	case err != nil:
		b.log.Error().Err(err).Str("project", id).Msg("telegram run failed")
		b.reply(chatID, replyTo, "Something went wrong, please try again.")
		return
	}

	b.reply(chatID, replyTo, result.Reply)
	if result.Image != nil && result.Image.URL != "" {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(result.Image.URL))
		if _, err := b.api.Send(photo); err != nil {
			b.log.Warn().Err(err).Str("project", id).Msg("sending telegram photo")
		}
	}
}

// resetProject clears every store tied to the chat's project: the
// running preview, the metadata and chat log, and the sandbox tree. The
// next message then starts from a truly blank project.
func (b *Bot) resetProject(id string) error {
	if b.previews != nil {
		b.previews.Stop(id)
	}
	if err := b.store.DeleteProject(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := b.files.Remove(id); err != nil {
		b.log.Warn().Err(err).Str("project", id).Msg("removing sandbox files")
	}
	return nil
}

func (b *Bot) reply(chatID int64, replyTo int, text string) {
	if text == "" {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	if _, err := b.api.Send(msg); err != nil {
		b.log.Warn().Err(err).Int64("chat", chatID).Msg("sending telegram message")
	}
}
