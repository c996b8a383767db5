// Package telegram adapts the Telegram Bot API to the bot.Transport
// interface and pumps inbound updates into the dispatcher.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tibebgroup/taskrelay/internal/bot"
	"github.com/tibebgroup/taskrelay/internal/logging"
)

var tgLog = logging.ForComponent(logging.CompBot)

// Transport is the Telegram-backed bot.Transport.
type Transport struct {
	api *tgbotapi.BotAPI

	// fileClient downloads user files from Telegram's CDN.
	fileClient *http.Client
}

// New connects to the Bot API and verifies the token.
func New(token string) (*Transport, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	tgLog.Info("telegram_connected", slog.String("username", api.Self.UserName))
	return &Transport{api: api, fileClient: &http.Client{}}, nil
}

func keyboard(rows [][]bot.Button) tgbotapi.InlineKeyboardMarkup {
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		btns := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		out = append(out, btns)
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...)
}

// SendMessage implements bot.Transport. The underlying client has no
// context support; cancellation is handled upstream by the dispatcher.
func (t *Transport) SendMessage(_ context.Context, chatID int64, text string, opts *bot.SendOptions) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if opts != nil {
		if opts.HTML {
			msg.ParseMode = tgbotapi.ModeHTML
		}
		if len(opts.Keyboard) > 0 {
			msg.ReplyMarkup = keyboard(opts.Keyboard)
		}
		msg.DisableWebPagePreview = opts.DisablePreview
	}
	sent, err := t.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("telegram: send: %w", err)
	}
	return sent.MessageID, nil
}

// EditMessage implements bot.Transport.
func (t *Transport) EditMessage(_ context.Context, chatID int64, messageID int, text string, opts *bot.SendOptions) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if opts != nil {
		if opts.HTML {
			edit.ParseMode = tgbotapi.ModeHTML
		}
		if len(opts.Keyboard) > 0 {
			markup := keyboard(opts.Keyboard)
			edit.ReplyMarkup = &markup
		}
	}
	if _, err := t.api.Send(edit); err != nil {
		return fmt.Errorf("telegram: edit: %w", err)
	}
	return nil
}

// AnswerCallback implements bot.Transport.
func (t *Transport) AnswerCallback(_ context.Context, callbackID, text string) error {
	cb := tgbotapi.NewCallback(callbackID, text)
	if _, err := t.api.Request(cb); err != nil {
		return fmt.Errorf("telegram: answer callback: %w", err)
	}
	return nil
}

type remoteFile struct {
	io.ReadCloser
	name string
}

func (f remoteFile) Name() string { return f.name }

// FileReader implements bot.Transport by streaming the file from
// Telegram's file CDN.
func (t *Transport) FileReader(ctx context.Context, fileID string) (bot.ReadCloserWithName, error) {
	url, err := t.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("telegram: file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.fileClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: fetch file: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("telegram: fetch file: status %d", resp.StatusCode)
	}
	return remoteFile{ReadCloser: resp.Body, name: fileID}, nil
}

// Poll long-polls for updates and feeds them to handle until the
// context ends.
func (t *Transport) Poll(ctx context.Context, handle func(context.Context, bot.Event)) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := t.api.GetUpdatesChan(cfg)

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if ev, ok := toEvent(upd); ok {
				handle(ctx, ev)
			}
		}
	}
}

// toEvent normalizes one update. Updates with nothing actionable
// (edited messages, channel posts) are dropped.
func toEvent(upd tgbotapi.Update) (bot.Event, bool) {
	if cb := upd.CallbackQuery; cb != nil && cb.Message != nil {
		return bot.Event{
			ChatID: cb.Message.Chat.ID,
			Callback: &bot.Callback{
				ID:        cb.ID,
				Data:      cb.Data,
				MessageID: cb.Message.MessageID,
			},
		}, true
	}

	msg := upd.Message
	if msg == nil {
		return bot.Event{}, false
	}

	ev := bot.Event{ChatID: msg.Chat.ID, Text: msg.Text}

	if doc := msg.Document; doc != nil {
		ev.File = &bot.FileRef{
			FileID:   doc.FileID,
			FileName: doc.FileName,
			Size:     int64(doc.FileSize),
		}
	} else if len(msg.Photo) > 0 {
		// Telegram sends several resolutions; take the largest.
		// Photos carry no filename, so synthesize a unique one.
		best := msg.Photo[len(msg.Photo)-1]
		ev.File = &bot.FileRef{
			FileID:   best.FileID,
			FileName: fmt.Sprintf("photo_%d.jpg", time.Now().Unix()),
			Size:     int64(best.FileSize),
		}
	}

	return ev, true
}
