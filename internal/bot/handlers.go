package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"nefrit/internal/service"
)

const (
	textMainMenu   = "🌟 <b>Nefrit VPN</b>\n\nГлавное меню"
	textEnterKey   = "🔑 <b>Введите ключ активации:</b>\n\n<i>Например: NEFRIT-A1B2C3D4...</i>"
	textNoAccess   = "⛔ Нет доступа"
	textNoSub      = "❌ У вас нет подписки"
	textKeyMissing = "❌ Ключ не найден"
	textKeyUsed    = "❌ Ключ уже использован"
	textTooMany    = "⏳ Слишком много попыток. Попробуйте через минуту."
	textFailed     = "⚠️ Что-то пошло не так, попробуйте позже"
)

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.IsCommand() {
		if msg.Command() == "start" {
			b.setState(msg.From.ID, stateIdle)
			return b.start(msg)
		}
		return nil
	}
	if b.stateOf(msg.From.ID) == stateWaitingKey {
		return b.processKey(ctx, msg)
	}
	return nil
}

func (b *Bot) start(msg *tgbotapi.Message) error {
	text := fmt.Sprintf(
		"🌟 <b>Nefrit VPN</b>\n\nПривет, <b>%s</b>!\n\n⚡ Быстрый и надёжный VPN\n🔒 Безопасность\n🌍 Доступ везде",
		html.EscapeString(msg.From.FirstName),
	)
	return b.reply(msg.Chat.ID, text, b.mainKeyboard(b.isAdmin(msg.From)))
}

func (b *Bot) processKey(ctx context.Context, msg *tgbotapi.Message) error {
	b.setState(msg.From.ID, stateIdle)

	if !b.allowAttempt(msg.From.ID) {
		b.log.Warn("activation rate limited", zap.Int64("telegram_id", msg.From.ID))
		return b.reply(msg.Chat.ID, textTooMany, backKeyboard())
	}

	u, err := b.svc.ActivateKey(ctx, msg.Text, msg.From.ID, msg.From.UserName)
	switch {
	case errors.Is(err, service.ErrKeyNotFound):
		return b.reply(msg.Chat.ID, textKeyMissing, backKeyboard())
	case errors.Is(err, service.ErrKeyUsed):
		return b.reply(msg.Chat.ID, textKeyUsed, backKeyboard())
	case err != nil:
		_ = b.reply(msg.Chat.ID, textFailed, backKeyboard())
		return fmt.Errorf("activate key: %w", err)
	}

	text := fmt.Sprintf(
		"✅ <b>Подписка активирована!</b>\n\n"+
			"🔗 <b>Ссылка подписки:</b>\n<code>%s</code>\n\n"+
			"📱 <b>Или прямой конфиг:</b>\n<code>%s</code>\n\n"+
			"<b>Приложения:</b>\n"+
			"• Android: V2rayNG\n"+
			"• iOS: Streisand\n"+
			"• Windows: V2rayN",
		html.EscapeString(b.svc.SubscriptionURL(u)),
		html.EscapeString(b.svc.Link(u)),
	)
	return b.reply(msg.Chat.ID, text, backKeyboard())
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if cb.Message == nil || cb.From == nil {
		return b.answer(cb, "")
	}

	switch cb.Data {
	case cbBack, cbCancel:
		b.setState(cb.From.ID, stateIdle)
		return b.editAndAnswer(cb, textMainMenu, b.mainKeyboard(b.isAdmin(cb.From)))
	case cbActivate:
		b.setState(cb.From.ID, stateWaitingKey)
		return b.editAndAnswer(cb, textEnterKey, cancelKeyboard())
	case cbMySub:
		return b.mySubscription(ctx, cb)
	case cbAdmin, cbNewKey, cbKeys, cbStats, cbBackup:
		if !b.isAdmin(cb.From) {
			_, err := b.api.Request(tgbotapi.NewCallbackWithAlert(cb.ID, textNoAccess))
			return err
		}
		return b.adminCallback(ctx, cb)
	default:
		return b.answer(cb, "")
	}
}

func (b *Bot) mySubscription(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	u, err := b.svc.UserInfo(ctx, cb.From.ID)
	if errors.Is(err, service.ErrNoSubscription) {
		return b.editAndAnswer(cb, textNoSub, backKeyboard())
	}
	if err != nil {
		return fmt.Errorf("user info: %w", err)
	}

	status := "❌ Неактивна"
	if u.Active {
		status = "✅ Активна"
	}
	text := fmt.Sprintf(
		"📊 <b>Ваша подписка</b>\n\nСтатус: %s\nСоздана: %s (%s)\n\n🔗 <code>%s</code>",
		status,
		u.CreatedAt.Format("02.01.2006"),
		humanize.Time(u.CreatedAt),
		html.EscapeString(b.svc.SubscriptionURL(u)),
	)
	return b.editAndAnswer(cb, text, backKeyboard())
}

func (b *Bot) adminCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	switch cb.Data {
	case cbAdmin:
		return b.editAndAnswer(cb, "⚙️ <b>Админ-панель</b>", b.adminKeyboard())

	case cbNewKey:
		key, err := b.svc.CreateKey(ctx)
		if err != nil {
			_ = b.answer(cb, textFailed)
			return fmt.Errorf("create key: %w", err)
		}
		return b.editAndAnswer(cb, fmt.Sprintf("✅ <b>Новый ключ:</b>\n\n<code>%s</code>", key), b.adminKeyboard())

	case cbKeys:
		keys, err := b.svc.RecentKeys(ctx)
		if err != nil {
			_ = b.answer(cb, textFailed)
			return fmt.Errorf("list keys: %w", err)
		}
		if len(keys) == 0 {
			return b.editAndAnswer(cb, "📋 <b>Ключи:</b>\n\nПусто", b.adminKeyboard())
		}
		var sb strings.Builder
		sb.WriteString("📋 <b>Ключи:</b>\n\n")
		for _, k := range keys {
			mark := "🔓"
			if k.Used {
				mark = "✅"
			}
			fmt.Fprintf(&sb, "%s <code>%s</code>\n", mark, k.Key)
		}
		return b.editAndAnswer(cb, sb.String(), b.adminKeyboard())

	case cbStats:
		st, err := b.svc.Stats(ctx)
		if err != nil {
			_ = b.answer(cb, textFailed)
			return fmt.Errorf("stats: %w", err)
		}
		text := fmt.Sprintf(
			"📈 <b>Статистика</b>\n\n👥 Пользователей: %s\n🔑 Свободных ключей: %s",
			humanize.Comma(int64(st.Users)),
			humanize.Comma(int64(st.FreeKeys)),
		)
		return b.editAndAnswer(cb, text, b.adminKeyboard())

	case cbBackup:
		return b.exportBackup(ctx, cb)
	}
	return b.answer(cb, "")
}

func (b *Bot) exportBackup(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if b.backup == nil || !b.backup.Enabled() {
		return b.answer(cb, "Хранилище не настроено")
	}
	data, err := b.svc.Export(ctx)
	if err != nil {
		_ = b.answer(cb, textFailed)
		return fmt.Errorf("export: %w", err)
	}
	link, err := b.backup.Export(ctx, data, exportLinkTTL)
	if err != nil {
		_ = b.answer(cb, textFailed)
		return err
	}
	text := fmt.Sprintf(
		"💾 <b>Бэкап готов</b> (%s)\n\n<a href=\"%s\">Скачать</a>, ссылка действует 1 час",
		humanize.Bytes(uint64(len(data))),
		html.EscapeString(link),
	)
	return b.editAndAnswer(cb, text, b.adminKeyboard())
}

func (b *Bot) reply(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) error {
	m := tgbotapi.NewMessage(chatID, text)
	m.ParseMode = tgbotapi.ModeHTML
	m.ReplyMarkup = kb
	_, err := b.api.Send(m)
	return err
}

// editAndAnswer replaces the callback's message and acknowledges the query.
func (b *Bot) editAndAnswer(cb *tgbotapi.CallbackQuery, text string, kb tgbotapi.InlineKeyboardMarkup) error {
	edit := tgbotapi.NewEditMessageTextAndMarkup(cb.Message.Chat.ID, cb.Message.MessageID, text, kb)
	edit.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(edit); err != nil {
		_ = b.answer(cb, "")
		return err
	}
	return b.answer(cb, "")
}

func (b *Bot) answer(cb *tgbotapi.CallbackQuery, text string) error {
	_, err := b.api.Request(tgbotapi.NewCallback(cb.ID, text))
	return err
}
