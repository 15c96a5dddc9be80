package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aqniet/reviews-radar/internal/store"
)

const (
	sessionExpiredText = "❌ Сессия истекла. Используйте /start для начала."
	checklistHint      = "Нажмите на филиалы, которые вас интересуют, затем нажмите '✅ Подтвердить выбор'"
)

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	userID := strconv.FormatInt(msg.From.ID, 10)

	switch msg.Command() {
	case "start", "reviews", "unsubscribe":
		b.registerUser(ctx, msg.From)
		b.showMainMenu(ctx, msg.Chat.ID, 0, userID)
		return
	}

	// Free text during date picking gets redirected to the calendar.
	s, err := b.loadSession(ctx, userID)
	if err != nil {
		b.logger.Error("load session failed", "user_id", userID, "error", err)
		return
	}
	if s != nil && s.Action == actionReviews && (s.Step == stepDateFrom || s.Step == stepDateTo) {
		b.sendWithKeyboard(msg.Chat.ID,
			"📅 Пожалуйста, используйте календарь для выбора даты.",
			tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("🔙 Главное меню", "main_menu"))))
	}
}

func (b *Bot) registerUser(ctx context.Context, from *tgbotapi.User) {
	sub := store.Subscriber{UserID: strconv.FormatInt(from.ID, 10)}
	if from.UserName != "" {
		v := from.UserName
		sub.Username = &v
	}
	if from.FirstName != "" {
		v := from.FirstName
		sub.FirstName = &v
	}
	if from.LastName != "" {
		v := from.LastName
		sub.LastName = &v
	}
	if from.LanguageCode != "" {
		v := from.LanguageCode
		sub.LanguageCode = &v
	}
	if err := b.store.UpsertSubscriber(ctx, sub); err != nil {
		b.logger.Error("subscriber upsert failed", "user_id", sub.UserID, "error", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Message == nil || q.From == nil {
		return
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		b.logger.Warn("callback ack failed", "error", err)
	}

	userID := strconv.FormatInt(q.From.ID, 10)
	chatID := q.Message.Chat.ID
	messageID := q.Message.MessageID
	data := q.Data

	switch {
	case strings.HasPrefix(data, "calendar_"):
		b.handleCalendar(ctx, chatID, messageID, userID, data)
	case data == "main_menu":
		b.showMainMenu(ctx, chatID, messageID, userID)
	case data == "menu_subscribe":
		b.showSubscribeChecklist(ctx, chatID, messageID, userID)
	case data == "menu_subscriptions":
		b.showManageMenu(ctx, chatID, messageID, userID)
	case data == "menu_reviews":
		b.showBrowseMenu(ctx, chatID, messageID, userID)
	case data == "menu_help":
		b.showHelp(chatID, messageID)
	case data == "confirm_unsubscribe":
		b.confirmUnsubscribeAll(chatID, messageID)
	case data == "do_unsubscribe":
		b.unsubscribeAll(ctx, chatID, messageID, userID)
	case strings.HasPrefix(data, "toggle_branch_"):
		b.toggleBranch(ctx, chatID, messageID, userID, strings.TrimPrefix(data, "toggle_branch_"))
	case data == "select_all_branches":
		b.selectAllBranches(ctx, chatID, messageID, userID, true)
	case data == "unselect_all_branches":
		b.selectAllBranches(ctx, chatID, messageID, userID, false)
	case data == "confirm_selection":
		b.confirmSelection(ctx, chatID, messageID, userID)
	case strings.HasPrefix(data, "reviews_"):
		b.pickBrowseBranch(ctx, chatID, messageID, userID, strings.TrimPrefix(data, "reviews_"))
	case data == "show_more_reviews":
		b.showMoreReviews(ctx, chatID, userID)
	default:
		b.logger.Warn("unknown callback", "data", data)
	}
}

// showMainMenu branches on whether the user holds at least one active
// subscription. messageID == 0 sends a fresh message instead of editing.
func (b *Bot) showMainMenu(ctx context.Context, chatID int64, messageID int, userID string) {
	subs, err := b.store.ActiveSubscriptions(ctx, userID)
	if err != nil {
		b.logger.Error("subscriptions load failed", "user_id", userID, "error", err)
		b.sendText(chatID, "❌ Произошла ошибка. Попробуйте позже.")
		return
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	var text string
	if len(subs) > 0 {
		rows = append(rows,
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📊 Просмотр отзывов", "menu_reviews")),
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📝 Управление подписками", "menu_subscriptions")))

		names := make([]string, 0, 3)
		for i, sub := range subs {
			if i == 3 {
				break
			}
			names = append(names, sub.BranchName)
		}
		summary := strings.Join(names, ", ")
		if len(subs) > 3 {
			summary += fmt.Sprintf(" и ещё %d", len(subs)-3)
		}
		text = fmt.Sprintf("🏪 Главное меню\n\n✅ Вы подписаны на уведомления: %s\n\nВыберите действие:", summary)
	} else {
		rows = append(rows,
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔔 Подписаться на уведомления", "menu_subscribe")))
		text = "🏪 Главное меню\n\n❌ У вас нет активных подписок\n\nВыберите действие:"
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("ℹ️ Помощь", "menu_help")))

	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
	if messageID != 0 {
		b.editWithKeyboard(chatID, messageID, text, kb)
	} else {
		b.sendWithKeyboard(chatID, text, kb)
	}
}

func (b *Bot) showHelp(chatID int64, messageID int) {
	text := "ℹ️ Справка по боту\n\n" +
		"🔔 Подписка на уведомления:\n" +
		"• Выберите филиалы для получения уведомлений о новых отзывах\n" +
		"• Уведомления приходят в реальном времени\n\n" +
		"📊 Просмотр отзывов:\n" +
		"• Просмотр отзывов за выбранный период\n" +
		"• Отзывы отображаются по 5 штук\n\n" +
		"📝 Управление подписками:\n" +
		"• Добавление новых подписок\n" +
		"• Отписка от всех уведомлений\n\n" +
		"❓ Используйте /start для возврата в главное меню"
	b.editWithKeyboard(chatID, messageID, text,
		tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔙 Назад", "main_menu"))))
}

// subscribeSession seeds a checklist session from the roster plus the user's
// current active selections. Also used to reconstruct state for checklist
// callbacks that arrive after a prune.
func (b *Bot) subscribeSession(ctx context.Context, userID string) (*session, error) {
	branches, err := b.roster.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	subs, err := b.store.ActiveSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}

	s := &session{
		Action:    actionSubscribe,
		Step:      stepChoosing,
		Available: make(map[string]string, len(branches)),
	}
	for _, br := range branches {
		s.Available[br.TwoGISID] = br.Name
		s.Order = append(s.Order, br.TwoGISID)
	}
	for _, sub := range subs {
		if _, known := s.Available[sub.BranchID]; known {
			s.Selected = append(s.Selected, sub.BranchID)
		}
	}
	return s, nil
}

func (b *Bot) showSubscribeChecklist(ctx context.Context, chatID int64, messageID int, userID string) {
	s, err := b.subscribeSession(ctx, userID)
	if err != nil {
		b.logger.Error("subscribe checklist init failed", "user_id", userID, "error", err)
		b.editText(chatID, messageID, "❌ Не удалось загрузить список филиалов. Попробуйте позже.")
		return
	}
	if err := b.saveSession(ctx, userID, s); err != nil {
		b.logger.Error("save session failed", "user_id", userID, "error", err)
	}
	b.renderChecklist(chatID, messageID, s)
}

func (b *Bot) renderChecklist(chatID int64, messageID int, s *session) {
	var rows [][]tgbotapi.InlineKeyboardButton
	if len(s.Selected) == len(s.Order) && len(s.Order) > 0 {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("❌ Отписаться от всех", "unselect_all_branches")))
	} else {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Подписаться на все", "select_all_branches")))
	}
	for _, id := range s.Order {
		name := s.Available[id]
		label := name
		if s.hasSelected(id) {
			label = "✅ " + name
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("toggle_branch_%s|%s", id, name))))
	}
	rows = append(rows,
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✅ Подтвердить выбор", "confirm_selection")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Назад", "main_menu")))

	text := fmt.Sprintf("🏪 Выберите филиалы для подписки на уведомления (%d выбрано):\n\n%s",
		len(s.Selected), checklistHint)
	b.editWithKeyboard(chatID, messageID, text, tgbotapi.NewInlineKeyboardMarkup(rows...))
}

// checklistSession loads the choosing-state session, reconstructing it from
// the store when pruned. Checklist toggles are pure refreshes, so rebuilding
// from current subscriptions is safe.
func (b *Bot) checklistSession(ctx context.Context, userID string) (*session, error) {
	s, err := b.loadSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s != nil && len(s.Available) > 0 {
		return s, nil
	}
	return b.subscribeSession(ctx, userID)
}

func (b *Bot) toggleBranch(ctx context.Context, chatID int64, messageID int, userID, payload string) {
	branchID := payload
	if i := strings.IndexByte(payload, '|'); i >= 0 {
		branchID = payload[:i]
	}
	s, err := b.checklistSession(ctx, userID)
	if err != nil {
		b.logger.Error("checklist session failed", "user_id", userID, "error", err)
		b.editText(chatID, messageID, sessionExpiredText)
		return
	}
	s.toggle(branchID)
	if err := b.saveSession(ctx, userID, s); err != nil {
		b.logger.Error("save session failed", "user_id", userID, "error", err)
	}
	b.renderChecklist(chatID, messageID, s)
}

func (b *Bot) selectAllBranches(ctx context.Context, chatID int64, messageID int, userID string, all bool) {
	s, err := b.checklistSession(ctx, userID)
	if err != nil {
		b.logger.Error("checklist session failed", "user_id", userID, "error", err)
		b.editText(chatID, messageID, sessionExpiredText)
		return
	}
	if all {
		s.Selected = append([]string(nil), s.Order...)
	} else {
		s.Selected = nil
	}
	if err := b.saveSession(ctx, userID, s); err != nil {
		b.logger.Error("save session failed", "user_id", userID, "error", err)
	}
	b.renderChecklist(chatID, messageID, s)
}

func (b *Bot) confirmSelection(ctx context.Context, chatID int64, messageID int, userID string) {
	s, err := b.loadSession(ctx, userID)
	if err != nil || s == nil {
		b.editText(chatID, messageID, sessionExpiredText)
		return
	}
	if len(s.Selected) == 0 {
		b.editText(chatID, messageID, "❌ Вы не выбрали ни одного филиала. Используйте /start для начала.")
		return
	}

	chosen := make([]store.BranchRef, 0, len(s.Selected))
	var names []string
	for _, id := range s.Selected {
		name := s.Available[id]
		chosen = append(chosen, store.BranchRef{BranchID: id, BranchName: name})
		names = append(names, "• "+name)
	}
	if err := b.store.ReconcileSubscriptions(ctx, userID, chosen); err != nil {
		b.logger.Error("subscription reconcile failed", "user_id", userID, "error", err)
		b.editText(chatID, messageID, "❌ Произошла ошибка при сохранении подписок. Попробуйте позже.")
		return
	}
	b.clearSession(ctx, userID)

	text := fmt.Sprintf("✅ Подписка настроена!\n\nВы будете получать уведомления о новых отзывах для:\n\n%s\n\nТеперь вы можете просматривать отзывы и управлять подписками.",
		strings.Join(names, "\n"))
	b.editWithKeyboard(chatID, messageID, text, tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📊 Просмотр отзывов", "menu_reviews")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📝 Управление подписками", "menu_subscriptions")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Главное меню", "main_menu"))))
}

func (b *Bot) showManageMenu(ctx context.Context, chatID int64, messageID int, userID string) {
	subs, err := b.store.ActiveSubscriptions(ctx, userID)
	if err != nil {
		b.logger.Error("subscriptions load failed", "user_id", userID, "error", err)
		b.editText(chatID, messageID, "❌ Произошла ошибка. Попробуйте позже.")
		return
	}
	if len(subs) == 0 {
		b.editWithKeyboard(chatID, messageID,
			"❌ У вас нет активных подписок.\n\nИспользуйте кнопку ниже для подписки на уведомления.",
			tgbotapi.NewInlineKeyboardMarkup(
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔔 Подписаться", "menu_subscribe")),
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Назад", "main_menu"))))
		return
	}

	var list []string
	for _, sub := range subs {
		list = append(list, "• "+sub.BranchName)
	}
	text := fmt.Sprintf("📝 Управление подписками\n\n✅ Ваши активные подписки:\n%s\n\nВыберите действие:",
		strings.Join(list, "\n"))
	b.editWithKeyboard(chatID, messageID, text, tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("➕ Добавить подписки", "menu_subscribe")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🗑 Отписаться от всех", "confirm_unsubscribe")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Назад", "main_menu"))))
}

func (b *Bot) confirmUnsubscribeAll(chatID int64, messageID int) {
	b.editWithKeyboard(chatID, messageID,
		"⚠️ Вы действительно хотите отписаться от всех уведомлений?\n\nЭто действие нельзя будет отменить.",
		tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✅ Да, отписаться", "do_unsubscribe")),
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("❌ Отмена", "menu_subscriptions"))))
}

func (b *Bot) unsubscribeAll(ctx context.Context, chatID int64, messageID int, userID string) {
	if _, err := b.store.DeactivateAllSubscriptions(ctx, userID); err != nil {
		b.logger.Error("unsubscribe all failed", "user_id", userID, "error", err)
		b.editWithKeyboard(chatID, messageID,
			"❌ Произошла ошибка при отписке. Попробуйте позже.",
			tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("🔙 Назад", "menu_subscriptions"))))
		return
	}
	b.editWithKeyboard(chatID, messageID,
		"✅ Отписка выполнена!\n\nВы больше не будете получать уведомления о новых отзывах.\n\nИспользуйте кнопку ниже для новой подписки.",
		tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔔 Подписаться", "menu_subscribe")),
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Главное меню", "main_menu"))))
}

// showBrowseMenu starts the browse flow. With exactly one subscription the
// branch choice is skipped straight to the date picker.
func (b *Bot) showBrowseMenu(ctx context.Context, chatID int64, messageID int, userID string) {
	subs, err := b.store.ActiveSubscriptions(ctx, userID)
	if err != nil {
		b.logger.Error("subscriptions load failed", "user_id", userID, "error", err)
		b.editText(chatID, messageID, "❌ Произошла ошибка. Попробуйте позже.")
		return
	}
	if len(subs) == 0 {
		b.editWithKeyboard(chatID, messageID,
			"❌ У вас нет активных подписок.\n\nДля просмотра отзывов сначала подпишитесь на филиалы.",
			tgbotapi.NewInlineKeyboardMarkup(
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔔 Подписаться", "menu_subscribe")),
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Назад", "main_menu"))))
		return
	}
	if len(subs) == 1 {
		b.startDatePicker(ctx, chatID, messageID, userID, subs[0].BranchID, subs[0].BranchName)
		return
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, sub := range subs {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(sub.BranchName, "reviews_"+sub.BranchID)))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🔙 Назад", "main_menu")))
	b.editWithKeyboard(chatID, messageID, "🏪 Выберите филиал для просмотра отзывов:",
		tgbotapi.NewInlineKeyboardMarkup(rows...))
}

func (b *Bot) pickBrowseBranch(ctx context.Context, chatID int64, messageID int, userID, branchID string) {
	subs, err := b.store.ActiveSubscriptions(ctx, userID)
	if err != nil {
		b.logger.Error("subscriptions load failed", "user_id", userID, "error", err)
		b.editText(chatID, messageID, "❌ Произошла ошибка. Попробуйте позже.")
		return
	}
	for _, sub := range subs {
		if sub.BranchID == branchID {
			b.startDatePicker(ctx, chatID, messageID, userID, sub.BranchID, sub.BranchName)
			return
		}
	}
	b.editWithKeyboard(chatID, messageID,
		"❌ Филиал не найден. Вернитесь в главное меню.",
		tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔙 Главное меню", "main_menu"))))
}

func (b *Bot) startDatePicker(ctx context.Context, chatID int64, messageID int, userID, branchID, branchName string) {
	s := &session{
		Action:     actionReviews,
		Step:       stepDateFrom,
		BranchID:   branchID,
		BranchName: branchName,
	}
	if err := b.saveSession(ctx, userID, s); err != nil {
		b.logger.Error("save session failed", "user_id", userID, "error", err)
	}
	now := time.Now()
	b.editWithKeyboard(chatID, messageID,
		fmt.Sprintf("📅 Выбран филиал: %s\n\nВыберите дату начала периода:", branchName),
		buildCalendar(now.Year(), now.Month()))
}

func (b *Bot) handleCalendar(ctx context.Context, chatID int64, messageID int, userID, data string) {
	action, year, month, day, err := parseCalendarCallback(data)
	if err != nil {
		b.logger.Warn("calendar callback rejected", "data", data, "error", err)
		return
	}
	if action == "ignore" {
		return
	}

	s, err := b.loadSession(ctx, userID)
	if err != nil {
		b.logger.Error("load session failed", "user_id", userID, "error", err)
		return
	}
	if s == nil || s.Action != actionReviews {
		b.editText(chatID, messageID, sessionExpiredText)
		return
	}

	switch action {
	case "prev", "next":
		delta := 1
		if action == "prev" {
			delta = -1
		}
		year, month = shiftMonth(year, month, delta)
		switch s.Step {
		case stepDateFrom:
			b.editWithKeyboard(chatID, messageID,
				fmt.Sprintf("📅 Выбран филиал: %s\n\nВыберите дату начала периода:", s.BranchName),
				buildCalendar(year, month))
		case stepDateTo:
			from, _ := s.dateFrom()
			b.editWithKeyboard(chatID, messageID,
				fmt.Sprintf("📅 Дата начала: %s\n\nТеперь выберите дату окончания периода:", from.Format("02.01.2006")),
				buildCalendar(year, month))
		}
	case "day":
		selected := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		switch s.Step {
		case stepDateFrom:
			s.DateFrom = selected.Format(dateLayout)
			s.Step = stepDateTo
			if err := b.saveSession(ctx, userID, s); err != nil {
				b.logger.Error("save session failed", "user_id", userID, "error", err)
			}
			b.editWithKeyboard(chatID, messageID,
				fmt.Sprintf("📅 Дата начала: %s\n\nТеперь выберите дату окончания периода:", selected.Format("02.01.2006")),
				buildCalendar(selected.Year(), selected.Month()))
		case stepDateTo:
			from, err := s.dateFrom()
			if err != nil {
				b.editText(chatID, messageID, sessionExpiredText)
				return
			}
			if selected.Before(from) {
				// Stay in the date-to step and redraw the calendar.
				b.editWithKeyboard(chatID, messageID,
					fmt.Sprintf("❌ Дата окончания не может быть раньше даты начала!\n\n📅 Дата начала: %s\n\nВыберите дату окончания периода:",
						from.Format("02.01.2006")),
					buildCalendar(year, month))
				return
			}
			s.DateTo = selected.Format(dateLayout)
			s.Step = stepShowing
			s.Offset = 0
			if err := b.saveSession(ctx, userID, s); err != nil {
				b.logger.Error("save session failed", "user_id", userID, "error", err)
			}
			b.showReviewsPage(ctx, chatID, messageID, userID, s)
		}
	}
}

func (b *Bot) showMoreReviews(ctx context.Context, chatID int64, userID string) {
	s, err := b.loadSession(ctx, userID)
	if err != nil {
		b.logger.Error("load session failed", "user_id", userID, "error", err)
		return
	}
	if s == nil || s.Step != stepShowing {
		b.sendText(chatID, sessionExpiredText)
		return
	}
	s.Offset += pageSize
	if err := b.saveSession(ctx, userID, s); err != nil {
		b.logger.Error("save session failed", "user_id", userID, "error", err)
	}
	b.showReviewsPage(ctx, chatID, 0, userID, s)
}

// editOrSend edits the given message, or sends a fresh one when there is no
// message to edit (messageID 0, the show-more path).
func (b *Bot) editOrSend(chatID int64, messageID int, text string) {
	if messageID == 0 {
		b.sendText(chatID, text)
		return
	}
	b.editText(chatID, messageID, text)
}

// showReviewsPage renders one page of the selected period, newest first.
// Fetches one row past the page size to decide whether a further page exists.
func (b *Bot) showReviewsPage(ctx context.Context, chatID int64, messageID int, userID string, s *session) {
	from, err := s.dateFrom()
	if err != nil {
		b.editOrSend(chatID, messageID, sessionExpiredText)
		return
	}
	to, err := s.dateTo()
	if err != nil {
		b.editOrSend(chatID, messageID, sessionExpiredText)
		return
	}
	// Inclusive upper bound covers the whole selected day.
	toEnd := to.Add(24*time.Hour - time.Second)

	reviews, err := b.store.ListReviews(ctx, store.ReviewFilter{
		BranchID: s.BranchID,
		DateFrom: &from,
		DateTo:   &toEnd,
		SortBy:   "date_created",
		Order:    "desc",
		Skip:     s.Offset,
		Limit:    pageSize + 1,
	})
	if err != nil {
		b.logger.Error("reviews load failed", "branch_id", s.BranchID, "error", err)
		b.sendText(chatID, "❌ Произошла ошибка при получении отзывов.")
		return
	}

	period := fmt.Sprintf("%s - %s", from.Format("02.01.2006"), to.Format("02.01.2006"))
	backKB := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🔙 Выбрать другой период", "reviews_"+s.BranchID)))

	if len(reviews) == 0 {
		text := "❌ Больше отзывов нет."
		if s.Offset == 0 {
			text = fmt.Sprintf("❌ Отзывов для филиала '%s' за период %s не найдено.", s.BranchName, period)
		}
		if messageID != 0 {
			b.editWithKeyboard(chatID, messageID, text, backKB)
		} else {
			b.sendWithKeyboard(chatID, text, backKB)
		}
		b.clearSession(ctx, userID)
		return
	}

	hasMore := len(reviews) > pageSize
	page := reviews
	if hasMore {
		page = reviews[:pageSize]
	}

	if s.Offset == 0 {
		header := fmt.Sprintf("📋 Отзывы для филиала '%s'\n📅 Период: %s", s.BranchName, period)
		if messageID != 0 {
			b.editText(chatID, messageID, header)
		} else {
			b.sendText(chatID, header)
		}
	}
	for _, r := range page {
		b.sendReview(chatID, r)
	}

	if hasMore {
		b.sendWithKeyboard(chatID,
			fmt.Sprintf("Показано %d отзывов", s.Offset+len(page)),
			tgbotapi.NewInlineKeyboardMarkup(
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📄 Показать ещё", "show_more_reviews")),
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Главное меню", "main_menu"))))
		return
	}
	b.sendWithKeyboard(chatID, "✅ Все отзывы за период показаны.",
		tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔙 Главное меню", "main_menu"))))
	b.clearSession(ctx, userID)
}
