package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var monthNames = [...]string{
	"", "Январь", "Февраль", "Март", "Апрель", "Май", "Июнь",
	"Июль", "Август", "Сентябрь", "Октябрь", "Ноябрь", "Декабрь",
}

var weekdayNames = [...]string{"Пн", "Вт", "Ср", "Чт", "Пт", "Сб", "Вс"}

// buildCalendar renders a month-view date picker. Header arrows page across
// months, day cells select a date, filler cells are inert.
func buildCalendar(year int, month time.Month) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton

	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("<", fmt.Sprintf("calendar_prev_%d_%d", year, month)),
		tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("%s %d", monthNames[month], year), "calendar_ignore"),
		tgbotapi.NewInlineKeyboardButtonData(">", fmt.Sprintf("calendar_next_%d_%d", year, month)),
	))

	var header []tgbotapi.InlineKeyboardButton
	for _, d := range weekdayNames {
		header = append(header, tgbotapi.NewInlineKeyboardButtonData(d, "calendar_ignore"))
	}
	rows = append(rows, header)

	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	daysInMonth := first.AddDate(0, 1, -1).Day()
	// Monday-based column of the 1st.
	col := (int(first.Weekday()) + 6) % 7

	row := make([]tgbotapi.InlineKeyboardButton, 0, 7)
	for i := 0; i < col; i++ {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(" ", "calendar_ignore"))
	}
	for day := 1; day <= daysInMonth; day++ {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(
			strconv.Itoa(day), fmt.Sprintf("calendar_day_%d_%d_%d", year, month, day)))
		if len(row) == 7 {
			rows = append(rows, row)
			row = make([]tgbotapi.InlineKeyboardButton, 0, 7)
		}
	}
	if len(row) > 0 {
		for len(row) < 7 {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(" ", "calendar_ignore"))
		}
		rows = append(rows, row)
	}

	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("❌ Отмена", "main_menu")))

	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// parseCalendarCallback decodes calendar_<action>[_year_month[_day]] data.
// action is one of ignore, prev, next, day.
func parseCalendarCallback(data string) (action string, year int, month time.Month, day int, err error) {
	parts := strings.Split(data, "_")
	if len(parts) < 2 || parts[0] != "calendar" {
		return "", 0, 0, 0, fmt.Errorf("not a calendar callback: %q", data)
	}
	action = parts[1]
	if action == "ignore" {
		return action, 0, 0, 0, nil
	}
	if len(parts) < 4 {
		return "", 0, 0, 0, fmt.Errorf("malformed calendar callback: %q", data)
	}
	y, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("calendar year: %w", err)
	}
	m, err := strconv.Atoi(parts[3])
	if err != nil || m < 1 || m > 12 {
		return "", 0, 0, 0, fmt.Errorf("calendar month out of range: %q", data)
	}
	year, month = y, time.Month(m)

	switch action {
	case "prev", "next":
		return action, year, month, 0, nil
	case "day":
		if len(parts) < 5 {
			return "", 0, 0, 0, fmt.Errorf("calendar day missing: %q", data)
		}
		d, err := strconv.Atoi(parts[4])
		if err != nil || d < 1 || d > 31 {
			return "", 0, 0, 0, fmt.Errorf("calendar day out of range: %q", data)
		}
		return action, year, month, d, nil
	default:
		return "", 0, 0, 0, fmt.Errorf("unknown calendar action: %q", action)
	}
}

// shiftMonth steps one month in either direction with year rollover.
func shiftMonth(year int, month time.Month, delta int) (int, time.Month) {
	t := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, delta, 0)
	return t.Year(), t.Month()
}
