package notify

import (
	"fmt"
	"strings"

	"github.com/aqniet/reviews-radar/internal/store"
)

// FormatReview renders the canonical notification body. The branch prefix
// line is omitted when browsing (the bot shows reviews under a branch
// heading already).
func FormatReview(r store.Review, includeBranch bool) string {
	var b strings.Builder
	if includeBranch {
		fmt.Fprintf(&b, "📢 Новый отзыв для филиала %s:\n", r.BranchName)
	}

	userName := r.UserName
	if userName == "" {
		userName = "Аноним"
	}
	fmt.Fprintf(&b, "👤 Автор: %s\n", userName)

	if r.Rating != nil {
		fmt.Fprintf(&b, "⭐ Рейтинг: %s (%d/5)\n", strings.Repeat("⭐", *r.Rating), *r.Rating)
	} else {
		b.WriteString("⭐ Рейтинг: нет оценки\n")
	}

	text := r.Text
	if text == "" {
		text = "Без текста"
	}
	fmt.Fprintf(&b, "📝 Текст: %s\n", text)

	if r.DateCreated != nil {
		fmt.Fprintf(&b, "📅 Дата: %s", r.DateCreated.Format("02.01.2006 15:04"))
	} else {
		b.WriteString("📅 Дата: Неизвестно")
	}

	if r.IsVerified {
		b.WriteString("\n✅ Подтвержденный отзыв")
	}
	return b.String()
}
