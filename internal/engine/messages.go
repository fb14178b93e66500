package engine

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/rentd/internal/inventory"
)

// Renter-facing texts keep the wording of the production bot (Russian, with
// the ! command vocabulary the buyers already know).
const (
	msgNoFreeAccounts = "🚫 Нет свободных аккаунтов."
	msgNotRented      = "🚫 Аккаунт не в аренде."
	msgCodeFailed     = "❌ Ошибка генерации кода."
	msgHelp           = "ℹ️ Команды: !код — код, !время — время, !игры — игры, !связь — написать продавцу"
	msgContactPrompt  = "📩 Напишите ваше сообщение, оно будет отправлено продавцу."
	msgContactRelayed = "📩 Сообщение отправлено продавцу!"
	msgLeaseEnded     = "🏁 Аренда завершена. Вы кикнуты с аккаунта."
)

func issueMessage(cred inventory.Credential, bonus time.Duration) string {
	return fmt.Sprintf(`👋 Привет! Я бот. Вот твой аккаунт:
🔑 Логин: %s
🔒 Пароль: %s

📲 Чтобы получить Steam Guard код, напиши !код
🎁 Чтобы получить +%d мин, оставь отзыв после аренды
📞 Для связи с продавцом: !связь
ℹ️ Другие команды: !время, !игры, !помощь`, cred.Login, cred.Secret, int(bonus.Minutes()))
}

func codeMessage(code string) string {
	return fmt.Sprintf("📲 Steam Guard код: %s", code)
}

func remainingMessage(remaining time.Duration) string {
	if remaining < 0 {
		remaining = 0
	}
	total := int(remaining.Seconds())
	return fmt.Sprintf("⏳ Осталось: %d мин %d сек", total/60, total%60)
}

func gamesMessage(games []string) string {
	return fmt.Sprintf("🎮 Игры: %s", strings.Join(games, ", "))
}

func warningMessage(threshold time.Duration) string {
	return fmt.Sprintf("⚠️ Аренда заканчивается через %d минут!", int(threshold.Minutes()))
}

func bonusMessage(extension time.Duration) string {
	return fmt.Sprintf("🎉 Спасибо за отзыв! Добавлено %d минут аренды!", int(extension.Minutes()))
}
