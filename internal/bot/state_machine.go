package bot

import "orderqueue/internal/models"

// ValidTransitions определяет допустимые переходы статуса бота
var ValidTransitions = map[string][]string{
	models.BotStatusActive:    {models.BotStatusExiting, models.BotStatusPaused},
	models.BotStatusExiting:   {models.BotStatusActive, models.BotStatusCompleted, models.BotStatusPaused}, // Active при брошенном выходе
	models.BotStatusPaused:    {models.BotStatusActive},
	models.BotStatusCompleted: {},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// HasPendingExit возвращает true если бот ждёт исполнения ордера выхода
func HasPendingExit(s string) bool {
	return s == models.BotStatusExiting
}
