package schedule

// labels сопоставляет канонические выражения человекочитаемым подписям.
// Используется только для отображения, на планирование не влияет.
var labels = map[string]string{
	"* * * * *":    "каждую минуту",
	"*/5 * * * *":  "каждые 5 минут",
	"*/10 * * * *": "каждые 10 минут",
	"*/30 * * * *": "каждые 30 минут",
	"0 * * * *":    "каждый час",
	"0 9 * * *":    "каждый день в 09:00",
	"0 12 * * *":   "каждый день в 12:00",
	"0 18 * * *":   "каждый день в 18:00",
	"0 9 * * 1":    "по понедельникам в 09:00",
	"0 9 * * 1-5":  "по будням в 09:00",
	"0 9 1 * *":    "первого числа в 09:00",
}

// Label возвращает подпись для канонического выражения; для остальных
// возвращает само выражение.
func Label(expr string) string {
	if label, ok := labels[expr]; ok {
		return label
	}
	return expr
}
