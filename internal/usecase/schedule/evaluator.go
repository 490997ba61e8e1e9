package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"connpass-notify-bot/internal/domain"
)

// Evaluator вычисляет время следующего запуска по 5-польному cron-выражению.
// Чистая функция от (выражение, момент): без часов и побочных эффектов.
type Evaluator struct {
	parser cron.Parser
}

// NewEvaluator создаёт вычислитель стандартного cron-синтаксиса
// (минута, час, день месяца, месяц, день недели).
func NewEvaluator() *Evaluator {
	return &Evaluator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// NextTrigger возвращает ближайший момент запуска строго после after.
// При нераспознанном выражении возвращает domain.ErrInvalidSchedule.
func (e *Evaluator) NextTrigger(expr string, after time.Time) (time.Time, error) {
	parsed, err := e.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", domain.ErrInvalidSchedule, expr, err)
	}
	return parsed.Next(after), nil
}

// Validate проверяет выражение без вычисления времени запуска.
func (e *Evaluator) Validate(expr string) error {
	if _, err := e.parser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %q: %v", domain.ErrInvalidSchedule, expr, err)
	}
	return nil
}
