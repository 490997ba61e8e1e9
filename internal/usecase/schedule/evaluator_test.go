package schedule

import (
	"errors"
	"testing"
	"time"

	"connpass-notify-bot/internal/domain"
)

func TestNextTriggerDaily(t *testing.T) {
	eval := NewEvaluator()
	after := time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC)
	next, err := eval.NextTrigger("0 9 * * *", after)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("ожидали %v, получили %v", want, next)
	}
}

func TestNextTriggerStrictlyAfter(t *testing.T) {
	eval := NewEvaluator()
	exprs := []string{"* * * * *", "0 9 * * *", "*/5 * * * *", "0 0 1 * *", "30 18 * * 5"}
	instants := []time.Time{
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC),
	}
	for _, expr := range exprs {
		for _, after := range instants {
			next, err := eval.NextTrigger(expr, after)
			if err != nil {
				t.Fatalf("выражение %q: не ожидали ошибку: %v", expr, err)
			}
			if !next.After(after) {
				t.Fatalf("выражение %q: %v не строго позже %v", expr, next, after)
			}
		}
	}
}

func TestNextTriggerSameDayBoundary(t *testing.T) {
	eval := NewEvaluator()
	// Ровно в момент запуска следующий запуск — на сутки позже.
	after := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	next, err := eval.NextTrigger("0 9 * * *", after)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("ожидали %v, получили %v", want, next)
	}
}

func TestNextTriggerInvalid(t *testing.T) {
	eval := NewEvaluator()
	for _, expr := range []string{"", "каждый день", "0 9 * *", "61 * * * *", "0 9 * * * *"} {
		if _, err := eval.NextTrigger(expr, time.Now()); !errors.Is(err, domain.ErrInvalidSchedule) {
			t.Fatalf("выражение %q: ожидали ErrInvalidSchedule, получили %v", expr, err)
		}
	}
}

func TestNextTriggerDeterministic(t *testing.T) {
	eval := NewEvaluator()
	after := time.Date(2025, 3, 15, 12, 34, 56, 0, time.UTC)
	first, err := eval.NextTrigger("*/10 * * * *", after)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	second, err := eval.NextTrigger("*/10 * * * *", after)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !first.Equal(second) {
		t.Fatalf("повторный вызов дал другой результат: %v и %v", first, second)
	}
}

func TestValidate(t *testing.T) {
	eval := NewEvaluator()
	if err := eval.Validate("0 9 * * 1-5"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := eval.Validate("нет"); !errors.Is(err, domain.ErrInvalidSchedule) {
		t.Fatalf("ожидали ErrInvalidSchedule, получили %v", err)
	}
}

func TestLabel(t *testing.T) {
	if got := Label("0 9 * * *"); got != "каждый день в 09:00" {
		t.Fatalf("неожиданная подпись: %q", got)
	}
	if got := Label("7 3 * * 2"); got != "7 3 * * 2" {
		t.Fatalf("для неканонического выражения ожидали само выражение, получили %q", got)
	}
}
