package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// RunOnce runs every task immediately, regardless of interval, and returns
// the rows removed per task. All tasks run even when one fails.
func RunOnce(ctx context.Context, tasks []Task, logger *slog.Logger) (map[string]int64, error) {
	counts := make(map[string]int64, len(tasks))
	var errs []error
	for _, task := range tasks {
		n, err := runTask(ctx, task, logger)
		counts[task.Name] = n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", task.Name, err))
		}
	}
	return counts, errors.Join(errs...)
}
