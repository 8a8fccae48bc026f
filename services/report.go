package services

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"rental-watcher/models"
	"rental-watcher/utils"
)

// ReportService renders the end-of-run summary for the invoking scheduler's
// log: per-classification counts and, for failures, enough detail to
// diagnose without re-running.
type ReportService struct {
	logger *utils.Logger
}

func NewReportService(logger *utils.Logger) *ReportService {
	return &ReportService{logger: logger}
}

// Print writes the run summary and rent statistics over newly added records.
func (s *ReportService) Print(r *models.RunSummary, appended []*models.PersistedRecord) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Printf("\n\033[1;35m%s\033[0m\n", sep)
	fmt.Printf("\033[1;35m  📋 RUN SUMMARY — %s\033[0m\n", r.RunID)
	fmt.Printf("\033[1;35m%s\033[0m\n\n", sep)

	fmt.Printf("\033[1;33m  Classification\033[0m\n")
	fmt.Printf("  %s\n", thin)
	fmt.Printf("  Fetched    : \033[1m%d\033[0m\n", r.Fetched)
	fmt.Printf("  New        : \033[1;32m%d\033[0m\n", r.New)
	fmt.Printf("  Updated    : \033[1;32m%d\033[0m\n", r.Updated)
	fmt.Printf("  Unchanged  : \033[1m%d\033[0m\n", r.Unchanged)
	fmt.Printf("  Skipped    : \033[1;33m%d\033[0m\n", r.Skipped)
	fmt.Printf("  Duplicates : \033[1;33m%d\033[0m\n", r.Duplicates)
	fmt.Printf("  Failed     : \033[1;31m%d\033[0m\n", r.Failed)
	fmt.Printf("  Duration   : %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	fmt.Println()

	if len(appended) > 0 {
		min, max, avg := rentStats(appended)
		fmt.Printf("\033[1;33m  Rent of newly added listings\033[0m\n")
		fmt.Printf("  %s\n", thin)
		fmt.Printf("  Average : \033[1;32m¥%.0f\033[0m\n", avg)
		fmt.Printf("  Minimum : \033[1;32m¥%.0f\033[0m\n", min)
		fmt.Printf("  Maximum : \033[1;32m¥%.0f\033[0m\n", max)
		fmt.Println()
	}

	fmt.Printf("\033[1;33m  Failures\033[0m\n")
	fmt.Printf("  %s\n", thin)
	if len(r.Failures) == 0 {
		fmt.Printf("  None\n")
	} else {
		failures := append([]models.Failure(nil), r.Failures...)
		sort.Slice(failures, func(i, j int) bool {
			if failures[i].Stage != failures[j].Stage {
				return failures[i].Stage < failures[j].Stage
			}
			return failures[i].Ref < failures[j].Ref
		})
		for _, f := range failures {
			fmt.Printf("  [%s/%s] %s\n", f.Stage, f.Kind, truncate(f.Ref, 60))
			fmt.Printf("      %s\n", truncate(f.Detail, 80))
		}
	}

	fmt.Printf("\n\033[1;35m%s\033[0m\n\n", sep)
}

func rentStats(records []*models.PersistedRecord) (min, max, avg float64) {
	var total float64
	var counted int
	for _, rec := range records {
		if rec.RentYen <= 0 {
			continue
		}
		if counted == 0 || rec.RentYen < min {
			min = rec.RentYen
		}
		if rec.RentYen > max {
			max = rec.RentYen
		}
		total += rec.RentYen
		counted++
	}
	if counted > 0 {
		avg = total / float64(counted)
	}
	return min, max, avg
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
