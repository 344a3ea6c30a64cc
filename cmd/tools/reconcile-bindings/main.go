// Command reconcile-bindings audits broadcast bindings between schedules and
// their streams and repairs the ones a crash left inconsistent: schedules
// stuck in the creating state, and streams that never received the broadcast
// their schedule holds.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"airtime/internal/models"
	"airtime/internal/store"
)

func main() {
	var (
		sqlitePath  string
		postgresDSN string
		dryRun      bool
	)

	flag.StringVar(&sqlitePath, "sqlite-path", "", "path to the SQLite database file")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.BoolVar(&dryRun, "dry-run", false, "report inconsistencies without repairing them")
	flag.Parse()

	if sqlitePath == "" && postgresDSN == "" {
		fatalf("either --sqlite-path or --postgres-dsn must be provided")
	}
	if sqlitePath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := openRepository(ctx, sqlitePath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = repo.Close(closeCtx)
	}()

	report, err := reconcile(ctx, repo, dryRun)
	if err != nil {
		fatalf("reconcile bindings: %v", err)
	}

	mode := "repaired"
	if dryRun {
		mode = "found"
	}
	fmt.Printf("%s %d stuck creation claim(s), %d missing stream binding(s), %d conflict(s)\n",
		mode, report.stuckClaims, report.missingBindings, report.conflicts)
	if report.conflicts > 0 {
		os.Exit(2)
	}
}

type reconcileReport struct {
	stuckClaims     int
	missingBindings int
	conflicts       int
}

func reconcile(ctx context.Context, repo store.Repository, dryRun bool) (reconcileReport, error) {
	var report reconcileReport

	streams, err := repo.ListStreams(ctx)
	if err != nil {
		return report, fmt.Errorf("list streams: %w", err)
	}

	for _, stream := range streams {
		schedules, err := repo.ListSchedulesByStream(ctx, stream.ID)
		if err != nil {
			return report, fmt.Errorf("list schedules for stream %s: %w", stream.ID, err)
		}
		for _, sched := range schedules {
			switch {
			case sched.BroadcastStatus == models.BroadcastCreating:
				report.stuckClaims++
				fmt.Printf("schedule %s: creation claim never settled\n", sched.ID)
				if !dryRun {
					if err := repo.SetScheduleBroadcastError(ctx, sched.ID, "creation claim abandoned, reconciled offline"); err != nil {
						return report, fmt.Errorf("settle claim on schedule %s: %w", sched.ID, err)
					}
				}
			case sched.BroadcastID != "" && stream.BroadcastID == "":
				report.missingBindings++
				fmt.Printf("stream %s: missing broadcast %s held by schedule %s\n", stream.ID, sched.BroadcastID, sched.ID)
				if !dryRun {
					bound, err := repo.BindStreamBroadcast(ctx, stream.ID, sched.BroadcastID)
					if err != nil {
						return report, fmt.Errorf("bind stream %s: %w", stream.ID, err)
					}
					if bound {
						stream.BroadcastID = sched.BroadcastID
					}
				}
			case sched.BroadcastID != "" && stream.BroadcastID != "" && sched.BroadcastID != stream.BroadcastID:
				// Bindings are write-once, so a disagreement needs a human.
				report.conflicts++
				fmt.Printf("CONFLICT stream %s holds broadcast %s but schedule %s holds %s\n",
					stream.ID, stream.BroadcastID, sched.ID, sched.BroadcastID)
			}
		}
	}
	return report, nil
}

func openRepository(ctx context.Context, sqlitePath, postgresDSN string) (store.Repository, error) {
	if strings.TrimSpace(sqlitePath) != "" {
		return store.NewSQLiteRepository(sqlitePath, store.WithBusyTimeout(5*time.Second))
	}
	return store.NewPostgresRepository(ctx, postgresDSN)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
