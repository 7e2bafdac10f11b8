package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/mmdatafocus/compliance_backend/compliancesync"
	"github.com/mmdatafocus/compliance_backend/config"
	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/mmdatafocus/compliance_backend/sources"
	"github.com/mmdatafocus/compliance_backend/utils"
)

func main() {
	orgID := flag.String("org-id", "", "Required: org id")
	propertyID := flag.Uint("property-id", 0, "Property to sync; omit with --programs")
	sourceList := flag.String("sources", "", "Optional: comma-separated source keys (default all)")
	force := flag.Bool("force", false, "Ignore the incremental cursor and refetch everything")
	programs := flag.Bool("programs", false, "Run the program-driven pass for the org instead of one property")
	flag.Parse()

	org := strings.TrimSpace(*orgID)
	if org == "" {
		fmt.Fprintln(os.Stderr, "--org-id is required")
		os.Exit(1)
	}
	if *propertyID == 0 && !*programs {
		fmt.Fprintln(os.Stderr, "--property-id or --programs is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())
	ctx = utils.SetTriggeredByInContext(ctx, models.SyncTriggeredSystem)

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	archiver, err := utils.NewRawArchiverFromEnv(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raw archive disabled: %v\n", err)
		archiver = utils.NoopArchiver{}
	}
	settings := config.Settings()
	o := compliancesync.NewOrchestrator(db, sources.NewRegistry(settings), settings,
		compliancesync.WithLocker(config.GetRedisLock()),
		compliancesync.WithArchiver(archiver),
	)

	var result any
	if *programs {
		result, err = o.SyncProgramSources(ctx, org, *force)
	} else {
		var srcs []string
		for _, s := range strings.Split(*sourceList, ",") {
			if s = strings.TrimSpace(s); s != "" {
				srcs = append(srcs, s)
			}
		}
		result, err = o.SyncSources(ctx, *propertyID, org, srcs, *force)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync failed: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}
