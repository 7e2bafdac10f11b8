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

	"github.com/mmdatafocus/compliance_backend/config"
	"github.com/mmdatafocus/compliance_backend/schedule"
	"github.com/mmdatafocus/compliance_backend/utils"
)

func main() {
	orgID := flag.String("org-id", "", "Org id; required with --property-id, --asset-id or --program-id")
	propertyID := flag.Uint("property-id", 0, "Optional: generate for one property")
	assetID := flag.Uint("asset-id", 0, "Optional: generate for one asset")
	programID := flag.Uint("program-id", 0, "Optional: generate one program for every target")
	periodsAhead := flag.Int("periods-ahead", 0, "Optional: periods per target (defaults to SCHEDULE_PERIODS_AHEAD)")
	flag.Parse()

	single := *propertyID > 0 || *assetID > 0 || *programID > 0
	if single && strings.TrimSpace(*orgID) == "" {
		fmt.Fprintln(os.Stderr, "--org-id is required with --property-id, --asset-id or --program-id")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	g := schedule.NewGenerator(db, config.Settings())

	org := strings.TrimSpace(*orgID)
	if org != "" {
		ctx = utils.SetOrgIdInContext(ctx, org)
	}

	var (
		res *schedule.Result
		err error
	)
	switch {
	case *assetID > 0:
		res, err = g.GenerateForAsset(ctx, *assetID, org, *periodsAhead)
	case *programID > 0:
		res, err = g.GenerateForProgram(ctx, *programID, org, *periodsAhead)
	case *propertyID > 0:
		res, err = g.GenerateForProperty(ctx, *propertyID, org, *periodsAhead)
	default:
		res, err = g.GenerateForAllOrganizations(ctx, *periodsAhead)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate failed: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	if len(res.Errors) > 0 {
		os.Exit(2)
	}
}
