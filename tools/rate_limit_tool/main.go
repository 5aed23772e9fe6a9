// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This binary records and checks rate-limit ledger entries in a SQLite database.
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/attributiontypes"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/delegateconfig"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/ratelimit"
	"github.com/google/privacy-sandbox-attribution-reporting/shared/utils"
	"github.com/google/privacy-sandbox-attribution-reporting/storage/sqlstore"
)

var (
	dbFile     = flag.String("db_file", "rate_limits.db", "SQLite database holding the ledger.")
	configFile = flag.String("config_file", "", "YAML file with the storage delegate configuration. Defaults are used if empty.")
	action     = flag.String("action", "dump", "One of 'source', 'attribution', 'sweep', 'dump' or 'clear'.")

	sourceID        = flag.Int64("source_id", 1, "Id of the source.")
	sourceOrigin    = flag.String("source_origin", "", "Origin the source was registered on.")
	destinationSite = flag.String("destination_site", "", "Site the source may attribute to.")
	contextOrigin   = flag.String("context_origin", "", "Origin the trigger was registered on, for 'attribution'.")
	reportingOrigin = flag.String("reporting_origin", "", "Reporting origin of the source.")
	sourceTypeFlag  = flag.String("source_type", "navigation", "Source type, 'navigation' or 'event'.")
	expiry          = flag.Duration("expiry", 30*24*time.Hour, "Source expiry.")
	sourceTime      = flag.String("source_time", "", "Source registration time in RFC 3339. Defaults to now.")
	outputFile      = flag.String("output_file", "", "Output file for 'dump', local or GCS path. Prints to stdout if empty.")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	cfg := delegateconfig.Default()
	if *configFile != "" {
		var err error
		if cfg, err = delegateconfig.Load(ctx, *configFile); err != nil {
			log.Exit(err)
		}
	}

	db, err := sqlstore.Open(ctx, *dbFile, ratelimit.Schema, nil)
	if err != nil {
		log.Exit(err)
	}
	defer db.Close()
	table := ratelimit.New(cfg, quartz.NewReal(), nil)

	switch *action {
	case "source":
		err = recordSource(ctx, db, table)
	case "attribution":
		err = recordAttribution(ctx, db, table)
	case "sweep":
		var n int64
		if n, err = table.DeleteExpiredRateLimits(ctx, db); err == nil {
			fmt.Printf("deleted %d expired rows\n", n)
		}
	case "dump":
		err = dump(ctx, db, table)
	case "clear":
		err = table.ClearAllDataAllTime(ctx, db)
	default:
		err = fmt.Errorf("unknown action %q", *action)
	}
	if err != nil {
		log.Exit(err)
	}
}

func storedSource() (attributiontypes.StoredSource, error) {
	sourceType, err := attributiontypes.ParseSourceType(*sourceTypeFlag)
	if err != nil {
		return attributiontypes.StoredSource{}, err
	}
	t := time.Now().UTC()
	if *sourceTime != "" {
		if t, err = time.Parse(time.RFC3339, *sourceTime); err != nil {
			return attributiontypes.StoredSource{}, err
		}
	}
	return attributiontypes.StoredSource{
		SourceID: *sourceID,
		CommonInfo: attributiontypes.CommonSourceInfo{
			SourceOrigin:    *sourceOrigin,
			ReportingOrigin: *reportingOrigin,
			DestinationSite: *destinationSite,
			SourceTime:      t,
			ExpiryTime:      t.Add(*expiry),
			SourceType:      sourceType,
		},
	}, nil
}

type check struct {
	name string
	fn   func(context.Context, sqlstore.Querier) (ratelimit.Result, error)
}

// runChecks returns the name of the first check that does not allow the write, or "" if all do.
func runChecks(ctx context.Context, q sqlstore.Querier, checks []check) (string, error) {
	for _, c := range checks {
		result, err := c.fn(ctx, q)
		if err != nil {
			return "", fmt.Errorf("%s: %w", c.name, err)
		}
		if result != ratelimit.ResultAllowed {
			return c.name, nil
		}
	}
	return "", nil
}

func recordSource(ctx context.Context, db *sqlstore.DB, table *ratelimit.Table) error {
	source, err := storedSource()
	if err != nil {
		return err
	}
	return db.InTx(ctx, func(q sqlstore.Querier) error {
		denied, err := runChecks(ctx, q, []check{
			{"destination limit", func(ctx context.Context, q sqlstore.Querier) (ratelimit.Result, error) {
				return table.SourceAllowedForDestinationLimit(ctx, q, source)
			}},
			{"reporting origin limit", func(ctx context.Context, q sqlstore.Querier) (ratelimit.Result, error) {
				return table.SourceAllowedForReportingOriginLimit(ctx, q, source)
			}},
		})
		if err != nil {
			return err
		}
		if denied != "" {
			fmt.Printf("source %d not allowed: %s\n", source.SourceID, denied)
			return nil
		}
		if err := table.AddRateLimitForSource(ctx, q, source); err != nil {
			return err
		}
		fmt.Printf("source %d recorded\n", source.SourceID)
		return nil
	})
}

func recordAttribution(ctx context.Context, db *sqlstore.DB, table *ratelimit.Table) error {
	source, err := storedSource()
	if err != nil {
		return err
	}
	attribution := attributiontypes.AttributionInfo{Source: source, Time: time.Now().UTC(), ContextOrigin: *contextOrigin}
	return db.InTx(ctx, func(q sqlstore.Querier) error {
		denied, err := runChecks(ctx, q, []check{
			{"attribution limit", func(ctx context.Context, q sqlstore.Querier) (ratelimit.Result, error) {
				return table.AttributionAllowedForAttributionLimit(ctx, q, attribution)
			}},
			{"reporting origin limit", func(ctx context.Context, q sqlstore.Querier) (ratelimit.Result, error) {
				return table.AttributionAllowedForReportingOriginLimit(ctx, q, attribution)
			}},
		})
		if err != nil {
			return err
		}
		if denied != "" {
			fmt.Printf("attribution for source %d not allowed: %s\n", source.SourceID, denied)
			return nil
		}
		if err := table.AddRateLimitForAttribution(ctx, q, attribution); err != nil {
			return err
		}
		fmt.Printf("attribution for source %d recorded\n", source.SourceID)
		return nil
	})
}

func dump(ctx context.Context, db *sqlstore.DB, table *ratelimit.Table) error {
	rows, err := table.Rows(ctx, db)
	if err != nil {
		return err
	}
	lines := []string{"id,scope,source_id,source_site,destination_site,context_origin,reporting_origin,time,source_expiry_or_attribution_time"}
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("%d,%d,%d,%s,%s,%s,%s,%s,%s", r.ID, r.Scope, r.SourceID, r.SourceSite, r.DestinationSite,
			r.ContextOrigin, r.ReportingOrigin, time.UnixMicro(r.Time).UTC().Format(time.RFC3339), time.UnixMicro(r.SourceExpiryOrAttributionTime).UTC().Format(time.RFC3339)))
	}
	out := strings.Join(lines, "\n") + "\n"
	if *outputFile == "" {
		fmt.Print(out)
		return nil
	}
	return utils.WriteBytes(ctx, []byte(out), *outputFile)
}
