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

// This binary stores aggregatable report requests in a SQLite database and inspects them.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/coder/quartz"
	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-attribution-reporting/aggregation/aggregatablereport"
	"github.com/google/privacy-sandbox-attribution-reporting/aggregation/aggregationstorage"
	"github.com/google/privacy-sandbox-attribution-reporting/aggregation/keyfetcher"
	"github.com/google/uuid"
)

var (
	dbFile            = flag.String("db_file", "aggregation_service.db", "SQLite database holding the report requests.")
	action            = flag.String("action", "list", "One of 'schedule', 'list', 'clear' or 'fetch_key'.")
	contributionsFile = flag.String("contributions_file", "", "File with one 'bucket,value' contribution per line, for 'schedule'.")
	keyBitSize        = flag.Int("key_bit_size", 128, "Bit size of the bucket keys. Support up to 128 bit.")
	reportingOrigin   = flag.String("reporting_origin", "", "Reporting origin of the request.")
	reportDelay       = flag.Duration("report_delay", time.Hour, "Delay from now until the report time.")
	debugMode         = flag.Bool("debug_mode", false, "Whether the report is sent to the debug endpoint.")
	publicKeyURL      = flag.String("public_key_url", "", "URL of the helper server's public keys, for 'fetch_key'.")
)

func main() {
	flag.Parse()
	ctx := context.Background()
	clock := quartz.NewReal()

	storage, err := aggregationstorage.Open(ctx, *dbFile, clock, nil)
	if err != nil {
		log.Exit(err)
	}
	defer storage.Close()

	switch *action {
	case "schedule":
		err = schedule(ctx, storage, clock)
	case "list":
		err = list(ctx, storage)
	case "clear":
		err = storage.ClearAllData(ctx)
	case "fetch_key":
		var key aggregationstorage.PublicKey
		if key, err = keyfetcher.New(storage, clock, nil).GetPublicKey(ctx, *publicKeyURL); err == nil {
			fmt.Printf("key %s (%d bytes)\n", key.ID, len(key.Key))
		}
	default:
		err = fmt.Errorf("unknown action %q", *action)
	}
	if err != nil {
		log.Exit(err)
	}
}

func schedule(ctx context.Context, storage *aggregationstorage.Storage, clock quartz.Clock) error {
	contributions, err := aggregatablereport.ReadContributions(ctx, *contributionsFile, *keyBitSize)
	if err != nil {
		return err
	}
	request, err := aggregatablereport.NewRequest(contributions, aggregatablereport.SharedInfo{
		ScheduledReportTime: clock.Now().Add(*reportDelay),
		ReportID:            uuid.New(),
		ReportingOrigin:     *reportingOrigin,
		APIVersion:          "0.1",
		DebugMode:           *debugMode,
	}, nil)
	if err != nil {
		return err
	}
	id, err := storage.StoreRequest(ctx, request)
	if err != nil {
		return err
	}
	log.Infof("stored request %d with %d contributions", id, len(contributions))
	return nil
}

func list(ctx context.Context, storage *aggregationstorage.Storage) error {
	requests, err := storage.GetRequestsReportingOnOrBefore(ctx, time.UnixMicro(1<<63-1), 0)
	if err != nil {
		return err
	}
	for _, r := range requests {
		info := r.Request.SharedInfo
		fmt.Printf("%d\t%s\t%s\t%s\tcontributions=%d\tfailed_attempts=%d\n", r.ID, info.ReportID,
			info.ReportingOrigin, info.ScheduledReportTime.Format(time.RFC3339), len(r.Request.Contributions), r.Request.FailedSendAttempts)
	}
	return nil
}
