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

// This binary computes the randomized response flip rate and channel capacity of a source
// configuration, and samples randomized responses for it.
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/attributiontypes"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/combinatorics"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/delegateconfig"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/eventreportwindows"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/storagedelegate"
	"github.com/google/privacy-sandbox-attribution-reporting/shared/utils"
)

var (
	configFile     = flag.String("config_file", "", "YAML file with the storage delegate configuration. Defaults are used if empty.")
	sourceTypeFlag = flag.String("source_type", "navigation", "Source type, 'navigation' or 'event'.")
	expiry         = flag.Duration("expiry", 30*24*time.Hour, "Source expiry, used for the default report windows.")
	windowsJSON    = flag.String("windows", "", `Report windows as JSON, e.g. {"start_time":0,"end_times":[3600,86400]}. Defaults to the source type's windows.`)
	maxReports     = flag.Int("max_reports", 0, "Maximum event-level reports. Defaults to the configured value for the source type.")
	samples        = flag.Int("samples", 0, "Number of randomized responses to sample.")
	outputDir      = flag.String("output_dir", "", "Output directory for the sampled fake reports, local or GCS path.")
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
	sourceType, err := attributiontypes.ParseSourceType(*sourceTypeFlag)
	if err != nil {
		log.Exit(err)
	}

	var windows eventreportwindows.EventReportWindows
	if *windowsJSON != "" {
		windows, err = eventreportwindows.ParseJSON([]byte(*windowsJSON))
	} else {
		windows, err = eventreportwindows.Default(sourceType, *expiry)
	}
	if err != nil {
		log.Exit(err)
	}

	delegate := storagedelegate.New(cfg, nil, nil)
	reports := *maxReports
	if reports == 0 {
		reports = delegate.GetMaxEventLevelReports(sourceType)
	}

	numBars := delegate.TriggerDataCardinality(sourceType) * uint64(windows.NumWindows())
	numStates, err := combinatorics.NumberOfStarsAndBarsSequences(reports, int(numBars))
	if err != nil {
		log.Exit(err)
	}
	rate := combinatorics.GetRandomizedResponseRate(numStates, cfg.RandomizedResponseEpsilon)
	fmt.Printf("states: %d\nflip rate: %.6f\nchannel capacity: %.5f bits (limit %.5f)\n",
		numStates, rate, combinatorics.ComputeChannelCapacity(numStates, rate), cfg.MaxChannelCapacity.Get(sourceType))

	if *samples == 0 {
		return
	}
	sourceTime := time.Now().UTC()
	var lines []string
	noised := 0
	for i := 0; i < *samples; i++ {
		response, err := delegate.GetRandomizedResponse(sourceType, windows, reports, sourceTime)
		if err != nil {
			log.Exit(err)
		}
		if !response.IsNoised() {
			continue
		}
		noised++
		for _, r := range response.Response {
			lines = append(lines, fmt.Sprintf("%d,%d,%s,%s", i, r.TriggerData, r.TriggerTime.Format(time.RFC3339), r.ReportTime.Format(time.RFC3339)))
		}
	}
	fmt.Printf("noised: %d of %d samples\n", noised, *samples)

	if *outputDir != "" {
		outputFile := utils.JoinPath(*outputDir, fmt.Sprintf("fake_reports_%s.csv", sourceType))
		if err := utils.WriteBytes(ctx, []byte(strings.Join(lines, "\n")+"\n"), outputFile); err != nil {
			log.Exit(err)
		}
		log.Infof("wrote %d fake reports to %s", len(lines), outputFile)
	}
}
