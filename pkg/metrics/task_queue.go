// Copyright 2025 Vesta Team
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

package metrics

import (
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-vesta/vesta/pkg/log"
)

// AsynqCollector exports delayed-job queue depths from an asynq.Inspector.
// It implements prometheus.Collector so queue state is sampled at scrape
// time instead of on a timer.
type AsynqCollector struct {
	inspector *asynq.Inspector

	size      *prometheus.Desc
	pending   *prometheus.Desc
	active    *prometheus.Desc
	scheduled *prometheus.Desc
	retry     *prometheus.Desc
	archived  *prometheus.Desc
	processed *prometheus.Desc
	failed    *prometheus.Desc
}

// NewAsynqCollector builds a collector over inspector.
func NewAsynqCollector(inspector *asynq.Inspector) *AsynqCollector {
	queueLabel := []string{"queue"}
	return &AsynqCollector{
		inspector: inspector,
		size: prometheus.NewDesc("vesta_worker_queue_size",
			"Total tasks in the queue.", queueLabel, nil),
		pending: prometheus.NewDesc("vesta_worker_queue_pending",
			"Tasks ready to be processed.", queueLabel, nil),
		active: prometheus.NewDesc("vesta_worker_queue_active",
			"Tasks currently being processed.", queueLabel, nil),
		scheduled: prometheus.NewDesc("vesta_worker_queue_scheduled",
			"Tasks scheduled for the future.", queueLabel, nil),
		retry: prometheus.NewDesc("vesta_worker_queue_retry",
			"Tasks awaiting retry.", queueLabel, nil),
		archived: prometheus.NewDesc("vesta_worker_queue_archived",
			"Tasks archived after exhausting retries.", queueLabel, nil),
		processed: prometheus.NewDesc("vesta_worker_queue_processed_total",
			"Cumulative processed tasks.", queueLabel, nil),
		failed: prometheus.NewDesc("vesta_worker_queue_failed_total",
			"Cumulative failed tasks.", queueLabel, nil),
	}
}

func (c *AsynqCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.pending
	ch <- c.active
	ch <- c.scheduled
	ch <- c.retry
	ch <- c.archived
	ch <- c.processed
	ch <- c.failed
}

func (c *AsynqCollector) Collect(ch chan<- prometheus.Metric) {
	queues, err := c.inspector.Queues()
	if err != nil {
		log.Warnw("failed to list worker queues for metrics", "error", err)
		return
	}

	for _, queueName := range queues {
		info, err := c.inspector.GetQueueInfo(queueName)
		if err != nil {
			log.Warnw("failed to get worker queue info", "queue", queueName, "error", err)
			continue
		}

		gauge := func(desc *prometheus.Desc, v int) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v), queueName)
		}
		counter := func(desc *prometheus.Desc, v int) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), queueName)
		}

		gauge(c.size, info.Size)
		gauge(c.pending, info.Pending)
		gauge(c.active, info.Active)
		gauge(c.scheduled, info.Scheduled)
		gauge(c.retry, info.Retry)
		gauge(c.archived, info.Archived)
		counter(c.processed, info.Processed)
		counter(c.failed, info.Failed)
	}
}
