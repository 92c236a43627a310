package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const collectTimeout = 5 * time.Second

var (
	jobsDesc = prometheus.NewDesc(
		"mosaic_jobs",
		"Jobs in the store, by status.",
		[]string{"status"}, nil,
	)
	runningCardsDesc = prometheus.NewDesc(
		"mosaic_running_cards",
		"Cards currently running, by concurrency group.",
		[]string{"group"}, nil,
	)
)

// DBCollector reads whole-system gauges from Postgres on scrape, so
// the numbers cover every replica rather than this process.
type DBCollector struct {
	db *sql.DB
}

func NewDBCollector(db *sql.DB) *DBCollector {
	return &DBCollector{db: db}
}

func (c *DBCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsDesc
	ch <- runningCardsDesc
}

func (c *DBCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	if err := c.collectGrouped(ctx, ch, jobsDesc,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`); err != nil {
		ch <- prometheus.NewInvalidMetric(jobsDesc, err)
	}
	if err := c.collectGrouped(ctx, ch, runningCardsDesc,
		`SELECT concurrency_group, COUNT(*) FROM cards WHERE status = 'running' GROUP BY concurrency_group`); err != nil {
		ch <- prometheus.NewInvalidMetric(runningCardsDesc, err)
	}
}

func (c *DBCollector) collectGrouped(ctx context.Context, ch chan<- prometheus.Metric, desc *prometheus.Desc, query string) error {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var label string
		var count float64
		if err := rows.Scan(&label, &count); err != nil {
			return err
		}
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, count, label)
	}
	return rows.Err()
}
