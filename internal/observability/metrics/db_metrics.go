package metrics

import (
	"database/sql"
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "session_cache_records",
			Help: "Persisted last-good session records",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM fleet_session_cache")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "session_cache_expired",
			Help: "Persisted session records past their expiry",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM fleet_session_cache WHERE expires_at IS NOT NULL AND expires_at <= NOW()")
		},
	))
}

func queryCount(db *sql.DB, logger *log.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics query failed: %v", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
