// Package metrics exposes Prometheus instrumentation for the engine's
// cryptographic operations, grounded on the teacher's
// internal/metrics/metrics.go: promauto-registered vectors plus a set
// of Record*/Update* helper functions so callers never touch a metric
// object directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Encrypt/decrypt throughput and latency.
	MessagesEncryptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_messages_encrypted_total",
			Help: "Total number of messages encrypted",
		},
		[]string{"result"}, // success, failure
	)

	MessagesDecryptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_messages_decrypted_total",
			Help: "Total number of messages decrypted",
		},
		[]string{"result"}, // success, failure, auto_repaired
	)

	EncryptLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "e2ee_encrypt_latency_seconds",
			Help:    "Latency of Encrypt calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~800ms
		},
	)

	DecryptLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "e2ee_decrypt_latency_seconds",
			Help:    "Latency of DecryptWithAutoRepair calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
	)

	AutoRepairsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2ee_auto_repairs_total",
			Help: "Total number of stale-session auto-repairs triggered during decrypt",
		},
	)

	// Key rotation.
	RotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_key_rotations_total",
			Help: "Total number of identity key rotations",
		},
		[]string{"trigger", "result"}, // trigger: manual, scheduled; result: success, failure, skipped
	)

	RotationLockContentionTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2ee_rotation_lock_contention_total",
			Help: "Total number of rotation attempts that found the distributed lock already held",
		},
	)

	CurrentEpoch = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "e2ee_current_epoch",
			Help: "Current identity key epoch per user",
		},
		[]string{"user_id"},
	)

	// Backup and restore.
	BackupsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_backups_created_total",
			Help: "Total number of identity backups created",
		},
		[]string{"kind"}, // password_and_recovery, password_only
	)

	RestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_restores_total",
			Help: "Total number of identity restore attempts",
		},
		[]string{"method", "result"}, // method: password, recovery_key; result: success, failure
	)

	SessionKeysRestoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2ee_session_keys_restored_total",
			Help: "Total number of session keys successfully restored from backup",
		},
	)

	SessionKeysRestoreFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2ee_session_keys_restore_failed_total",
			Help: "Total number of session key backups that failed to decrypt during restore",
		},
	)

	// Remote counter sync.
	CounterSyncEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2ee_counter_sync_enqueued_total",
			Help: "Total number of best-effort counter sync events enqueued",
		},
	)

	CounterSyncEnqueueFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2ee_counter_sync_enqueue_failed_total",
			Help: "Total number of counter sync events that failed to enqueue",
		},
	)

	// Error taxonomy, labeled by ekerrors.Kind.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_errors_total",
			Help: "Total number of errors by kind",
		},
		[]string{"kind"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordEncrypt records the outcome and latency of an Encrypt call.
func RecordEncrypt(success bool, latencySeconds float64) {
	result := "failure"
	if success {
		result = "success"
	}
	MessagesEncryptedTotal.WithLabelValues(result).Inc()
	EncryptLatency.Observe(latencySeconds)
}

// RecordDecrypt records the outcome and latency of a decrypt call.
func RecordDecrypt(result string, latencySeconds float64) {
	MessagesDecryptedTotal.WithLabelValues(result).Inc()
	DecryptLatency.Observe(latencySeconds)
	if result == "auto_repaired" {
		AutoRepairsTotal.Inc()
	}
}

// RecordRotation records a completed or skipped rotation attempt.
func RecordRotation(trigger string, result string) {
	RotationsTotal.WithLabelValues(trigger, result).Inc()
}

// RecordRotationLockContention records a rotation attempt that lost
// the distributed lock race.
func RecordRotationLockContention() {
	RotationLockContentionTotal.Inc()
}

// UpdateCurrentEpoch sets the current epoch gauge for a user.
func UpdateCurrentEpoch(userID string, epoch uint32) {
	CurrentEpoch.WithLabelValues(userID).Set(float64(epoch))
}

// RecordBackupCreated records a new identity backup.
func RecordBackupCreated(kind string) {
	BackupsCreatedTotal.WithLabelValues(kind).Inc()
}

// RecordRestore records an identity restore attempt.
func RecordRestore(method string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	RestoresTotal.WithLabelValues(method, result).Inc()
}

// RecordSessionKeyRestoreBatch records the restored/failed split from
// a RestoreSessionKeys call.
func RecordSessionKeyRestoreBatch(restored, failed int) {
	if restored > 0 {
		SessionKeysRestoredTotal.Add(float64(restored))
	}
	if failed > 0 {
		SessionKeysRestoreFailedTotal.Add(float64(failed))
	}
}

// RecordCounterSyncEnqueue records the outcome of enqueuing a
// best-effort counter sync event.
func RecordCounterSyncEnqueue(success bool) {
	if success {
		CounterSyncEnqueuedTotal.Inc()
		return
	}
	CounterSyncEnqueueFailedTotal.Inc()
}

// RecordError records an error by its ekerrors kind, passed as a
// plain string to avoid metrics depending on ekerrors.
func RecordError(kind string) {
	ErrorsTotal.WithLabelValues(kind).Inc()
}
