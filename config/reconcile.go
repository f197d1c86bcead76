package config

import "time"

type ReconcileConfig struct {
	// Interval between background reconciliation runs. Zero disables the
	// background loop; forced runs via the administrative contract still work.
	Interval time.Duration `env:"MEMORIA_RECONCILE_INTERVAL"`

	// RunAtStartup triggers a reconciliation pass when the service starts.
	RunAtStartup bool `env:"MEMORIA_RECONCILE_AT_STARTUP"`
}

func NewReconcileConfig() *ReconcileConfig {
	return &ReconcileConfig{
		Interval:     10 * time.Minute,
		RunAtStartup: true,
	}
}
