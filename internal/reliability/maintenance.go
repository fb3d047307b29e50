package reliability

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/demandline/demandline/internal/database"
)

// Disk space thresholds in GB.
const (
	diskSpaceCriticalGB = 0.5
	diskSpaceLowGB      = 5.0
)

// Maintenance is the weekly database upkeep task: integrity check, WAL
// checkpoint, vacuum, and a disk space check on the data directory. It
// satisfies the scheduler's Task interface.
type Maintenance struct {
	db      *database.DB
	dataDir string
	log     zerolog.Logger
}

func NewMaintenance(db *database.DB, dataDir string, log zerolog.Logger) *Maintenance {
	return &Maintenance{
		db:      db,
		dataDir: dataDir,
		log:     log.With().Str("component", "maintenance").Logger(),
	}
}

func (m *Maintenance) Name() string { return "database_maintenance" }

func (m *Maintenance) Run(ctx context.Context) (map[string]interface{}, error) {
	details := map[string]interface{}{}

	if err := m.db.HealthCheck(ctx); err != nil {
		return details, fmt.Errorf("integrity check: %w", err)
	}
	details["integrity"] = "ok"

	// Checkpoint and vacuum failures are logged but do not fail the run.
	if err := m.db.WALCheckpoint("TRUNCATE"); err != nil {
		m.log.Warn().Err(err).Msg("WAL checkpoint failed")
		details["wal_checkpoint"] = err.Error()
	} else {
		details["wal_checkpoint"] = "ok"
	}

	if err := m.db.Vacuum(); err != nil {
		m.log.Warn().Err(err).Msg("Vacuum failed")
		details["vacuum"] = err.Error()
	} else {
		details["vacuum"] = "ok"
	}

	if stats, err := m.db.GetStats(); err == nil {
		details["db_size_bytes"] = stats.SizeBytes
		details["wal_size_bytes"] = stats.WALSizeBytes
		details["freelist_pages"] = stats.FreelistCount
	}

	usage, err := disk.UsageWithContext(ctx, m.dataDir)
	if err != nil {
		m.log.Warn().Err(err).Str("path", m.dataDir).Msg("Disk usage check failed")
		return details, nil
	}

	freeGB := float64(usage.Free) / 1e9
	details["disk_free_gb"] = freeGB
	switch {
	case freeGB < diskSpaceCriticalGB:
		return details, fmt.Errorf("only %.2f GB free on %s", freeGB, m.dataDir)
	case freeGB < diskSpaceLowGB:
		m.log.Warn().Float64("free_gb", freeGB).Msg("Disk space running low")
	}

	return details, nil
}
