package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Calibrations table - intrinsics and distortion per camera profile
		`CREATE TABLE IF NOT EXISTS calibrations (
			name TEXT PRIMARY KEY,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			fx REAL NOT NULL,
			fy REAL NOT NULL,
			ppx REAL NOT NULL,
			ppy REAL NOT NULL,
			k1 REAL NOT NULL DEFAULT 0,
			k2 REAL NOT NULL DEFAULT 0,
			p1 REAL NOT NULL DEFAULT 0,
			p2 REAL NOT NULL DEFAULT 0,
			k3 REAL NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Runs table - one aggregate row per pipeline run, no detections
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			calibration TEXT REFERENCES calibrations(name) ON DELETE SET NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			frames INTEGER NOT NULL DEFAULT 0,
			published INTEGER NOT NULL DEFAULT 0,
			publish_failures INTEGER NOT NULL DEFAULT 0,
			detect_failures INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL DEFAULT 'running'
				CHECK(outcome IN ('running', 'stream_closed', 'stopped', 'failed'))
		)`,

		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
