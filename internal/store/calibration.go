package store

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/ayusman/tagcast/internal/capture"
)

// Calibration is a named camera calibration profile.
type Calibration struct {
	Name       string
	Width      int
	Height     int
	Intrinsics capture.Intrinsics
	// Distortion holds the Brown-Conrady coefficients k1, k2, p1, p2, k3.
	Distortion [5]float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate checks that the profile can drive undistortion and detection.
func (c *Calibration) Validate() error {
	if c.Name == "" {
		return errors.New("calibration name is required")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return errors.Errorf("calibration %q: invalid resolution %dx%d", c.Name, c.Width, c.Height)
	}
	if c.Intrinsics.Fx <= 0 || c.Intrinsics.Fy <= 0 {
		return errors.Errorf("calibration %q: focal lengths must be positive", c.Name)
	}
	return nil
}

// CalibrationRepository provides access to calibration profiles.
type CalibrationRepository struct {
	db *sql.DB
}

// Calibrations returns the calibration repository for this store.
func (s *Store) Calibrations() *CalibrationRepository {
	return &CalibrationRepository{db: s.db}
}

// Put inserts or replaces a calibration profile.
func (r *CalibrationRepository) Put(c *Calibration) error {
	if err := c.Validate(); err != nil {
		return err
	}

	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	d := c.Distortion
	_, err := r.db.Exec(
		`INSERT INTO calibrations (name, width, height, fx, fy, ppx, ppy, k1, k2, p1, p2, k3, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			width = excluded.width, height = excluded.height,
			fx = excluded.fx, fy = excluded.fy, ppx = excluded.ppx, ppy = excluded.ppy,
			k1 = excluded.k1, k2 = excluded.k2, p1 = excluded.p1, p2 = excluded.p2, k3 = excluded.k3,
			updated_at = excluded.updated_at`,
		c.Name, c.Width, c.Height,
		c.Intrinsics.Fx, c.Intrinsics.Fy, c.Intrinsics.Ppx, c.Intrinsics.Ppy,
		d[0], d[1], d[2], d[3], d[4],
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "save calibration %q", c.Name)
	}

	return nil
}

// Get retrieves a calibration profile by name.
func (r *CalibrationRepository) Get(name string) (*Calibration, error) {
	row := r.db.QueryRow(
		`SELECT name, width, height, fx, fy, ppx, ppy, k1, k2, p1, p2, k3, created_at, updated_at
		 FROM calibrations WHERE name = ?`,
		name,
	)

	c, err := scanCalibration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// List returns all calibration profiles ordered by name.
func (r *CalibrationRepository) List() ([]*Calibration, error) {
	rows, err := r.db.Query(
		`SELECT name, width, height, fx, fy, ppx, ppy, k1, k2, p1, p2, k3, created_at, updated_at
		 FROM calibrations ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calibrations []*Calibration
	for rows.Next() {
		c, err := scanCalibration(rows)
		if err != nil {
			return nil, err
		}
		calibrations = append(calibrations, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return calibrations, nil
}

// Delete removes a calibration profile.
func (r *CalibrationRepository) Delete(name string) error {
	result, err := r.db.Exec(`DELETE FROM calibrations WHERE name = ?`, name)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCalibration(s scanner) (*Calibration, error) {
	c := &Calibration{}
	d := &c.Distortion
	err := s.Scan(
		&c.Name, &c.Width, &c.Height,
		&c.Intrinsics.Fx, &c.Intrinsics.Fy, &c.Intrinsics.Ppx, &c.Intrinsics.Ppy,
		&d[0], &d[1], &d[2], &d[3], &d[4],
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}
