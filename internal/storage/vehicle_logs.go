package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/your-org/platelog/internal/models"
)

const vehicleLogColumns = `id, alarm_id, gate_id, timestamp, ocr_text, plate_text, vehicle_type, vehicle_color,
	direction, image_path, image_hash, confidence::float8, plate_coords, cropped_image_path, created_at, updated_at`

func scanVehicleLog(row rowScanner) (*models.VehicleLog, error) {
	var (
		v         models.VehicleLog
		direction string
		coords    []byte
	)
	err := row.Scan(&v.ID, &v.AlarmID, &v.GateID, &v.Timestamp, &v.OCRText, &v.PlateText, &v.VehicleType,
		&v.VehicleColor, &direction, &v.ImagePath, &v.ImageHash, &v.Confidence, &coords, &v.CroppedImagePath,
		&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.Direction = models.Direction(direction)
	if len(coords) > 0 {
		var pc models.PlateCoords
		if err := json.Unmarshal(coords, &pc); err != nil {
			return nil, fmt.Errorf("decode plate coords: %w", err)
		}
		v.PlateCoords = &pc
	}
	return &v, nil
}

func coordsJSON(pc *models.PlateCoords) ([]byte, error) {
	if pc == nil {
		return nil, nil
	}
	return json.Marshal(pc)
}

// CreateVehicleLog inserts v and fills in its id and timestamps.
func (s *PostgresStore) CreateVehicleLog(ctx context.Context, v *models.VehicleLog) error {
	if v.Direction == "" {
		v.Direction = models.DirectionIn
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now()
	}
	coords, err := coordsJSON(v.PlateCoords)
	if err != nil {
		return fmt.Errorf("encode plate coords: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO vehicle_logs (alarm_id, gate_id, timestamp, ocr_text, plate_text, vehicle_type, vehicle_color,
			direction, image_path, image_hash, confidence, plate_coords, cropped_image_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id, created_at, updated_at`,
		v.AlarmID, v.GateID, v.Timestamp, v.OCRText, v.PlateText, v.VehicleType, v.VehicleColor,
		string(v.Direction), v.ImagePath, v.ImageHash, v.Confidence, coords, v.CroppedImagePath,
	).Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create vehicle log: %w", err)
	}
	return nil
}

// UpdateVehicleLog rewrites the detection and OCR fields of an existing log.
// id, alarm_id and timestamp are left untouched.
func (s *PostgresStore) UpdateVehicleLog(ctx context.Context, v *models.VehicleLog) error {
	coords, err := coordsJSON(v.PlateCoords)
	if err != nil {
		return fmt.Errorf("encode plate coords: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`UPDATE vehicle_logs SET ocr_text = $2, plate_text = $3, vehicle_type = $4, vehicle_color = $5,
			direction = $6, image_path = $7, image_hash = $8, confidence = $9, plate_coords = $10,
			cropped_image_path = $11, updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		v.ID, v.OCRText, v.PlateText, v.VehicleType, v.VehicleColor,
		string(v.Direction), v.ImagePath, v.ImageHash, v.Confidence, coords, v.CroppedImagePath,
	).Scan(&v.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return fmt.Errorf("update vehicle log %d: not found", v.ID)
		}
		return fmt.Errorf("update vehicle log: %w", err)
	}
	return nil
}

// UpdateVehicleLogOCR rewrites only the OCR result and crop reference.
func (s *PostgresStore) UpdateVehicleLogOCR(ctx context.Context, id int64, ocrText, plateText, croppedPath *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE vehicle_logs SET ocr_text = $2, plate_text = $3, cropped_image_path = $4, updated_at = now()
		 WHERE id = $1`, id, ocrText, plateText, croppedPath)
	if err != nil {
		return fmt.Errorf("update vehicle log ocr: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update vehicle log ocr %d: not found", id)
	}
	return nil
}

// UpdatePlateText applies a manual plate correction. It returns nil when no
// log has the id.
func (s *PostgresStore) UpdatePlateText(ctx context.Context, id int64, plate string) (*models.VehicleLog, error) {
	v, err := scanVehicleLog(s.pool.QueryRow(ctx,
		`UPDATE vehicle_logs SET plate_text = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+vehicleLogColumns, id, plate))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("update plate text: %w", err)
	}
	return v, nil
}

// GetVehicleLog returns nil when no row has the id.
func (s *PostgresStore) GetVehicleLog(ctx context.Context, id int64) (*models.VehicleLog, error) {
	v, err := scanVehicleLog(s.pool.QueryRow(ctx, `SELECT `+vehicleLogColumns+` FROM vehicle_logs WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get vehicle log: %w", err)
	}
	return v, nil
}

// GetVehicleLogByAlarm returns the most recent log for an alarm row, or nil.
func (s *PostgresStore) GetVehicleLogByAlarm(ctx context.Context, alarmID int64) (*models.VehicleLog, error) {
	v, err := scanVehicleLog(s.pool.QueryRow(ctx,
		`SELECT `+vehicleLogColumns+` FROM vehicle_logs WHERE alarm_id = $1 ORDER BY id DESC LIMIT 1`, alarmID))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get vehicle log by alarm: %w", err)
	}
	return v, nil
}

// ListVehicleLogs returns a page of logs, newest first, and the total count.
func (s *PostgresStore) ListVehicleLogs(ctx context.Context, f models.VehicleLogFilter) ([]models.VehicleLog, int, error) {
	limit := clampLimit(f.Limit, 50, 500)

	where := "WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	if f.Search != "" {
		where += fmt.Sprintf(" AND (plate_text ILIKE $%d OR ocr_text ILIKE $%d)", argIdx, argIdx)
		args = append(args, "%"+f.Search+"%")
		argIdx++
	}
	if !f.From.IsZero() {
		where += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, f.From)
		argIdx++
	}
	if !f.To.IsZero() {
		where += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, f.To)
		argIdx++
	}
	if f.MinConfidence > 0 {
		where += fmt.Sprintf(" AND confidence >= $%d", argIdx)
		args = append(args, f.MinConfidence)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM vehicle_logs "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count vehicle logs: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM vehicle_logs %s ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d`,
		vehicleLogColumns, where, argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list vehicle logs: %w", err)
	}
	defer rows.Close()

	var logs []models.VehicleLog
	for rows.Next() {
		v, err := scanVehicleLog(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan vehicle log: %w", err)
		}
		logs = append(logs, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list vehicle logs: %w", err)
	}
	return logs, total, nil
}

// ListVehicleLogsForReOCR returns logs with id >= fromID in id order. With
// croppedOnly set only logs that have a stored crop are returned.
func (s *PostgresStore) ListVehicleLogsForReOCR(ctx context.Context, fromID int64, limit int, croppedOnly bool) ([]models.VehicleLog, error) {
	limit = clampLimit(limit, 100, 1000)
	query := `SELECT ` + vehicleLogColumns + ` FROM vehicle_logs WHERE id >= $1`
	if croppedOnly {
		query += ` AND cropped_image_path IS NOT NULL AND cropped_image_path <> ''`
	}
	query += ` ORDER BY id LIMIT $2`

	rows, err := s.pool.Query(ctx, query, fromID, limit)
	if err != nil {
		return nil, fmt.Errorf("list vehicle logs for re-ocr: %w", err)
	}
	defer rows.Close()

	var logs []models.VehicleLog
	for rows.Next() {
		v, err := scanVehicleLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vehicle log: %w", err)
		}
		logs = append(logs, *v)
	}
	return logs, rows.Err()
}

// ReferencedCrops returns the subset of keys still referenced by a vehicle log.
func (s *PostgresStore) ReferencedCrops(ctx context.Context, keys []string) (map[string]bool, error) {
	refs := make(map[string]bool)
	if len(keys) == 0 {
		return refs, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT cropped_image_path FROM vehicle_logs WHERE cropped_image_path = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("query referenced crops: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan crop key: %w", err)
		}
		refs[key] = true
	}
	return refs, rows.Err()
}
