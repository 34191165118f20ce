package storage

import (
	"context"
	"fmt"

	"github.com/your-org/platelog/internal/models"
)

const alarmColumns = `id, alarm_id, alarm_name, alarm_type, alarm_time, channel_no, is_encrypt, is_checked,
	pre_time, delay_time, device_serial, rec_state, alarm_pic_url, relation_alarms, customer_type, customer_info,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlarm(row rowScanner) (*models.Alarm, error) {
	var (
		a         models.Alarm
		relations []byte
		customer  []byte
	)
	err := row.Scan(&a.ID, &a.AlarmID, &a.Name, &a.Type, &a.Time, &a.ChannelNo, &a.IsEncrypt, &a.IsChecked,
		&a.PreTime, &a.DelayTime, &a.DeviceSerial, &a.RecState, &a.PicURL, &relations, &a.CustomerType, &customer,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if a.RelationAlarms, err = models.ParseRelationList(relations); err != nil {
		return nil, fmt.Errorf("decode relation alarms: %w", err)
	}
	if len(customer) > 0 {
		a.CustomerInfo = customer
	}
	return &a, nil
}

// AlarmExists reports whether an alarm with the upstream id is stored.
func (s *PostgresStore) AlarmExists(ctx context.Context, alarmID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM alarms WHERE alarm_id = $1)`, alarmID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check alarm exists: %w", err)
	}
	return exists, nil
}

// InsertAlarm stores a new alarm. A concurrent insert of the same id yields
// ErrAlarmExists.
func (s *PostgresStore) InsertAlarm(ctx context.Context, rec models.AlarmRecord) (*models.Alarm, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO alarms (alarm_id, alarm_name, alarm_type, alarm_time, channel_no, is_encrypt, is_checked,
			pre_time, delay_time, device_serial, rec_state, alarm_pic_url, relation_alarms, customer_type, customer_info)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (alarm_id) DO NOTHING
		 RETURNING `+alarmColumns,
		string(rec.AlarmID), rec.AlarmName, rec.AlarmType, rec.AlarmTime, rec.ChannelNo, rec.IsEncrypt, rec.IsChecked,
		rec.PreTime, rec.DelayTime, rec.DeviceSerial, rec.RecState, rec.AlarmPicURL,
		rec.RelationAlarms.JSON(), rec.CustomerTypePtr(), rec.CustomerInfoJSON(),
	)
	a, err := scanAlarm(row)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrAlarmExists
		}
		return nil, fmt.Errorf("insert alarm %s: %w", rec.AlarmID, err)
	}
	return a, nil
}

// GetAlarm returns nil when no row has the id.
func (s *PostgresStore) GetAlarm(ctx context.Context, id int64) (*models.Alarm, error) {
	a, err := scanAlarm(s.pool.QueryRow(ctx, `SELECT `+alarmColumns+` FROM alarms WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get alarm: %w", err)
	}
	return a, nil
}

// ListAlarms returns a page of alarms, newest event first, and the total count.
func (s *PostgresStore) ListAlarms(ctx context.Context, f models.AlarmFilter) ([]models.Alarm, int, error) {
	limit := clampLimit(f.Limit, 50, 500)

	where := "WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	if f.DeviceSerial != "" {
		where += fmt.Sprintf(" AND device_serial = $%d", argIdx)
		args = append(args, f.DeviceSerial)
		argIdx++
	}
	if !f.From.IsZero() {
		where += fmt.Sprintf(" AND alarm_time >= $%d", argIdx)
		args = append(args, f.From.UnixMilli())
		argIdx++
	}
	if !f.To.IsZero() {
		where += fmt.Sprintf(" AND alarm_time <= $%d", argIdx)
		args = append(args, f.To.UnixMilli())
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM alarms "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count alarms: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM alarms %s ORDER BY alarm_time DESC, id DESC LIMIT $%d OFFSET $%d`,
		alarmColumns, where, argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list alarms: %w", err)
	}
	defer rows.Close()

	var alarms []models.Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan alarm: %w", err)
		}
		alarms = append(alarms, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list alarms: %w", err)
	}
	return alarms, total, nil
}

// ListAlarmsForRescan returns alarms with a picture URL and id >= fromID,
// in id order.
func (s *PostgresStore) ListAlarmsForRescan(ctx context.Context, fromID int64, limit int) ([]models.Alarm, error) {
	limit = clampLimit(limit, 100, 1000)
	rows, err := s.pool.Query(ctx,
		`SELECT `+alarmColumns+` FROM alarms
		 WHERE id >= $1 AND alarm_pic_url <> ''
		 ORDER BY id LIMIT $2`, fromID, limit)
	if err != nil {
		return nil, fmt.Errorf("list alarms for rescan: %w", err)
	}
	defer rows.Close()

	var alarms []models.Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alarm: %w", err)
		}
		alarms = append(alarms, *a)
	}
	return alarms, rows.Err()
}
