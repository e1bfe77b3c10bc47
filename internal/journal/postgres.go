package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"radview/api/internal/annotation"
)

// UnsyncedDraft is one locally journaled draft whose save failed.
type UnsyncedDraft struct {
	Draft          annotation.Draft
	FailureMessage string
	FailedAt       time.Time
}

// MirrorRecord is the searchable projection of a persisted annotation.
type MirrorRecord struct {
	ID               string
	StudyUID         string
	SeriesUID        string
	Kind             string
	Label            string
	MeasurementValue *float64
	MeasurementUnit  string
	UpdatedAt        time.Time
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// MarkUnsynced records a draft whose save failed, replacing any earlier
// record for the same tool instance.
func (s *PostgresStore) MarkUnsynced(ctx context.Context, draft annotation.Draft, failureMsg string) error {
	payload := draft.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unsynced_annotations
			(study_uid, external_tool_id, series_uid, sop_instance_uid, frame_number,
			 kind, label, payload, measurement_value, measurement_unit, failure_message, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (study_uid, external_tool_id) DO UPDATE SET
			series_uid=EXCLUDED.series_uid,
			sop_instance_uid=EXCLUDED.sop_instance_uid,
			frame_number=EXCLUDED.frame_number,
			kind=EXCLUDED.kind,
			label=EXCLUDED.label,
			payload=EXCLUDED.payload,
			measurement_value=EXCLUDED.measurement_value,
			measurement_unit=EXCLUDED.measurement_unit,
			failure_message=EXCLUDED.failure_message,
			failed_at=NOW()
	`, draft.StudyUID, draft.ExternalToolID, draft.SeriesUID, draft.SOPInstanceUID, draft.FrameNumber,
		string(draft.Kind), draft.Label, []byte(payload), draft.MeasurementValue, draft.MeasurementUnit, failureMsg)
	if err != nil {
		return fmt.Errorf("mark unsynced: %w", err)
	}
	return nil
}

// ClearUnsynced drops the unsynced record for a tool instance after a save
// finally succeeded.
func (s *PostgresStore) ClearUnsynced(ctx context.Context, studyUID, externalToolID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM unsynced_annotations WHERE study_uid=$1 AND external_tool_id=$2`,
		studyUID, externalToolID)
	if err != nil {
		return fmt.Errorf("clear unsynced: %w", err)
	}
	return nil
}

// ListUnsynced returns the journaled drafts for one study, newest failure first.
func (s *PostgresStore) ListUnsynced(ctx context.Context, studyUID string) ([]UnsyncedDraft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT study_uid, external_tool_id, series_uid, sop_instance_uid, frame_number,
			kind, label, payload, measurement_value, measurement_unit, failure_message, failed_at
		FROM unsynced_annotations
		WHERE study_uid=$1
		ORDER BY failed_at DESC
	`, studyUID)
	if err != nil {
		return nil, fmt.Errorf("list unsynced: %w", err)
	}
	defer rows.Close()

	var drafts []UnsyncedDraft
	for rows.Next() {
		var item UnsyncedDraft
		var kind string
		var payload []byte
		var unit sql.NullString
		var value sql.NullFloat64
		if err := rows.Scan(
			&item.Draft.StudyUID, &item.Draft.ExternalToolID, &item.Draft.SeriesUID,
			&item.Draft.SOPInstanceUID, &item.Draft.FrameNumber, &kind, &item.Draft.Label,
			&payload, &value, &unit, &item.FailureMessage, &item.FailedAt,
		); err != nil {
			return nil, fmt.Errorf("scan unsynced: %w", err)
		}
		item.Draft.Kind = annotation.Kind(kind)
		item.Draft.Payload = json.RawMessage(payload)
		if value.Valid {
			v := value.Float64
			item.Draft.MeasurementValue = &v
		}
		if unit.Valid {
			item.Draft.MeasurementUnit = unit.String
		}
		drafts = append(drafts, item)
	}
	return drafts, rows.Err()
}

// UpsertMirror projects a persisted annotation into the searchable mirror.
func (s *PostgresStore) UpsertMirror(ctx context.Context, record MirrorRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotation_mirror
			(id, study_uid, series_uid, kind, label, measurement_value, measurement_unit, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			study_uid=EXCLUDED.study_uid,
			series_uid=EXCLUDED.series_uid,
			kind=EXCLUDED.kind,
			label=EXCLUDED.label,
			measurement_value=EXCLUDED.measurement_value,
			measurement_unit=EXCLUDED.measurement_unit,
			updated_at=NOW()
	`, record.ID, record.StudyUID, record.SeriesUID, record.Kind, record.Label,
		record.MeasurementValue, record.MeasurementUnit)
	if err != nil {
		return fmt.Errorf("upsert mirror: %w", err)
	}
	return nil
}

// DeleteMirror removes a mirror row after the store-side annotation is gone.
func (s *PostgresStore) DeleteMirror(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM annotation_mirror WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete mirror: %w", err)
	}
	return nil
}

// SearchMirror runs a full-text query over the mirrored annotations. An
// empty studyUID searches across all studies. The study filter lives in the
// WHERE clause so LIMIT counts only matching rows.
func (s *PostgresStore) SearchMirror(ctx context.Context, text, studyUID string, limit int) ([]MirrorRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, study_uid, series_uid, kind, label, measurement_value, measurement_unit, updated_at
		FROM annotation_mirror
		WHERE fts @@ plainto_tsquery('simple', $1)
		  AND ($2 = '' OR study_uid = $2)
		ORDER BY ts_rank(fts, plainto_tsquery('simple', $1)) DESC, updated_at DESC
		LIMIT $3
	`, text, studyUID, limit)
	if err != nil {
		return nil, fmt.Errorf("search mirror: %w", err)
	}
	defer rows.Close()

	var records []MirrorRecord
	for rows.Next() {
		var record MirrorRecord
		var unit sql.NullString
		var value sql.NullFloat64
		if err := rows.Scan(&record.ID, &record.StudyUID, &record.SeriesUID, &record.Kind,
			&record.Label, &value, &unit, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan mirror: %w", err)
		}
		if value.Valid {
			v := value.Float64
			record.MeasurementValue = &v
		}
		if unit.Valid {
			record.MeasurementUnit = unit.String
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
