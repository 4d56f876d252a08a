package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/floorops/floorops/internal/domain"
)

const cameraColumns = `id, restaurant_id, name, source_uri, crop_json, table_map,
	last_capture_at, last_frame_index, degraded`

func scanCamera(get func(dest any) error) (*domain.Camera, error) {
	var row struct {
		domain.Camera
		TableMapJSON []byte `db:"table_map"`
	}
	if err := get(&row); err != nil {
		return nil, err
	}
	c := row.Camera
	if len(row.TableMapJSON) > 0 {
		if err := json.Unmarshal(row.TableMapJSON, &c.TableMap); err != nil {
			return nil, domain.Wrap(domain.KindInput, component, "failed to decode camera table map", err)
		}
	}
	return &c, nil
}

func (s *Store) GetCamera(ctx context.Context, id uuid.UUID) (*domain.Camera, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	c, err := scanCamera(func(dest any) error {
		return s.db.GetContext(ctx, dest, `SELECT `+cameraColumns+` FROM cameras WHERE id = $1`, id)
	})
	if err != nil {
		if _, ok := err.(*domain.Error); ok {
			return nil, err
		}
		return nil, notFound(err, "camera %s not found", id)
	}
	return c, nil
}

func (s *Store) ListCameras(ctx context.Context) ([]domain.Camera, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, `SELECT `+cameraColumns+` FROM cameras ORDER BY id`)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "failed to list cameras", err)
	}
	defer rows.Close()

	var out []domain.Camera
	for rows.Next() {
		c, err := scanCamera(func(dest any) error { return rows.StructScan(dest) })
		if err != nil {
			return nil, domain.Wrap(domain.KindUnavailable, component, "failed to scan camera", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "error iterating cameras", err)
	}
	return out, nil
}

func (s *Store) InstallCropJSON(ctx context.Context, cameraID uuid.UUID, raw []byte, tableMap map[string]uuid.UUID) error {
	if _, err := domain.ParseCropJSON(raw); err != nil {
		return err
	}
	mapJSON, err := json.Marshal(tableMap)
	if err != nil {
		return domain.Wrap(domain.KindInput, component, "failed to encode table map", err)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE cameras SET crop_json = $2, table_map = $3 WHERE id = $1`,
		cameraID, raw, mapJSON)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, component, "failed to install crop json", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Ef(domain.KindNotFound, component, "camera %s not found", cameraID)
	}
	return nil
}

func (s *Store) GetCameraTableMap(ctx context.Context, cameraID uuid.UUID) (map[string]uuid.UUID, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var mapJSON []byte
	if err := s.db.GetContext(ctx, &mapJSON, `SELECT table_map FROM cameras WHERE id = $1`, cameraID); err != nil {
		return nil, notFound(err, "camera %s not found", cameraID)
	}
	out := make(map[string]uuid.UUID)
	if len(mapJSON) > 0 {
		if err := json.Unmarshal(mapJSON, &out); err != nil {
			return nil, domain.Wrap(domain.KindInput, component, "failed to decode camera table map", err)
		}
	}
	return out, nil
}

func (s *Store) UpdateCameraCapture(ctx context.Context, cameraID uuid.UUID, frameIndex int64, at time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE cameras SET last_frame_index = $2, last_capture_at = $3 WHERE id = $1`,
		cameraID, frameIndex, at)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, component, "failed to update camera capture", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Ef(domain.KindNotFound, component, "camera %s not found", cameraID)
	}
	return nil
}

func (s *Store) SetCameraDegraded(ctx context.Context, cameraID uuid.UUID, degraded bool) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE cameras SET degraded = $2 WHERE id = $1`, cameraID, degraded)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, component, "failed to set camera degraded", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Ef(domain.KindNotFound, component, "camera %s not found", cameraID)
	}
	return nil
}

func (s *Store) AppendCropDispatch(ctx context.Context, cameraID uuid.UUID, jsonTableID string, frameIndex int64) (*domain.CropDispatchLog, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	rec := domain.CropDispatchLog{
		ID:          uuid.New(),
		CameraID:    cameraID,
		JSONTableID: jsonTableID,
		FrameIndex:  frameIndex,
		Status:      domain.DispatchQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crop_dispatch_log (id, camera_id, json_table_id, frame_index, status, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, '', $6, $6)`,
		rec.ID, rec.CameraID, rec.JSONTableID, rec.FrameIndex, rec.Status, now)
	if err != nil {
		if isUnique(err) {
			// Dedupe hit: return the existing row so the caller can
			// short-circuit.
			var existing domain.CropDispatchLog
			if err := s.db.GetContext(ctx, &existing, `
				SELECT id, camera_id, json_table_id, frame_index, status, attempts, last_error, created_at, updated_at
				FROM crop_dispatch_log
				WHERE camera_id = $1 AND json_table_id = $2 AND frame_index = $3`,
				cameraID, jsonTableID, frameIndex); err != nil {
				return nil, false, domain.Wrap(domain.KindUnavailable, component, "failed to load duplicate dispatch row", err)
			}
			return &existing, true, nil
		}
		return nil, false, domain.Wrap(domain.KindUnavailable, component, "failed to append crop dispatch", err)
	}
	return &rec, false, nil
}

func (s *Store) UpdateCropDispatch(ctx context.Context, id uuid.UUID, status domain.DispatchStatus, attempts int, lastError string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE crop_dispatch_log SET status = $2, attempts = $3, last_error = $4, updated_at = $5
		WHERE id = $1`, id, status, attempts, lastError, time.Now().UTC())
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, component, "failed to update crop dispatch", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Ef(domain.KindNotFound, component, "dispatch record %s not found", id)
	}
	return nil
}
