package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"dutyline/internal/config"
	"dutyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// InsertFleetTx runs inside the caller's transaction so the fleet and its
// seeded config commit together.
func (r Repo) InsertFleetTx(ctx context.Context, tx *sql.Tx, f domain.Fleet) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO fleets(id,name,status,created_at) VALUES (?,?,?,?)`,
		f.ID, nullable(f.Name), f.Status, f.CreatedAt)
	return err
}

func (r Repo) GetFleet(ctx context.Context, id string) (domain.Fleet, error) {
	var f domain.Fleet
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM fleets WHERE id=?`, id).
		Scan(&f.ID, &name, &f.Status, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if name.Valid {
		f.Name = name.String
	}
	return f, err
}

// SingleFleet returns the only fleet in the workspace, or an error when the
// fleet must be named explicitly.
func (r Repo) SingleFleet(ctx context.Context) (domain.Fleet, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,'') AS name,status,created_at FROM fleets`)
	if err != nil {
		return domain.Fleet{}, err
	}
	defer rows.Close()
	var fleets []domain.Fleet
	for rows.Next() {
		var f domain.Fleet
		if err := rows.Scan(&f.ID, &f.Name, &f.Status, &f.CreatedAt); err != nil {
			return domain.Fleet{}, err
		}
		fleets = append(fleets, f)
	}
	if len(fleets) == 0 {
		return domain.Fleet{}, ErrNotFound
	}
	if len(fleets) > 1 {
		return domain.Fleet{}, fmt.Errorf("multiple fleets exist; specify --fleet")
	}
	return fleets[0], nil
}

func (r Repo) ListFleets(ctx context.Context) ([]domain.Fleet, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,'') AS name,status,created_at FROM fleets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Fleet
	for rows.Next() {
		var f domain.Fleet
		if err := rows.Scan(&f.ID, &f.Name, &f.Status, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, nil
}

func (r Repo) UpsertFleetConfig(ctx context.Context, fleetID string, cfg *config.Config) error {
	return upsertFleetConfig(ctx, r.DB, nil, fleetID, cfg)
}

func (r Repo) UpsertFleetConfigTx(ctx context.Context, tx *sql.Tx, fleetID string, cfg *config.Config) error {
	return upsertFleetConfig(ctx, nil, tx, fleetID, cfg)
}

func upsertFleetConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, fleetID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Fleet.ID = fleetID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO fleet_configs(fleet_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(fleet_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, fleetID, string(payload), now, now)
	return err
}

func (r Repo) GetFleetConfig(ctx context.Context, fleetID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM fleet_configs WHERE fleet_id=?`, fleetID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Fleet.ID == "" {
		cfg.Fleet.ID = fleetID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) GetDriver(ctx context.Context, id string) (domain.Driver, error) {
	var d domain.Driver
	err := r.DB.QueryRowContext(ctx, `SELECT id,fleet_id,created_at FROM drivers WHERE id=?`, id).
		Scan(&d.ID, &d.FleetID, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListDrivers(ctx context.Context, fleetID string) ([]domain.Driver, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,fleet_id,created_at FROM drivers WHERE fleet_id=? ORDER BY id`, fleetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Driver
	for rows.Next() {
		var d domain.Driver
		if err := rows.Scan(&d.ID, &d.FleetID, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

// EnsureDriverTx inserts the driver row if it does not exist yet. Transition
// commands create history for unknown drivers instead of failing.
func (r Repo) EnsureDriverTx(ctx context.Context, tx *sql.Tx, driverID, fleetID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO drivers(id,fleet_id,created_at) VALUES (?,?,?)`, driverID, fleetID, now)
	return err
}

const intervalColumns = `id,fleet_id,driver_id,status,start_time,end_time,duration_hours,location,notes,is_automatic,corrects_id,created_at`

func scanInterval(scan func(dest ...any) error) (domain.DutyInterval, error) {
	var iv domain.DutyInterval
	var endTime, location, notes, correctsID sql.NullString
	var duration sql.NullFloat64
	err := scan(&iv.ID, &iv.FleetID, &iv.DriverID, &iv.Status, &iv.StartTime, &endTime, &duration, &location, &notes, &iv.IsAutomatic, &correctsID, &iv.CreatedAt)
	if err != nil {
		return iv, err
	}
	if endTime.Valid {
		iv.EndTime = &endTime.String
	}
	if duration.Valid {
		iv.DurationHours = &duration.Float64
	}
	if location.Valid {
		iv.Location = location.String
	}
	if notes.Valid {
		iv.Notes = notes.String
	}
	if correctsID.Valid {
		iv.CorrectsID = &correctsID.String
	}
	return iv, nil
}

func (r Repo) InsertIntervalTx(ctx context.Context, tx *sql.Tx, iv domain.DutyInterval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO duty_intervals(`+intervalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		iv.ID, iv.FleetID, iv.DriverID, iv.Status, iv.StartTime, nullableStringPtr(iv.EndTime), nullableFloatPtr(iv.DurationHours),
		nullable(iv.Location), nullable(iv.Notes), iv.IsAutomatic, nullableStringPtr(iv.CorrectsID), iv.CreatedAt)
	return err
}

// CloseIntervalTx sets end_time and the derived duration on the open row.
// This is the only UPDATE the duty log ever performs: it completes the
// append in progress, it never rewrites history.
func (r Repo) CloseIntervalTx(ctx context.Context, tx *sql.Tx, id, endTime string, durationHours float64) error {
	res, err := tx.ExecContext(ctx, `UPDATE duty_intervals SET end_time=?, duration_hours=? WHERE id=? AND end_time IS NULL`,
		endTime, durationHours, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetInterval(ctx context.Context, id string) (domain.DutyInterval, error) {
	iv, err := scanInterval(r.DB.QueryRowContext(ctx, `SELECT `+intervalColumns+` FROM duty_intervals WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return iv, ErrNotFound
	}
	return iv, err
}

func (r Repo) GetCurrentInterval(ctx context.Context, driverID string) (domain.DutyInterval, error) {
	iv, err := scanInterval(r.DB.QueryRowContext(ctx,
		`SELECT `+intervalColumns+` FROM duty_intervals WHERE driver_id=? AND end_time IS NULL AND corrects_id IS NULL`, driverID).Scan)
	if err == sql.ErrNoRows {
		return iv, ErrNotFound
	}
	return iv, err
}

func (r Repo) GetCurrentIntervalTx(ctx context.Context, tx *sql.Tx, driverID string) (domain.DutyInterval, error) {
	iv, err := scanInterval(tx.QueryRowContext(ctx,
		`SELECT `+intervalColumns+` FROM duty_intervals WHERE driver_id=? AND end_time IS NULL AND corrects_id IS NULL`, driverID).Scan)
	if err == sql.ErrNoRows {
		return iv, ErrNotFound
	}
	return iv, err
}

type IntervalFilters struct {
	DriverID string
	From     string
	To       string
	Limit    int
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ListIntervals returns intervals overlapping [From, To] in start order, with
// the newest correction overlaid over each corrected row. From/To are
// optional RFC3339 bounds.
func (r Repo) ListIntervals(ctx context.Context, f IntervalFilters) ([]domain.DutyInterval, error) {
	return listIntervals(ctx, r.DB, f)
}

// ListIntervalsTx is ListIntervals inside an open transaction, so transition
// handling sees the row it just appended.
func (r Repo) ListIntervalsTx(ctx context.Context, tx *sql.Tx, f IntervalFilters) ([]domain.DutyInterval, error) {
	return listIntervals(ctx, tx, f)
}

func listIntervals(ctx context.Context, q querier, f IntervalFilters) ([]domain.DutyInterval, error) {
	clauses := []string{"driver_id=?"}
	args := []any{f.DriverID}
	if f.To != "" {
		clauses = append(clauses, "start_time<=?")
		args = append(args, f.To)
	}
	if f.From != "" {
		clauses = append(clauses, "(end_time IS NULL OR end_time>=?)")
		args = append(args, f.From)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + intervalColumns + ` FROM duty_intervals ` + where + ` ORDER BY start_time ASC, created_at ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var raw []domain.DutyInterval
	for rows.Next() {
		iv, err := scanInterval(rows.Scan)
		if err != nil {
			return nil, err
		}
		raw = append(raw, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res := applyCorrections(raw)
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

// applyCorrections replaces each corrected row with its newest correction.
// Rows arrive in (start_time, created_at) order, so later corrections win.
func applyCorrections(raw []domain.DutyInterval) []domain.DutyInterval {
	overrides := map[string]domain.DutyInterval{}
	for _, iv := range raw {
		if iv.CorrectsID != nil {
			target := *iv.CorrectsID
			// chase chains: a correction of a correction points at a row
			// that itself corrects an original
			if prev, ok := overrides[target]; ok && prev.CorrectsID != nil {
				target = *prev.CorrectsID
			}
			overrides[iv.ID] = iv
			overrides[target] = iv
		}
	}
	var res []domain.DutyInterval
	for _, iv := range raw {
		if iv.CorrectsID != nil {
			continue
		}
		if ov, ok := overrides[iv.ID]; ok {
			res = append(res, ov)
			continue
		}
		res = append(res, iv)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].StartTime < res[j].StartTime })
	return res
}

func (r Repo) InsertViolationTx(ctx context.Context, tx *sql.Tx, v domain.Violation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO violations(id,fleet_id,driver_id,type,severity,description,raised_at,resolved_at,related_interval_id) VALUES (?,?,?,?,?,?,?,?,?)`,
		v.ID, v.FleetID, v.DriverID, v.Type, v.Severity, v.Description, v.RaisedAt, nullableStringPtr(v.ResolvedAt), nullableStringPtr(v.RelatedIntervalID))
	return err
}

func (r Repo) ResolveViolationTx(ctx context.Context, tx *sql.Tx, id, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE violations SET resolved_at=? WHERE id=? AND resolved_at IS NULL`, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanViolation(scan func(dest ...any) error) (domain.Violation, error) {
	var v domain.Violation
	var resolvedAt, relatedID sql.NullString
	err := scan(&v.ID, &v.FleetID, &v.DriverID, &v.Type, &v.Severity, &v.Description, &v.RaisedAt, &resolvedAt, &relatedID)
	if err != nil {
		return v, err
	}
	if resolvedAt.Valid {
		v.ResolvedAt = &resolvedAt.String
	}
	if relatedID.Valid {
		v.RelatedIntervalID = &relatedID.String
	}
	return v, nil
}

func (r Repo) GetViolation(ctx context.Context, id string) (domain.Violation, error) {
	v, err := scanViolation(r.DB.QueryRowContext(ctx,
		`SELECT id,fleet_id,driver_id,type,severity,description,raised_at,resolved_at,related_interval_id FROM violations WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

type ViolationFilters struct {
	DriverID string
	OpenOnly bool
	From     string
	To       string
	Limit    int
}

func (r Repo) ListViolations(ctx context.Context, f ViolationFilters) ([]domain.Violation, error) {
	clauses := []string{"driver_id=?"}
	args := []any{f.DriverID}
	if f.OpenOnly {
		clauses = append(clauses, "resolved_at IS NULL")
	}
	if f.From != "" {
		clauses = append(clauses, "raised_at>=?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "raised_at<=?")
		args = append(args, f.To)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,fleet_id,driver_id,type,severity,description,raised_at,resolved_at,related_interval_id FROM violations ` + where + ` ORDER BY raised_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Violation
	for rows.Next() {
		v, err := scanViolation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) ListOpenViolationsTx(ctx context.Context, tx *sql.Tx, driverID string) ([]domain.Violation, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id,fleet_id,driver_id,type,severity,description,raised_at,resolved_at,related_interval_id FROM violations WHERE driver_id=? AND resolved_at IS NULL ORDER BY raised_at ASC, id ASC`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Violation
	for rows.Next() {
		v, err := scanViolation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, fleetID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if fleetID != "" {
		clauses = append(clauses, "fleet_id=?")
		args = append(args, fleetID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,fleet_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var fleet, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &fleet, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if fleet.Valid {
			e.FleetID = fleet.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, fleetID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if fleetID != "" {
		clauses = append(clauses, "fleet_id=?")
		args = append(args, fleetID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,fleet_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var fleet, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &fleet, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if fleet.Valid {
			e.FleetID = fleet.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
