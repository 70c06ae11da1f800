package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dutyline/internal/config"
	"dutyline/internal/domain"
	"dutyline/internal/events"
	"dutyline/internal/hos"
	"dutyline/internal/repo"
)

// Sentinel errors for the transition surface. Callers map these onto their
// own status codes with errors.Is.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrClockSkew         = errors.New("clock skew")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	locks *driverLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  &driverLocks{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) rules() config.Rules {
	return e.Config.Rules
}

// driverLocks serializes writes per driver. Transitions for different
// drivers run in parallel; two transitions for the same driver never
// interleave, which is what keeps the one-open-interval invariant.
type driverLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (d *driverLocks) lock(driverID string) *sync.Mutex {
	d.mu.Lock()
	if d.m == nil {
		d.m = map[string]*sync.Mutex{}
	}
	l, ok := d.m[driverID]
	if !ok {
		l = &sync.Mutex{}
		d.m[driverID] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l
}

// InitFleet creates a fleet and seeds its HOS rule config.
func (e Engine) InitFleet(ctx context.Context, fleetID, name, actorID string) (domain.Fleet, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Fleet{}, err
	}
	defer tx.Rollback()

	f := domain.Fleet{
		ID:        fleetID,
		Name:      name,
		Status:    "active",
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertFleetTx(ctx, tx, f); err != nil {
		return domain.Fleet{}, fmt.Errorf("insert fleet: %w", err)
	}
	if err := e.Repo.UpsertFleetConfigTx(ctx, tx, f.ID, config.Default(f.ID)); err != nil {
		return domain.Fleet{}, fmt.Errorf("insert fleet config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "fleet.init", f.ID, "fleet", f.ID, actorID, events.EventPayload{"status": f.Status}); err != nil {
		return domain.Fleet{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Fleet{}, err
	}
	return f, nil
}

// TransitionOptions are the parameters of a duty status change.
type TransitionOptions struct {
	FleetID     string
	DriverID    string
	NewStatus   string
	Location    string
	Notes       string
	Timestamp   string // RFC3339; defaults to the engine clock
	IsAutomatic bool
	ActorID     string
}

// TransitionResult is what a transition hands back: the fresh snapshot plus
// the violation delta produced by this one change.
type TransitionResult struct {
	State              domain.HOSState
	Interval           domain.DutyInterval
	NewViolations      []domain.Violation
	ResolvedViolations []domain.Violation
}

// ChangeDutyStatus closes the driver's open interval, opens the new one,
// recomputes budgets and applies the violation delta, all in one
// transaction. An unknown driver is created on first transition.
func (e Engine) ChangeDutyStatus(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	if e.Config == nil {
		return TransitionResult{}, errors.New("config not loaded")
	}
	if !domain.ValidStatus(opts.NewStatus) {
		return TransitionResult{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, opts.NewStatus)
	}
	if opts.DriverID == "" {
		return TransitionResult{}, errors.New("driver is required")
	}

	ts := e.now().UTC()
	if opts.Timestamp != "" {
		parsed, err := hos.ParseTime(opts.Timestamp)
		if err != nil {
			return TransitionResult{}, err
		}
		ts = parsed
	}
	tsStr := ts.Format(time.RFC3339)

	l := e.locks.lock(opts.DriverID)
	defer l.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureDriverTx(ctx, tx, opts.DriverID, opts.FleetID, tsStr); err != nil {
		return TransitionResult{}, fmt.Errorf("ensure driver: %w", err)
	}

	current, err := e.Repo.GetCurrentIntervalTx(ctx, tx, opts.DriverID)
	switch {
	case err == nil:
		if current.Status == opts.NewStatus {
			return TransitionResult{}, fmt.Errorf("%w: status is already %s", ErrInvalidTransition, opts.NewStatus)
		}
		start, err := hos.ParseTime(current.StartTime)
		if err != nil {
			return TransitionResult{}, err
		}
		if ts.Before(start) {
			return TransitionResult{}, fmt.Errorf("%w: timestamp %s precedes open interval start %s", ErrClockSkew, tsStr, current.StartTime)
		}
		duration := hos.Round2(ts.Sub(start).Hours())
		if err := e.Repo.CloseIntervalTx(ctx, tx, current.ID, tsStr, duration); err != nil {
			return TransitionResult{}, fmt.Errorf("close interval: %w", err)
		}
	case errors.Is(err, repo.ErrNotFound):
		// first-ever entry, nothing to close
	default:
		return TransitionResult{}, err
	}

	iv := domain.DutyInterval{
		ID:          uuid.NewString(),
		FleetID:     opts.FleetID,
		DriverID:    opts.DriverID,
		Status:      opts.NewStatus,
		StartTime:   tsStr,
		Location:    opts.Location,
		Notes:       opts.Notes,
		IsAutomatic: opts.IsAutomatic,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertIntervalTx(ctx, tx, iv); err != nil {
		return TransitionResult{}, fmt.Errorf("insert interval: %w", err)
	}

	intervals, err := e.Repo.ListIntervalsTx(ctx, tx, repo.IntervalFilters{DriverID: opts.DriverID})
	if err != nil {
		return TransitionResult{}, err
	}
	budgets, err := e.computeBudgets(intervals, ts)
	if err != nil {
		return TransitionResult{}, err
	}
	findings := hos.Evaluate(budgets, opts.NewStatus, e.rules())

	raised, resolved, err := e.applyFindingsTx(ctx, tx, opts.FleetID, opts.DriverID, budgets, findings, tsStr, iv.ID, opts.ActorID)
	if err != nil {
		return TransitionResult{}, err
	}

	if err := e.Events.Append(ctx, tx, "duty.changed", opts.FleetID, "driver", opts.DriverID, opts.ActorID, events.EventPayload{
		"interval_id": iv.ID,
		"status":      opts.NewStatus,
		"start_time":  tsStr,
	}); err != nil {
		return TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}

	return TransitionResult{
		State:              e.snapshot(opts.DriverID, opts.NewStatus, budgets, ts),
		Interval:           iv,
		NewViolations:      raised,
		ResolvedViolations: resolved,
	}, nil
}

func (e Engine) computeBudgets(intervals []domain.DutyInterval, asOf time.Time) (hos.Budgets, error) {
	parsed, err := hos.FromDomain(intervals, asOf)
	if err != nil {
		return hos.Budgets{}, err
	}
	return hos.ComputeBudgets(parsed, asOf, e.rules()), nil
}

// snapshot builds the display-rounded HOS state from raw budgets.
func (e Engine) snapshot(driverID, status string, b hos.Budgets, asOf time.Time) domain.HOSState {
	st := domain.HOSState{
		DriverID:                   driverID,
		CurrentStatus:              status,
		RemainingDriveHours:        hos.Round2(b.DriveRemaining),
		RemainingOnDutyWindowHours: hos.Round2(b.WindowRemaining),
		RemainingCycleHours:        hos.Round2(b.CycleRemaining),
		LastComputedAt:             asOf.Format(time.RFC3339),
	}
	if !b.WindowStartedAt.IsZero() {
		ws := b.WindowStartedAt.Format(time.RFC3339)
		st.WindowStartedAt = &ws
	}
	return st
}

// applyFindingsTx diffs the detector output against the driver's open
// violations: findings with no open counterpart of the same type are raised,
// and open violations whose condition no longer holds are resolved.
// Re-running the detector on an unchanged log is a no-op.
func (e Engine) applyFindingsTx(ctx context.Context, tx *sql.Tx, fleetID, driverID string, budgets hos.Budgets, findings []hos.Finding, asOf, relatedIntervalID, actorID string) ([]domain.Violation, []domain.Violation, error) {
	open, err := e.Repo.ListOpenViolationsTx(ctx, tx, driverID)
	if err != nil {
		return nil, nil, err
	}
	openByType := map[string]domain.Violation{}
	for _, v := range open {
		openByType[v.Type] = v
	}
	firing := map[string]bool{}

	var raised []domain.Violation
	for _, f := range findings {
		firing[f.Type] = true
		if _, ok := openByType[f.Type]; ok {
			continue
		}
		v := domain.Violation{
			ID:          uuid.NewString(),
			FleetID:     fleetID,
			DriverID:    driverID,
			Type:        f.Type,
			Severity:    f.Severity,
			Description: f.Description,
			RaisedAt:    asOf,
		}
		if relatedIntervalID != "" {
			v.RelatedIntervalID = &relatedIntervalID
		}
		if err := e.Repo.InsertViolationTx(ctx, tx, v); err != nil {
			return nil, nil, fmt.Errorf("insert violation: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "violation.raised", fleetID, "violation", v.ID, actorID, events.EventPayload{
			"driver_id": driverID,
			"type":      v.Type,
			"severity":  v.Severity,
		}); err != nil {
			return nil, nil, err
		}
		raised = append(raised, v)
	}

	var resolved []domain.Violation
	for _, v := range open {
		if firing[v.Type] || hos.StillHolds(v.Type, budgets, e.rules()) {
			continue
		}
		if err := e.Repo.ResolveViolationTx(ctx, tx, v.ID, asOf); err != nil {
			return nil, nil, fmt.Errorf("resolve violation: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "violation.resolved", fleetID, "violation", v.ID, actorID, events.EventPayload{
			"driver_id": driverID,
			"type":      v.Type,
		}); err != nil {
			return nil, nil, err
		}
		v.ResolvedAt = &asOf
		resolved = append(resolved, v)
	}
	return raised, resolved, nil
}

// driverState derives the current status and raw budgets for a driver at
// asOf. Unknown drivers get the off-duty default with full budgets; queries
// never fail on them.
func (e Engine) driverState(ctx context.Context, driverID string, asOf time.Time) (string, hos.Budgets, error) {
	intervals, err := e.Repo.ListIntervals(ctx, repo.IntervalFilters{DriverID: driverID})
	if err != nil {
		return "", hos.Budgets{}, err
	}
	status := domain.StatusOffDuty
	if cur, err := e.Repo.GetCurrentInterval(ctx, driverID); err == nil {
		if start, perr := hos.ParseTime(cur.StartTime); perr == nil && !start.After(asOf) {
			status = cur.Status
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", hos.Budgets{}, err
	}
	budgets, err := e.computeBudgets(intervals, asOf)
	if err != nil {
		return "", hos.Budgets{}, err
	}
	return status, budgets, nil
}

// HOSState computes the display snapshot for a driver at asOf.
func (e Engine) HOSState(ctx context.Context, driverID string, asOf time.Time) (domain.HOSState, error) {
	if e.Config == nil {
		return domain.HOSState{}, errors.New("config not loaded")
	}
	status, budgets, err := e.driverState(ctx, driverID, asOf)
	if err != nil {
		return domain.HOSState{}, err
	}
	return e.snapshot(driverID, status, budgets, asOf), nil
}

// CheckViolations re-runs the detector without a transition, for periodic
// sweeps. Time passing alone can change the picture: the duty window keeps
// elapsing and the cycle window keeps rolling.
func (e Engine) CheckViolations(ctx context.Context, fleetID, driverID string, asOf time.Time, actorID string) (TransitionResult, error) {
	if e.Config == nil {
		return TransitionResult{}, errors.New("config not loaded")
	}
	l := e.locks.lock(driverID)
	defer l.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	intervals, err := e.Repo.ListIntervalsTx(ctx, tx, repo.IntervalFilters{DriverID: driverID})
	if err != nil {
		return TransitionResult{}, err
	}
	status := domain.StatusOffDuty
	if cur, err := e.Repo.GetCurrentIntervalTx(ctx, tx, driverID); err == nil {
		status = cur.Status
	} else if !errors.Is(err, repo.ErrNotFound) {
		return TransitionResult{}, err
	}
	budgets, err := e.computeBudgets(intervals, asOf)
	if err != nil {
		return TransitionResult{}, err
	}
	findings := hos.Evaluate(budgets, status, e.rules())
	asOfStr := asOf.Format(time.RFC3339)
	raised, resolved, err := e.applyFindingsTx(ctx, tx, fleetID, driverID, budgets, findings, asOfStr, "", actorID)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{
		State:              e.snapshot(driverID, status, budgets, asOf),
		NewViolations:      raised,
		ResolvedViolations: resolved,
	}, nil
}

// Compliance is the reporter's verdict for one driver.
type Compliance struct {
	Compliant bool     `json:"compliant"`
	Issues    []string `json:"issues"`
}

// ComplianceStatus reports whether the driver is currently compliant:
// no open violation-severity record and all three budgets above zero.
// Warnings do not make a driver non-compliant but are listed as issues.
// The verdict compares the raw budgets; rounding is display-only.
func (e Engine) ComplianceStatus(ctx context.Context, driverID string, asOf time.Time) (Compliance, domain.HOSState, error) {
	if e.Config == nil {
		return Compliance{}, domain.HOSState{}, errors.New("config not loaded")
	}
	status, budgets, err := e.driverState(ctx, driverID, asOf)
	if err != nil {
		return Compliance{}, domain.HOSState{}, err
	}
	state := e.snapshot(driverID, status, budgets, asOf)
	open, err := e.Repo.ListViolations(ctx, repo.ViolationFilters{DriverID: driverID, OpenOnly: true})
	if err != nil {
		return Compliance{}, domain.HOSState{}, err
	}
	c := Compliance{Compliant: true, Issues: []string{}}
	for _, v := range open {
		c.Issues = append(c.Issues, fmt.Sprintf("%s: %s", v.Type, v.Description))
		if v.Severity == domain.SeverityViolation {
			c.Compliant = false
		}
	}
	if budgets.DriveRemaining <= 0 {
		c.Compliant = false
		c.Issues = append(c.Issues, "no driving hours remaining")
	}
	if budgets.WindowRemaining <= 0 {
		c.Compliant = false
		c.Issues = append(c.Issues, "on-duty window exhausted")
	}
	if budgets.CycleRemaining <= 0 {
		c.Compliant = false
		c.Issues = append(c.Issues, "cycle hours exhausted")
	}
	return c, state, nil
}

// Export is the regulatory log export for one driver and window.
type Export struct {
	DriverID  string                `json:"driver_id"`
	From      string                `json:"from,omitempty"`
	To        string                `json:"to,omitempty"`
	Intervals []domain.DutyInterval `json:"intervals"`
	Summary   domain.LogSummary     `json:"summary"`
}

// ExportLogs returns intervals clipped to [from, to] with their per-status
// totals. The summary equals the sum of the exported rows' duration_hours,
// so a consumer re-adding the rows reproduces it.
func (e Engine) ExportLogs(ctx context.Context, driverID, from, to string, actorID string) (Export, error) {
	var fromT, toT time.Time
	var err error
	if from != "" {
		if fromT, err = hos.ParseTime(from); err != nil {
			return Export{}, err
		}
		// stored timestamps are UTC strings; bounds must be normalized
		// before the repo compares them
		from = fromT.Format(time.RFC3339)
	}
	if to != "" {
		if toT, err = hos.ParseTime(to); err != nil {
			return Export{}, err
		}
	} else {
		toT = e.now().UTC()
	}
	to = toT.Format(time.RFC3339)
	rows, err := e.Repo.ListIntervals(ctx, repo.IntervalFilters{DriverID: driverID, From: from, To: to})
	if err != nil {
		return Export{}, err
	}

	out := Export{DriverID: driverID, From: from, To: to, Intervals: []domain.DutyInterval{}}
	var clipped []hos.Interval
	for _, row := range rows {
		start, err := hos.ParseTime(row.StartTime)
		if err != nil {
			return Export{}, err
		}
		end := toT
		if row.EndTime != nil {
			if end, err = hos.ParseTime(*row.EndTime); err != nil {
				return Export{}, err
			}
		}
		iv, ok := hos.Clip(hos.Interval{Status: row.Status, Start: start, End: end, Open: row.EndTime == nil}, fromT, toT)
		if !ok {
			continue
		}
		exported := row
		exported.StartTime = iv.Start.Format(time.RFC3339)
		endStr := iv.End.Format(time.RFC3339)
		exported.EndTime = &endStr
		h := hos.Round2(iv.End.Sub(iv.Start).Hours())
		exported.DurationHours = &h
		out.Intervals = append(out.Intervals, exported)
		clipped = append(clipped, iv)
	}
	out.Summary = hos.Summarize(clipped)
	return out, nil
}

// CorrectionOptions describe an amended interval. The original row is never
// touched; the correction is a new row pointing back at it.
type CorrectionOptions struct {
	IntervalID string
	Status     string
	StartTime  string
	EndTime    string
	Location   string
	Notes      string
	ActorID    string
}

// CorrectInterval appends a correction row for a closed interval.
func (e Engine) CorrectInterval(ctx context.Context, opts CorrectionOptions) (domain.DutyInterval, error) {
	orig, err := e.Repo.GetInterval(ctx, opts.IntervalID)
	if err != nil {
		return domain.DutyInterval{}, err
	}
	if orig.EndTime == nil {
		return domain.DutyInterval{}, fmt.Errorf("%w: cannot correct the open interval; transition instead", ErrInvalidTransition)
	}

	// corrections of corrections resolve to the root row, keeping the
	// overlay view a single level deep
	root := orig
	for root.CorrectsID != nil {
		if root, err = e.Repo.GetInterval(ctx, *root.CorrectsID); err != nil {
			return domain.DutyInterval{}, err
		}
	}

	corrected := orig
	if opts.Status != "" {
		if !domain.ValidStatus(opts.Status) {
			return domain.DutyInterval{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, opts.Status)
		}
		corrected.Status = opts.Status
	}
	if opts.StartTime != "" {
		corrected.StartTime = opts.StartTime
	}
	if opts.EndTime != "" {
		endStr := opts.EndTime
		corrected.EndTime = &endStr
	}
	if opts.Location != "" {
		corrected.Location = opts.Location
	}
	if opts.Notes != "" {
		corrected.Notes = opts.Notes
	}
	start, err := hos.ParseTime(corrected.StartTime)
	if err != nil {
		return domain.DutyInterval{}, err
	}
	end, err := hos.ParseTime(*corrected.EndTime)
	if err != nil {
		return domain.DutyInterval{}, err
	}
	if end.Before(start) {
		return domain.DutyInterval{}, fmt.Errorf("%w: end %s precedes start %s", ErrClockSkew, *corrected.EndTime, corrected.StartTime)
	}
	corrected.StartTime = start.Format(time.RFC3339)
	correctedEnd := end.Format(time.RFC3339)
	corrected.EndTime = &correctedEnd

	l := e.locks.lock(orig.DriverID)
	defer l.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DutyInterval{}, err
	}
	defer tx.Rollback()

	// the corrected bounds must not overlap any neighboring interval; the
	// timeline stays totally ordered
	view, err := e.Repo.ListIntervalsTx(ctx, tx, repo.IntervalFilters{DriverID: orig.DriverID})
	if err != nil {
		return domain.DutyInterval{}, err
	}
	for _, other := range view {
		if other.ID == root.ID || (other.CorrectsID != nil && *other.CorrectsID == root.ID) {
			continue
		}
		oStart, err := hos.ParseTime(other.StartTime)
		if err != nil {
			return domain.DutyInterval{}, err
		}
		if !oStart.Before(end) {
			continue
		}
		if other.EndTime == nil {
			return domain.DutyInterval{}, fmt.Errorf("%w: correction overlaps interval %s", ErrInvalidTransition, other.ID)
		}
		oEnd, err := hos.ParseTime(*other.EndTime)
		if err != nil {
			return domain.DutyInterval{}, err
		}
		if start.Before(oEnd) {
			return domain.DutyInterval{}, fmt.Errorf("%w: correction overlaps interval %s", ErrInvalidTransition, other.ID)
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	target := root.ID
	h := hos.Round2(end.Sub(start).Hours())
	corrected.ID = uuid.NewString()
	corrected.DurationHours = &h
	corrected.CorrectsID = &target
	corrected.CreatedAt = now
	if err := e.Repo.InsertIntervalTx(ctx, tx, corrected); err != nil {
		return domain.DutyInterval{}, fmt.Errorf("insert correction: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "duty.corrected", orig.FleetID, "driver", orig.DriverID, opts.ActorID, events.EventPayload{
		"interval_id": corrected.ID,
		"corrects_id": target,
	}); err != nil {
		return domain.DutyInterval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DutyInterval{}, err
	}
	return corrected, nil
}

// ResolveViolation closes a violation by hand, for dispatcher review flows.
func (e Engine) ResolveViolation(ctx context.Context, id, actorID string) (domain.Violation, error) {
	v, err := e.Repo.GetViolation(ctx, id)
	if err != nil {
		return domain.Violation{}, err
	}
	if v.ResolvedAt != nil {
		return v, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Violation{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.ResolveViolationTx(ctx, tx, id, now); err != nil {
		return domain.Violation{}, err
	}
	if err := e.Events.Append(ctx, tx, "violation.resolved", v.FleetID, "violation", v.ID, actorID, events.EventPayload{
		"driver_id": v.DriverID,
		"type":      v.Type,
		"manual":    true,
	}); err != nil {
		return domain.Violation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Violation{}, err
	}
	v.ResolvedAt = &now
	return v, nil
}

