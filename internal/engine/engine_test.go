package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dutyline/internal/config"
	"dutyline/internal/db"
	"dutyline/internal/domain"
	"dutyline/internal/engine"
	"dutyline/internal/migrate"
	"dutyline/internal/repo"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("fleet-1")
	eng := engine.New(conn, cfg)
	clock := t0
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	if _, err := eng.InitFleet(ctx, "fleet-1", "test fleet", "tester"); err != nil {
		t.Fatalf("init fleet: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Clock: &clock}
}

func at(h float64) string {
	return t0.Add(time.Duration(h * float64(time.Hour))).Format(time.RFC3339)
}

func (env testEnv) transition(t *testing.T, driverID, status string, hours float64) engine.TransitionResult {
	t.Helper()
	res, err := env.Engine.ChangeDutyStatus(env.Ctx, engine.TransitionOptions{
		FleetID:   "fleet-1",
		DriverID:  driverID,
		NewStatus: status,
		Location:  "terminal",
		Timestamp: at(hours),
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("transition to %s at +%vh: %v", status, hours, err)
	}
	return res
}

func TestFirstTransitionCreatesHistory(t *testing.T) {
	env := newTestEnv(t)
	res := env.transition(t, "drv-1", domain.StatusDriving, 0)
	if res.State.CurrentStatus != domain.StatusDriving {
		t.Fatalf("status = %s", res.State.CurrentStatus)
	}
	if res.Interval.EndTime != nil {
		t.Fatal("new interval should be open")
	}
	if _, err := env.Engine.Repo.GetDriver(env.Ctx, "drv-1"); err != nil {
		t.Fatalf("driver not created: %v", err)
	}
}

func TestNoOpTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	env.transition(t, "drv-1", domain.StatusDriving, 0)
	_, err := env.Engine.ChangeDutyStatus(env.Ctx, engine.TransitionOptions{
		FleetID: "fleet-1", DriverID: "drv-1", NewStatus: domain.StatusDriving, Timestamp: at(1), ActorID: "tester",
	})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestUnknownStatusRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ChangeDutyStatus(env.Ctx, engine.TransitionOptions{
		FleetID: "fleet-1", DriverID: "drv-1", NewStatus: "napping", ActorID: "tester",
	})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestClockSkewRejected(t *testing.T) {
	env := newTestEnv(t)
	env.transition(t, "drv-1", domain.StatusDriving, 2)
	_, err := env.Engine.ChangeDutyStatus(env.Ctx, engine.TransitionOptions{
		FleetID: "fleet-1", DriverID: "drv-1", NewStatus: domain.StatusOffDuty, Timestamp: at(1), ActorID: "tester",
	})
	if !errors.Is(err, engine.ErrClockSkew) {
		t.Fatalf("err = %v, want ErrClockSkew", err)
	}
	// the failed transition must leave no trace
	intervals, err := env.Engine.Repo.ListIntervals(env.Ctx, repo.IntervalFilters{DriverID: "drv-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(intervals) != 1 {
		t.Fatalf("got %d intervals, want 1", len(intervals))
	}
}

func TestAtMostOneOpenInterval(t *testing.T) {
	env := newTestEnv(t)
	env.transition(t, "drv-1", domain.StatusOffDuty, 0)
	env.transition(t, "drv-1", domain.StatusDriving, 1)
	env.transition(t, "drv-1", domain.StatusOnDutyNotDriving, 3)
	env.transition(t, "drv-1", domain.StatusSleeperBerth, 4)

	intervals, err := env.Engine.Repo.ListIntervals(env.Ctx, repo.IntervalFilters{DriverID: "drv-1"})
	if err != nil {
		t.Fatal(err)
	}
	open := 0
	for _, iv := range intervals {
		if iv.EndTime == nil {
			open++
		} else if iv.DurationHours == nil {
			t.Fatalf("closed interval %s missing duration", iv.ID)
		}
	}
	if open != 1 {
		t.Fatalf("got %d open intervals, want exactly 1", open)
	}
}

func TestUnknownDriverGetsDefaultSnapshot(t *testing.T) {
	env := newTestEnv(t)
	state, err := env.Engine.HOSState(env.Ctx, "ghost", t0)
	if err != nil {
		t.Fatalf("query for unknown driver must not fail: %v", err)
	}
	if state.CurrentStatus != domain.StatusOffDuty {
		t.Fatalf("status = %s, want off_duty", state.CurrentStatus)
	}
	rules := env.Engine.Config.Rules
	if state.RemainingDriveHours != rules.DriveLimitHours {
		t.Fatalf("drive remaining = %v, want full", state.RemainingDriveHours)
	}
	if state.RemainingCycleHours != rules.Cycle.LimitHours {
		t.Fatalf("cycle remaining = %v, want full", state.RemainingCycleHours)
	}
}

// Scenario: continuous driving trips the break rule at the 8-hour mark, and
// a 30-minute off-duty break resolves it on the next transition.
func TestBreakRequiredLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.transition(t, "drv-1", domain.StatusOffDuty, -10)
	env.transition(t, "drv-1", domain.StatusDriving, 0)

	res, err := env.Engine.CheckViolations(env.Ctx, "fleet-1", "drv-1", t0.Add(8*time.Hour), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.NewViolations) != 1 || res.NewViolations[0].Type != domain.ViolationBreakRequired {
		t.Fatalf("new violations = %+v, want one break_required", res.NewViolations)
	}
	if res.NewViolations[0].Severity != domain.SeverityWarning {
		t.Fatalf("severity = %s, want warning", res.NewViolations[0].Severity)
	}

	// re-check without changes: no duplicate
	res, err = env.Engine.CheckViolations(env.Ctx, "fleet-1", "drv-1", t0.Add(8*time.Hour+time.Minute), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.NewViolations) != 0 {
		t.Fatalf("re-check raised duplicates: %+v", res.NewViolations)
	}

	// 30-minute break, then back to driving
	env.transition(t, "drv-1", domain.StatusOffDuty, 8)
	back := env.transition(t, "drv-1", domain.StatusDriving, 8.5)
	if len(back.ResolvedViolations) != 1 || back.ResolvedViolations[0].Type != domain.ViolationBreakRequired {
		t.Fatalf("resolved = %+v, want the break_required warning", back.ResolvedViolations)
	}
	open, err := env.Engine.Repo.ListViolations(env.Ctx, repo.ViolationFilters{DriverID: "drv-1", OpenOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("still open: %+v", open)
	}
}

// Scenario: the drive budget hits zero after 11 hours; driving past it is
// still logged but flagged, and a 10-hour rest clears the violation.
func TestHoursExceededLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.transition(t, "drv-1", domain.StatusDriving, 0)

	// one minute before the limit: nothing
	res, err := env.Engine.CheckViolations(env.Ctx, "fleet-1", "drv-1", t0.Add(11*time.Hour-time.Minute), "tester")
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range res.NewViolations {
		if v.Type == domain.ViolationHoursExceeded {
			t.Fatalf("hours_exceeded raised before the limit: %+v", v)
		}
	}

	// at 11h00m remaining hits zero and the violation fires
	res, err = env.Engine.CheckViolations(env.Ctx, "fleet-1", "drv-1", t0.Add(11*time.Hour), "tester")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, v := range res.NewViolations {
		if v.Type == domain.ViolationHoursExceeded && v.Severity == domain.SeverityViolation {
			found = true
		}
	}
	if !found {
		t.Fatalf("want hours_exceeded at the 11h mark, got %+v", res.NewViolations)
	}
	if res.State.RemainingDriveHours != 0 {
		t.Fatalf("remaining drive = %v, want 0", res.State.RemainingDriveHours)
	}

	// driving past the limit is still logged for audit
	env.transition(t, "drv-1", domain.StatusOnDutyNotDriving, 11.05)
	env.transition(t, "drv-1", domain.StatusDriving, 11.1)
	intervals, err := env.Engine.Repo.ListIntervals(env.Ctx, repo.IntervalFilters{DriverID: "drv-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(intervals) != 3 {
		t.Fatalf("got %d intervals, want 3", len(intervals))
	}

	// a full reset rest restores the budget and auto-resolves
	env.transition(t, "drv-1", domain.StatusSleeperBerth, 12)
	after := env.transition(t, "drv-1", domain.StatusDriving, 22.5)
	resolvedExceeded := false
	for _, v := range after.ResolvedViolations {
		if v.Type == domain.ViolationHoursExceeded {
			resolvedExceeded = true
		}
	}
	if !resolvedExceeded {
		t.Fatalf("resolved = %+v, want hours_exceeded cleared after reset", after.ResolvedViolations)
	}
	rules := env.Engine.Config.Rules
	if after.State.RemainingDriveHours != rules.DriveLimitHours {
		t.Fatalf("drive remaining = %v, want restored to %v", after.State.RemainingDriveHours, rules.DriveLimitHours)
	}
}

func TestExportLogsSummaryRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.transition(t, "drv-1", domain.StatusOffDuty, 0)
	env.transition(t, "drv-1", domain.StatusDriving, 7)
	env.transition(t, "drv-1", domain.StatusOnDutyNotDriving, 9.5)
	env.transition(t, "drv-1", domain.StatusOffDuty, 10)

	out, err := env.Engine.ExportLogs(env.Ctx, "drv-1", at(0), at(10), "tester")
	if err != nil {
		t.Fatal(err)
	}
	s := out.Summary
	if s.TotalOffDutyHours != 7 || s.TotalDrivingHours != 2.5 || s.TotalOnDutyHours != 0.5 {
		t.Fatalf("summary = %+v", s)
	}
	// the summary must equal the sum of the exported rows exactly
	var check domain.LogSummary
	for _, iv := range out.Intervals {
		if iv.DurationHours == nil {
			t.Fatalf("exported interval %s missing duration", iv.ID)
		}
		switch iv.Status {
		case domain.StatusDriving:
			check.TotalDrivingHours += *iv.DurationHours
		case domain.StatusOnDutyNotDriving:
			check.TotalOnDutyHours += *iv.DurationHours
		case domain.StatusOffDuty:
			check.TotalOffDutyHours += *iv.DurationHours
		case domain.StatusSleeperBerth:
			check.TotalSleeperHours += *iv.DurationHours
		}
	}
	if check.TotalDrivingHours != s.TotalDrivingHours ||
		check.TotalOnDutyHours != s.TotalOnDutyHours ||
		check.TotalOffDutyHours != s.TotalOffDutyHours ||
		check.TotalSleeperHours != s.TotalSleeperHours {
		t.Fatalf("round trip mismatch: %+v vs %+v", check, s)
	}
}

// Regulatory exports accept bounds in any zone; an offset timestamp selects
// the same instants as its UTC form and drops nothing.
func TestExportLogsAcceptsOffsetBounds(t *testing.T) {
	env := newTestEnv(t)
	env.transition(t, "drv-1", domain.StatusOffDuty, 0)
	env.transition(t, "drv-1", domain.StatusDriving, 2)
	env.transition(t, "drv-1", domain.StatusOffDuty, 4)

	// the window [t0, t0+3h] expressed in a -02:00 zone
	zone := time.FixedZone("", -2*3600)
	from := t0.In(zone).Format(time.RFC3339)
	to := t0.Add(3 * time.Hour).In(zone).Format(time.RFC3339)
	out, err := env.Engine.ExportLogs(env.Ctx, "drv-1", from, to, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Intervals) != 2 {
		t.Fatalf("got %d intervals, want 2", len(out.Intervals))
	}
	if out.Summary.TotalDrivingHours != 1 || out.Summary.TotalOffDutyHours != 2 {
		t.Fatalf("summary = %+v, want 1h driving and 2h off duty", out.Summary)
	}
}

func TestComplianceStatus(t *testing.T) {
	env := newTestEnv(t)
	env.transition(t, "drv-1", domain.StatusOffDuty, -10)
	env.transition(t, "drv-1", domain.StatusDriving, 0)

	c, _, err := env.Engine.ComplianceStatus(env.Ctx, "drv-1", t0.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !c.Compliant {
		t.Fatalf("compliant = false after 2h driving: %+v", c)
	}

	if _, err := env.Engine.CheckViolations(env.Ctx, "fleet-1", "drv-1", t0.Add(12*time.Hour), "tester"); err != nil {
		t.Fatal(err)
	}
	c, state, err := env.Engine.ComplianceStatus(env.Ctx, "drv-1", t0.Add(12*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if c.Compliant {
		t.Fatalf("compliant = true with drive budget exhausted: %+v / %+v", c, state)
	}
	if len(c.Issues) == 0 {
		t.Fatal("want issues listed")
	}
}

// A sliver of raw budget that rounds to 0.00 for display still counts as
// compliant; the verdict compares raw values.
func TestComplianceComparesRawBudgets(t *testing.T) {
	env := newTestEnv(t)
	env.transition(t, "drv-1", domain.StatusDriving, 0)

	asOf := t0.Add(11*time.Hour - 14*time.Second)
	c, state, err := env.Engine.ComplianceStatus(env.Ctx, "drv-1", asOf)
	if err != nil {
		t.Fatal(err)
	}
	if state.RemainingDriveHours != 0 {
		t.Fatalf("displayed remaining = %v, want 0.00", state.RemainingDriveHours)
	}
	if !c.Compliant {
		t.Fatalf("compliant = false with raw drive budget left: %+v", c)
	}
	for _, issue := range c.Issues {
		if issue == "no driving hours remaining" {
			t.Fatal("raw budget is not exhausted yet")
		}
	}
}

func TestCorrectionIsAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	env.transition(t, "drv-1", domain.StatusOffDuty, 0)
	env.transition(t, "drv-1", domain.StatusDriving, 5)
	intervals, err := env.Engine.Repo.ListIntervals(env.Ctx, repo.IntervalFilters{DriverID: "drv-1"})
	if err != nil {
		t.Fatal(err)
	}
	orig := intervals[0]

	corrected, err := env.Engine.CorrectInterval(env.Ctx, engine.CorrectionOptions{
		IntervalID: orig.ID,
		Status:     domain.StatusSleeperBerth,
		Notes:      "logged wrong status",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if corrected.CorrectsID == nil || *corrected.CorrectsID != orig.ID {
		t.Fatalf("corrects_id = %v, want %s", corrected.CorrectsID, orig.ID)
	}

	// the original row survives untouched
	kept, err := env.Engine.Repo.GetInterval(env.Ctx, orig.ID)
	if err != nil {
		t.Fatal(err)
	}
	if kept.Status != domain.StatusOffDuty {
		t.Fatalf("original mutated: %+v", kept)
	}

	// reads see the corrected view
	view, err := env.Engine.Repo.ListIntervals(env.Ctx, repo.IntervalFilters{DriverID: "drv-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(view) != 2 {
		t.Fatalf("got %d intervals, want 2", len(view))
	}
	if view[0].Status != domain.StatusSleeperBerth {
		t.Fatalf("corrected view status = %s", view[0].Status)
	}
}

// A correction may only move within its own slot: bounds crossing into a
// neighboring interval would break the timeline's total order and
// double-count hours.
func TestCorrectionCannotOverlapNeighbors(t *testing.T) {
	env := newTestEnv(t)
	env.transition(t, "drv-1", domain.StatusOffDuty, 0)
	env.transition(t, "drv-1", domain.StatusDriving, 2)
	env.transition(t, "drv-1", domain.StatusOffDuty, 4)
	view, err := env.Engine.Repo.ListIntervals(env.Ctx, repo.IntervalFilters{DriverID: "drv-1"})
	if err != nil {
		t.Fatal(err)
	}
	driving := view[1]

	_, err = env.Engine.CorrectInterval(env.Ctx, engine.CorrectionOptions{
		IntervalID: driving.ID,
		StartTime:  at(1),
		ActorID:    "tester",
	})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition for overlapping start", err)
	}

	// shrinking stays inside the slot and is accepted
	corrected, err := env.Engine.CorrectInterval(env.Ctx, engine.CorrectionOptions{
		IntervalID: driving.ID,
		StartTime:  at(2.5),
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if corrected.StartTime != at(2.5) {
		t.Fatalf("corrected start = %s, want %s", corrected.StartTime, at(2.5))
	}
	state, err := env.Engine.HOSState(env.Ctx, "drv-1", t0.Add(4*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	rules := env.Engine.Config.Rules
	if state.RemainingDriveHours != rules.DriveLimitHours-1.5 {
		t.Fatalf("drive remaining = %v, want %v", state.RemainingDriveHours, rules.DriveLimitHours-1.5)
	}
}

func TestCorrectOpenIntervalRejected(t *testing.T) {
	env := newTestEnv(t)
	res := env.transition(t, "drv-1", domain.StatusDriving, 0)
	_, err := env.Engine.CorrectInterval(env.Ctx, engine.CorrectionOptions{
		IntervalID: res.Interval.ID,
		Status:     domain.StatusOffDuty,
		ActorID:    "tester",
	})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestManualResolveViolation(t *testing.T) {
	env := newTestEnv(t)
	env.transition(t, "drv-1", domain.StatusDriving, 0)
	res, err := env.Engine.CheckViolations(env.Ctx, "fleet-1", "drv-1", t0.Add(9*time.Hour), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.NewViolations) == 0 {
		t.Fatal("expected a violation to resolve")
	}
	v, err := env.Engine.ResolveViolation(env.Ctx, res.NewViolations[0].ID, "dispatcher")
	if err != nil {
		t.Fatal(err)
	}
	if v.ResolvedAt == nil {
		t.Fatal("violation not resolved")
	}
	// resolving twice is a no-op
	if _, err := env.Engine.ResolveViolation(env.Ctx, v.ID, "dispatcher"); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
}

func TestViolationListWindow(t *testing.T) {
	env := newTestEnv(t)
	env.transition(t, "drv-1", domain.StatusDriving, 0)
	if _, err := env.Engine.CheckViolations(env.Ctx, "fleet-1", "drv-1", t0.Add(9*time.Hour), "tester"); err != nil {
		t.Fatal(err)
	}
	hits, err := env.Engine.Repo.ListViolations(env.Ctx, repo.ViolationFilters{DriverID: "drv-1", From: at(8), To: at(10)})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d violations in window, want 1", len(hits))
	}
	none, err := env.Engine.Repo.ListViolations(env.Ctx, repo.ViolationFilters{DriverID: "drv-1", To: at(5)})
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("got %d violations before the window, want 0", len(none))
	}
}

// Scenario: concurrent transitions for one driver serialize; the log never
// ends up with two open intervals.
func TestConcurrentTransitionsSerialize(t *testing.T) {
	env := newTestEnv(t)
	env.transition(t, "drv-1", domain.StatusOffDuty, 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	statuses := []string{domain.StatusDriving, domain.StatusOnDutyNotDriving}
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.ChangeDutyStatus(env.Ctx, engine.TransitionOptions{
				FleetID: "fleet-1", DriverID: "drv-1", NewStatus: statuses[i], Timestamp: at(1), ActorID: "tester",
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil && !errors.Is(err, engine.ErrClockSkew) && !errors.Is(err, engine.ErrInvalidTransition) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	intervals, err := env.Engine.Repo.ListIntervals(env.Ctx, repo.IntervalFilters{DriverID: "drv-1"})
	if err != nil {
		t.Fatal(err)
	}
	open := 0
	for _, iv := range intervals {
		if iv.EndTime == nil {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("got %d open intervals, want exactly 1", open)
	}
}

func TestTransitionsForDifferentDriversAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	var wg sync.WaitGroup
	drivers := []string{"drv-a", "drv-b", "drv-c"}
	errs := make([]error, len(drivers))
	for i, d := range drivers {
		wg.Add(1)
		go func(i int, d string) {
			defer wg.Done()
			_, errs[i] = env.Engine.ChangeDutyStatus(env.Ctx, engine.TransitionOptions{
				FleetID: "fleet-1", DriverID: d, NewStatus: domain.StatusDriving, Timestamp: at(0), ActorID: "tester",
			})
		}(i, d)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("driver %s: %v", drivers[i], err)
		}
	}
}
