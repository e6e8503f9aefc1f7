package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/skillscreen/proctoring-service/internal/models"
)

func TestPenaltyTable(t *testing.T) {
	cases := []struct {
		vtype   models.ViolationType
		penalty int
		strike  bool
	}{
		{models.ViolationMultipleFaces, 15, true},
		{models.ViolationPhoneDetected, 20, true},
		{models.ViolationTabSwitch, 10, true},
		{models.ViolationCopyPaste, 15, true},
		{models.ViolationScreenshotAttempt, 10, true},
		{models.ViolationLookingAway, 5, false},
		{models.ViolationRightClick, 5, false},
		{models.ViolationMouseLeave, 5, false},
	}

	for _, c := range cases {
		p, err := Penalty(c.vtype)
		if err != nil {
			t.Fatalf("Penalty(%s) returned error: %v", c.vtype, err)
		}
		if p != c.penalty {
			t.Errorf("Penalty(%s) = %d, want %d", c.vtype, p, c.penalty)
		}
		if IsStrikeWorthy(c.vtype) != c.strike {
			t.Errorf("IsStrikeWorthy(%s) = %v, want %v", c.vtype, !c.strike, c.strike)
		}
	}
}

func TestApply_UnknownTypeRejected(t *testing.T) {
	s := NewState()
	next, _, err := Apply(s, models.ViolationType("keyboard_unplugged"))
	if err == nil {
		t.Fatal("expected error for unknown violation type")
	}
	if next != s {
		t.Errorf("state changed on rejected violation: %+v", next)
	}
}

func TestApply_SingleStrike(t *testing.T) {
	// Fresh session, one phone_detected: score 80, one strike, no
	// auto-submit.
	s, eff, err := Apply(NewState(), models.ViolationPhoneDetected)
	if err != nil {
		t.Fatal(err)
	}
	if s.Score != 80 {
		t.Errorf("score = %d, want 80", s.Score)
	}
	if s.Strikes != 1 {
		t.Errorf("strikes = %d, want 1", s.Strikes)
	}
	if s.AutoSubmitted || eff.AutoSubmit {
		t.Error("auto-submit should not trigger on first strike")
	}
	if !eff.Warn || !eff.Strike {
		t.Errorf("expected warn+strike effect, got %+v", eff)
	}
}

func TestApply_ThreeStrikesAutoSubmitsOnce(t *testing.T) {
	s := NewState()
	seq := []models.ViolationType{
		models.ViolationPhoneDetected,
		models.ViolationMultipleFaces,
		models.ViolationTabSwitch,
	}

	var eff Effect
	var err error
	for i, v := range seq {
		s, eff, err = Apply(s, v)
		if err != nil {
			t.Fatal(err)
		}
		if i < 2 && eff.AutoSubmit {
			t.Fatalf("auto-submit fired on strike %d", i+1)
		}
	}

	if s.Strikes != 3 {
		t.Fatalf("strikes = %d, want 3", s.Strikes)
	}
	if !s.AutoSubmitted || !eff.AutoSubmit || !eff.Terminal {
		t.Fatalf("third strike should auto-submit, got state=%+v effect=%+v", s, eff)
	}
	if s.Score != 100-20-15-10 {
		t.Errorf("score = %d, want 55", s.Score)
	}

	// A fourth violation of any type still logs and charges points but
	// must not re-fire the auto-submit.
	s, eff, err = Apply(s, models.ViolationCopyPaste)
	if err != nil {
		t.Fatal(err)
	}
	if eff.AutoSubmit {
		t.Error("auto-submit fired twice")
	}
	if !s.AutoSubmitted {
		t.Error("auto-submitted flag must be irreversible")
	}
	if s.Strikes != 3 {
		t.Errorf("strikes exceeded ceiling: %d", s.Strikes)
	}
}

func TestScoreMonotonicityAndFloor(t *testing.T) {
	s := NewState()
	prev := s.Score
	// Enough penalties to drive far past zero.
	for i := 0; i < 50; i++ {
		var err error
		s, _, err = Apply(s, models.ViolationPhoneDetected)
		if err != nil {
			t.Fatal(err)
		}
		if s.Score > prev {
			t.Fatalf("score increased from %d to %d", prev, s.Score)
		}
		if s.Score < 0 {
			t.Fatalf("score went below zero: %d", s.Score)
		}
		prev = s.Score
	}
	if s.Score != 0 {
		t.Errorf("score = %d, want 0 after 50 phone detections", s.Score)
	}
}

func TestReplay_MatchesSequentialApply(t *testing.T) {
	seq := []models.ViolationType{
		models.ViolationRightClick,
		models.ViolationTabSwitch,
		models.ViolationLookingAway,
		models.ViolationCopyPaste,
		models.ViolationMouseLeave,
		models.ViolationScreenshotAttempt,
	}

	want := NewState()
	for _, v := range seq {
		want, _, _ = Apply(want, v)
	}

	got := Replay(seq)
	if got != want {
		t.Errorf("Replay = %+v, want %+v", got, want)
	}
}

func TestReplay_SkipsUnknownTypes(t *testing.T) {
	got := Replay([]models.ViolationType{
		models.ViolationTabSwitch,
		models.ViolationType("bogus"),
		models.ViolationRightClick,
	})
	if got.Score != 85 || got.Strikes != 1 {
		t.Errorf("Replay with unknown type = %+v, want score 85 strikes 1", got)
	}
}

func TestEngine_ConcurrentTransitionsAreAtomic(t *testing.T) {
	e := New()
	const n = 40

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := e.Apply(models.ViolationRightClick); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	// 40 * 5 points > 100, so the floor must hold exactly.
	if got := e.State(); got.Score != 0 || got.Strikes != 0 {
		t.Errorf("state after %d concurrent right_clicks = %+v", n, got)
	}
}

func TestEngine_ReconcileIsOneWay(t *testing.T) {
	e := New()
	e.Apply(models.ViolationTabSwitch) // local: 90, 1 strike

	// Server saw more than we did; adopt its worse values.
	s := e.Reconcile(75, 2, false)
	if s.Score != 75 || s.Strikes != 2 {
		t.Errorf("reconcile toward server failed: %+v", s)
	}

	// A stale or optimistic server echo must never improve the mirror.
	s = e.Reconcile(100, 0, false)
	if s.Score != 75 || s.Strikes != 2 {
		t.Errorf("reconcile improved local state: %+v", s)
	}

	s = e.Reconcile(75, 3, true)
	if !s.AutoSubmitted {
		t.Error("auto-submitted not adopted from server")
	}
	s = e.Reconcile(75, 3, false)
	if !s.AutoSubmitted {
		t.Error("auto-submitted must be irreversible")
	}
}

func TestAwayTracker_Debounce(t *testing.T) {
	tr := NewAwayTracker(5 * time.Second)
	start := time.Now()

	// Continuous 12 second absence sampled every 3 seconds must produce
	// exactly two violations, not four.
	var fired int
	var durations []float64
	for _, offset := range []int{0, 3, 6, 9, 12} {
		d, fire := tr.Observe(0, start.Add(time.Duration(offset)*time.Second))
		if fire {
			fired++
			durations = append(durations, d)
		}
	}

	if fired != 2 {
		t.Fatalf("fired %d violations, want 2 (durations %v)", fired, durations)
	}
	for _, d := range durations {
		if d < 5 || d > 7 {
			t.Errorf("reported duration %.1fs outside expected ~6s window", d)
		}
	}
}

func TestAwayTracker_ResetOnFace(t *testing.T) {
	tr := NewAwayTracker(5 * time.Second)
	start := time.Now()

	tr.Observe(0, start)
	tr.Observe(0, start.Add(3*time.Second))
	if !tr.Away() {
		t.Fatal("tracker should consider candidate away")
	}

	// Face returns; the away timer must fully reset.
	tr.Observe(1, start.Add(6*time.Second))
	if tr.Away() {
		t.Fatal("tracker should reset when a face is detected")
	}

	if _, fire := tr.Observe(0, start.Add(9*time.Second)); fire {
		t.Error("violation fired immediately after reset")
	}
}
