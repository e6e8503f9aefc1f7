package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skillscreen/proctoring-service/internal/models"
	"github.com/skillscreen/proctoring-service/internal/utils"
)

func testSession() *models.ProctoringSession {
	return &models.ProctoringSession{
		AttemptID:   "attempt-1",
		CandidateID: "cand-1",
		JobID:       "job-1",
	}
}

func TestHubMonitorJoinRequiresMonitoringRole(t *testing.T) {
	hub := NewHub(utils.NewDefaultLogger())

	candidate := models.Identity{UserID: "cand-1", Role: models.RoleCandidate}
	recruiter := models.Identity{UserID: "rec-1", Role: models.RoleRecruiter}

	denied := hub.Join(candidate, MonitorRoom("job-1"))
	granted := hub.Join(recruiter, MonitorRoom("job-1"))

	assert.NotNil(t, denied, "denied join should still return a subscription")
	assert.Equal(t, 1, hub.Subscribers(MonitorRoom("job-1")))

	hub.Publish(MonitorRoom("job-1"), NewEvent(EventViolationOccurred, testSession(), nil))

	select {
	case <-denied.Events():
		t.Fatal("unauthorized subscriber received an event")
	default:
	}

	select {
	case ev := <-granted.Events():
		assert.Equal(t, EventViolationOccurred, ev.Type)
	default:
		t.Fatal("authorized subscriber received nothing")
	}
}

func TestHubAdminMayMonitor(t *testing.T) {
	hub := NewHub(utils.NewDefaultLogger())
	admin := models.Identity{UserID: "adm-1", Role: models.RoleAdmin}

	hub.Join(admin, MonitorRoom("job-1"))
	assert.Equal(t, 1, hub.Subscribers(MonitorRoom("job-1")))
}

func TestHubRoomScoping(t *testing.T) {
	hub := NewHub(utils.NewDefaultLogger())
	recruiter := models.Identity{UserID: "rec-1", Role: models.RoleRecruiter}

	jobA := hub.Join(recruiter, MonitorRoom("job-a"))
	jobB := hub.Join(recruiter, MonitorRoom("job-b"))

	hub.Publish(MonitorRoom("job-a"), NewEvent(EventSessionEnded, testSession(), nil))

	select {
	case <-jobA.Events():
	default:
		t.Fatal("job-a subscriber received nothing")
	}
	select {
	case <-jobB.Events():
		t.Fatal("job-b subscriber received a job-a event")
	default:
	}
}

func TestHubSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(utils.NewDefaultLogger())
	recruiter := models.Identity{UserID: "rec-1", Role: models.RoleRecruiter}
	sub := hub.Join(recruiter, MonitorRoom("job-1"))

	// Nobody drains the channel, so everything past the buffer is dropped.
	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(MonitorRoom("job-1"), NewEvent(EventViolationOccurred, testSession(), nil))
	}

	assert.Equal(t, subscriberBuffer, len(sub.ch))
}

func TestHubLeaveClosesChannel(t *testing.T) {
	hub := NewHub(utils.NewDefaultLogger())
	recruiter := models.Identity{UserID: "rec-1", Role: models.RoleRecruiter}

	sub := hub.Join(recruiter, MonitorRoom("job-1"))
	hub.Leave(sub)

	assert.Equal(t, 0, hub.Subscribers(MonitorRoom("job-1")))
	_, open := <-sub.Events()
	assert.False(t, open, "channel should be closed after Leave")

	// Leaving a never-registered subscription must not panic.
	denied := hub.Join(models.Identity{UserID: "cand-1", Role: models.RoleCandidate}, MonitorRoom("job-1"))
	hub.Leave(denied)
}
