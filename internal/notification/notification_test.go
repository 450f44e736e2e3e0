package notification

import (
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ca-x/hostsync/internal/config"
	"github.com/ca-x/hostsync/internal/model"
)

type capturedMail struct {
	addr string
	to   []string
	msg  string
}

func newTestService(enabled bool) (*Service, chan capturedMail) {
	sent := make(chan capturedMail, 4)
	svc := NewService(&config.NotificationConfig{Email: config.EmailConfig{
		Enabled:  enabled,
		SMTPHost: "smtp.example.com",
		SMTPPort: 587,
		From:     "hostsync@example.com",
		To:       "ops@example.com,oncall@example.com",
	}}, zap.NewNop())
	svc.sendMail = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		sent <- capturedMail{addr: addr, to: to, msg: string(msg)}
		return nil
	}
	return svc, sent
}

func TestNotifyMailsOnFailure(t *testing.T) {
	svc, sent := newTestService(true)

	svc.Notify(Event{Type: EventStatus, Job: model.SyncJob{
		ID:         "job-1",
		HostID:     "host-1",
		SourcePath: "/srv/a.bin",
		TargetPath: "/data/a.bin",
		Status:     model.StatusFailed,
		Message:    "transfer stalled",
	}})

	select {
	case m := <-sent:
		assert.Equal(t, "smtp.example.com:587", m.addr)
		assert.Equal(t, []string{"ops@example.com", "oncall@example.com"}, m.to)
		assert.Contains(t, m.msg, "Subject: hostsync: sync job-1 failed")
		assert.Contains(t, m.msg, "transfer stalled")
	case <-time.After(time.Second):
		t.Fatal("expected a failure mail")
	}
}

func TestNotifyIgnoresOtherEvents(t *testing.T) {
	svc, sent := newTestService(true)

	svc.Notify(Event{Type: EventStatus, Job: model.SyncJob{ID: "a", Status: model.StatusCompleted}})
	svc.Notify(Event{Type: EventProgress, Job: model.SyncJob{ID: "a", Status: model.StatusFailed}})

	disabled, disabledSent := newTestService(false)
	disabled.Notify(Event{Type: EventStatus, Job: model.SyncJob{ID: "a", Status: model.StatusFailed}})

	select {
	case <-sent:
		t.Fatal("unexpected mail")
	case <-disabledSent:
		t.Fatal("unexpected mail while disabled")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendHealthCheckReport(t *testing.T) {
	svc, sent := newTestService(true)

	err := svc.SendHealthCheckReport(map[string]error{
		"nas":    nil,
		"backup": errors.New("connection refused"),
	})
	require.NoError(t, err)

	m := <-sent
	assert.Contains(t, m.msg, "(1 failed, 1 passed)")
	assert.Contains(t, m.msg, "- backup: connection refused")
	assert.Contains(t, m.msg, "- nas: OK")
	assert.Less(t, strings.Index(m.msg, "Unreachable"), strings.Index(m.msg, "Reachable hosts"))
}

func TestSendFailurePropagatesError(t *testing.T) {
	svc, _ := newTestService(true)
	svc.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("550 rejected")
	}
	assert.Error(t, svc.SendFailureNotification("s", "m"))
}

func TestHubDeliversPerJob(t *testing.T) {
	hub := NewHub()

	a, cancelA := hub.Subscribe("a")
	b, cancelB := hub.Subscribe("b")
	defer cancelB()

	hub.Notify(Event{Type: EventProgress, Job: model.SyncJob{ID: "a", SyncedSize: 1}})

	select {
	case e := <-a:
		assert.Equal(t, int64(1), e.Job.SyncedSize)
	default:
		t.Fatal("subscriber a should have an event")
	}
	select {
	case <-b:
		t.Fatal("subscriber b should not see job a")
	default:
	}

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers("a"))
	assert.Equal(t, 1, hub.Subscribers("b"))
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("a")
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		hub.Notify(Event{Job: model.SyncJob{ID: "a"}})
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestMultiFansOut(t *testing.T) {
	var mu sync.Mutex
	var got []string
	record := func(name string) Notifier {
		return NotifierFunc(func(e Event) {
			mu.Lock()
			got = append(got, name+":"+e.Job.ID)
			mu.Unlock()
		})
	}

	Multi{record("first"), nil, record("second")}.Notify(Event{Job: model.SyncJob{ID: "x"}})
	assert.Equal(t, []string{"first:x", "second:x"}, got)
}
