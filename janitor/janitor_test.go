package janitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/docstore"
	"chatrelay/models"
)

var base = time.Date(2022, 11, 1, 10, 0, 0, 0, time.UTC)

type fakePruner struct {
	calls []time.Time
	err   error
}

func (p *fakePruner) PruneExpired(now time.Time) (int64, error) {
	p.calls = append(p.calls, now)
	return 3, p.err
}

func appendNotice(t *testing.T, store *docstore.Store, at time.Time, recipients ...models.RecipientStatus) string {
	t.Helper()
	doc, err := store.Append(docstore.Fields{
		"created_at":     at,
		"kind":           models.NoticeClientJoined,
		"info":           "john",
		"server_address": models.Address{Host: "127.0.0.1", Port: 5050},
		"recipients":     recipients,
	})
	require.NoError(t, err)
	return doc.DocumentID()
}

func acked(key string, at time.Time) models.RecipientStatus {
	sent, received := at, at.Add(time.Second)
	return models.RecipientStatus{RecipientKey: key, ClientConnected: true, SentAt: &sent, ReceivedAt: &received}
}

func TestCompactRemovesOnlyOldFullyDeliveredDocuments(t *testing.T) {
	notices := models.NewServerNoticeStore()
	oldDone := appendNotice(t, notices, base.Add(-48*time.Hour), acked("mike", base), acked("anna", base))
	oldPending := appendNotice(t, notices, base.Add(-47*time.Hour), acked("mike", base), models.Pending("anna"))
	recentDone := appendNotice(t, notices, base.Add(-time.Hour), acked("mike", base))

	pruner := &fakePruner{}
	j, err := New(Config{
		Targets: []Target{{Store: notices, TimeField: "created_at", Retention: 24 * time.Hour}},
		Journal: pruner,
		Now:     func() time.Time { return base },
	})
	require.NoError(t, err)

	report, err := j.Compact()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Documents["notices"])
	assert.EqualValues(t, 3, report.Events)
	assert.Equal(t, []time.Time{base}, pruner.calls)

	var left []string
	for _, doc := range notices.All() {
		left = append(left, doc.DocumentID())
	}
	assert.ElementsMatch(t, []string{oldPending, recentDone}, left)
	assert.NotContains(t, left, oldDone)
}

func TestCompactRemovesDeliveredPeerMessages(t *testing.T) {
	messages := models.NewPeerMessageStore()
	appendMessage := func(at time.Time, recipients ...models.RecipientStatus) string {
		doc, err := messages.Append(docstore.Fields{
			"sender_name":    "john",
			"sent_at":        at,
			"received_at":    at,
			"body":           "hi",
			"sender_address": models.Address{Host: "127.0.0.1", Port: 40001},
			"recipients":     recipients,
		})
		require.NoError(t, err)
		return doc.DocumentID()
	}
	oldDone := appendMessage(base.Add(-48*time.Hour), acked("mike", base))
	oldPending := appendMessage(base.Add(-47*time.Hour), models.Pending("mike"))

	j, err := New(Config{
		Targets: []Target{{Store: messages, TimeField: "received_at", Retention: 24 * time.Hour}},
		Now:     func() time.Time { return base },
	})
	require.NoError(t, err)

	report, err := j.Compact()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Documents[messages.Name()])

	var left []string
	for _, doc := range messages.All() {
		left = append(left, doc.DocumentID())
	}
	assert.Equal(t, []string{oldPending}, left)
	assert.NotContains(t, left, oldDone)
}

func TestCompactReportsJournalErrors(t *testing.T) {
	boom := errors.New("disk full")
	j, err := New(Config{Journal: &fakePruner{err: boom}})
	require.NoError(t, err)

	_, err = j.Compact()
	assert.ErrorIs(t, err, boom)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Schedule: "whenever"})
	assert.Error(t, err)

	_, err = New(Config{Targets: []Target{{Store: models.NewServerNoticeStore(), TimeField: "created_at"}}})
	assert.Error(t, err, "zero retention")
}

func TestStartStop(t *testing.T) {
	j, err := New(Config{Schedule: "@every 1h"})
	require.NoError(t, err)
	j.Start()
	j.Stop()
}
