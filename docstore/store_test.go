package docstore_test

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/docstore"
	"chatrelay/models"
)

var base = time.Date(2022, 11, 1, 10, 0, 0, 0, time.UTC)

func messageFields(sender string, sentAt time.Time, port int, recipients ...string) docstore.Fields {
	list := make([]models.RecipientStatus, 0, len(recipients))
	for _, r := range recipients {
		list = append(list, models.Pending(r))
	}
	return docstore.Fields{
		"sender_name":    sender,
		"sent_at":        sentAt,
		"received_at":    sentAt.Add(time.Second),
		"body":           "hello from " + sender,
		"sender_address": models.Address{Host: "127.0.0.1", Port: port},
		"recipients":     list,
	}
}

func mustAppend(t *testing.T, store *docstore.Store, fields docstore.Fields) *models.PeerMessage {
	t.Helper()
	doc, err := store.Append(fields)
	require.NoError(t, err)
	return doc.(*models.PeerMessage)
}

func TestDeriveIDMatchesExplicitID(t *testing.T) {
	derivedStore := models.NewPeerMessageStore()
	explicitStore := models.NewPeerMessageStore()

	derived := mustAppend(t, derivedStore, messageFields("john", base.Add(294*time.Microsecond), 5050, "mike"))
	assert.Equal(t, "20221101100000000294"+"127000000001"+"05050", derived.ID)
	assert.Len(t, derived.ID, docstore.IDWidth)

	fields := messageFields("john", base.Add(294*time.Microsecond), 5050, "mike")
	fields["id"] = derived.ID
	explicit := mustAppend(t, explicitStore, fields)
	assert.Equal(t, derived.ID, explicit.ID)
}

func TestDeriveIDFormat(t *testing.T) {
	id, err := docstore.DeriveID(time.Date(2022, 11, 1, 22, 20, 10, 294000, time.UTC), "127.0.0.1", 5050)
	require.NoError(t, err)
	assert.Equal(t, "20221101222010000294"+"127000000001"+"05050", id)

	_, err = docstore.DeriveID(base, "::1", 5050)
	assert.ErrorIs(t, err, docstore.ErrInvalidID)
}

func TestAppendRejectsInvalidExplicitID(t *testing.T) {
	store := models.NewPeerMessageStore()
	fields := messageFields("john", base, 5050, "mike")
	fields["id"] = "not-an-id"

	_, err := store.Append(fields)
	assert.ErrorIs(t, err, docstore.ErrInvalidID)
	assert.Equal(t, 0, store.Len())
}

func TestAppendRejectsDuplicateID(t *testing.T) {
	store := models.NewPeerMessageStore()
	mustAppend(t, store, messageFields("john", base, 5050, "mike"))

	_, err := store.Append(messageFields("john", base, 5050, "mike"))
	assert.ErrorIs(t, err, docstore.ErrDuplicateID)
	assert.Equal(t, 1, store.Len())
}

func TestAppendValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(docstore.Fields)
		field  string
	}{
		{
			name:   "missing required field",
			mutate: func(f docstore.Fields) { delete(f, "sender_name") },
			field:  "sender_name",
		},
		{
			name:   "extra field",
			mutate: func(f docstore.Fields) { f["colour"] = "blue" },
			field:  "colour",
		},
		{
			name:   "wrong type",
			mutate: func(f docstore.Fields) { f["sent_at"] = "yesterday" },
			field:  "sent_at",
		},
		{
			name:   "non ipv4 sender",
			mutate: func(f docstore.Fields) { f["sender_address"] = docstore.Fields{"host": "example.com", "port": 1} },
			field:  "sender_address.host",
		},
		{
			name: "received before sent",
			mutate: func(f docstore.Fields) {
				f["recipients"] = []docstore.Fields{{"recipient_key": "mike", "received_at": base}}
			},
			field: "recipients.received_at",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := models.NewPeerMessageStore()
			fields := messageFields("john", base, 5050, "mike")
			tc.mutate(fields)

			_, err := store.Append(fields)
			var verr *docstore.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
			assert.Equal(t, 0, store.Len())
		})
	}
}

func TestAppendAcceptsNestedFields(t *testing.T) {
	store := models.NewPeerMessageStore()
	doc := mustAppend(t, store, docstore.Fields{
		"sender_name":    "john",
		"sent_at":        base,
		"body":           "hi",
		"sender_address": docstore.Fields{"host": "10.0.0.7", "port": 4000},
		"recipients": []docstore.Fields{
			{"recipient_key": "mike"},
			{"recipient_key": "anna", "client_connected": false},
		},
	})

	assert.Equal(t, models.Address{Host: "10.0.0.7", Port: 4000}, doc.SenderAddress)
	require.Len(t, doc.Recipients, 2)
	assert.True(t, doc.Recipients[0].ClientConnected)
	assert.False(t, doc.Recipients[1].ClientConnected)
	assert.False(t, doc.ReceivedAt.IsZero(), "received_at defaults to now")
}

func TestSortByDateKeepsNonDecreasingStableOrder(t *testing.T) {
	const n = 40
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 5; round++ {
		store := models.NewPeerMessageStore(docstore.WithSortByDate())
		order := rng.Perm(n)
		for seq, i := range order {
			// pairs of messages share a timestamp to exercise stability
			sentAt := base.Add(time.Duration(i/2) * time.Second)
			fields := messageFields("john", sentAt, 1000+seq, "mike")
			fields["body"] = string(rune('a'+seq%26)) + time.Duration(seq).String()
			mustAppend(t, store, fields)
		}

		docs := store.All()
		require.Len(t, docs, n)
		for k := 1; k < n; k++ {
			prev := docs[k-1].(*models.PeerMessage)
			cur := docs[k].(*models.PeerMessage)
			require.False(t, cur.SentAt.Before(prev.SentAt), "round %d: index %d out of order", round, k)
			if cur.SentAt.Equal(prev.SentAt) {
				// equal keys keep append order; the port encodes the append sequence
				require.Less(t, prev.SenderAddress.Port, cur.SenderAddress.Port)
			}
		}
	}
}

func TestFindListConditionsMatchWithinOneElement(t *testing.T) {
	store := models.NewPeerMessageStore()
	m := mustAppend(t, store, messageFields("john", base, 5050, "mike", "anna"))

	sent := base.Add(time.Minute)
	aps, _, err := store.Find(docstore.Condition{Path: "id", Value: m.ID}, docstore.Condition{Path: "recipients.recipient_key", Value: "mike"})
	require.NoError(t, err)
	require.NoError(t, store.Update("recipients.sent_at", sent, aps))

	aps, docs, err := store.Find(
		docstore.Condition{Path: "recipients.recipient_key", Value: "anna"},
		docstore.Condition{Path: "recipients.sent_at", Op: docstore.OpNe, Value: nil},
	)
	require.NoError(t, err)
	assert.Empty(t, aps, "anna has not been sent the message even though mike has")
	assert.Empty(t, docs)

	aps, docs, err = store.Find(docstore.Condition{Path: "recipients.sent_at", Value: nil})
	require.NoError(t, err)
	assert.Equal(t, []docstore.AccessPoint{{Doc: 0, Elem: 1}}, aps)
	require.Len(t, docs, 1)
}

func TestFindRecordMemberAndTopLevelConditions(t *testing.T) {
	store := models.NewPeerMessageStore(docstore.WithSortByDate())
	mustAppend(t, store, messageFields("john", base, 5050, "mike"))
	mustAppend(t, store, messageFields("mike", base.Add(time.Second), 6060, "john"))

	aps, docs, err := store.Find(
		docstore.Condition{Path: "sender_address.port", Op: docstore.OpGe, Value: 6000},
		docstore.Condition{Path: "sent_at", Op: docstore.OpGt, Value: base},
	)
	require.NoError(t, err)
	assert.Equal(t, []docstore.AccessPoint{{Doc: 1, Elem: docstore.NoElem}}, aps)
	require.Len(t, docs, 1)
	assert.Equal(t, "mike", docs[0].(*models.PeerMessage).SenderName)

	aps, _, err = store.Find(docstore.Condition{Path: "sender_address", Value: models.Address{Host: "127.0.0.1", Port: 5050}})
	require.NoError(t, err)
	assert.Equal(t, []docstore.AccessPoint{{Doc: 0, Elem: docstore.NoElem}}, aps)
}

func TestFindErrors(t *testing.T) {
	store := models.NewPeerMessageStore()
	mustAppend(t, store, messageFields("john", base, 5050, "mike"))

	_, _, err := store.Find(docstore.Condition{Path: "recipients.sent_at.year", Value: 1})
	assert.ErrorIs(t, err, docstore.ErrPathTooDeep)

	_, _, err = store.Find(docstore.Condition{Path: "nickname", Value: "x"})
	var ferr *docstore.FieldResolutionError
	assert.ErrorAs(t, err, &ferr)

	_, _, err = store.Find(docstore.Condition{Path: "body.length", Value: 1})
	assert.ErrorAs(t, err, &ferr)

	_, _, err = store.Find(docstore.Condition{Path: "sent_at", Value: "noon"})
	var terr *docstore.TypeMismatchError
	assert.ErrorAs(t, err, &terr)
}

func TestUpdateRefusesNonModifiableAndMistypedValues(t *testing.T) {
	store := models.NewPeerMessageStore()
	m := mustAppend(t, store, messageFields("john", base, 5050, "mike"))
	aps, _, err := store.Find(docstore.Condition{Path: "id", Value: m.ID})
	require.NoError(t, err)

	var ferr *docstore.FieldResolutionError
	assert.ErrorAs(t, store.Update("body", "edited", aps), &ferr)
	assert.ErrorAs(t, store.Update("id", m.ID, aps), &ferr)
	assert.ErrorAs(t, store.Update("sender_address.port", 1, aps), &ferr)

	var terr *docstore.TypeMismatchError
	assert.ErrorAs(t, store.Update("recipients.sent_at", "soon", aps), &terr)
	assert.ErrorAs(t, store.Update("recipients.client_connected", nil, aps), &terr)

	docs := store.All()
	assert.Equal(t, "hello from john", docs[0].(*models.PeerMessage).Body)
}

func TestUpdateWithoutElementIndexTouchesEveryElement(t *testing.T) {
	store := models.NewPeerMessageStore()
	m := mustAppend(t, store, messageFields("john", base, 5050, "mike", "anna"))
	aps, _, err := store.Find(docstore.Condition{Path: "id", Value: m.ID})
	require.NoError(t, err)

	require.NoError(t, store.Update("recipients.client_connected", false, aps))

	got := store.All()[0].(*models.PeerMessage)
	for _, r := range got.Recipients {
		assert.False(t, r.ClientConnected, r.RecipientKey)
	}
}

func TestReturnedDocumentsAreSnapshots(t *testing.T) {
	store := models.NewPeerMessageStore()
	m := mustAppend(t, store, messageFields("john", base, 5050, "mike"))

	sent := base.Add(time.Hour)
	m.Recipients[0].SentAt = &sent

	_, docs, err := store.Find(docstore.Condition{Path: "recipients.sent_at", Value: nil})
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestDeleteDocumentsAndDeleteInList(t *testing.T) {
	store := models.NewPeerMessageStore(docstore.WithSortByDate())
	mustAppend(t, store, messageFields("john", base, 5050, "mike", "anna"))
	second := mustAppend(t, store, messageFields("mike", base.Add(time.Second), 6060, "john", "anna"))

	aps, _, err := store.Find(docstore.Condition{Path: "recipients.recipient_key", Value: "anna"})
	require.NoError(t, err)
	removed, err := store.DeleteInList(aps, "recipients", true)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	for _, doc := range store.All() {
		m := doc.(*models.PeerMessage)
		require.Len(t, m.Recipients, 1)
		assert.NotEqual(t, "anna", m.Recipients[0].RecipientKey)
	}

	aps, _, err = store.Find(docstore.Condition{Path: "id", Value: second.ID})
	require.NoError(t, err)
	removed, err = store.DeleteInList(aps, "recipients", false)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Empty(t, store.All()[1].(*models.PeerMessage).Recipients)

	_, err = store.DeleteInList(aps, "body", false)
	var ferr *docstore.FieldResolutionError
	assert.ErrorAs(t, err, &ferr)

	all, _, err := store.Find()
	require.NoError(t, err)
	assert.Equal(t, 2, store.DeleteDocuments(all))
	assert.Equal(t, 0, store.Len())

	// ids are released with their documents
	mustAppend(t, store, messageFields("mike", base.Add(time.Second), 6060, "john"))
}

func TestUpdateWithStaleAccessPoint(t *testing.T) {
	store := models.NewPeerMessageStore()
	mustAppend(t, store, messageFields("john", base, 5050, "mike"))

	err := store.Update("recipients.client_connected", false, []docstore.AccessPoint{{Doc: 3, Elem: docstore.NoElem}})
	assert.True(t, errors.Is(err, docstore.ErrStaleAccessPoint))
}

func TestConcurrentAppendAndFind(t *testing.T) {
	store := models.NewPeerMessageStore(docstore.WithSortByDate())

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := store.Append(messageFields("john", base.Add(time.Duration(i)*time.Millisecond), 1000+w*100+i, "mike"))
				assert.NoError(t, err)
				_, _, err = store.Find(docstore.Condition{Path: "recipients.sent_at", Value: nil})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	docs := store.All()
	require.Len(t, docs, 100)
	for k := 1; k < len(docs); k++ {
		assert.False(t, docs[k].(*models.PeerMessage).SentAt.Before(docs[k-1].(*models.PeerMessage).SentAt))
	}
}
