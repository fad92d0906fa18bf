package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/docstore"
)

func TestParseVerbs(t *testing.T) {
	now := time.Date(2022, 11, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		text   string
		update []any
		where  []any
		want   Query
	}{
		{
			name: "get all",
			text: "GET ALL",
			want: Get().All(),
		},
		{
			name:  "get where",
			text:  "GET WHERE sender_name=={}, recipients.sent_at!={}",
			where: []any{"john", nil},
			want:  Get().Where(Eq("sender_name", "john"), Ne("recipients.sent_at", nil)),
		},
		{
			name:  "and is a comma",
			text:  "GET WHERE sent_at>={} AND sent_at<{}",
			where: []any{now, now.Add(time.Hour)},
			want:  Get().Where(Ge("sent_at", now), Lt("sent_at", now.Add(time.Hour))),
		},
		{
			name:   "update all",
			text:   "UPDATE ALL recipients.client_connected={}",
			update: []any{false},
			want:   Update(Set("recipients.client_connected", false)).All(),
		},
		{
			name:   "update where",
			text:   "UPDATE recipients.received_at={}, recipients.client_connected={} WHERE id=={}, recipients.recipient_key=={}",
			update: []any{now, true},
			where:  []any{"x", "bob"},
			want: Update(Set("recipients.received_at", now), Set("recipients.client_connected", true)).
				Where(Eq("id", "x"), Eq("recipients.recipient_key", "bob")),
		},
		{
			name: "delete all",
			text: "DELETE ALL",
			want: Delete().All(),
		},
		{
			name:  "delete where",
			text:  "DELETE WHERE sent_at<={}",
			where: []any{now},
			want:  Delete().Where(Le("sent_at", now)),
		},
		{
			name:  "delete in",
			text:  "DELETE IN(recipients) WHERE recipients.recipient_key=={}",
			where: []any{"bob"},
			want:  DeleteIn("recipients").Where(Eq("recipients.recipient_key", "bob")),
		},
		{
			name:  "greater than",
			text:  "GET WHERE sender_address.port>{}",
			where: []any{1024},
			want:  Get().Where(Gt("sender_address.port", 1024)),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.text, tc.update, tc.where)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		update []any
		where  []any
	}{
		{name: "illegal characters", text: "GET WHERE id=='1'", where: []any{}},
		{name: "digits inlined", text: "GET WHERE sender_address.port==5050"},
		{name: "comma without space", text: "GET WHERE a=={},b=={}", where: []any{1, 2}},
		{name: "space before comma", text: "GET WHERE a=={} , b=={}", where: []any{1, 2}},
		{name: "unknown keyword", text: "SELECT ALL"},
		{name: "lowercase verb", text: "get ALL"},
		{name: "too few where values", text: "GET WHERE a=={}, b=={}", where: []any{1}},
		{name: "too many update values", text: "UPDATE ALL a={}", update: []any{1, 2}},
		{name: "update values on get", text: "GET ALL", update: []any{1}},
		{name: "where values on all", text: "DELETE ALL", where: []any{1}},
		{name: "update without where", text: "UPDATE a={}", update: []any{1}},
		{name: "trailing comma", text: "GET WHERE a=={}, ", where: []any{1}},
		{name: "missing operator", text: "GET WHERE a={}", where: []any{1}},
		{name: "empty where", text: "GET WHERE"},
		{name: "delete in without where", text: "DELETE IN(recipients)"},
		{name: "incomplete", text: "GET"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.text, tc.update, tc.where)
			var serr *SyntaxError
			require.ErrorAs(t, err, &serr)
			assert.NotEmpty(t, serr.Reason)
		})
	}
}

func TestParseRejectsOr(t *testing.T) {
	_, err := Parse("GET WHERE a=={} OR b=={}", nil, []any{1, 2})
	assert.ErrorIs(t, err, ErrOrUnsupported)
}

func TestTextRoundTrip(t *testing.T) {
	queries := []Query{
		Get().All(),
		Get().Where(Eq("id", "1"), Ne("recipients.sent_at", nil)),
		Update(Set("recipients.sent_at", time.Unix(0, 0))).Where(Eq("id", "1")),
		Update(Set("recipients.client_connected", false)).All(),
		Delete().Where(Lt("sent_at", time.Unix(10, 0))),
		DeleteIn("recipients").Where(Eq("id", "1")),
	}
	for _, q := range queries {
		text, update, where := q.Text()
		parsed, err := Parse(text, update, where)
		require.NoError(t, err, text)
		assert.Equal(t, q, parsed, text)
	}
}

func TestValidate(t *testing.T) {
	assert.Error(t, Get().Validate(), "no conditions and not ALL")
	assert.Error(t, Get().All().Where(Eq("id", "1")).Validate())
	assert.Error(t, Update().All().Validate())
	assert.Error(t, DeleteIn("recipients").All().Validate())
	assert.Error(t, Query{}.Validate())
	assert.NoError(t, DeleteIn("recipients").Where(docstore.Condition{Path: "id", Value: "1"}).Validate())
}
