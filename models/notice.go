package models

import (
	"time"

	"chatrelay/docstore"
)

// ServerNoticeSchemaName names the server-notice schema.
const ServerNoticeSchemaName = "server_notice"

// NoticeKind enumerates server-originated notices.
type NoticeKind string

const (
	NoticePasscodeCorrect   NoticeKind = "passcode-correct"
	NoticePasscodeIncorrect NoticeKind = "passcode-incorrect"
	NoticeUsernameAccepted  NoticeKind = "username-accepted"
	NoticeUsernameExists    NoticeKind = "username-exists"
	NoticeClientJoined      NoticeKind = "client-joined"
	NoticeClientLeft        NoticeKind = "client-left"
)

// NoticeKinds lists every notice kind.
var NoticeKinds = []NoticeKind{
	NoticePasscodeCorrect,
	NoticePasscodeIncorrect,
	NoticeUsernameAccepted,
	NoticeUsernameExists,
	NoticeClientJoined,
	NoticeClientLeft,
}

func (k NoticeKind) String() string {
	return string(k)
}

// ServerNotice is a message the server itself sends to one or more clients.
type ServerNotice struct {
	ID            string            `json:"id"`
	CreatedAt     time.Time         `json:"created_at"`
	Kind          NoticeKind        `json:"kind"`
	Info          string            `json:"info,omitempty"`
	ServerAddress Address           `json:"server_address"`
	Recipients    []RecipientStatus `json:"recipients"`
}

// DocumentID implements docstore.Document.
func (n *ServerNotice) DocumentID() string {
	return n.ID
}

// Clone implements docstore.Document.
func (n *ServerNotice) Clone() docstore.Document {
	out := *n
	out.Recipients = cloneRecipients(n.Recipients)
	return &out
}

// RecipientStatuses implements Addressed.
func (n *ServerNotice) RecipientStatuses() []RecipientStatus {
	return n.Recipients
}

// Recipient returns the status for recipientKey.
func (n *ServerNotice) Recipient(recipientKey string) (RecipientStatus, bool) {
	return findRecipient(n.Recipients, recipientKey)
}

func noticeKindNames() []string {
	names := make([]string, 0, len(NoticeKinds))
	for _, k := range NoticeKinds {
		names = append(names, string(k))
	}
	return names
}

// ServerNoticeSchema is the descriptor table for server notices.
var ServerNoticeSchema = func() *docstore.Schema {
	s := docstore.NewSchema(ServerNoticeSchemaName, func() any { return &ServerNotice{} },
		docstore.Field{
			Name:     "id",
			Type:     docstore.TypeString,
			Optional: true,
			Get:      func(rec any) any { return rec.(*ServerNotice).ID },
			Set:      func(rec any, v any) { rec.(*ServerNotice).ID = v.(string) },
		},
		docstore.Field{
			Name:    "created_at",
			Type:    docstore.TypeTime,
			Default: func() any { return now() },
			Get:     func(rec any) any { return rec.(*ServerNotice).CreatedAt },
			Set:     func(rec any, v any) { rec.(*ServerNotice).CreatedAt = v.(time.Time) },
		},
		docstore.Field{
			Name: "kind",
			Type: docstore.TypeEnum,
			Enum: noticeKindNames(),
			Get:  func(rec any) any { return string(rec.(*ServerNotice).Kind) },
			Set:  func(rec any, v any) { rec.(*ServerNotice).Kind = NoticeKind(v.(string)) },
		},
		docstore.Field{
			Name:     "info",
			Type:     docstore.TypeString,
			Optional: true,
			Get:      func(rec any) any { return rec.(*ServerNotice).Info },
			Set:      func(rec any, v any) { rec.(*ServerNotice).Info = v.(string) },
		},
		addressField("server_address", func(rec any) *Address { return &rec.(*ServerNotice).ServerAddress }),
		recipientsField(func(rec any) *[]RecipientStatus { return &rec.(*ServerNotice).Recipients }),
	)
	s.IDField = "id"
	s.DeriveID = func(rec any) (string, error) {
		n := rec.(*ServerNotice)
		return docstore.DeriveID(n.CreatedAt, n.ServerAddress.Host, n.ServerAddress.Port)
	}
	s.Check = func(rec any) error {
		n := rec.(*ServerNotice)
		if err := AddressSchema.Check(&n.ServerAddress); err != nil {
			return prefixField(ServerNoticeSchemaName, "server_address", err)
		}
		return checkRecipients(ServerNoticeSchemaName, n.Recipients)
	}
	return s
}()
