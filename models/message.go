package models

import (
	"time"

	"chatrelay/docstore"
)

// PeerMessageSchemaName names the peer-message schema.
const PeerMessageSchemaName = "peer_message"

// now is the clock used for defaulted timestamps.
var now = time.Now

// PeerMessage is a chat message relayed from one client to the others.
type PeerMessage struct {
	ID            string            `json:"id"`
	SenderName    string            `json:"sender_name"`
	SentAt        time.Time         `json:"sent_at"`
	ReceivedAt    time.Time         `json:"received_at"`
	Body          string            `json:"body"`
	SenderAddress Address           `json:"sender_address"`
	Recipients    []RecipientStatus `json:"recipients"`
}

// DocumentID implements docstore.Document.
func (m *PeerMessage) DocumentID() string {
	return m.ID
}

// Clone implements docstore.Document.
func (m *PeerMessage) Clone() docstore.Document {
	out := *m
	out.Recipients = cloneRecipients(m.Recipients)
	return &out
}

// RecipientStatuses implements Addressed.
func (m *PeerMessage) RecipientStatuses() []RecipientStatus {
	return m.Recipients
}

// Recipient returns the status for recipientKey.
func (m *PeerMessage) Recipient(recipientKey string) (RecipientStatus, bool) {
	return findRecipient(m.Recipients, recipientKey)
}

func findRecipient(list []RecipientStatus, key string) (RecipientStatus, bool) {
	for _, r := range list {
		if r.RecipientKey == key {
			return r, true
		}
	}
	return RecipientStatus{}, false
}

// PeerMessageSchema is the descriptor table for peer messages. Only the
// recipients list may change after creation.
var PeerMessageSchema = func() *docstore.Schema {
	s := docstore.NewSchema(PeerMessageSchemaName, func() any { return &PeerMessage{} },
		docstore.Field{
			Name:     "id",
			Type:     docstore.TypeString,
			Optional: true,
			Get:      func(rec any) any { return rec.(*PeerMessage).ID },
			Set:      func(rec any, v any) { rec.(*PeerMessage).ID = v.(string) },
		},
		docstore.Field{
			Name: "sender_name",
			Type: docstore.TypeString,
			Get:  func(rec any) any { return rec.(*PeerMessage).SenderName },
			Set:  func(rec any, v any) { rec.(*PeerMessage).SenderName = v.(string) },
		},
		docstore.Field{
			Name: "sent_at",
			Type: docstore.TypeTime,
			Get:  func(rec any) any { return rec.(*PeerMessage).SentAt },
			Set:  func(rec any, v any) { rec.(*PeerMessage).SentAt = v.(time.Time) },
		},
		docstore.Field{
			Name:    "received_at",
			Type:    docstore.TypeTime,
			Default: func() any { return now() },
			Get:     func(rec any) any { return rec.(*PeerMessage).ReceivedAt },
			Set:     func(rec any, v any) { rec.(*PeerMessage).ReceivedAt = v.(time.Time) },
		},
		docstore.Field{
			Name: "body",
			Type: docstore.TypeString,
			Get:  func(rec any) any { return rec.(*PeerMessage).Body },
			Set:  func(rec any, v any) { rec.(*PeerMessage).Body = v.(string) },
		},
		addressField("sender_address", func(rec any) *Address { return &rec.(*PeerMessage).SenderAddress }),
		recipientsField(func(rec any) *[]RecipientStatus { return &rec.(*PeerMessage).Recipients }),
	)
	s.IDField = "id"
	s.DeriveID = func(rec any) (string, error) {
		m := rec.(*PeerMessage)
		return docstore.DeriveID(m.SentAt, m.SenderAddress.Host, m.SenderAddress.Port)
	}
	s.Check = func(rec any) error {
		m := rec.(*PeerMessage)
		if m.SenderName == "" {
			return &docstore.ValidationError{Schema: PeerMessageSchemaName, Field: "sender_name", Reason: "must not be empty"}
		}
		if err := AddressSchema.Check(&m.SenderAddress); err != nil {
			return prefixField(PeerMessageSchemaName, "sender_address", err)
		}
		return checkRecipients(PeerMessageSchemaName, m.Recipients)
	}
	return s
}()

func prefixField(schema, field string, err error) error {
	verr, ok := err.(*docstore.ValidationError)
	if !ok {
		return err
	}
	out := *verr
	out.Schema = schema
	out.Field = field + "." + verr.Field
	return &out
}

func checkRecipients(schema string, list []RecipientStatus) error {
	seen := make(map[string]struct{}, len(list))
	for _, r := range list {
		if r.RecipientKey == "" {
			return &docstore.ValidationError{Schema: schema, Field: "recipients.recipient_key", Reason: "must not be empty"}
		}
		if _, dup := seen[r.RecipientKey]; dup {
			return &docstore.ValidationError{Schema: schema, Field: "recipients.recipient_key", ActualValue: r.RecipientKey, Reason: "duplicate recipient"}
		}
		seen[r.RecipientKey] = struct{}{}
		if r.State() == DeliveryInvalid {
			return &docstore.ValidationError{Schema: schema, Field: "recipients.received_at", ActualValue: r.RecipientKey, Reason: "received before sent"}
		}
	}
	return nil
}

// NewValidator returns a validator that knows every document schema.
func NewValidator() *docstore.SchemaValidator {
	return docstore.NewSchemaValidator(PeerMessageSchema, ServerNoticeSchema)
}

// NewPeerMessageStore creates a store of peer messages.
func NewPeerMessageStore(opts ...docstore.Option) *docstore.Store {
	return docstore.New("messages", PeerMessageSchema, NewValidator(), opts...)
}

// NewServerNoticeStore creates a store of server notices.
func NewServerNoticeStore(opts ...docstore.Option) *docstore.Store {
	return docstore.New("notices", ServerNoticeSchema, NewValidator(), opts...)
}
