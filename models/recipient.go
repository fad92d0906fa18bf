package models

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"chatrelay/docstore"
)

// DeliveryState is derived from the two RecipientStatus timestamps.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryInFlight  DeliveryState = "in_flight"
	DeliveryDelivered DeliveryState = "delivered"
	// DeliveryInvalid marks a receipt without a send; it must never occur.
	DeliveryInvalid DeliveryState = "invalid"
)

// RecipientStatus tracks one recipient's send and receive timestamps for a
// document.
type RecipientStatus struct {
	RecipientKey    string     `json:"recipient_key"`
	ClientConnected bool       `json:"client_connected"`
	SentAt          *time.Time `json:"sent_at"`
	ReceivedAt      *time.Time `json:"received_at"`
}

// Addressed is a document delivered to a list of recipients.
type Addressed interface {
	docstore.Document
	RecipientStatuses() []RecipientStatus
}

// Pending returns a never-attempted status for a connected recipient.
func Pending(recipientKey string) RecipientStatus {
	return RecipientStatus{RecipientKey: recipientKey, ClientConnected: true}
}

// State returns the delivery state encoded by the timestamps.
func (r RecipientStatus) State() DeliveryState {
	switch {
	case r.SentAt == nil && r.ReceivedAt == nil:
		return DeliveryPending
	case r.SentAt != nil && r.ReceivedAt == nil:
		return DeliveryInFlight
	case r.SentAt != nil && r.ReceivedAt != nil:
		return DeliveryDelivered
	default:
		return DeliveryInvalid
	}
}

// Equal compares two statuses field by field.
func (r RecipientStatus) Equal(o RecipientStatus) bool {
	return r.RecipientKey == o.RecipientKey &&
		r.ClientConnected == o.ClientConnected &&
		timePtrEqual(r.SentAt, o.SentAt) &&
		timePtrEqual(r.ReceivedAt, o.ReceivedAt)
}

func (r RecipientStatus) clone() RecipientStatus {
	out := r
	out.SentAt = cloneTimePtr(r.SentAt)
	out.ReceivedAt = cloneTimePtr(r.ReceivedAt)
	return out
}

func cloneRecipients(in []RecipientStatus) []RecipientStatus {
	out := make([]RecipientStatus, len(in))
	for i, r := range in {
		out[i] = r.clone()
	}
	return out
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Address is an IPv4 host and port pair.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ParseAddress parses "host:port".
func ParseAddress(hostport string) (Address, error) {
	host, portText, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q port: %w", hostport, err)
	}
	return Address{Host: host, Port: port}, nil
}

// AddressOf converts a network address to an Address.
func AddressOf(addr net.Addr) (Address, error) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		host := tcp.IP.String()
		if v4 := tcp.IP.To4(); v4 != nil {
			host = v4.String()
		}
		return Address{Host: host, Port: tcp.Port}, nil
	}
	return ParseAddress(addr.String())
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// AddressSchema describes the embedded address record.
var AddressSchema = func() *docstore.Schema {
	s := docstore.NewSchema("address", func() any { return &Address{} },
		docstore.Field{
			Name: "host",
			Type: docstore.TypeString,
			Get:  func(rec any) any { return rec.(*Address).Host },
			Set:  func(rec any, v any) { rec.(*Address).Host = v.(string) },
		},
		docstore.Field{
			Name: "port",
			Type: docstore.TypeInt,
			Get:  func(rec any) any { return rec.(*Address).Port },
			Set:  func(rec any, v any) { rec.(*Address).Port = v.(int) },
		},
	)
	s.Check = func(rec any) error {
		a := rec.(*Address)
		if ip := net.ParseIP(a.Host); ip == nil || ip.To4() == nil {
			return &docstore.ValidationError{Schema: "address", Field: "host", ExpectedType: "IPv4 address", ActualValue: a.Host}
		}
		if a.Port < 0 || a.Port > 65535 {
			return &docstore.ValidationError{Schema: "address", Field: "port", ExpectedType: "port 0-65535", ActualValue: a.Port}
		}
		return nil
	}
	return s
}()

// RecipientSchema describes one element of a recipients list. Every member
// is modifiable.
var RecipientSchema = docstore.NewSchema("recipient_status", func() any { return &RecipientStatus{} },
	docstore.Field{
		Name:       "recipient_key",
		Type:       docstore.TypeString,
		Modifiable: true,
		Get:        func(rec any) any { return rec.(*RecipientStatus).RecipientKey },
		Set:        func(rec any, v any) { rec.(*RecipientStatus).RecipientKey = v.(string) },
	},
	docstore.Field{
		Name:       "client_connected",
		Type:       docstore.TypeBool,
		Modifiable: true,
		Default:    func() any { return true },
		Get:        func(rec any) any { return rec.(*RecipientStatus).ClientConnected },
		Set:        func(rec any, v any) { rec.(*RecipientStatus).ClientConnected = v.(bool) },
	},
	timePtrField("sent_at", func(rec any) **time.Time { return &rec.(*RecipientStatus).SentAt }),
	timePtrField("received_at", func(rec any) **time.Time { return &rec.(*RecipientStatus).ReceivedAt }),
)

func timePtrField(name string, ptr func(rec any) **time.Time) docstore.Field {
	return docstore.Field{
		Name:       name,
		Type:       docstore.TypeTime,
		Nullable:   true,
		Modifiable: true,
		Get:        func(rec any) any { return *ptr(rec) },
		Set: func(rec any, v any) {
			if v == nil {
				*ptr(rec) = nil
				return
			}
			t := v.(time.Time)
			*ptr(rec) = &t
		},
	}
}

func addressField(name string, ptr func(rec any) *Address) docstore.Field {
	return docstore.Field{
		Name: name,
		Type: docstore.TypeRecord,
		Sub:  AddressSchema,
		Get:  func(rec any) any { return ptr(rec) },
		Set:  func(rec any, v any) { *ptr(rec) = v.(Address) },
		Check: func(v any) (any, bool) {
			switch a := v.(type) {
			case Address:
				return a, true
			case *Address:
				if a == nil {
					return nil, false
				}
				return *a, true
			default:
				return nil, false
			}
		},
		Equal: func(have, want any) bool {
			a, ok := have.(*Address)
			if !ok {
				return false
			}
			return *a == want.(Address)
		},
	}
}

func recipientsField(ptr func(rec any) *[]RecipientStatus) docstore.Field {
	return docstore.Field{
		Name:       "recipients",
		Type:       docstore.TypeList,
		Modifiable: true,
		Sub:        RecipientSchema,
		Default:    func() any { return []RecipientStatus{} },
		Get:        func(rec any) any { return *ptr(rec) },
		Set:        func(rec any, v any) { *ptr(rec) = cloneRecipients(v.([]RecipientStatus)) },
		Len:        func(rec any) int { return len(*ptr(rec)) },
		Elem:       func(rec any, j int) any { return &(*ptr(rec))[j] },
		Append: func(rec any, elem any) {
			*ptr(rec) = append(*ptr(rec), elem.(*RecipientStatus).clone())
		},
		Remove: func(rec any, j int) {
			list := *ptr(rec)
			*ptr(rec) = append(list[:j:j], list[j+1:]...)
		},
		Clear: func(rec any) { *ptr(rec) = []RecipientStatus{} },
		Check: func(v any) (any, bool) {
			list, ok := v.([]RecipientStatus)
			if !ok {
				return nil, false
			}
			return cloneRecipients(list), true
		},
		Equal: func(have, want any) bool {
			a, ok := have.([]RecipientStatus)
			if !ok {
				return false
			}
			b := want.([]RecipientStatus)
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if !a[i].Equal(b[i]) {
					return false
				}
			}
			return true
		},
	}
}
