package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"chatrelay/docstore"
	"chatrelay/models"
	"chatrelay/query"
	"chatrelay/storage"
	"chatrelay/wire"
)

// MaxUsernameLength bounds accepted usernames, in runes.
const MaxUsernameLength = 32

var (
	// ErrFrameNotAllowed indicates a frame the client may not send in its
	// current state.
	ErrFrameNotAllowed = errors.New("server: frame not allowed in current state")
	// ErrInvalidUsername indicates a username that cannot be used as a
	// recipient key.
	ErrInvalidUsername = errors.New("server: invalid username")
	// ErrNoSuchDelivery indicates an ack or resend request that matched no
	// outstanding delivery.
	ErrNoSuchDelivery = errors.New("server: no matching delivery")
)

// ValidateUsername rejects names that are empty, too long, contain
// whitespace or could collide with an address key.
func ValidateUsername(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidUsername)
	case len([]rune(name)) > MaxUsernameLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidUsername, MaxUsernameLength)
	case strings.Contains(name, ":"):
		return fmt.Errorf("%w: contains ':'", ErrInvalidUsername)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: contains whitespace", ErrInvalidUsername)
		}
	}
	return nil
}

func (s *Server) handle(ev Event) {
	switch ev.Kind {
	case EventConnected:
		s.onConnect(ev.Client)
	case EventFrame:
		s.onFrame(ev.Client, ev.Frame)
	case EventDisconnected:
		s.onDisconnect(ev.Client, ev.Err)
	}
}

func (s *Server) onConnect(c *Client) {
	s.registry.Register(c)
	s.record(storage.EventAttemptedConnection, c, "", nil)
	s.log.Infow("client connected", "remote", c.Address().String(), "conn", c.ID())
}

func (s *Server) onFrame(c *Client, f wire.Frame) {
	if c.State() == StateDisconnected {
		return
	}
	if !f.Type.FromClient() {
		s.log.Warnw("ignoring server frame type from client", "type", string(f.Type), "client", c.Key())
		return
	}

	var err error
	switch f.Type {
	case wire.TypePasscode:
		err = s.handlePasscode(c, f)
	case wire.TypeUsername:
		err = s.handleUsername(c, f)
	case wire.TypeMessage:
		err = s.handleMessage(c, f)
	case wire.TypeReceived:
		err = s.handleReceived(c, f)
	case wire.TypeMissing:
		err = s.handleMissing(c, f)
	case wire.TypeEverythingOK:
		s.log.Debugw("client reports everything ok", "client", c.Key())
	}
	if err != nil {
		s.log.Warnw("frame rejected", "type", string(f.Type), "client", c.Key(), "error", err)
	}
}

func (s *Server) handlePasscode(c *Client, f wire.Frame) error {
	if state := c.State(); state != StateUnauthenticated {
		return fmt.Errorf("%w: passcode in state %s", ErrFrameNotAllowed, state)
	}

	if err := bcrypt.CompareHashAndPassword(s.cfg.PasscodeHash, f.Payload); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			s.log.Warnw("compare passcode", "client", c.Key(), "error", err)
		}
		return s.notify(models.NoticePasscodeIncorrect, "", c.Key())
	}

	c.setState(StatePasscodeAccepted)
	return s.notify(models.NoticePasscodeCorrect, "", c.Key())
}

func (s *Server) handleUsername(c *Client, f wire.Frame) error {
	if state := c.State(); state != StatePasscodeAccepted {
		return fmt.Errorf("%w: username in state %s", ErrFrameNotAllowed, state)
	}

	addressKey := c.Key()
	username := strings.TrimSpace(string(f.Payload))
	if err := ValidateUsername(username); err != nil {
		if nerr := s.notify(models.NoticeUsernameExists, err.Error(), addressKey); nerr != nil {
			return errors.Join(err, nerr)
		}
		return err
	}
	if err := s.registry.RegisterNamed(username, c); err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return s.notify(models.NoticeUsernameExists, username, addressKey)
		}
		return err
	}

	// Notices not yet acknowledged under the address follow the client to
	// its new key.
	retarget := query.Update(query.Set("recipients.recipient_key", username)).Where(
		query.Eq("recipients.recipient_key", addressKey),
		query.Eq("recipients.received_at", nil),
	)
	if _, err := s.notices.Exec(retarget); err != nil {
		s.log.Warnw("retarget notices", "client", username, "error", err)
	}
	s.setConnected(username, true)

	if err := s.notify(models.NoticeUsernameAccepted, username, username); err != nil {
		return err
	}
	if others := s.others(username); len(others) > 0 {
		if err := s.notify(models.NoticeClientJoined, username, others...); err != nil {
			return err
		}
	}

	s.record(storage.EventNewClient, c, "", nil)
	s.record(storage.EventActiveClients, nil, "", map[string]any{"names": s.registry.Names()})
	s.log.Infow("client named", "client", username, "remote", addressKey)
	return nil
}

func (s *Server) handleMessage(c *Client, f wire.Frame) error {
	if state := c.State(); state != StateNamed {
		return fmt.Errorf("%w: message in state %s", ErrFrameNotAllowed, state)
	}

	sender := c.Username()
	others := s.others(sender)
	if len(others) == 0 {
		s.log.Infow("message has no recipients", "client", sender)
		return nil
	}
	recipients := make([]models.RecipientStatus, 0, len(others))
	for _, key := range others {
		recipients = append(recipients, models.Pending(key))
	}

	doc, err := s.cfg.Messages.Append(docstore.Fields{
		"sender_name":    sender,
		"sent_at":        f.Timestamp,
		"received_at":    s.cfg.Now(),
		"body":           string(f.Payload),
		"sender_address": c.Address(),
		"recipients":     recipients,
	})
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}

	s.record(storage.EventMessageReceived, c, doc.DocumentID(), map[string]any{"recipients": len(recipients)})
	s.wake()
	return nil
}

func (s *Server) handleReceived(c *Client, f wire.Frame) error {
	id := strings.TrimSpace(string(f.Payload))
	ack := query.Update(query.Set("recipients.received_at", s.cfg.Now())).Where(
		query.Eq("id", id),
		query.Eq("recipients.recipient_key", c.Key()),
		query.Ne("recipients.sent_at", nil),
		query.Eq("recipients.received_at", nil),
	)

	affected, err := s.execBoth(ack)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: ack %q", ErrNoSuchDelivery, id)
	}
	s.record(storage.EventMessageDelivered, c, id, nil)
	return nil
}

func (s *Server) handleMissing(c *Client, f wire.Frame) error {
	id := strings.TrimSpace(string(f.Payload))
	reset := query.Update(query.Set("recipients.sent_at", nil)).Where(
		query.Eq("id", id),
		query.Eq("recipients.recipient_key", c.Key()),
		query.Eq("recipients.received_at", nil),
	)

	affected, err := s.execBoth(reset)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: resend %q", ErrNoSuchDelivery, id)
	}
	s.record(storage.EventMissingMessage, c, id, nil)
	s.wake()
	return nil
}

func (s *Server) onDisconnect(c *Client, cause error) {
	s.forget(c)
	s.registry.Unregister(c)

	details := map[string]any{}
	if cause != nil {
		details["error"] = cause.Error()
	}
	s.record(storage.EventClientDisconnected, c, "", details)
	s.log.Infow("client disconnected", "client", c.Key(), "conn", c.ID(), "error", cause)

	username := c.Username()
	if username == "" {
		// Nobody can ever acknowledge notices sent to a dead address.
		if n, err := s.dropAddressNotices(c.Key()); err != nil {
			s.log.Warnw("drop notices", "remote", c.Key(), "error", err)
		} else if n > 0 {
			s.log.Debugw("dropped notices", "remote", c.Key(), "documents", n)
		}
		return
	}
	// Anything sent but never acknowledged goes back to pending so the next
	// connection under this name receives it again.
	s.setConnected(username, false)

	if others := s.others(username); len(others) > 0 {
		if err := s.notify(models.NoticeClientLeft, username, others...); err != nil {
			s.log.Warnw("notify client left", "client", username, "error", err)
		}
	}
	s.record(storage.EventActiveClients, nil, "", map[string]any{"names": s.registry.Names()})
}

// setConnected flags every undelivered entry for key. Going offline also
// returns in-flight entries to pending.
func (s *Server) setConnected(key string, connected bool) {
	assignments := []query.Assignment{query.Set("recipients.client_connected", connected)}
	if !connected {
		assignments = append(assignments, query.Set("recipients.sent_at", nil))
	}
	q := query.Update(assignments...).Where(
		query.Eq("recipients.recipient_key", key),
		query.Eq("recipients.received_at", nil),
	)
	if _, err := s.execBoth(q); err != nil {
		s.log.Warnw("update connection flag", "client", key, "connected", connected, "error", err)
	}
}

// dropAddressNotices removes key from every notice and deletes the notices
// left without recipients. It returns the number of deleted notices.
func (s *Server) dropAddressNotices(key string) (int, error) {
	removed := 0
	err := s.cfg.Notices.Atomically(func(tx *docstore.Tx) error {
		byKey := query.Eq("recipients.recipient_key", key)
		res, err := query.ExecTx(tx, query.Get().Where(byKey))
		if err != nil {
			return err
		}
		if len(res.Documents) == 0 {
			return nil
		}
		if _, err := query.ExecTx(tx, query.DeleteIn("recipients").Where(byKey)); err != nil {
			return err
		}

		for _, doc := range res.Documents {
			id := query.Eq("id", doc.DocumentID())
			left, err := query.ExecTx(tx, query.Get().Where(id))
			if err != nil {
				return err
			}
			if len(left.Documents) != 1 || len(left.Documents[0].(models.Addressed).RecipientStatuses()) > 0 {
				continue
			}
			del, err := query.ExecTx(tx, query.Delete().Where(id))
			if err != nil {
				return err
			}
			removed += del.Affected
		}
		return nil
	})
	return removed, err
}

func (s *Server) execBoth(q query.Query) (int, error) {
	affected := 0
	for _, engine := range []*query.Engine{s.messages, s.notices} {
		res, err := engine.Exec(q)
		if err != nil {
			return affected, fmt.Errorf("%s: %w", engine.Store().Name(), err)
		}
		affected += res.Affected
	}
	return affected, nil
}

// others returns every named client except name.
func (s *Server) others(name string) []string {
	names := s.registry.Names()
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

func (s *Server) notify(kind models.NoticeKind, info string, keys ...string) error {
	recipients := make([]models.RecipientStatus, 0, len(keys))
	for _, key := range keys {
		recipients = append(recipients, models.Pending(key))
	}
	fields := docstore.Fields{
		"created_at":     s.clock.Next(),
		"kind":           kind,
		"server_address": s.address,
		"recipients":     recipients,
	}
	if info != "" {
		fields["info"] = info
	}
	if _, err := s.cfg.Notices.Append(fields); err != nil {
		return fmt.Errorf("store %s notice: %w", kind, err)
	}
	s.wake()
	return nil
}

func (s *Server) record(typ storage.EventType, c *Client, messageID string, details map[string]any) {
	if s.cfg.Journal == nil {
		return
	}
	event := storage.Event{Type: typ, MessageID: storage.Str(messageID)}
	if c != nil {
		event.RemoteAddr = storage.Str(c.Address().String())
		event.ClientName = storage.Str(c.Username())
	}
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			s.log.Warnw("encode journal details", "type", string(typ), "error", err)
		} else {
			event.Details = string(raw)
		}
	}
	if err := s.cfg.Journal.LogEvent(event); err != nil {
		s.log.Warnw("journal event", "type", string(typ), "error", err)
	}
}

// noticeClock hands out strictly increasing microsecond timestamps so
// notices created in the same instant still get distinct ids.
type noticeClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func newNoticeClock(now func() time.Time) *noticeClock {
	return &noticeClock{now: now}
}

func (c *noticeClock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
