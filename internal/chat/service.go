package chat

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Service owns customer, session, and message persistence for the intake
// path. Orchestration of the reply pipeline lives elsewhere.
type Service struct {
	repo       *Repo
	log        *logrus.Logger
	sessionTTL time.Duration
}

func NewService(repo *Repo, log *logrus.Logger, sessionTTL time.Duration) *Service {
	return &Service{repo: repo, log: log, sessionTTL: sessionTTL}
}

func (s *Service) Repo() *Repo {
	return s.repo
}

// ResolveCustomer finds or creates the customer for a phone number and
// refreshes the stored name when the payload carries a better one.
func (s *Service) ResolveCustomer(ctx context.Context, phone, name string) (*Customer, error) {
	c, err := s.repo.GetCustomerByPhone(ctx, phone)
	if err == nil {
		if name != "" && name != "Customer" && c.Name != name {
			if uerr := s.repo.UpdateCustomerName(ctx, c.ID, name); uerr != nil {
				s.log.WithError(uerr).WithField("customer_id", c.ID).Warn("update customer name failed")
			} else {
				c.Name = name
			}
		}
		return c, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	c = &Customer{
		ID:        uuid.NewString(),
		PhoneE164: phone,
		Name:      name,
	}
	if err := s.repo.CreateCustomer(ctx, c); err != nil {
		if isUniqueViolation(err) {
			return s.repo.GetCustomerByPhone(ctx, phone)
		}
		return nil, err
	}
	return c, nil
}

// GetOrCreateSession returns the customer's active session, replacing it
// with a fresh one when the expiry deadline has passed.
func (s *Service) GetOrCreateSession(ctx context.Context, customerID string) (*ChatSession, error) {
	sess, err := s.repo.GetActiveSession(ctx, customerID, ChannelWhatsApp)
	if err == nil {
		if time.Now().UTC().After(sess.ExpiresAt) {
			if cerr := s.repo.CloseSession(ctx, sess.ID); cerr != nil {
				return nil, cerr
			}
			s.log.WithFields(logrus.Fields{
				"session_id":  sess.ID,
				"customer_id": customerID,
			}).Info("session expired, starting a new one")
			return s.createSession(ctx, customerID)
		}
		return sess, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	return s.createSession(ctx, customerID)
}

func (s *Service) createSession(ctx context.Context, customerID string) (*ChatSession, error) {
	now := time.Now().UTC()
	sess := &ChatSession{
		ID:            NewSessionID(),
		CustomerID:    customerID,
		Channel:       ChannelWhatsApp,
		Status:        SessionStatusActive,
		LastMessageAt: now,
		ExpiresAt:     now.Add(s.sessionTTL),
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SessionTTL is the inactivity window after which a session is replaced.
func (s *Service) SessionTTL() time.Duration {
	return s.sessionTTL
}

// InboundMessage carries the extracted fields of one received message.
type InboundMessage struct {
	Type       string
	Body       string
	ExternalID string
	MediaURL   string
	MediaMIME  string
	SentAt     time.Time
	Payload    map[string]any
}

// InsertInbound stores an inbound message. A duplicate external ID is
// treated as already stored and returns the existing row's identity.
func (s *Service) InsertInbound(ctx context.Context, sess *ChatSession, in InboundMessage) (*ChatMessage, bool, error) {
	if in.ExternalID != "" {
		exists, err := s.repo.MessageExistsByExternalID(ctx, in.ExternalID)
		if err != nil {
			return nil, false, err
		}
		if exists {
			return nil, false, nil
		}
	}

	m := &ChatMessage{
		ID:            uuid.NewString(),
		SessionID:     sess.ID,
		CustomerID:    sess.CustomerID,
		Direction:     DirectionInbound,
		MessageType:   in.Type,
		Body:          in.Body,
		MediaURL:      in.MediaURL,
		MediaMIMEType: in.MediaMIME,
		Payload:       sanitizePayload(in.Payload),
		SentAt:        in.SentAt,
	}
	if in.ExternalID != "" {
		externalID := in.ExternalID
		m.ExternalMessageID = &externalID
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		if isUniqueViolation(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return m, true, nil
}

// InsertOutbound stores the assistant's reply.
func (s *Service) InsertOutbound(ctx context.Context, sess *ChatSession, body string, externalID string) (*ChatMessage, error) {
	m := &ChatMessage{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		CustomerID:  sess.CustomerID,
		Direction:   DirectionOutbound,
		MessageType: "text",
		Body:        body,
		SentAt:      time.Now().UTC(),
	}
	if externalID != "" {
		m.ExternalMessageID = &externalID
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewSessionID returns a ULID so session rows order by creation time.
func NewSessionID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// droppedPayloadKeys are platform bookkeeping sections not worth storing
// alongside each message.
var droppedPayloadKeys = []string{"contacts", "context", "metadata", "statuses", "errors", "customer"}

func sanitizePayload(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	trimmed := make(map[string]any, len(payload))
	for k, v := range payload {
		trimmed[k] = v
	}
	for _, k := range droppedPayloadKeys {
		delete(trimmed, k)
	}
	b, err := json.Marshal(trimmed)
	if err != nil {
		return ""
	}
	return string(b)
}
