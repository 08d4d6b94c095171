package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/csheth/kbchat/internal/api"
)

// EventKind classifies session transitions.
type EventKind int

const (
	SignedIn EventKind = iota + 1
	SignedOut
	Expired
)

func (k EventKind) String() string {
	switch k {
	case SignedIn:
		return "signed-in"
	case SignedOut:
		return "signed-out"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Event is published to subscribers on every session transition.
type Event struct {
	Kind    EventKind
	Session Session
}

// Session is the one live authentication context of the process.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	User      *api.User
}

// Valid reports whether the session carries a token.
func (s Session) Valid() bool {
	return s.Token != ""
}

// ExpiredAt reports whether the token's exp claim has passed at now.
// Tokens without an exp claim never expire client side.
func (s Session) ExpiredAt(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Client is the part of api.Client the Manager needs.
type Client interface {
	Login(ctx context.Context, creds api.Credentials) (api.Token, error)
	CurrentUser(ctx context.Context, token string) (api.User, error)
}

// Config wires a Manager.
type Config struct {
	Client Client
	Store  Store
	Logger *zap.Logger
	Now    func() time.Time
}

const subscriberBuffer = 16

// Manager is the only writer of the session. Everything else reads the token
// through Token or Session.
type Manager struct {
	client Client
	store  Store
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	current Session
	subs    map[int]chan Event
	nextSub int
}

// NewManager builds a Manager with no session.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		client: cfg.Client,
		store:  cfg.Store,
		log:    logger.Named("auth"),
		now:    now,
		subs:   make(map[int]chan Event),
	}
}

// Attach installs the expiry handler on d.
func (m *Manager) Attach(d *Dispatcher) {
	d.Install(m.expire)
}

// Token returns the current token, or "" when signed out.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Token
}

// Session returns a copy of the current session.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current.Valid()
}

// Subscribe returns a channel of session events and a cancel func that
// closes it. Events are dropped for subscribers that fall behind.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Login exchanges creds for a token and starts a session.
func (m *Manager) Login(ctx context.Context, creds api.Credentials) (Session, error) {
	token, err := m.client.Login(ctx, creds)
	if err != nil {
		return Session{}, err
	}
	session := newSession(token.AccessToken)
	if user, err := m.client.CurrentUser(ctx, session.Token); err == nil {
		session.User = &user
		if session.UserID == "" {
			session.UserID = user.ID
		}
	} else {
		m.log.Debug("current user lookup failed after login", zap.Error(err))
	}
	m.begin(session)
	return session, nil
}

// Restore resumes a stored session. It reports false when there is nothing
// usable to resume; a rejected or expired token is removed from the store.
// Transport failures are returned and leave the stored token in place.
func (m *Manager) Restore(ctx context.Context) (Session, bool, error) {
	if m.store == nil {
		return Session{}, false, nil
	}
	token, err := m.store.Load()
	if err != nil {
		return Session{}, false, err
	}
	if token == "" {
		return Session{}, false, nil
	}
	session := newSession(token)
	if session.ExpiredAt(m.now()) {
		m.log.Info("stored session expired", zap.Time("expires_at", session.ExpiresAt))
		m.clearStore()
		return Session{}, false, nil
	}
	user, err := m.client.CurrentUser(ctx, token)
	if err != nil {
		var herr *api.HTTPError
		if errors.Is(err, api.ErrUnauthorized) || errors.As(err, &herr) && herr.StatusCode == 403 {
			m.log.Info("stored session rejected")
			m.clearStore()
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("restore session: %w", err)
	}
	session.User = &user
	if session.UserID == "" {
		session.UserID = user.ID
	}
	m.begin(session)
	return session, true, nil
}

// Logout ends the session on user request.
func (m *Manager) Logout() {
	m.mu.Lock()
	old := m.current
	m.current = Session{}
	m.mu.Unlock()

	m.clearStore()
	if old.Valid() {
		m.log.Info("signed out")
	}
	m.publish(Event{Kind: SignedOut})
}

// expire tears the session down once per session. Failures reported for a
// token that is no longer current are ignored, so concurrent 401s for the
// same session produce a single Expired event.
func (m *Manager) expire(token string) {
	m.mu.Lock()
	if !m.current.Valid() || m.current.Token != token {
		m.mu.Unlock()
		return
	}
	m.current = Session{}
	m.mu.Unlock()

	m.log.Warn("session expired")
	m.clearStore()
	m.publish(Event{Kind: Expired})
}

func (m *Manager) begin(session Session) {
	m.mu.Lock()
	m.current = session
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(session.Token); err != nil {
			m.log.Warn("persist session failed", zap.Error(err))
		}
	}
	m.log.Info("signed in", zap.String("user_id", session.UserID))
	m.publish(Event{Kind: SignedIn, Session: session})
}

func (m *Manager) clearStore() {
	if m.store == nil {
		return
	}
	if err := m.store.Clear(); err != nil {
		m.log.Warn("clear stored session failed", zap.Error(err))
	}
}

// publish never blocks. A lagging subscriber loses SignedIn events, but
// teardown events displace the oldest queued event instead.
func (m *Manager) publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	teardown := ev.Kind == SignedOut || ev.Kind == Expired
	for id, ch := range m.subs {
		for delivered := false; !delivered; {
			select {
			case ch <- ev:
				delivered = true
				continue
			default:
			}
			if !teardown {
				m.log.Warn("session subscriber lagging, event dropped", zap.Int("subscriber", id), zap.Stringer("event", ev.Kind))
				break
			}
			select {
			case old := <-ch:
				m.log.Warn("session subscriber lagging, event displaced", zap.Int("subscriber", id), zap.Stringer("event", old.Kind))
			default:
			}
		}
	}
}

// newSession reads the user id and expiry from the token's claims when it is
// a JWT. The signature is not verified; the service remains the authority.
func newSession(token string) Session {
	session := Session{Token: token}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return session
	}
	if sub, err := claims.GetSubject(); err == nil {
		session.UserID = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		session.ExpiresAt = exp.Time
	}
	return session
}
