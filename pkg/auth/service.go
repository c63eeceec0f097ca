// Package auth provides user sign-up/sign-in/sign-out backed by the
// document store, JWT session tokens, and an auth state-change stream that
// the sync layer consumes to tear down live subscriptions on sign-out.
package auth

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/utils"
	"chatsync/pkg/validation"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserExists         = errors.New("username already exists")
)

// StateChange is emitted whenever a user signs in or out.
type StateChange struct {
	UserID   string
	SignedIn bool
}

// Service is the authentication collaborator. It is constructed explicitly
// and injected where needed; there is no package-level instance.
type Service struct {
	st     *store.Store
	tokens *TokenIssuer

	mu       sync.Mutex
	watchers []chan StateChange
}

// NewService wires the auth service to the store and token issuer.
func NewService(st *store.Store, tokens *TokenIssuer) *Service {
	return &Service{st: st, tokens: tokens}
}

// SignUp creates the credentials record and the user profile document.
// Empty credentials are rejected before any store write.
func (s *Service) SignUp(username, email, password string) (models.User, error) {
	if err := validation.ValidateCredentials(username, password); err != nil {
		return models.User{}, err
	}
	if err := validation.ValidateUsername(username); err != nil {
		return models.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}
	u := models.User{
		ID:       "u-" + utils.GenID(),
		Username: username,
		Email:    email,
		LastSeen: time.Now().UTC().UnixNano(),
	}
	if err := s.st.SaveCredentials(username, store.Credentials{UserID: u.ID, PasswordHash: string(hash)}); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return models.User{}, ErrUserExists
		}
		return models.User{}, err
	}
	if err := s.st.SaveUser(u); err != nil {
		return models.User{}, err
	}
	logger.Info("user_registered", "user", u.ID, "username", username)
	return u, nil
}

// SignIn verifies the password, refreshes last-seen and returns a session
// token plus the profile. The state stream gets a signed-in event.
func (s *Service) SignIn(username, password string) (string, models.User, error) {
	if err := validation.ValidateCredentials(username, password); err != nil {
		return "", models.User{}, err
	}
	cred, err := s.st.GetCredentials(username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", models.User{}, ErrInvalidCredentials
		}
		return "", models.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return "", models.User{}, ErrInvalidCredentials
	}
	if err := s.st.TouchLastSeen(cred.UserID, time.Now().UTC().UnixNano()); err != nil {
		logger.Warn("last_seen_update_failed", "user", cred.UserID, "error", err)
	}
	u, err := s.st.GetUser(cred.UserID)
	if err != nil {
		return "", models.User{}, err
	}
	token, err := s.tokens.Generate(u.ID, u.Username)
	if err != nil {
		return "", models.User{}, err
	}
	s.emit(StateChange{UserID: u.ID, SignedIn: true})
	logger.Info("user_signed_in", "user", u.ID)
	return token, u, nil
}

// SignOut revokes the session token and emits a signed-out event so live
// subscriptions owned by that user get torn down.
func (s *Service) SignOut(tokenString string) error {
	claims, err := s.tokens.Validate(tokenString)
	if err != nil {
		return err
	}
	exp := int64(0)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.UnixNano()
	}
	if err := s.st.RevokeToken(claims.ID, exp); err != nil {
		return err
	}
	s.emit(StateChange{UserID: claims.UserID, SignedIn: false})
	logger.Info("user_signed_out", "user", claims.UserID)
	return nil
}

// CurrentUserID validates a session token, including the sign-out
// denylist, and returns the authenticated user id.
func (s *Service) CurrentUserID(tokenString string) (string, error) {
	claims, err := s.tokens.Validate(tokenString)
	if err != nil {
		return "", err
	}
	revoked, err := s.st.IsTokenRevoked(claims.ID)
	if err != nil {
		return "", err
	}
	if revoked {
		return "", ErrRevokedToken
	}
	return claims.UserID, nil
}

// Watch returns a stream of auth state changes and a release func that
// unregisters the watcher. The channel is buffered; events are dropped
// for a lagging consumer rather than blocking sign-in. Callers must
// release when done or the watcher is retained forever.
func (s *Service) Watch() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 16)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			for i, w := range s.watchers {
				if w == ch {
					s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
		})
	}
	return ch, release
}

func (s *Service) emit(ev StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}
