// Package auth signs users up and in, issues session tokens and announces session
// transitions to listeners.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"lingochat/internal/db"
	"lingochat/internal/i18n"
	"lingochat/internal/models"
)

var (
	ErrInvalidCredential = errors.New("invalid email or password")
	ErrEmailInUse        = errors.New("email already in use")
	ErrInvalidInput      = errors.New("invalid sign-up data")
	ErrInvalidToken      = errors.New("invalid or expired token")
)

const minPasswordLength = 6

// Users is the user collection of the document store.
type Users interface {
	CreateUser(ctx context.Context, user *models.User) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// Event is a session transition. User is nil on sign-out.
type Event struct {
	UserID string
	User   *models.User
}

type Service struct {
	users  Users
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	listeners map[int]func(Event)
	nextID    int
}

func NewService(users Users, secret string, ttl time.Duration, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Service{
		users:     users,
		secret:    []byte(secret),
		ttl:       ttl,
		clock:     clk,
		logger:    log.With().Str("component", "auth").Logger(),
		listeners: make(map[int]func(Event)),
	}
}

// SignUp creates the account and signs it in.
func (s *Service) SignUp(ctx context.Context, req models.SignUpRequest) (*models.SignInResponse, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil || len(req.Password) < minPasswordLength {
		return nil, ErrInvalidInput
	}
	email := addr.Address

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = email[:strings.Index(email, "@")]
	}
	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = "en"
	}

	user, err := s.users.CreateUser(ctx, &models.User{
		Email:       email,
		Password:    string(hashed),
		DisplayName: name,
		Language:    lang,
	})
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, ErrEmailInUse
		}
		return nil, err
	}
	return s.issue(user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (*models.SignInResponse, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredential
	}
	return s.issue(user)
}

// SignOut announces that userID's session ended. Tokens are stateless and simply
// expire; the cookie is cleared by the HTTP layer.
func (s *Service) SignOut(userID string) {
	s.emit(Event{UserID: userID})
}

// Verify parses a token and loads its user.
func (s *Service) Verify(ctx context.Context, tokenString string) (*models.User, error) {
	claims := jwt.MapClaims{}
	parser := &jwt.Parser{SkipClaimsValidation: true}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	exp, ok := claims["exp"].(float64)
	if !ok || int64(exp) < s.clock.Now().Unix() {
		return nil, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return nil, ErrInvalidToken
	}

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return user, nil
}

// OnAuthStateChanged registers fn for every sign-in and sign-out. The returned func
// removes it.
func (s *Service) OnAuthStateChanged(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// TokenTTL is the lifetime of issued tokens.
func (s *Service) TokenTTL() time.Duration { return s.ttl }

func (s *Service) issue(user *models.User) (*models.SignInResponse, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": user.ID,
		"email":   user.Email,
		"exp":     s.clock.Now().Add(s.ttl).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	s.logger.Info().Str("user", user.ID).Msg("signed in")
	s.emit(Event{UserID: user.ID, User: user})
	return &models.SignInResponse{Token: signed, User: *user}, nil
}

func (s *Service) emit(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Code maps an auth error to its user-facing error code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredential), errors.Is(err, ErrInvalidToken):
		return i18n.CodeInvalidCredential
	case errors.Is(err, ErrEmailInUse):
		return i18n.CodeEmailInUse
	case errors.Is(err, ErrInvalidInput):
		return i18n.CodeInvalidRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return i18n.CodeNetworkFailed
	default:
		return "auth/internal-error"
	}
}
