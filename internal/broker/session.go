package broker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sayujks0071/antidhan-sub001/internal/logger"
)

// Session holds the broker bearer token shared by every outbound call.
type Session struct {
	mu    sync.RWMutex
	token string
}

func NewSession(token string) *Session {
	return &Session{token: strings.TrimSpace(token)}
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
}

func (s *Session) HasToken() bool {
	return s.Token() != ""
}

// FileRefresher reloads the token from a file the operator rewrites after the
// daily broker login. A refresh that finds no new token fails, which the
// gateway reports as ErrTokenExpired.
type FileRefresher struct {
	path    string
	session *Session
	log     *logger.Logger
}

func NewFileRefresher(path string, session *Session, log *logger.Logger) *FileRefresher {
	return &FileRefresher{path: path, session: session, log: log}
}

func (r *FileRefresher) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return fmt.Errorf("token file %s is empty", r.path)
	}
	if token == r.session.Token() {
		return fmt.Errorf("token file %s holds the rejected token", r.path)
	}
	r.session.SetToken(token)
	r.log.WithComponent("session").WithField("token_file", r.path).Info("broker token reloaded")
	return nil
}

// Load reads the token file once at startup. A missing file is not an error.
func (r *FileRefresher) Load() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read token file: %w", err)
	}
	if token := strings.TrimSpace(string(raw)); token != "" {
		r.session.SetToken(token)
	}
	return nil
}
