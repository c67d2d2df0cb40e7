package authkit

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ascent-team/ascent-core/internal/token"
	"github.com/ascent-team/ascent-core/internal/userstore"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

type controllableClock struct {
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

const (
	testAccessTTL  = 30 * time.Minute
	testRefreshTTL = 14 * 24 * time.Hour
)

var databaseSequence atomic.Int64

type authHarness struct {
	clock    *controllableClock
	users    *userstore.Store
	sessions *MemorySessionStore
	codec    *token.Codec
	metrics  *CounterMetrics
	service  *Service
}

func newAuthHarness(t *testing.T) *authHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := &controllableClock{current: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	databaseURL := fmt.Sprintf("sqlite:file:%s_%d?mode=memory&cache=shared", name, databaseSequence.Add(1))
	users, err := userstore.Open(context.Background(), databaseURL, logger)
	if err != nil {
		t.Fatalf("open user store: %v", err)
	}
	t.Cleanup(func() { _ = users.Close() })

	codec, err := token.New(token.Config{
		SigningKey: []byte("authkit-test-signing-key-0123456789"),
		AccessTTL:  testAccessTTL,
		RefreshTTL: testRefreshTTL,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	sessions := NewMemorySessionStore(clock)
	metrics := NewCounterMetrics()
	service, err := NewService(ServiceDependencies{
		Users:    users,
		Hasher:   userstore.NewBcryptHasher(bcrypt.MinCost),
		Codec:    codec,
		Sessions: sessions,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &authHarness{
		clock:    clock,
		users:    users,
		sessions: sessions,
		codec:    codec,
		metrics:  metrics,
		service:  service,
	}
}

func (harness *authHarness) register(t *testing.T, email string, password string, nickname string) *userstore.User {
	t.Helper()
	user, err := harness.service.Register(context.Background(), email, password, nickname)
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return user
}
