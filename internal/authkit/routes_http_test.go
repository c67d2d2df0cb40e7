package authkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ascent-team/ascent-core/internal/apierror"
	"github.com/ascent-team/ascent-core/internal/token"
	"github.com/ascent-team/ascent-core/internal/userstore"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelopeResponse struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newAuthRouter(t *testing.T, harness *authHarness, limiter *LoginLimiter) *gin.Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}
	router.Use(NewGate(harness.codec, harness.users, harness.metrics, logger).Middleware())
	api := router.Group("/api")
	MountAuthRoutes(api, harness.service, limiter, logger)
	api.GET("/whoami", RequireAuthenticated(), func(contextGin *gin.Context) {
		principal, _ := PrincipalFromGin(contextGin)
		apierror.WriteSuccess(contextGin, http.StatusOK, principal.UserID)
	})
	api.GET("/admin", RequireRole(userstore.RoleAdmin), func(contextGin *gin.Context) {
		apierror.WriteSuccess(contextGin, http.StatusOK, nil)
	})
	api.GET("/open", func(contextGin *gin.Context) {
		_, authenticated := PrincipalFromGin(contextGin)
		apierror.WriteSuccess(contextGin, http.StatusOK, authenticated)
	})
	return router
}

func performJSON(t *testing.T, router http.Handler, method string, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, envelopeResponse) {
	t.Helper()
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		payload = encoded
	}
	request := httptest.NewRequest(method, path, bytes.NewReader(payload))
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	var envelope envelopeResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope %q: %v", recorder.Body.String(), err)
	}
	return recorder, envelope
}

func bearer(accessToken string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + accessToken}
}

func TestSignupLoginReissueLogoutFlow(t *testing.T) {
	t.Parallel()
	harness := newAuthHarness(t)
	router := newAuthRouter(t, harness, nil)

	recorder, envelope := performJSON(t, router, http.MethodPost, "/api/users/signup",
		map[string]string{"email": "a@x.io", "password": "pw1234", "nickname": "al"}, nil)
	if recorder.Code != http.StatusCreated || !envelope.Success {
		t.Fatalf("signup: status %d body %s", recorder.Code, recorder.Body.String())
	}
	var created UserResponse
	if err := json.Unmarshal(envelope.Data, &created); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if created.ID == 0 || created.Email != "a@x.io" || created.Nickname != "al" {
		t.Fatalf("unexpected user %+v", created)
	}

	recorder, envelope = performJSON(t, router, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "a@x.io", "password": "pw1234"}, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", recorder.Code, recorder.Body.String())
	}
	var pair TokenPair
	if err := json.Unmarshal(envelope.Data, &pair); err != nil {
		t.Fatalf("decode pair: %v", err)
	}

	recorder, envelope = performJSON(t, router, http.MethodGet, "/api/whoami", nil, bearer(pair.AccessToken))
	if recorder.Code != http.StatusOK || string(envelope.Data) != "1" {
		t.Fatalf("whoami: status %d body %s", recorder.Code, recorder.Body.String())
	}

	harness.clock.Advance(testAccessTTL)
	recorder, envelope = performJSON(t, router, http.MethodGet, "/api/whoami", nil, bearer(pair.AccessToken))
	if recorder.Code != http.StatusUnauthorized || envelope.Code != "AUTH_401_1" {
		t.Fatalf("expired access token: status %d code %s", recorder.Code, envelope.Code)
	}

	recorder, envelope = performJSON(t, router, http.MethodPost, "/api/auth/reissue", nil,
		map[string]string{RefreshTokenHeader: pair.RefreshToken})
	if recorder.Code != http.StatusOK {
		t.Fatalf("reissue: status %d body %s", recorder.Code, recorder.Body.String())
	}
	var renewed string
	if err := json.Unmarshal(envelope.Data, &renewed); err != nil || renewed == "" {
		t.Fatalf("decode renewed token %s: %v", envelope.Data, err)
	}

	recorder, envelope = performJSON(t, router, http.MethodPost, "/api/auth/logout", nil, bearer(renewed))
	if recorder.Code != http.StatusOK || !envelope.Success {
		t.Fatalf("logout: status %d body %s", recorder.Code, recorder.Body.String())
	}

	recorder, envelope = performJSON(t, router, http.MethodPost, "/api/auth/reissue", nil,
		map[string]string{RefreshTokenHeader: pair.RefreshToken})
	if recorder.Code != http.StatusUnauthorized || envelope.Code != "AUTH_401_1" {
		t.Fatalf("reissue after logout: status %d code %s", recorder.Code, envelope.Code)
	}
}

func TestSignupValidationAndConflicts(t *testing.T) {
	t.Parallel()
	harness := newAuthHarness(t)
	router := newAuthRouter(t, harness, nil)
	harness.register(t, "taken@x.io", "pw1234", "taken")

	testCases := []struct {
		name         string
		body         map[string]string
		expectedCode string
	}{
		{name: "BadEmail", body: map[string]string{"email": "nope", "password": "pw1234", "nickname": "ok"}, expectedCode: apierror.ValidationErrorCode},
		{name: "ShortPassword", body: map[string]string{"email": "s@x.io", "password": "pw", "nickname": "ok"}, expectedCode: apierror.ValidationErrorCode},
		{name: "LongNickname", body: map[string]string{"email": "s@x.io", "password": "pw1234", "nickname": "abcdefghijklmnopqrstu"}, expectedCode: apierror.ValidationErrorCode},
		{name: "MissingField", body: map[string]string{"email": "s@x.io"}, expectedCode: apierror.ValidationErrorCode},
		{name: "DuplicateEmail", body: map[string]string{"email": "TAKEN@x.io", "password": "pw1234", "nickname": "again"}, expectedCode: "USER_400_1"},
	}
	for _, testCase := range testCases {
		recorder, envelope := performJSON(t, router, http.MethodPost, "/api/users/signup", testCase.body, nil)
		if recorder.Code != http.StatusBadRequest || envelope.Code != testCase.expectedCode || envelope.Success {
			t.Fatalf("%s: status %d code %s", testCase.name, recorder.Code, envelope.Code)
		}
	}
}

func TestSignupNormalizesEmailBeforeValidation(t *testing.T) {
	t.Parallel()
	harness := newAuthHarness(t)
	router := newAuthRouter(t, harness, nil)

	recorder, envelope := performJSON(t, router, http.MethodPost, "/api/users/signup",
		map[string]string{"email": "  Padded@X.io ", "password": "pw1234", "nickname": "padded"}, nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("signup: status %d code %s", recorder.Code, envelope.Code)
	}
	var created UserResponse
	if err := json.Unmarshal(envelope.Data, &created); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if created.Email != "padded@x.io" {
		t.Fatalf("expected normalized email, got %q", created.Email)
	}

	recorder, envelope = performJSON(t, router, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "\tPADDED@x.io", "password": "pw1234"}, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("login: status %d code %s", recorder.Code, envelope.Code)
	}

	recorder, envelope = performJSON(t, router, http.MethodPost, "/api/users/signup",
		map[string]string{"email": "   ", "password": "pw1234", "nickname": "blank"}, nil)
	if recorder.Code != http.StatusBadRequest || envelope.Code != apierror.ValidationErrorCode {
		t.Fatalf("blank email: status %d code %s", recorder.Code, envelope.Code)
	}
}

func TestLoginErrorEnvelopes(t *testing.T) {
	t.Parallel()
	harness := newAuthHarness(t)
	router := newAuthRouter(t, harness, nil)
	harness.register(t, "who@x.io", "pw1234", "who")

	recorder, envelope := performJSON(t, router, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "missing@x.io", "password": "pw1234"}, nil)
	if recorder.Code != http.StatusNotFound || envelope.Code != "USER_404" {
		t.Fatalf("unknown email: status %d code %s", recorder.Code, envelope.Code)
	}
	recorder, envelope = performJSON(t, router, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "who@x.io", "password": "wrong1"}, nil)
	if recorder.Code != http.StatusBadRequest || envelope.Code != "USER_400_2" {
		t.Fatalf("wrong password: status %d code %s", recorder.Code, envelope.Code)
	}
}

func TestReissueRequiresHeader(t *testing.T) {
	t.Parallel()
	harness := newAuthHarness(t)
	router := newAuthRouter(t, harness, nil)

	recorder, envelope := performJSON(t, router, http.MethodPost, "/api/auth/reissue", nil, nil)
	if recorder.Code != http.StatusUnauthorized || envelope.Code != "AUTH_401_1" {
		t.Fatalf("missing header: status %d code %s", recorder.Code, envelope.Code)
	}
}

func TestGateBehaviour(t *testing.T) {
	t.Parallel()
	harness := newAuthHarness(t)
	router := newAuthRouter(t, harness, nil)
	user := harness.register(t, "gate@x.io", "pw1234", "gater")
	pair, err := harness.service.Login(context.Background(), "gate@x.io", "pw1234")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	ghost, err := harness.codec.Issue(token.Access, "4242")
	if err != nil {
		t.Fatalf("issue ghost: %v", err)
	}

	testCases := []struct {
		name           string
		path           string
		headers        map[string]string
		expectedStatus int
		expectedCode   string
	}{
		{name: "NoHeaderOpenRoute", path: "/api/open", expectedStatus: http.StatusOK, expectedCode: "SUCCESS"},
		{name: "BasicSchemeIsAnonymous", path: "/api/open", headers: map[string]string{"Authorization": "Basic dXNlcjpwYXNz"}, expectedStatus: http.StatusOK, expectedCode: "SUCCESS"},
		{name: "GarbageBearerRejected", path: "/api/open", headers: bearer("garbage"), expectedStatus: http.StatusUnauthorized, expectedCode: "AUTH_401_1"},
		{name: "AnonymousOnProtected", path: "/api/whoami", expectedStatus: http.StatusUnauthorized, expectedCode: "AUTH_401"},
		{name: "UnknownSubject", path: "/api/whoami", headers: bearer(ghost.Token), expectedStatus: http.StatusNotFound, expectedCode: "USER_404"},
		{name: "UserRoleOnAdminRoute", path: "/api/admin", headers: bearer(pair.AccessToken), expectedStatus: http.StatusForbidden, expectedCode: "AUTH_403"},
		{name: "AuthenticatedOpenRoute", path: "/api/open", headers: bearer(pair.AccessToken), expectedStatus: http.StatusOK, expectedCode: "SUCCESS"},
	}
	for _, testCase := range testCases {
		recorder, envelope := performJSON(t, router, http.MethodGet, testCase.path, nil, testCase.headers)
		if recorder.Code != testCase.expectedStatus || envelope.Code != testCase.expectedCode {
			t.Fatalf("%s: status %d code %s", testCase.name, recorder.Code, envelope.Code)
		}
	}

	if _, err := harness.users.Deactivate(context.Background(), user.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	recorder, envelope := performJSON(t, router, http.MethodGet, "/api/whoami", nil, bearer(pair.AccessToken))
	if recorder.Code != http.StatusNotFound || envelope.Code != "USER_404" {
		t.Fatalf("inactive user: status %d code %s", recorder.Code, envelope.Code)
	}
	if harness.metrics.Count(OperationGate, OutcomeRejected) != 3 {
		t.Fatalf("expected three gate rejections, got %d", harness.metrics.Count(OperationGate, OutcomeRejected))
	}
}

func TestGateKeepsExistingPrincipal(t *testing.T) {
	t.Parallel()
	harness := newAuthHarness(t)
	logger := zaptest.NewLogger(t)
	harness.register(t, "keep@x.io", "pw1234", "keeper")
	pair, err := harness.service.Login(context.Background(), "keep@x.io", "pw1234")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	preset := Principal{UserID: 777, Email: "preset@x.io", Role: userstore.RoleAdmin}
	router := gin.New()
	router.Use(func(contextGin *gin.Context) {
		contextGin.Request = contextGin.Request.WithContext(WithPrincipal(contextGin.Request.Context(), preset))
		contextGin.Next()
	})
	router.Use(NewGate(harness.codec, harness.users, nil, logger).Middleware())
	router.GET("/principal", func(contextGin *gin.Context) {
		principal, _ := PrincipalFromGin(contextGin)
		apierror.WriteSuccess(contextGin, http.StatusOK, principal.UserID)
	})

	recorder, envelope := performJSON(t, router, http.MethodGet, "/principal", nil, bearer(pair.AccessToken))
	if recorder.Code != http.StatusOK || string(envelope.Data) != "777" {
		t.Fatalf("expected preset principal kept, status %d body %s", recorder.Code, recorder.Body.String())
	}
}

func TestLoginRateLimit(t *testing.T) {
	t.Parallel()
	harness := newAuthHarness(t)
	router := newAuthRouter(t, harness, NewLoginLimiter(2))
	harness.register(t, "rate@x.io", "pw1234", "rater")

	for attempt := 0; attempt < 2; attempt++ {
		recorder, _ := performJSON(t, router, http.MethodPost, "/api/auth/login",
			map[string]string{"email": "rate@x.io", "password": "pw1234"}, nil)
		if recorder.Code != http.StatusOK {
			t.Fatalf("attempt %d: status %d", attempt, recorder.Code)
		}
	}
	recorder, envelope := performJSON(t, router, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "rate@x.io", "password": "pw1234"}, nil)
	if recorder.Code != http.StatusTooManyRequests || envelope.Code != "COMMON_429" {
		t.Fatalf("expected 429, got status %d code %s", recorder.Code, envelope.Code)
	}
}

func TestLoginRateLimitIgnoresUntrustedForwardedFor(t *testing.T) {
	t.Parallel()
	harness := newAuthHarness(t)
	router := newAuthRouter(t, harness, NewLoginLimiter(2))
	harness.register(t, "spoof@x.io", "pw1234", "spoofer")

	throttled := 0
	for attempt := 0; attempt < 10; attempt++ {
		recorder, _ := performJSON(t, router, http.MethodPost, "/api/auth/login",
			map[string]string{"email": "spoof@x.io", "password": "pw1234"},
			map[string]string{"X-Forwarded-For": fmt.Sprintf("203.0.113.%d", attempt+1)})
		if recorder.Code == http.StatusTooManyRequests {
			throttled++
		}
	}
	if throttled != 8 {
		t.Fatalf("expected 8 of 10 attempts from one socket throttled, got %d", throttled)
	}
}

func TestLoginRateLimitKeysOnForwardedClientBehindTrustedProxy(t *testing.T) {
	t.Parallel()
	harness := newAuthHarness(t)
	router := newAuthRouter(t, harness, NewLoginLimiter(1))
	// httptest requests arrive from 192.0.2.1.
	if err := router.SetTrustedProxies([]string{"192.0.2.1"}); err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}
	harness.register(t, "proxied@x.io", "pw1234", "proxied")
	credentials := map[string]string{"email": "proxied@x.io", "password": "pw1234"}

	for _, client := range []string{"198.51.100.1", "198.51.100.2"} {
		recorder, _ := performJSON(t, router, http.MethodPost, "/api/auth/login", credentials,
			map[string]string{"X-Forwarded-For": client})
		if recorder.Code != http.StatusOK {
			t.Fatalf("first attempt from %s: status %d", client, recorder.Code)
		}
	}
	recorder, _ := performJSON(t, router, http.MethodPost, "/api/auth/login", credentials,
		map[string]string{"X-Forwarded-For": "198.51.100.1"})
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("repeat attempt from the same forwarded client: status %d", recorder.Code)
	}
}

func TestLoginLimiterRefillsAndIsolatesKeys(t *testing.T) {
	t.Parallel()
	limiter := NewLoginLimiter(1)
	current := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return current }

	if !limiter.Allow("10.0.0.1") {
		t.Fatalf("first attempt should pass")
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatalf("second attempt should be throttled")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Fatalf("other keys must have their own bucket")
	}
	current = current.Add(time.Minute)
	if !limiter.Allow("10.0.0.1") {
		t.Fatalf("bucket should refill after a minute")
	}

	unlimited := NewLoginLimiter(0)
	for attempt := 0; attempt < 100; attempt++ {
		if !unlimited.Allow("any") {
			t.Fatalf("disabled limiter must always allow")
		}
	}
}
