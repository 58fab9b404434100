package http_test

import (
	"bytes"
	"context"
	"errors"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	apihttp "github.com/spec-kit/helpdesk-service/internal/api/http"
	"github.com/spec-kit/helpdesk-service/internal/api/http/handlers"
	"github.com/spec-kit/helpdesk-service/internal/auth"
	"github.com/spec-kit/helpdesk-service/internal/config"
	"github.com/spec-kit/helpdesk-service/internal/domain"
	"github.com/spec-kit/helpdesk-service/internal/events"
	"github.com/spec-kit/helpdesk-service/internal/idempotency"
	"github.com/spec-kit/helpdesk-service/internal/observability"
	"github.com/spec-kit/helpdesk-service/internal/ratelimit"
	"github.com/spec-kit/helpdesk-service/internal/repository"
	"github.com/spec-kit/helpdesk-service/internal/service"
)

const testPassword = "Str0ng!pass"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type harness struct {
	app        *fiber.App
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
}

type brokenLimiter struct {
	calls int
}

func (l *brokenLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	l.calls++
	return ratelimit.Decision{}, errors.New("redis: connection refused")
}

func newHarness(maxRequests int) *harness {
	clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	return newHarnessWithLimiter(clock, ratelimit.NewMemoryLimiter(maxRequests, time.Minute, clock.Now))
}

func newHarnessWithLimiter(clock *fakeClock, limiter ratelimit.Limiter) *harness {
	logger := zap.NewNop()
	tickets := repository.NewMemoryTicketRepository()
	users := repository.NewMemoryUserRepository()
	store := idempotency.NewMemoryStore(idempotency.DefaultTTL, clock.Now)
	dispatcher := events.NewInMemoryDispatcher(logger)
	metrics := observability.NewMetrics()
	tokens := auth.NewTokenManager("test-secret", time.Hour)

	ticketSvc := service.NewTicketService(service.TicketDependencies{
		TicketRepo:  tickets,
		UserRepo:    users,
		Idempotency: store,
		Publisher:   dispatcher,
		Logger:      logger,
		Clock:       clock.Now,
		Config:      config.TicketConfig{DefaultSLAHours: 24, RepositoryTimeoutSeconds: 5},
	})
	authSvc := service.NewAuthService(config.AuthConfig{BcryptCost: 4}, service.AuthDependencies{
		UserRepo:     users,
		Idempotency:  store,
		TokenManager: tokens,
		Logger:       logger,
		Clock:        clock.Now,
	})
	userSvc := service.NewUserService(users, logger)

	app := fiber.New(fiber.Config{ErrorHandler: apihttp.ErrorHandler(logger, metrics)})
	apihttp.RegisterMiddlewares(app, logger, metrics, 5*time.Second)
	apihttp.RegisterRoutes(app, apihttp.RouteConfig{
		Health:         handlers.NewHealthHandler("helpdesk-service", "test", nil, nil, metrics),
		Users:          handlers.NewUsersHandler(authSvc, userSvc, false),
		Tickets:        handlers.NewTicketsHandler(ticketSvc),
		Events:         handlers.NewEventsHandler(dispatcher, logger),
		AuthMiddleware: auth.NewAuthMiddleware(tokens, users),
		Limiter:        limiter,
		Logger:         logger,
	})
	return &harness{app: app, dispatcher: dispatcher, metrics: metrics}
}

type reply struct {
	status int
	header http.Header
	raw    []byte
	body   map[string]any
}

func (h *harness) do(method, path string, payload any, headers map[string]string) reply {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		Expect(err).NotTo(HaveOccurred())
		body = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.app.Test(req, -1)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())

	out := reply{status: resp.StatusCode, header: resp.Header, raw: raw}
	if len(raw) > 0 && raw[0] == '{' {
		Expect(json.Unmarshal(raw, &out.body)).To(Succeed())
	}
	return out
}

func (h *harness) register(name, email string, role domain.Role) (string, string) {
	r := h.do(http.MethodPost, "/api/auth/register", map[string]any{
		"fullname": name,
		"email":    email,
		"password": testPassword,
		"role":     role,
	}, nil)
	Expect(r.status).To(Equal(http.StatusCreated))
	user := r.body["data"].(map[string]any)["user"].(map[string]any)

	login := h.do(http.MethodPost, "/api/auth/login", map[string]any{"email": email, "password": testPassword}, nil)
	Expect(login.status).To(Equal(http.StatusOK))
	token := login.body["data"].(map[string]any)["auth"].(map[string]any)["token"].(string)
	return user["id"].(string), token
}

func bearer(token string, extra ...string) map[string]string {
	headers := map[string]string{fiber.HeaderAuthorization: "Bearer " + token}
	for i := 0; i+1 < len(extra); i += 2 {
		headers[extra[i]] = extra[i+1]
	}
	return headers
}

func errorCode(r reply) string {
	errBody, ok := r.body["error"].(map[string]any)
	if !ok {
		return ""
	}
	code, _ := errBody["code"].(string)
	return code
}

func ticketOf(r reply) map[string]any {
	return r.body["data"].(map[string]any)["ticket"].(map[string]any)
}

var _ = Describe("Ticket API", func() {
	var (
		h          *harness
		userToken  string
		otherToken string
		agentID    string
		agentToken string
	)

	BeforeEach(func() {
		h = newHarness(1000)
		_, userToken = h.register("Uma User", "uma@example.com", domain.RoleUser)
		_, otherToken = h.register("Oscar Other", "oscar@example.com", domain.RoleUser)
		agentID, agentToken = h.register("Ada Agent", "ada@example.com", domain.RoleAgent)
	})

	createTicket := func(token string, headers ...string) reply {
		return h.do(http.MethodPost, "/api/tickets", map[string]any{
			"title":       "VPN down",
			"description": "Cannot connect since morning",
			"priority":    "high",
		}, bearer(token, headers...))
	}

	Describe("POST /api/tickets", func() {
		It("rejects anonymous callers with the error envelope", func() {
			r := h.do(http.MethodPost, "/api/tickets", map[string]any{"title": "x", "description": "y"}, nil)
			Expect(r.status).To(Equal(http.StatusUnauthorized))
			Expect(errorCode(r)).To(Equal("UNAUTHORIZED"))
		})

		It("creates an open ticket at version 0", func() {
			r := createTicket(userToken)
			Expect(r.status).To(Equal(http.StatusCreated))
			Expect(r.header.Get(fiber.HeaderETag)).To(Equal(`"0"`))
			Expect(r.body["message"]).To(Equal("Ticket created successfully"))
			ticket := ticketOf(r)
			Expect(ticket["status"]).To(Equal("open"))
			Expect(ticket["priority"]).To(Equal("high"))
			Expect(ticket["version"]).To(BeNumerically("==", 0))
			Expect(ticket["sla_breached"]).To(BeFalse())
		})

		It("replays the stored body for a repeated idempotency key", func() {
			first := createTicket(userToken, handlers.IdempotencyKeyHeader, "abc-123")
			Expect(first.status).To(Equal(http.StatusCreated))

			second := createTicket(userToken, handlers.IdempotencyKeyHeader, "abc-123")
			Expect(second.status).To(Equal(http.StatusOK))
			Expect(second.raw).To(Equal(first.raw))

			list := h.do(http.MethodGet, "/api/tickets", nil, bearer(userToken))
			Expect(list.body["items"]).To(HaveLen(1))
		})

		It("validates required fields", func() {
			r := h.do(http.MethodPost, "/api/tickets", map[string]any{"title": "  "}, bearer(userToken))
			Expect(r.status).To(Equal(http.StatusBadRequest))
			Expect(errorCode(r)).To(Equal("VALIDATION_ERROR"))
		})
	})

	Describe("PATCH /api/tickets/:id", func() {
		var ticketID string

		BeforeEach(func() {
			ticketID = ticketOf(createTicket(userToken))["id"].(string)
		})

		It("requires If-Match", func() {
			r := h.do(http.MethodPatch, "/api/tickets/"+ticketID, map[string]any{"status": "in-progress"}, bearer(agentToken))
			Expect(r.status).To(Equal(http.StatusBadRequest))
			Expect(errorCode(r)).To(Equal("VALIDATION_ERROR"))
		})

		It("applies a patch against the current version and bumps the ETag", func() {
			r := h.do(http.MethodPatch, "/api/tickets/"+ticketID,
				map[string]any{"status": "in-progress", "assignedTo": agentID},
				bearer(agentToken, fiber.HeaderIfMatch, `"0"`))
			Expect(r.status).To(Equal(http.StatusOK))
			Expect(r.body["message"]).To(Equal("Ticket updated"))
			Expect(r.header.Get(fiber.HeaderETag)).To(Equal(`"1"`))
			ticket := ticketOf(r)
			Expect(ticket["assigned_to"]).To(Equal(agentID))
			Expect(ticket["timeline"]).To(HaveLen(2))
		})

		It("reports the current version on a stale patch", func() {
			ok := h.do(http.MethodPatch, "/api/tickets/"+ticketID, map[string]any{"priority": "urgent"}, bearer(agentToken, fiber.HeaderIfMatch, "0"))
			Expect(ok.status).To(Equal(http.StatusOK))

			stale := h.do(http.MethodPatch, "/api/tickets/"+ticketID, map[string]any{"priority": "low"}, bearer(agentToken, fiber.HeaderIfMatch, "0"))
			Expect(stale.status).To(Equal(http.StatusConflict))
			Expect(errorCode(stale)).To(Equal("VERSION_CONFLICT"))

			get := h.do(http.MethodGet, "/api/tickets/"+ticketID, nil, bearer(agentToken))
			Expect(get.header.Get(fiber.HeaderETag)).To(Equal(`"1"`))
			Expect(ticketOf(get)["priority"]).To(Equal("urgent"))
		})

		It("forbids end users from assigning", func() {
			r := h.do(http.MethodPatch, "/api/tickets/"+ticketID, map[string]any{"assignedTo": agentID}, bearer(userToken, fiber.HeaderIfMatch, "0"))
			Expect(r.status).To(Equal(http.StatusForbidden))
			Expect(errorCode(r)).To(Equal("FORBIDDEN"))
		})

		It("rejects a patch that changes nothing", func() {
			r := h.do(http.MethodPatch, "/api/tickets/"+ticketID, map[string]any{"status": "open"}, bearer(agentToken, fiber.HeaderIfMatch, "0"))
			Expect(r.status).To(Equal(http.StatusBadRequest))
			Expect(errorCode(r)).To(Equal("NO_CHANGES"))
		})
	})

	Describe("comments and visibility", func() {
		var ticketID string

		BeforeEach(func() {
			ticketID = ticketOf(createTicket(userToken))["id"].(string)
		})

		It("adds a comment the owner can read back", func() {
			r := h.do(http.MethodPost, "/api/tickets/"+ticketID+"/comments", map[string]any{"message": "Tried rebooting"}, bearer(userToken))
			Expect(r.status).To(Equal(http.StatusCreated))
			Expect(r.body["message"]).To(Equal("Comment added"))

			get := h.do(http.MethodGet, "/api/tickets/"+ticketID, nil, bearer(userToken))
			Expect(get.status).To(Equal(http.StatusOK))
			Expect(ticketOf(get)["comments"]).To(HaveLen(1))
		})

		It("hides tickets from other end users", func() {
			get := h.do(http.MethodGet, "/api/tickets/"+ticketID, nil, bearer(otherToken))
			Expect(get.status).To(Equal(http.StatusForbidden))

			comment := h.do(http.MethodPost, "/api/tickets/"+ticketID+"/comments", map[string]any{"message": "me too"}, bearer(otherToken))
			Expect(comment.status).To(Equal(http.StatusForbidden))

			list := h.do(http.MethodGet, "/api/tickets", nil, bearer(otherToken))
			Expect(list.status).To(Equal(http.StatusOK))
			Expect(list.body["items"]).To(BeEmpty())
			Expect(list.body["next_offset"]).To(BeNil())
		})

		It("searches comment text for staff", func() {
			h.do(http.MethodPost, "/api/tickets/"+ticketID+"/comments", map[string]any{"message": "Firewall rule blocks port 443"}, bearer(userToken))
			list := h.do(http.MethodGet, "/api/tickets?q=FIREWALL", nil, bearer(agentToken))
			Expect(list.status).To(Equal(http.StatusOK))
			Expect(list.body["items"]).To(HaveLen(1))

			none := h.do(http.MethodGet, "/api/tickets?q=printer", nil, bearer(agentToken))
			Expect(none.body["items"]).To(BeEmpty())
		})

		It("returns NOT_FOUND for unknown tickets", func() {
			r := h.do(http.MethodGet, "/api/tickets/does-not-exist", nil, bearer(agentToken))
			Expect(r.status).To(Equal(http.StatusNotFound))
			Expect(errorCode(r)).To(Equal("NOT_FOUND"))
		})
	})

	Describe("directory and session", func() {
		It("lists agents for staff only", func() {
			denied := h.do(http.MethodGet, "/api/users/agents", nil, bearer(userToken))
			Expect(denied.status).To(Equal(http.StatusForbidden))

			r := h.do(http.MethodGet, "/api/users/agents", nil, bearer(agentToken))
			Expect(r.status).To(Equal(http.StatusOK))
			Expect(r.body["items"]).To(HaveLen(1))
			Expect(r.body["total"]).To(BeNumerically("==", 1))
			Expect(r.body["next_offset"]).To(BeNil())
		})

		It("returns the profile with raised tickets", func() {
			id := ticketOf(createTicket(userToken))["id"].(string)
			r := h.do(http.MethodGet, "/api/auth/me", nil, bearer(userToken))
			Expect(r.status).To(Equal(http.StatusOK))
			Expect(r.body["data"].(map[string]any)["raised_tickets"]).To(ConsistOf(id))
		})

		It("rejects duplicate registrations", func() {
			r := h.do(http.MethodPost, "/api/auth/register", map[string]any{
				"fullname": "Uma Again",
				"email":    "UMA@example.com",
				"password": testPassword,
				"role":     "user",
			}, nil)
			Expect(r.status).To(Equal(http.StatusConflict))
			Expect(errorCode(r)).To(Equal("CONFLICT"))
		})

		It("clears the session cookie on logout", func() {
			r := h.do(http.MethodPost, "/api/auth/logout", nil, nil)
			Expect(r.status).To(Equal(http.StatusOK))
			Expect(r.header.Get(fiber.HeaderSetCookie)).To(ContainSubstring(auth.CookieName + "="))
		})

		It("accepts the session cookie in place of a bearer token", func() {
			r := h.do(http.MethodGet, "/api/auth/me", nil, map[string]string{fiber.HeaderCookie: auth.CookieName + "=" + userToken})
			Expect(r.status).To(Equal(http.StatusOK))
		})
	})
})

var _ = Describe("Rate limiting", func() {
	It("answers RATE_LIMITED with Retry-After once the quota is spent", func() {
		h := newHarness(3)
		_, token := h.register("Rita", "rita@example.com", domain.RoleUser)

		for i := 0; i < 3; i++ {
			r := h.do(http.MethodGet, "/api/tickets", nil, bearer(token))
			Expect(r.status).To(Equal(http.StatusOK), "request %d", i)
		}
		r := h.do(http.MethodGet, "/api/tickets", nil, bearer(token))
		Expect(r.status).To(Equal(http.StatusTooManyRequests))
		Expect(errorCode(r)).To(Equal("RATE_LIMITED"))
		retryAfter, err := strconv.Atoi(r.header.Get(fiber.HeaderRetryAfter))
		Expect(err).NotTo(HaveOccurred())
		Expect(retryAfter).To(BeNumerically(">=", 1))

		anonymous := h.do(http.MethodPost, "/api/auth/login", map[string]any{"email": "rita@example.com", "password": testPassword}, nil)
		Expect(anonymous.status).To(Equal(http.StatusOK))
	})
})

var _ = Describe("Rate limiter outage", func() {
	It("admits authenticated requests when the limiter errors", func() {
		limiter := &brokenLimiter{}
		h := newHarnessWithLimiter(&fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}, limiter)
		_, token := h.register("Lena", "lena@example.com", domain.RoleUser)

		for i := 0; i < 5; i++ {
			r := h.do(http.MethodGet, "/api/tickets", nil, bearer(token))
			Expect(r.status).To(Equal(http.StatusOK), "request %d", i)
			Expect(errorCode(r)).NotTo(Equal("RATE_LIMITED"))
			Expect(r.header.Get(fiber.HeaderRetryAfter)).To(BeEmpty())
		}
		created := h.do(http.MethodPost, "/api/tickets", map[string]any{"title": "Laptop", "description": "Fan noise"}, bearer(token))
		Expect(created.status).To(Equal(http.StatusCreated))
		Expect(limiter.calls).To(Equal(6))
	})
})

var _ = Describe("Operational endpoints", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness(10)
	})

	It("reports liveness", func() {
		r := h.do(http.MethodGet, "/health/live", nil, nil)
		Expect(r.status).To(Equal(http.StatusOK))
		Expect(r.body["status"]).To(Equal("alive"))
	})

	It("is ready when optional backends are disabled", func() {
		r := h.do(http.MethodGet, "/health/ready", nil, nil)
		Expect(r.status).To(Equal(http.StatusOK))
		deps := r.body["dependencies"].(map[string]any)
		Expect(deps["postgres"]).To(Equal("disabled"))
		Expect(deps["redis"]).To(Equal("disabled"))
	})

	It("renders unknown routes with the error envelope and counts them", func() {
		r := h.do(http.MethodGet, "/nope", nil, nil)
		Expect(r.status).To(Equal(http.StatusNotFound))
		Expect(errorCode(r)).To(Equal("NOT_FOUND"))
		Expect(h.metrics.Snapshot().Errors).NotTo(BeEmpty())
	})

	It("refuses plain HTTP on the events stream", func() {
		_, token := h.register("Eve", "eve@example.com", domain.RoleUser)
		r := h.do(http.MethodGet, "/api/events", nil, bearer(token))
		Expect(r.status).To(Equal(http.StatusUpgradeRequired))
	})
})

var _ = Describe("ObserverFilterFor", func() {
	owned := events.Event{Type: events.EventTicketUpdated, TicketID: "t1", OwnerID: "u1"}
	foreign := events.Event{Type: events.EventTicketUpdated, TicketID: "t2", OwnerID: "u2"}

	It("scopes end users to their own tickets", func() {
		filter := handlers.ObserverFilterFor(domain.Identity{ID: "u1", Role: domain.RoleUser})
		Expect(filter).NotTo(BeNil())
		Expect(filter(owned)).To(BeTrue())
		Expect(filter(foreign)).To(BeFalse())
	})

	It("lets staff see everything", func() {
		Expect(handlers.ObserverFilterFor(domain.Identity{ID: "a1", Role: domain.RoleAgent})).To(BeNil())
		Expect(handlers.ObserverFilterFor(domain.Identity{ID: "x", Role: domain.RoleAdmin})).To(BeNil())
	})
})
