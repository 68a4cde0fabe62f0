// Package mockserver is an in-process MediMate backend speaking the envelope
// contract with seed data. The CLI serves it for local runs and tests drive
// the client against it, including injected failures.
package mockserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/medimate/medimate-go"
)

const (
	sessionLifetime     = 24 * time.Hour
	defaultNearbyRadius = 5.0 // km
)

type fault struct {
	status    int
	remaining int
}

// Server holds the backend state. The zero value is not usable; call New.
type Server struct {
	mu           sync.Mutex
	users        map[string]userRecord // by email
	tokens       map[string]string     // token -> user ID
	appointments map[string][]medimate.Appointment
	hospitals    []medimate.Hospital
	escorts      []escortRecord
	services     []medimate.RecommendedService
	faults       map[string]*fault
	hits         map[string]int
	latency      time.Duration
	now          func() time.Time

	engine *gin.Engine
}

// New returns a server loaded with seed data.
func New() *Server {
	s := &Server{
		users:        make(map[string]userRecord),
		tokens:       make(map[string]string),
		appointments: make(map[string][]medimate.Appointment),
		hospitals:    seedHospitals(),
		escorts:      seedEscorts(),
		services:     seedServices(),
		faults:       make(map[string]*fault),
		hits:         make(map[string]int),
		now:          time.Now,
	}
	for _, u := range seedUsers() {
		s.users[strings.ToLower(u.User.Email)] = u
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler serving the API under /api.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// FailNext makes the next n requests to path answer with status.
func (s *Server) FailNext(path string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[path] = &fault{status: status, remaining: n}
}

// SetLatency delays every response by d.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Hits returns how many requests reached path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// RevokeAll invalidates every issued token.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]string)
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.instrument())

	api := r.Group("/api")
	api.POST("/auth/login", s.login)
	api.POST("/auth/register", s.register)
	api.GET("/hospitals", s.listHospitals)
	api.GET("/escorts", s.listEscorts)
	api.GET("/escorts/nearby", s.nearbyEscorts)
	api.GET("/services/recommended", s.recommendedServices)

	authed := api.Group("", s.requireAuth())
	authed.POST("/appointments", s.createAppointment)
	authed.GET("/appointments/user", s.userAppointments)

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "route not found")
	})
	return r
}

// instrument counts hits, applies latency and serves injected faults.
func (s *Server) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := strings.TrimPrefix(c.Request.URL.Path, "/api")

		s.mu.Lock()
		s.hits[path]++
		latency := s.latency
		var status int
		if f, ok := s.faults[path]; ok && f.remaining > 0 {
			f.remaining--
			status = f.status
		}
		s.mu.Unlock()

		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-c.Request.Context().Done():
				c.Abort()
				return
			}
		}
		if status != 0 {
			fail(c, status, http.StatusText(status))
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" {
			fail(c, http.StatusUnauthorized, "authentication required")
			c.Abort()
			return
		}
		s.mu.Lock()
		userID, found := s.tokens[token]
		s.mu.Unlock()
		if !found {
			fail(c, http.StatusUnauthorized, "session expired")
			c.Abort()
			return
		}
		c.Set("userID", userID)
		c.Next()
	}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, medimate.Envelope{Success: true, Data: mustJSON(data)})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, medimate.Envelope{Success: false, Error: msg})
}

func rejected(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, medimate.Envelope{Success: false, Message: msg})
}

type loginRequest struct {
	Email    string            `json:"email" binding:"required"`
	Password string            `json:"password" binding:"required"`
	Role     medimate.UserRole `json:"role"`
}

type registerRequest struct {
	loginRequest
	Name  string `json:"name" binding:"required"`
	Phone string `json:"phone" binding:"required"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	rec, found := s.users[strings.ToLower(req.Email)]
	s.mu.Unlock()
	if !found || rec.Password != req.Password || (req.Role != "" && req.Role != rec.User.Role) {
		rejected(c, "invalid email, password or role")
		return
	}
	ok(c, s.issue(rec.User))
}

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	role := req.Role
	if role == "" {
		role = medimate.RolePatient
	}

	key := strings.ToLower(req.Email)
	s.mu.Lock()
	if _, exists := s.users[key]; exists {
		s.mu.Unlock()
		rejected(c, "email already registered")
		return
	}
	user := medimate.User{ID: "u-" + uuid.NewString()[:8], Name: req.Name, Email: req.Email, Role: role, Phone: req.Phone}
	s.users[key] = userRecord{User: user, Password: req.Password}
	s.mu.Unlock()

	ok(c, s.issue(user))
}

func (s *Server) issue(user medimate.User) medimate.AuthResponse {
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = user.ID
	s.mu.Unlock()
	return medimate.AuthResponse{
		Token:     token,
		User:      user,
		ExpiresAt: s.now().Add(sessionLifetime).UnixMilli(),
	}
}

func (s *Server) listHospitals(c *gin.Context) {
	q := strings.ToLower(c.Query("q"))
	out := make([]medimate.Hospital, 0, len(s.hospitals))
	for _, h := range s.hospitals {
		if q == "" || strings.Contains(strings.ToLower(h.Name), q) {
			out = append(out, h)
		}
	}
	ok(c, out)
}

func (s *Server) listEscorts(c *gin.Context) {
	certifiedOnly := c.Query("certified") == "true"
	out := make([]medimate.Escort, 0, len(s.escorts))
	for _, e := range s.escorts {
		if certifiedOnly && !e.IsCertified {
			continue
		}
		out = append(out, e.Escort)
	}
	ok(c, out)
}

func (s *Server) nearbyEscorts(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("latitude"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("longitude"), 64)
	if errLat != nil || errLng != nil {
		fail(c, http.StatusBadRequest, "latitude and longitude are required")
		return
	}
	radius := defaultNearbyRadius
	if raw := c.Query("radius"); raw != "" {
		r, err := strconv.ParseFloat(raw, 64)
		if err != nil || r <= 0 {
			fail(c, http.StatusBadRequest, "radius must be a positive number")
			return
		}
		radius = r
	}

	type ranked struct {
		escort   medimate.Escort
		distance float64
	}
	var hits []ranked
	for _, e := range s.escorts {
		d := haversineKm(lat, lng, e.Latitude, e.Longitude)
		if d <= radius {
			escort := e.Escort
			escort.Distance = fmt.Sprintf("%.1fkm", d)
			hits = append(hits, ranked{escort: escort, distance: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].distance < hits[j].distance })

	out := make([]medimate.Escort, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.escort)
	}
	ok(c, out)
}

func (s *Server) recommendedServices(c *gin.Context) {
	ok(c, s.services)
}

func (s *Server) createAppointment(c *gin.Context) {
	var req medimate.AppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	var hospital string
	for _, h := range s.hospitals {
		if h.ID == req.HospitalID {
			hospital = h.Name
		}
	}
	if hospital == "" {
		rejected(c, "unknown hospital")
		return
	}

	userID := c.GetString("userID")
	appointment := medimate.Appointment{
		ID:          "a-" + uuid.NewString()[:8],
		ServiceType: req.ServiceType,
		Hospital:    hospital,
		Date:        req.Date,
		Status:      medimate.StatusPending,
		Price:       servicePrice(req.ServiceType),
		EscortID:    req.EscortID,
	}
	if req.EscortID != "" {
		appointment.Status = medimate.StatusMatched
	}

	s.mu.Lock()
	s.appointments[userID] = append(s.appointments[userID], appointment)
	s.mu.Unlock()

	ok(c, appointment)
}

func (s *Server) userAppointments(c *gin.Context) {
	userID := c.GetString("userID")
	s.mu.Lock()
	out := append([]medimate.Appointment{}, s.appointments[userID]...)
	s.mu.Unlock()
	ok(c, out)
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
