package medimate

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// API exposes the MediMate booking operations over a Client.
type API struct {
	client *Client
	logger Logger
}

// NewAPI wraps client.
func NewAPI(client *Client) *API {
	return &API{
		client: client,
		logger: client.Logger(),
	}
}

// Client returns the underlying client.
func (a *API) Client() *Client {
	return a.client
}

// Login authenticates and stores the session. It is sent exactly once:
// never retried, cached or coalesced.
func (a *API) Login(ctx context.Context, creds LoginCredentials) (*AuthResponse, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return a.authenticate(ctx, "/auth/login", creds)
}

// Register creates an account and stores its session. Same delivery rules as
// Login.
func (a *API) Register(ctx context.Context, data RegisterData) (*AuthResponse, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}
	return a.authenticate(ctx, "/auth/register", data)
}

func (a *API) authenticate(ctx context.Context, path string, body any) (*AuthResponse, error) {
	ctx = WithContextNoRetry(WithContextNoDedup(WithContextCacheDisabled(ctx)))

	var resp AuthResponse
	if err := a.client.PostJSON(ctx, path, body, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, &ClientError{
			Type:      ErrorTypeRequestFailed,
			Message:   "authentication response carried no token",
			Method:    "POST",
			Endpoint:  path,
			Timestamp: time.Now(),
		}
	}

	if err := a.client.TokenStore().Set(ctx, resp.Session()); err != nil {
		return nil, &ClientError{
			Type:      ErrorTypeClient,
			Message:   "failed to store session",
			Cause:     err,
			Method:    "POST",
			Endpoint:  path,
			Timestamp: time.Now(),
		}
	}
	// Reads cached under a previous identity must not leak into this one.
	a.client.ClearCache(ctx)

	a.logger.Info("Logged in", "userID", resp.User.ID, "role", resp.User.Role)
	return &resp, nil
}

// Logout clears the session, every cached read and every pending read.
func (a *API) Logout(ctx context.Context) error {
	err := a.client.TokenStore().Clear(ctx)
	a.client.ClearCache(ctx)
	a.client.InFlight().Reset()
	return err
}

// Session returns the stored session, or nil when logged out.
func (a *API) Session(ctx context.Context) (*Session, error) {
	return a.client.TokenStore().Get(ctx)
}

// GetUser returns the logged-in user, or ErrNoSession.
func (a *API) GetUser(ctx context.Context) (*User, error) {
	session, err := a.Session(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNoSession
	}
	user := session.User
	return &user, nil
}

// IsLoggedIn reports whether a valid session is stored.
func (a *API) IsLoggedIn(ctx context.Context) bool {
	session, err := a.Session(ctx)
	return err == nil && session != nil
}

// GetHospitals lists partner hospitals. It never fails: on error the
// failure is logged and an empty list returned.
func (a *API) GetHospitals(ctx context.Context, params url.Values) []Hospital {
	return listOrEmpty[Hospital](ctx, a, "/hospitals", params, "hospitals")
}

// GetEscorts lists escorts, degrading to an empty list.
func (a *API) GetEscorts(ctx context.Context, params url.Values) []Escort {
	return listOrEmpty[Escort](ctx, a, "/escorts", params, "escorts")
}

// GetRecommendedServices lists recommended services, degrading to an empty
// list.
func (a *API) GetRecommendedServices(ctx context.Context, params url.Values) []RecommendedService {
	return listOrEmpty[RecommendedService](ctx, a, "/services/recommended", params, "recommended services")
}

// GetNearbyEscorts lists escorts around a position. A radius <= 0 lets the
// server choose. An empty result is a success, not a failure.
func (a *API) GetNearbyEscorts(ctx context.Context, latitude, longitude, radius float64) []Escort {
	params := url.Values{}
	params.Set("latitude", formatFloat(latitude))
	params.Set("longitude", formatFloat(longitude))
	if radius > 0 {
		params.Set("radius", formatFloat(radius))
	}
	return listOrEmpty[Escort](ctx, a, "/escorts/nearby", params, "nearby escorts")
}

// GetUserAppointments lists the logged-in user's bookings, degrading to an
// empty list.
func (a *API) GetUserAppointments(ctx context.Context) []Appointment {
	return listOrEmpty[Appointment](ctx, a, "/appointments/user", nil, "user appointments")
}

// CreateAppointment books a service. It is never cached or coalesced and
// failures propagate. On success cached appointment reads are dropped.
func (a *API) CreateAppointment(ctx context.Context, req AppointmentRequest) (*Appointment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var appointment Appointment
	if err := a.client.PostJSON(ctx, "/appointments", req, &appointment); err != nil {
		a.logger.Error("Failed to create appointment", "error", err)
		return nil, err
	}

	a.client.ClearCacheForEndpoint(ctx, "/appointments")
	return &appointment, nil
}

// ClearCacheForEndpoint drops cached reads whose path contains endpoint.
func (a *API) ClearCacheForEndpoint(ctx context.Context, endpoint string) int {
	return a.client.ClearCacheForEndpoint(ctx, endpoint)
}

// ClearAllCache drops every cached read.
func (a *API) ClearAllCache(ctx context.Context) {
	a.client.ClearCache(ctx)
}

// LoadPatientDashboard loads the patient home screen concurrently.
func (a *API) LoadPatientDashboard(ctx context.Context, query DashboardQuery) *Dashboard {
	dashboard := &Dashboard{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dashboard.Hospitals = a.GetHospitals(gctx, nil)
		return nil
	})
	g.Go(func() error {
		dashboard.Services = a.GetRecommendedServices(gctx, nil)
		return nil
	})
	g.Go(func() error {
		dashboard.NearbyEscorts = a.GetNearbyEscorts(gctx, query.Latitude, query.Longitude, query.Radius)
		return nil
	})
	g.Go(func() error {
		dashboard.Appointments = a.GetUserAppointments(gctx)
		return nil
	})
	_ = g.Wait()

	return dashboard
}

func listOrEmpty[T any](ctx context.Context, a *API, path string, params url.Values, what string) []T {
	var items []T
	if err := a.client.GetJSON(ctx, path, params, &items); err != nil {
		a.logger.Warn("Failed to get "+what, "error", err, "message", Message(err))
		return []T{}
	}
	if items == nil {
		return []T{}
	}
	return items
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
