package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medimate/medimate-go"
	"github.com/medimate/medimate-go/assistant"
	"github.com/medimate/medimate-go/internal/mockserver"
)

func (c *cli) loginCommand() *cobra.Command {
	var creds medimate.LoginCredentials
	var role string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = c.api(func(ctx context.Context, api *medimate.API, out io.Writer) error {
		creds.Role = medimate.UserRole(strings.ToUpper(role))
		resp, err := api.Login(ctx, creds)
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(out, "Logged in as %s (%s)\n", resp.User.Name, resp.User.Role)
		return nil
	})
	cmd.Flags().StringVar(&creds.Email, "email", "", "account email")
	cmd.Flags().StringVar(&creds.Password, "password", "", "account password")
	cmd.Flags().StringVar(&role, "role", string(medimate.RolePatient), "GUEST, PATIENT or ESCORT")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func (c *cli) registerCommand() *cobra.Command {
	var data medimate.RegisterData
	var role string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and store its session",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = c.api(func(ctx context.Context, api *medimate.API, out io.Writer) error {
		data.Role = medimate.UserRole(strings.ToUpper(role))
		resp, err := api.Register(ctx, data)
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(out, "Registered %s (%s)\n", resp.User.Email, resp.User.ID)
		return nil
	})
	cmd.Flags().StringVar(&data.Email, "email", "", "account email")
	cmd.Flags().StringVar(&data.Password, "password", "", "account password")
	cmd.Flags().StringVar(&data.Name, "name", "", "display name")
	cmd.Flags().StringVar(&data.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&role, "role", string(medimate.RolePatient), "GUEST, PATIENT or ESCORT")
	for _, name := range []string{"email", "password", "name", "phone"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (c *cli) logoutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = c.api(func(ctx context.Context, api *medimate.API, out io.Writer) error {
		if err := api.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Logged out")
		return nil
	})
	return cmd
}

func (c *cli) whoamiCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in user",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = c.api(func(ctx context.Context, api *medimate.API, out io.Writer) error {
		user, err := api.GetUser(ctx)
		if errors.Is(err, medimate.ErrNoSession) {
			return errors.New("not logged in")
		}
		if err != nil {
			return err
		}
		return printJSON(out, user)
	})
	return cmd
}

func (c *cli) hospitalsCommand() *cobra.Command {
	var query string

	cmd := &cobra.Command{
		Use:   "hospitals",
		Short: "List partner hospitals",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = c.api(func(ctx context.Context, api *medimate.API, out io.Writer) error {
		params := url.Values{}
		if query != "" {
			params.Set("q", query)
		}
		return printJSON(out, api.GetHospitals(ctx, params))
	})
	cmd.Flags().StringVarP(&query, "query", "q", "", "filter by name")
	return cmd
}

func (c *cli) escortsCommand() *cobra.Command {
	var certified bool

	cmd := &cobra.Command{
		Use:   "escorts",
		Short: "List escorts",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = c.api(func(ctx context.Context, api *medimate.API, out io.Writer) error {
		params := url.Values{}
		if certified {
			params.Set("certified", "true")
		}
		return printJSON(out, api.GetEscorts(ctx, params))
	})
	cmd.Flags().BoolVar(&certified, "certified", false, "only certified escorts")
	return cmd
}

func (c *cli) nearbyCommand() *cobra.Command {
	var q medimate.DashboardQuery

	cmd := &cobra.Command{
		Use:   "nearby",
		Short: "List escorts near a position",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = c.api(func(ctx context.Context, api *medimate.API, out io.Writer) error {
		escorts := api.GetNearbyEscorts(ctx, q.Latitude, q.Longitude, q.Radius)
		if len(escorts) == 0 {
			fmt.Fprintln(out, "No escorts nearby")
			return nil
		}
		return printJSON(out, escorts)
	})
	positionFlags(cmd, &q)
	return cmd
}

func (c *cli) servicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "List recommended services",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = c.api(func(ctx context.Context, api *medimate.API, out io.Writer) error {
		return printJSON(out, api.GetRecommendedServices(ctx, nil))
	})
	return cmd
}

func (c *cli) appointmentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "appointments",
		Short: "List your appointments",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = c.api(func(ctx context.Context, api *medimate.API, out io.Writer) error {
		if !api.IsLoggedIn(ctx) {
			return errors.New("not logged in")
		}
		return printJSON(out, api.GetUserAppointments(ctx))
	})
	return cmd
}

func (c *cli) bookCommand() *cobra.Command {
	var req medimate.AppointmentRequest
	var service string

	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book an escort service",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = c.api(func(ctx context.Context, api *medimate.API, out io.Writer) error {
		req.ServiceType = medimate.ServiceType(strings.ToUpper(service))
		appointment, err := api.CreateAppointment(ctx, req)
		if err != nil {
			return describe(err)
		}
		return printJSON(out, appointment)
	})
	cmd.Flags().StringVar(&service, "service", string(medimate.ServiceFullProcess), "FULL_PROCESS, APPOINTMENT, REPORT_PICKUP or VIP_TRANSPORT")
	cmd.Flags().StringVar(&req.HospitalID, "hospital", "", "hospital ID")
	cmd.Flags().StringVar(&req.Date, "date", "", "visit date, YYYY-MM-DD")
	cmd.Flags().StringVar(&req.EscortID, "escort", "", "preferred escort ID")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "notes for the escort")
	_ = cmd.MarkFlagRequired("hospital")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func (c *cli) dashboardCommand() *cobra.Command {
	var q medimate.DashboardQuery

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Load the patient home screen",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = c.api(func(ctx context.Context, api *medimate.API, out io.Writer) error {
		return printJSON(out, api.LoadPatientDashboard(ctx, q))
	})
	positionFlags(cmd, &q)
	return cmd
}

func (c *cli) askCommand() *cobra.Command {
	var triage bool
	var escort string

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Ask the MediMate assistant",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			message := strings.Join(args, " ")
			out := cmd.OutOrStdout()

			var text string
			switch {
			case triage:
				text = app.Assistant.HealthTriage(cmd.Context(), message)
			case escort != "":
				text = app.Assistant.MatchReasoning(cmd.Context(), message, escort)
			default:
				text = app.Assistant.Reply(cmd.Context(), message, []assistant.Turn{})
			}
			fmt.Fprintln(out, text)
			return nil
		},
	}
	cmd.Flags().BoolVar(&triage, "triage", false, "treat the message as symptoms and suggest a department")
	cmd.Flags().StringVar(&escort, "match-escort", "", "escort profile to explain a match against the message")
	cmd.MarkFlagsMutuallyExclusive("triage", "match-escort")
	return cmd
}

func (c *cli) mockServerCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Serve a local mock backend with seed data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = c.cfg.MockServer.Address
			}
			c.zl.Info("Mock backend listening", zap.String("address", addr), zap.String("base_url", "http://"+hostPort(addr)+"/api"))
			return mockserver.New().Run(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides mock_server.address)")
	return cmd
}

func positionFlags(cmd *cobra.Command, q *medimate.DashboardQuery) {
	cmd.Flags().Float64Var(&q.Latitude, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&q.Longitude, "lng", 0, "longitude")
	cmd.Flags().Float64Var(&q.Radius, "radius", 0, "search radius in km (server default when 0)")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
}

func hostPort(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
