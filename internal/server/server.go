// Package server is the HTTP surface of tenantbox: tenant-scoped endpoints
// routed by Host header, and administrative endpoints for provisioning and
// migrations.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/shinji-kodama/tenantbox/internal/model"
	"github.com/shinji-kodama/tenantbox/internal/provision"
	"github.com/shinji-kodama/tenantbox/internal/router"
)

// Server holds the chi router and the services behind it.
type Server struct {
	Router *chi.Mux

	svc      *provision.Service
	rt       *router.Router
	gatherer prometheus.Gatherer
	validate *validator.Validate
}

// New creates a Server and mounts its handlers. gatherer backs /metrics;
// nil disables the endpoint.
func New(svc *provision.Service, rt *router.Router, gatherer prometheus.Gatherer) *Server {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	s := &Server{
		Router:   chi.NewRouter(),
		svc:      svc,
		rt:       rt,
		gatherer: gatherer,
		validate: v,
	}
	s.MountHandlers()
	return s
}

// MountHandlers installs middleware and routes.
func (s *Server) MountHandlers() {
	s.Router.Use(RequestLogger)
	s.Router.Use(PanicHandler)

	s.Router.Get("/healthz", s.getHealth)
	if s.gatherer != nil {
		s.Router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.Router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware(s.rt))
		r.Get("/tenant", s.getTenant)
		r.Get("/tenant/users", s.getTenantUsers)
	})

	s.Router.Route("/tenants", func(r chi.Router) {
		r.Get("/", s.listTenants)
		r.Post("/", s.createTenant)
		r.Post("/generate-migration", s.generateMigration)
		r.Post("/apply-migrations", s.applyMigrations)
		r.Get("/{domain}/migrations", s.getMigrationStatus)
		r.Post("/{domain}/apply-migrations", s.applyTenantMigrations)
		r.Delete("/{domain}", s.decommission)
	})
}

// Run serves on addr until ctx ends, then gives in-flight requests five
// seconds to finish.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Ctx(ctx).Info().Str("addr", addr).Msg("server started")
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("could not stop server gracefully")
		return srv.Close()
	}
	log.Ctx(ctx).Info().Msg("server stopped")
	return nil
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ready"})
}

type tenantResponse struct {
	Message string        `json:"message"`
	Tenant  *model.Tenant `json:"tenant"`
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	sendJSON(r.Context(), w, http.StatusOK, tenantResponse{
		Message: "Tenant Info Retrieved Successfully",
		Tenant:  TenantFromContext(r.Context()),
	})
}

// User is a row of a tenant's users table.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

const selectUsersSQL = `SELECT id, email, name, created_at FROM users ORDER BY id`

func (s *Server) getTenantUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rows, err := ConnFromContext(ctx).Query(ctx, selectUsersSQL)
	if err != nil {
		sendError(ctx, w, err)
		return
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt); err != nil {
			sendError(ctx, w, err)
			return
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		sendError(ctx, w, err)
		return
	}
	sendJSON(ctx, w, http.StatusOK, users)
}

// CreateTenantRequest is the body of POST /tenants.
type CreateTenantRequest struct {
	Name   string `json:"name" validate:"required,max=200"`
	Domain string `json:"domain" validate:"required,hostname_rfc1123|ip"`
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreateTenantRequest
	if err := s.bind(r, &req); err != nil {
		sendError(ctx, w, err)
		return
	}

	t, err := s.svc.CreateTenant(ctx, req.Name, req.Domain)
	if err != nil {
		sendError(ctx, w, err)
		return
	}
	sendJSON(ctx, w, http.StatusCreated, tenantResponse{Message: "Tenant created successfully", Tenant: t})
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.svc.List(r.Context())
	if err != nil {
		sendError(r.Context(), w, err)
		return
	}
	if tenants == nil {
		tenants = []*model.Tenant{}
	}
	sendJSON(r.Context(), w, http.StatusOK, map[string]any{"tenants": tenants})
}

// GenerateMigrationRequest is the body of POST /tenants/generate-migration.
type GenerateMigrationRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

func (s *Server) generateMigration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req GenerateMigrationRequest
	if err := s.bind(r, &req); err != nil {
		sendError(ctx, w, err)
		return
	}
	path, err := s.svc.GenerateMigration(req.Name)
	if err != nil {
		sendError(ctx, w, err)
		return
	}
	sendJSON(ctx, w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Migration %s generated successfully", req.Name),
		"path":    path,
	})
}

type applyResponse struct {
	Message string                      `json:"message"`
	Results []provision.MigrationResult `json:"results"`
}

func (s *Server) applyMigrations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	results, err := s.svc.ApplyMigrationsToAll(ctx)
	if err != nil {
		sendError(ctx, w, err)
		return
	}

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		sendJSON(ctx, w, http.StatusInternalServerError, applyResponse{
			Message: fmt.Sprintf("Migrations failed for %d of %d tenants", failed, len(results)),
			Results: results,
		})
		return
	}
	sendJSON(ctx, w, http.StatusOK, applyResponse{
		Message: "Migrations applied successfully to all tenants",
		Results: results,
	})
}

func (s *Server) applyTenantMigrations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := s.svc.ApplyMigrations(ctx, chi.URLParam(r, "domain"))
	if err != nil {
		if errors.Is(err, model.ErrTenantNotFound) {
			sendMessage(ctx, w, http.StatusNotFound, msgTenantNotFound)
			return
		}
		sendJSON(ctx, w, http.StatusInternalServerError, applyResponse{
			Message: "Migrations failed for " + res.Domain,
			Results: []provision.MigrationResult{res},
		})
		return
	}
	sendJSON(ctx, w, http.StatusOK, applyResponse{
		Message: "Migrations applied successfully to " + res.Domain,
		Results: []provision.MigrationResult{res},
	})
}

func (s *Server) getMigrationStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		sendError(r.Context(), w, err)
		return
	}
	sendJSON(r.Context(), w, http.StatusOK, st)
}

func (s *Server) decommission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	domain := chi.URLParam(r, "domain")
	if err := s.svc.Decommission(ctx, domain); err != nil {
		sendError(ctx, w, err)
		return
	}
	log.Ctx(ctx).Info().Str("domain", domain).Msg("tenant decommissioned via API")
	sendMessage(ctx, w, http.StatusOK, "Tenant "+model.NormalizeDomain(domain)+" decommissioned")
}

// bind decodes and validates a request body.
func (s *Server) bind(r *http.Request, v any) error {
	if err := decode(r, v); err != nil {
		return err
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q validation", fe.Field(), fe.Tag()))
			}
			return model.NewError(model.ExitInvalidInput, strings.Join(msgs, "; "))
		}
		return model.WrapError(model.ExitInvalidInput, "invalid request", err)
	}
	return nil
}
