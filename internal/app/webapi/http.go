package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/listkeep/listkeep/internal/app/sharing"
	"github.com/listkeep/listkeep/internal/app/tasklist"
	"github.com/listkeep/listkeep/internal/platform/auth"
	"github.com/listkeep/listkeep/internal/platform/metrics"
	"github.com/listkeep/listkeep/services/frontend"
)

var (
	requestsTotal = metrics.NewCounter(metrics.Opts{
		Name: "listkeep_http_requests_total",
		Help: "HTTP requests handled.",
	})
	invitesAcceptedTotal = metrics.NewCounter(metrics.Opts{
		Name: "listkeep_invites_accepted_total",
		Help: "Share invites redeemed successfully.",
	})
)

func init() {
	metrics.Default.MustRegister(requestsTotal, invitesAcceptedTotal)
}

type Handler struct {
	Lists    *tasklist.Service
	Shares   *sharing.Service
	Sessions auth.Manager
	Log      zerolog.Logger

	Version string
	// HostLoginURL is where unauthenticated browser requests to the board
	// are redirected. Empty means respond 401 instead.
	HostLoginURL string
	Now          func() time.Time
}

func NewHandler(lists *tasklist.Service, shares *sharing.Service, sessions auth.Manager, logger zerolog.Logger, version string) *Handler {
	return &Handler{
		Lists:    lists,
		Shares:   shares,
		Sessions: sessions,
		Log:      logger,
		Version:  version,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestLogger)

	r.Get("/share/accept", h.handleAcceptInvite)
	r.Handle("/static/*", http.StripPrefix("/static/", frontend.Assets()))

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Get("/", h.handleBoard)
		authR.Get("/api/v1/bootstrap", h.handleBootstrap)

		authR.Get("/api/v1/lists", h.handleListLists)
		authR.Post("/api/v1/lists", h.handleCreateList)
		authR.Put("/api/v1/lists/order", h.handleReorderLists)
		authR.Put("/api/v1/lists/{listID}", h.handleRenameList)
		authR.Delete("/api/v1/lists/{listID}", h.handleDeleteList)
		authR.Delete("/api/v1/lists/{listID}/completed", h.handlePurgeCompleted)
		authR.Put("/api/v1/lists/{listID}/tasks/order", h.handleReorderTasks)
		authR.Post("/api/v1/lists/{listID}/share", h.handleShareList)

		authR.Get("/api/v1/tasks", h.handleListTasks)
		authR.Post("/api/v1/tasks", h.handleCreateTask)
		authR.Put("/api/v1/tasks/{taskID}", h.handleUpdateTask)
		authR.Delete("/api/v1/tasks/{taskID}", h.handleDeleteTask)
	})

	return r
}

type nameRequest struct {
	Name string `json:"name"`
}

type orderRequest struct {
	Order []string `json:"order"`
}

type shareRequest struct {
	Email string `json:"email"`
}

type bootstrapMeta struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type bootstrapResponse struct {
	Meta    bootstrapMeta    `json:"meta"`
	Lists   []tasklist.List  `json:"lists"`
	Tasks   []tasklist.Task  `json:"tasks"`
	Invites []sharing.Invite `json:"invites,omitempty"`
}

func (h *Handler) handleBoard(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	lists, err := h.Lists.Lists(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	tasks, err := h.Lists.Tasks(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := frontend.BoardPage(claims.Email, lists, tasks).Render(r.Context(), w); err != nil {
		h.Log.Error().Err(err).Msg("board render failed")
	}
}

func (h *Handler) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	lists, err := h.Lists.Lists(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	tasks, err := h.Lists.Tasks(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := bootstrapResponse{
		Meta:  bootstrapMeta{Version: h.Version, UpdatedAt: h.Now()},
		Lists: lists,
		Tasks: tasks,
	}
	if claims.HasScope(auth.ScopeSync) {
		invites, err := h.Shares.InvitesForUser(r.Context(), claims.Subject)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		resp.Invites = invites
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListLists(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	lists, err := h.Lists.Lists(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"lists": lists})
}

func (h *Handler) handleCreateList(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	list, err := h.Lists.CreateList(r.Context(), claims.Subject, req.Name)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, list)
}

func (h *Handler) handleRenameList(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	list, err := h.Lists.RenameList(r.Context(), claims.Subject, chi.URLParam(r, "listID"), req.Name)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleDeleteList(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if err := h.Lists.DeleteList(r.Context(), claims.Subject, chi.URLParam(r, "listID")); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReorderLists(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	if err := h.Lists.ReorderLists(r.Context(), claims.Subject, req.Order); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePurgeCompleted(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	purged, err := h.Lists.PurgeCompleted(r.Context(), claims.Subject, chi.URLParam(r, "listID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

func (h *Handler) handleReorderTasks(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	if err := h.Lists.ReorderTasks(r.Context(), claims.Subject, chi.URLParam(r, "listID"), req.Order); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleShareList(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	caller := sharing.Caller{UserID: claims.Subject, Email: claims.Email}

	result, err := h.Shares.Share(r.Context(), caller, chi.URLParam(r, "listID"), req.Email)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusAccepted, result)
	case errors.Is(err, sharing.ErrMailerNotConfigured):
		// The invite row survives so the link can still be sent later.
		h.writeJSON(w, http.StatusNotImplemented, map[string]any{
			"error":     sharing.ErrMailerNotConfigured.Error(),
			"invite_id": result.InviteID,
		})
	case errors.Is(err, sharing.ErrDeliveryFailed):
		h.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":     sharing.ErrDeliveryFailed.Error(),
			"invite_id": result.InviteID,
		})
	default:
		h.writeServiceError(w, err)
	}
}

func (h *Handler) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	var caller sharing.Caller
	if token := auth.TokenFromRequest(r); token != "" {
		if claims, err := h.Sessions.Parse(token); err == nil {
			caller = sharing.Caller{UserID: claims.Subject, Email: claims.Email}
		}
	}

	outcome, err := h.Shares.Redeem(r.Context(), caller, r.URL.Query().Get("token"))
	status := http.StatusOK
	title := "List copied"
	message := "The shared list and its tasks are now in your account."
	switch {
	case err == nil:
		invitesAcceptedTotal.Inc()
		message = "The list " + strconv.Quote(outcome.List.Name) + " and its tasks are now in your account."
	case errors.Is(err, sharing.ErrAlreadyAccepted):
		status = http.StatusConflict
		title = "Already accepted"
		message = "This invitation was already used. The list is in your account."
	default:
		status = statusForError(err)
		title = "Invitation not accepted"
		message = err.Error()
		if status == http.StatusInternalServerError {
			h.Log.Error().Err(err).Msg("invite redemption failed")
			message = "Something went wrong on our side. Please try the link again."
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := frontend.OutcomePage(title, message).Render(r.Context(), w); err != nil {
		h.Log.Error().Err(err).Msg("outcome render failed")
	}
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	tasks, err := h.Lists.Tasks(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req tasklist.TaskInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	task, err := h.Lists.CreateTask(r.Context(), claims.Subject, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req tasklist.TaskInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	task, err := h.Lists.UpdateTask(r.Context(), claims.Subject, chi.URLParam(r, "taskID"), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if err := h.Lists.DeleteTask(r.Context(), claims.Subject, chi.URLParam(r, "taskID")); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, tasklist.ErrNameRequired),
		errors.Is(err, tasklist.ErrTitleRequired),
		errors.Is(err, tasklist.ErrListRequired),
		errors.Is(err, tasklist.ErrInvalidOrder),
		errors.Is(err, tasklist.ErrOrderMismatch),
		errors.Is(err, tasklist.ErrInvalidRecurrence),
		errors.Is(err, sharing.ErrInvalidEmail),
		errors.Is(err, sharing.ErrTokenRequired):
		return http.StatusBadRequest
	case errors.Is(err, sharing.ErrSignInRequired):
		return http.StatusUnauthorized
	case errors.Is(err, sharing.ErrWrongAccount):
		return http.StatusForbidden
	case errors.Is(err, tasklist.ErrNotFound),
		errors.Is(err, sharing.ErrInviteNotFound):
		return http.StatusNotFound
	case errors.Is(err, sharing.ErrAlreadyAccepted):
		return http.StatusConflict
	case errors.Is(err, sharing.ErrInviteRevoked),
		errors.Is(err, sharing.ErrInviteExpired),
		errors.Is(err, sharing.ErrListUnavailable):
		return http.StatusGone
	case errors.Is(err, sharing.ErrMailerNotConfigured):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.Log.Error().Err(err).Msg("request failed")
		h.writeError(w, status, "internal error")
		return
	}
	h.writeError(w, status, err.Error())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		requestsTotal.Inc()
		h.Log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.TokenFromRequest(r)
		if token == "" {
			h.rejectUnauthenticated(w, r, "missing session token")
			return
		}
		claims, err := h.Sessions.Parse(token)
		if err != nil {
			h.rejectUnauthenticated(w, r, "invalid session token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
	})
}

// Browser requests for the board bounce to the host sign-in page; API
// clients get a plain 401.
func (h *Handler) rejectUnauthenticated(w http.ResponseWriter, r *http.Request, msg string) {
	if r.URL.Path == "/" && h.HostLoginURL != "" {
		http.Redirect(w, r, h.HostLoginURL, http.StatusFound)
		return
	}
	h.writeError(w, http.StatusUnauthorized, msg)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims auth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) auth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(auth.Claims)
	return claims
}
