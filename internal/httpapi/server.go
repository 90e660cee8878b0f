// Package httpapi exposes health, scheduler control and reservation
// endpoints over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/nhle/taskbot/internal/model"
	"github.com/nhle/taskbot/internal/reservation"
	"github.com/nhle/taskbot/internal/scheduler"
	"github.com/nhle/taskbot/internal/service"
)

// Server wires the HTTP routes to the bot components.
type Server struct {
	sched *scheduler.Scheduler
	wf    *reservation.Workflow
	svc   *service.Service
	log   logrus.FieldLogger
}

// NewServer creates a Server.
func NewServer(
	sched *scheduler.Scheduler,
	wf *reservation.Workflow,
	svc *service.Service,
	log logrus.FieldLogger,
) *Server {
	return &Server{sched: sched, wf: wf, svc: svc, log: log}
}

// Router returns the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.HandleFunc("/scheduler/status", s.schedulerStatus).Methods(http.MethodGet)
	r.HandleFunc("/scheduler/run", s.schedulerRun).Methods(http.MethodPost)
	r.HandleFunc("/reservations/{userID}", s.beginReservation).Methods(http.MethodPost)
	r.HandleFunc("/reservations/{userID}/input", s.submitReservation).Methods(http.MethodPost)
	r.HandleFunc("/users/{userID}/tasks", s.userTasks).Methods(http.MethodGet)
	r.Use(s.logRequests)
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("http server listening")
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

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type passResponse struct {
	Reminders24h int  `json:"reminders_24h"`
	Reminders2h  int  `json:"reminders_2h"`
	Started      int  `json:"started"`
	Expired      int  `json:"expired"`
	Released     int  `json:"released"`
	Removed      int  `json:"removed"`
	Skipped      int  `json:"skipped"`
	Persisted    bool `json:"persisted"`
	Sent         int  `json:"sent"`
	Failed       int  `json:"failed"`
}

func toPassResponse(r scheduler.PassResult) passResponse {
	return passResponse{
		Reminders24h: r.Reminders24h,
		Reminders2h:  r.Reminders2h,
		Started:      r.Started,
		Expired:      r.Expired,
		Released:     r.Released,
		Removed:      r.Removed,
		Skipped:      r.Skipped,
		Persisted:    r.Persisted,
		Sent:         r.Delivery.Sent,
		Failed:       r.Delivery.Failed,
	}
}

type statusResponse struct {
	State     string       `json:"state"`
	LastRun   *time.Time   `json:"last_run,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Passes    int          `json:"passes"`
	Last      passResponse `json:"last"`
}

func (s *Server) schedulerStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.sched.Status()
	resp := statusResponse{
		State:  st.State.String(),
		Passes: st.Passes,
		Last:   toPassResponse(st.Last),
	}
	if !st.LastRun.IsZero() {
		resp.LastRun = &st.LastRun
	}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) schedulerRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.sched.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "scheduler pass failed")
		return
	}
	writeJSON(w, http.StatusOK, toPassResponse(res))
}

type outcomeResponse struct {
	Awaiting  string   `json:"awaiting,omitempty"`
	Result    string   `json:"result,omitempty"`
	Message   string   `json:"message"`
	Choices   []string `json:"choices,omitempty"`
	TaskIDs   []int    `json:"task_ids,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

func toOutcomeResponse(out reservation.Outcome) outcomeResponse {
	resp := outcomeResponse{
		Message:   out.Message,
		Choices:   out.Choices,
		SessionID: out.SessionID,
	}
	if out.Done() {
		resp.Result = out.Result.String()
	} else {
		resp.Awaiting = out.Awaiting.String()
	}
	for _, t := range out.Tasks {
		resp.TaskIDs = append(resp.TaskIDs, t.ID)
	}
	return resp
}

func (s *Server) beginReservation(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeResponse(s.wf.Begin(r.Context(), userID)))
}

type inputRequest struct {
	Text string `json:"text"`
}

func (s *Server) submitReservation(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeResponse(s.wf.Submit(r.Context(), userID, req.Text)))
}

func (s *Server) userTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	if _, err := s.svc.PointsOf(r.Context(), userID); err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading user failed")
		return
	}
	tasks, err := s.svc.MyTasks(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading tasks failed")
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["userID"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
