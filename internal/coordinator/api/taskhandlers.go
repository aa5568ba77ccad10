package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/taskmesh/taskmesh-backend/internal/coordinator"
	"github.com/taskmesh/taskmesh-backend/pkg/logging"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// Handler carries the coordinator into the HTTP layer.
type Handler struct {
	coord  *coordinator.Coordinator
	logger logging.Logger
}

func NewHandler(coord *coordinator.Coordinator, logger logging.Logger) *Handler {
	return &Handler{coord: coord, logger: logger}
}

func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var task types.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		h.logger.Errorf("[SubmitTask] Error decoding request body: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := h.coord.SubmitTask(r.Context(), &task)
	if err != nil {
		h.respondError(w, "SubmitTask", err)
		return
	}

	h.logger.Infof("[SubmitTask] Accepted task %s", created.TaskID)
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	task, err := h.coord.GetTask(r.Context(), taskID)
	if err != nil {
		h.respondError(w, "GetTask", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	ids, err := h.coord.ListTaskIDs(r.Context(), types.TaskStatus(status))
	if err != nil {
		h.respondError(w, "ListTasks", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		TaskIDs []string `json:"task_ids"`
	}{TaskIDs: ids})
}

func (h *Handler) SubmitOutput(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	var req struct {
		MinerAddress string                 `json:"miner_address"`
		Payload      map[string]interface{} `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Errorf("[SubmitOutput] Error decoding request body: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	output, err := h.coord.AddMinerOutput(r.Context(), taskID, req.MinerAddress, req.Payload)
	if err != nil {
		h.respondError(w, "SubmitOutput", err)
		return
	}

	h.logger.Infof("[SubmitOutput] Task %s accepted output %s", taskID, output.OutputID)
	writeJSON(w, http.StatusCreated, output)
}

func (h *Handler) SubmitEvaluation(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	var eval types.Evaluation
	if err := json.NewDecoder(r.Body).Decode(&eval); err != nil {
		h.logger.Errorf("[SubmitEvaluation] Error decoding request body: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// The signature covers the task id, so the body value wins as long as
	// it addresses the same task as the route.
	if eval.TaskID == "" {
		eval.TaskID = taskID
	}
	if eval.TaskID != taskID {
		http.Error(w, "task id in body does not match route", http.StatusBadRequest)
		return
	}

	if err := h.coord.AddValidatorEvaluation(r.Context(), eval); err != nil {
		h.respondError(w, "SubmitEvaluation", err)
		return
	}

	h.logger.Infof("[SubmitEvaluation] Task %s accepted evaluation from %s", taskID, eval.ValidatorAddress)
	writeJSON(w, http.StatusCreated, eval)
}

func (h *Handler) ProcessTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	h.logger.Infof("[ProcessTask] Processing evaluations for task %s", taskID)

	result, err := h.coord.ProcessEvaluations(r.Context(), taskID)
	if err != nil {
		h.respondError(w, "ProcessTask", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) SelectOutput(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	var req struct {
		OutputID   string `json:"output_id"`
		SelectedBy string `json:"selected_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Errorf("[SelectOutput] Error decoding request body: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	task, err := h.coord.AddHumanSelection(r.Context(), taskID, req.OutputID, req.SelectedBy)
	if err != nil {
		h.respondError(w, "SelectOutput", err)
		return
	}

	h.logger.Infof("[SelectOutput] Task %s resolved by selection of %s", taskID, req.OutputID)
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) RejectTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	var req struct {
		RejectedBy string `json:"rejected_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Errorf("[RejectTask] Error decoding request body: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	redo, err := h.coord.UserRejectAndRedo(r.Context(), taskID, req.RejectedBy)
	if err != nil {
		h.respondError(w, "RejectTask", err)
		return
	}

	h.logger.Infof("[RejectTask] Task %s rejected, redo round %s created", taskID, redo.TaskID)
	writeJSON(w, http.StatusCreated, redo)
}

func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	task, err := h.coord.MarkTaskPaid(r.Context(), taskID)
	if err != nil {
		h.respondError(w, "MarkPaid", err)
		return
	}

	h.logger.Infof("[MarkPaid] Task %s payment released", taskID)
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) GetAnchor(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	binding, err := h.coord.AnchorBinding(r.Context(), taskID)
	if err != nil {
		h.respondError(w, "GetAnchor", err)
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// respondError logs and writes a typed coordinator error with its mapped
// status code. Server-side failures log at error level, client mistakes
// at warn.
func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Errorf("[%s] %v", op, err)
	} else {
		h.logger.Warnf("[%s] %v", op, err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
