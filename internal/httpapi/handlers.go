package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mcpgate/mcpgate/internal/dispatch"
	"github.com/mcpgate/mcpgate/internal/errs"
	"github.com/mcpgate/mcpgate/internal/eventbus"
	"github.com/mcpgate/mcpgate/internal/mcp"
	"github.com/mcpgate/mcpgate/internal/types"
)

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"templates": s.store.ListTemplates(),
	})
}

func (s *Server) handleUpsertTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl types.Template
	if err := decode(r, &tpl); err != nil {
		writeError(w, err)
		return
	}
	if err := tpl.Validate(); err != nil {
		writeError(w, errs.Wrap(errs.InvalidArgument, err, "invalid template"))
		return
	}
	_, existed := s.store.GetTemplate(tpl.Name)
	if err := s.store.SetTemplate(tpl); err != nil {
		writeError(w, err)
		return
	}
	s.publish(eventbus.EventTemplateUpdated, "", tpl.Name)
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"success": true, "template": tpl})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	tpl, ok := s.store.GetTemplate(name)
	if !ok {
		writeError(w, errs.New(errs.NotFound, "template %q not found", name))
		return
	}
	instances := s.store.ListInstancesByTemplate(name)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"template":  tpl,
		"instances": instances,
	})
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.store.RemoveTemplate(name); err != nil {
		writeError(w, err)
		return
	}
	s.publish(eventbus.EventTemplateRemoved, "", name)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleStartService starts an instance from a template named in the body.
func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TemplateName string `json:"templateName"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TemplateName == "" {
		writeError(w, errs.New(errs.InvalidArgument, "templateName is required"))
		return
	}
	inst, err := s.manager.StartInstance(r.Context(), req.TemplateName)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.InstanceUp(r.Context(), inst.Template.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"id":       inst.ID,
		"instance": inst,
	})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	instances := s.store.ListInstances()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := instances[:0]
		for _, inst := range instances {
			if inst.State == types.InstanceState(state) {
				filtered = append(filtered, inst)
			}
		}
		instances = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "services": instances})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, ok := s.store.GetInstance(id)
	if !ok {
		writeError(w, errs.New(errs.NotFound, "service %q not found", id))
		return
	}
	body := map[string]any{"success": true, "service": inst}
	if health, ok := s.store.GetHealth(id); ok {
		body["health"] = health
	}
	if metric, ok := s.store.GetMetric(id); ok {
		body["metrics"] = metric
	}
	writeJSON(w, http.StatusOK, body)
}

// handleStopService stops the instance but keeps its record visible.
func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, ok := s.store.GetInstance(id)
	if !ok {
		writeError(w, errs.New(errs.NotFound, "service %q not found", id))
		return
	}
	if err := s.manager.StopInstance(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.metrics.InstanceDown(r.Context(), inst.Template.Name)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleRemoveService stops the instance if needed and removes its record.
func (s *Server) handleRemoveService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, ok := s.store.GetInstance(id)
	if !ok {
		writeError(w, errs.New(errs.NotFound, "service %q not found", id))
		return
	}
	if !inst.State.Terminal() {
		if err := s.manager.StopInstance(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		s.metrics.InstanceDown(r.Context(), inst.Template.Name)
	}
	if err := s.manager.RemoveInstance(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleRoute answers "where would this request go" without executing
// anything. The balancer cursor advances per method so repeated probes for
// the same method rotate across equal candidates.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method       string `json:"method"`
		TemplateName string `json:"templateName,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	inst, err := s.dispatcher.RouteFor(req.TemplateName, req.Method)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"selectedService": inst,
	})
}

// executeRequest is the body of POST /api/tools/execute. A toolId invokes
// tools/call against the template of the same name; method/params or a full
// frame address a backend directly.
type executeRequest struct {
	ToolID       string          `json:"toolId,omitempty"`
	TemplateName string          `json:"templateName,omitempty"`
	Method       string          `json:"method,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Frame        *mcp.Frame      `json:"frame,omitempty"`
	Options      struct {
		Retries *int `json:"retries,omitempty"`
	} `json:"options,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	template := req.TemplateName
	frame := req.Frame
	if frame == nil {
		switch {
		case req.Method != "":
			frame = mcp.NewRequest(s.gen.Next(), req.Method, req.Params)
		case req.ToolID != "":
			params, err := toolCallParams(req.ToolID, req.Params)
			if err != nil {
				writeError(w, err)
				return
			}
			frame = mcp.NewRequest(s.gen.Next(), "tools/call", params)
			if template == "" {
				template = req.ToolID
			}
		default:
			writeError(w, errs.New(errs.InvalidArgument, "toolId, method, or frame is required"))
			return
		}
	}

	start := time.Now()
	reply, err := s.dispatcher.Dispatch(r.Context(), dispatch.Request{
		TemplateName: template,
		Frame:        frame,
		Retries:      req.Options.Retries,
	})
	if err != nil {
		s.metrics.RecordRequest(r.Context(), frame.Method, template,
			time.Since(start), string(errs.CodeOf(err)))
		writeError(w, err)
		return
	}
	if reply.Error != nil {
		// The backend answered with a JSON-RPC error; the instance stays
		// routable but the call itself failed.
		s.metrics.RecordRequest(r.Context(), frame.Method, template,
			time.Since(start), string(errs.Internal))
		writeError(w, errs.New(errs.Internal, "backend error: %s", reply.Error.Message).
			WithMeta("rpcCode", reply.Error.Code))
		return
	}
	s.metrics.RecordRequest(r.Context(), frame.Method, template, time.Since(start), "")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": reply})
}

// toolCallParams builds the tools/call params object for a tool id.
func toolCallParams(toolID string, args json.RawMessage) (json.RawMessage, error) {
	name, err := json.Marshal(toolID)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "encode tool name")
	}
	payload := map[string]json.RawMessage{"name": name}
	if len(args) > 0 {
		payload["arguments"] = args
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "encode tool params")
	}
	return out, nil
}

func (s *Server) publish(t eventbus.EventType, instanceID, template string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(&eventbus.Event{Type: t, InstanceID: instanceID, Template: template})
}
