package relay

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/kink2001crypto/aether-relay/internal/ai"
	"github.com/kink2001crypto/aether-relay/internal/cache"
	"github.com/kink2001crypto/aether-relay/internal/models"
)

// Handle dispatches one inbound event from the connection senderID.
func (r *Relay) Handle(senderID string, in Inbound) {
	log := r.log.With(zap.String("id", senderID), zap.String("event", in.Event))

	if tag, ok := ForwardTag(in.Event); ok {
		n := r.hub.BroadcastExcept(senderID, Message{Event: tag, Data: in.Data})
		log.Debug("forwarded", zap.String("as", tag), zap.Int("delivered", n))
		return
	}

	switch in.Event {
	case EventRegister:
		var p registerPayload
		if err := decode(in.Data, &p); err != nil {
			r.badPayload(senderID, in.Event, err)
			return
		}
		r.hub.SetKind(senderID, p.Type)
		log.Info("client registered", zap.String("type", p.Type))

	case EventGetProjects:
		r.hub.SendTo(senderID, Message{Event: EventProjects, Data: r.cache.GetProjects()})

	case EventSetProject:
		var p setProjectPayload
		if err := decode(in.Data, &p); err != nil {
			r.badPayload(senderID, in.Event, err)
			return
		}
		r.hub.SelectProject(senderID, p.Path)
		r.hub.BroadcastExcept(senderID, Message{Event: EventProjectChanged, Data: in.Data})

	case EventRegisterProjects:
		r.registerProjects(senderID, in)

	case EventGetFiles:
		var p filesRequest
		if err := decode(in.Data, &p); err != nil {
			r.badPayload(senderID, in.Event, err)
			return
		}
		files := r.cache.GetFiles(p.Path, r.projectFor(senderID, p.ProjectPath))
		r.hub.SendTo(senderID, Message{Event: EventFiles, Data: files})

	case EventGetFileContent:
		var p filesRequest
		if err := decode(in.Data, &p); err != nil {
			r.badPayload(senderID, in.Event, err)
			return
		}
		out := fileContent{Path: p.Path}
		content, err := r.cache.GetFileContent(p.Path, r.projectFor(senderID, p.ProjectPath))
		if err != nil {
			out.Error = err.Error()
		} else {
			out.Content = content
		}
		r.hub.SendTo(senderID, Message{Event: EventFileContent, Data: out})

	case EventChat:
		r.chat(senderID, in)

	case EventGetConversationHistory:
		r.conversationHistory(senderID, in)

	case EventClearConversationHistory:
		r.clearConversationHistory(senderID, in)

	case EventApplyCode:
		r.applyCode(senderID, in)

	default:
		log.Debug("unknown event")
		r.hub.SendTo(senderID, Message{Event: EventError, Data: errorPayload{
			Message: "unknown event",
			Event:   in.Event,
		}})
	}
}

// projectFor falls back to the connection's selected project.
func (r *Relay) projectFor(senderID, projectPath string) string {
	if projectPath != "" {
		return projectPath
	}
	return r.hub.SelectedProject(senderID)
}

func (r *Relay) badPayload(senderID, event string, err error) {
	r.log.Debug("malformed payload", zap.String("id", senderID), zap.String("event", event), zap.Error(err))
	r.hub.SendTo(senderID, Message{Event: EventError, Data: errorPayload{
		Message: "malformed payload: " + err.Error(),
		Event:   event,
	}})
}

func (r *Relay) registerProjects(senderID string, in Inbound) {
	var p registerProjectsPayload
	if err := decode(in.Data, &p); err != nil || p.Projects == nil {
		r.hub.SendTo(senderID, Message{Event: EventProjectsRegistered, Data: projectsRegistered{
			Error: "projects array is required",
		}})
		return
	}

	list := *p.Projects
	out := projectsRegistered{Success: true, Count: len(list)}
	if err := r.cache.RegisterProjects(r.ctx, list); err != nil {
		switch {
		case errors.Is(err, cache.ErrNotPersisted):
			out.Warning = err.Error()
		default:
			out = projectsRegistered{Error: err.Error()}
		}
	}
	r.log.Info("projects registered",
		zap.String("id", senderID),
		zap.Int("count", len(list)),
		zap.Bool("success", out.Success),
	)
	r.hub.SendTo(senderID, Message{Event: EventProjectsRegistered, Data: out})
}

func (r *Relay) conversationHistory(senderID string, in Inbound) {
	var p historyRequest
	if err := decode(in.Data, &p); err != nil {
		r.badPayload(senderID, in.Event, err)
		return
	}
	out := conversationHistory{Messages: []models.ChatMessage{}, ProjectPath: p.ProjectPath}
	if p.ProjectPath == "" {
		out.Error = "projectPath is required"
	} else if msgs, err := r.history.ListMessages(r.ctx, p.ProjectPath, 0); err != nil {
		r.log.Warn("load history failed", zap.String("project", p.ProjectPath), zap.Error(err))
		out.Error = err.Error()
	} else {
		out.Messages = msgs
	}
	r.hub.SendTo(senderID, Message{Event: EventConversationHistory, Data: out})
}

func (r *Relay) clearConversationHistory(senderID string, in Inbound) {
	var p historyRequest
	if err := decode(in.Data, &p); err != nil {
		r.badPayload(senderID, in.Event, err)
		return
	}
	var out historyCleared
	if p.ProjectPath == "" {
		out.Error = "projectPath is required"
	} else if n, err := r.history.ClearMessages(r.ctx, p.ProjectPath); err != nil {
		r.log.Warn("clear history failed", zap.String("project", p.ProjectPath), zap.Error(err))
		out.Error = err.Error()
	} else {
		out = historyCleared{Success: true, Deleted: n}
	}
	r.hub.SendTo(senderID, Message{Event: EventConversationHistoryCleared, Data: out})
}

func (r *Relay) applyCode(senderID string, in Inbound) {
	var p applyCodePayload
	if err := decode(in.Data, &p); err != nil || p.Code == "" || p.FilePath == "" {
		r.hub.SendTo(senderID, Message{Event: EventCodeApplied, Data: codeApplied{
			Path:    p.FilePath,
			Message: "code and filePath are required",
		}})
		return
	}

	n := r.hub.BroadcastExcept(senderID, Message{Event: EventFileApply, Data: in.Data})
	msg := "Code sent to editor"
	if n == 0 {
		msg = "No editor connected; change queued for polling clients"
	}
	r.hub.SendTo(senderID, Message{Event: EventCodeApplied, Data: codeApplied{
		Success: true,
		Path:    p.FilePath,
		Message: msg,
	}})
}

// chat records the user turn, then asks the assistant in the background and
// replies to the sender only. Failures come back as an aiResponse whose
// content starts with "Error: ".
func (r *Relay) chat(senderID string, in Inbound) {
	var p chatPayload
	if err := decode(in.Data, &p); err != nil || strings.TrimSpace(p.Message) == "" {
		r.replyAI(senderID, aiResponse{Content: "Error: message is required"})
		return
	}

	req := ai.Request{
		Message:     p.Message,
		Model:       p.Model,
		APIKey:      p.APIKey,
		ProjectPath: p.ProjectPath,
	}
	if p.ProjectPath != "" {
		req.Files = r.cache.ContextFiles(p.ProjectPath, r.opts.MaxContextFiles)
		history, err := r.history.ListMessages(r.ctx, p.ProjectPath, r.opts.HistoryTurns)
		if err != nil {
			r.log.Warn("load history failed", zap.String("project", p.ProjectPath), zap.Error(err))
		}
		req.History = history
		if _, err := r.history.SaveMessage(r.ctx, p.ProjectPath, models.RoleUser, p.Message); err != nil {
			r.log.Warn("save user turn failed", zap.String("project", p.ProjectPath), zap.Error(err))
		}
	}

	started := r.goTracked(func() {
		ctx, cancel := context.WithTimeout(r.ctx, r.opts.ChatTimeout)
		defer cancel()

		resp, err := r.bridge.Chat(ctx, req)
		if err != nil {
			r.log.Warn("chat failed", zap.String("id", senderID), zap.String("model", req.Model), zap.Error(err))
			r.replyAI(senderID, aiResponse{Content: "Error: " + err.Error()})
			return
		}
		if p.ProjectPath != "" {
			if _, err := r.history.SaveMessage(ctx, p.ProjectPath, models.RoleAssistant, resp.Content); err != nil {
				r.log.Warn("save assistant turn failed", zap.String("project", p.ProjectPath), zap.Error(err))
			}
		}
		r.replyAI(senderID, aiResponse{Content: resp.Content, CodeBlocks: resp.CodeBlocks})
	})
	if !started {
		r.replyAI(senderID, aiResponse{Content: "Error: relay is shutting down"})
	}
}

func (r *Relay) replyAI(senderID string, resp aiResponse) {
	if !r.hub.SendTo(senderID, Message{Event: EventAIResponse, Data: resp}) {
		r.log.Debug("ai response dropped", zap.String("id", senderID))
	}
}
