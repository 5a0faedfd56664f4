package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voicebridge/pkg/bridge/gate"
	"github.com/vango-go/voicebridge/pkg/bridge/provider"
	"github.com/vango-go/voicebridge/pkg/bridge/registry"
	"github.com/vango-go/voicebridge/pkg/bridge/session"
	"github.com/vango-go/voicebridge/pkg/bridge/sink"
	"github.com/vango-go/voicebridge/pkg/bridge/tools"
	"github.com/vango-go/voicebridge/pkg/bridge/transport"
	"github.com/vango-go/voicebridge/pkg/bridge/transport/browser"
	"github.com/vango-go/voicebridge/pkg/bridge/transport/telephony"
	"github.com/vango-go/voicebridge/pkg/core"
	"github.com/vango-go/voicebridge/pkg/gateway/apierror"
	"github.com/vango-go/voicebridge/pkg/gateway/config"
	"github.com/vango-go/voicebridge/pkg/gateway/lifecycle"
	"github.com/vango-go/voicebridge/pkg/gateway/mw"
	"github.com/vango-go/voicebridge/pkg/gateway/ratelimit"
)

// RealtimeHandler upgrades a client connection and runs one bridge session
// on it. The same handler serves browser clients (/v1/realtime) and
// telephony media streams (/v1/telephony/{assistant}).
type RealtimeHandler struct {
	Config     config.Config
	Assistants *config.Assistants
	Providers  provider.Factory
	Tools      *tools.Registry
	Sink       sink.Sink
	Sessions   *registry.Registry
	Limiter    *ratelimit.Limiter
	Gate       gate.Gate
	Observer   session.Observer
	Lifecycle  *lifecycle.Lifecycle
	Logger     *slog.Logger

	// Telephony selects the media stream transport.
	Telephony bool
}

func (h RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r)
	if r.Method != http.MethodGet {
		writeCoreError(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeCoreError(w, reqID, &core.Error{Type: core.ErrOverloaded, Message: "server is draining", Code: lifecycle.DrainWarningCode}, http.StatusServiceUnavailable)
		return
	}
	if !mw.NewOriginPolicy(h.Config).Allows(r.Header.Get("Origin")) {
		writeCoreError(w, reqID, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	assistantID := h.assistantID(r)
	asst, ok := h.Assistants.Get(assistantID)
	if !ok {
		writeCoreError(w, reqID, &core.Error{Type: core.ErrNotFound, Message: fmt.Sprintf("unknown assistant %q", assistantID), Param: "assistant"}, http.StatusNotFound)
		return
	}

	if h.Gate != nil {
		if err := h.Gate.Check(r.Context(), gate.Tenant{ID: asst.TenantID, StripeCustomerID: asst.StripeCustomerID}); err != nil {
			if !errors.Is(err, gate.ErrNoSubscription) {
				h.logger().Error("subscription check failed", "request_id", reqID, "assistant_id", asst.ID, "error", err)
			}
			ce, status := apierror.FromError(err, reqID)
			writeCoreError(w, reqID, ce, status)
			return
		}
	}

	if h.Limiter != nil {
		dec := h.Limiter.AcquireSession(asst.ID, asst.MaxSessions)
		if !dec.Allowed {
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", dec.RetryAfter))
			}
			retry := dec.RetryAfter
			writeCoreError(w, reqID, &core.Error{Type: core.ErrRateLimit, Message: "too many active sessions for assistant", Code: "session_limit", RetryAfter: &retry}, http.StatusTooManyRequests)
			return
		}
		defer dec.Permit.Release()
	}

	p, err := h.Providers(asst.Kind())
	if err != nil {
		h.logger().Error("provider init failed", "request_id", reqID, "provider", string(asst.Kind()), "error", err)
		writeCoreError(w, reqID, &core.Error{Type: core.ErrAPI, Message: "failed to initialize provider"}, http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.WSHandshakeTimeout,
		// Origin was checked above.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		_ = p.Close()
		return
	}
	defer conn.Close()

	log := h.logger().With("request_id", reqID, "assistant_id", asst.ID)
	tr := h.newTransport(conn, r, log)

	s, err := session.New(session.Config{
		ClientID:       strings.TrimSpace(r.URL.Query().Get("client_id")),
		AssistantID:    asst.ID,
		TenantID:       asst.TenantID,
		Provider:       p,
		ProviderConfig: asst.ProviderConfig(h.Config.APIKey(string(asst.Kind())), h.Config.ConnectTimeout),
		Transport:      tr,
		Tools:          h.Tools,
		Policy:         asst.Policy(),
		CallTimeout:    h.Config.ToolTimeout,
		Sink:           h.Sink,
		Registry:       h.Sessions,
		Observer:       h.Observer,
		InboundMaxFPS:  h.Config.InboundMaxFPS,
		InboundMaxBPS:  h.Config.InboundMaxBPS,
		MaxDuration:    h.Config.WSMaxSessionDuration,
		ConnectTimeout: h.Config.ConnectTimeout,
		AcceptTimeout:  h.Config.WSHandshakeTimeout,
		UserAudioTail:  h.Config.UserAudioTail,
		Logger:         log,
	})
	if err != nil {
		log.Error("session init failed", "error", err)
		_ = tr.Close(session.CloseError, "internal error")
		_ = p.Close()
		return
	}

	if err := s.Run(r.Context()); err != nil {
		var td *core.TransportDisconnectedError
		if errors.As(err, &td) {
			log.Info("client disconnected", "session_id", s.ID())
			return
		}
		log.Warn("session ended with error", "session_id", s.ID(), "error", err)
	}
}

func (h RealtimeHandler) newTransport(conn *websocket.Conn, r *http.Request, log *slog.Logger) transport.Transport {
	writer := transport.WriterConfig{
		PingInterval: h.Config.WSPingInterval,
		WriteTimeout: h.Config.WSWriteTimeout,
	}
	if h.Telephony {
		return telephony.New(conn, telephony.Config{
			Writer:    writer,
			ReadLimit: h.Config.WSMaxMessageBytes,
			Logger:    log,
		})
	}
	profile := transport.ProfileBrowser
	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("profile")), string(transport.ProfileMobile)) {
		profile = transport.ProfileMobile
	}
	return browser.New(conn, browser.Config{
		Profile:   profile,
		Writer:    writer,
		ReadLimit: h.Config.WSMaxMessageBytes,
		Logger:    log,
	})
}

func (h RealtimeHandler) assistantID(r *http.Request) string {
	id := strings.TrimSpace(r.PathValue("assistant"))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("assistant"))
	}
	if id == "" {
		id = config.DefaultAssistantID
	}
	return id
}

func (h RealtimeHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func writeCoreError(w http.ResponseWriter, reqID string, coreErr *core.Error, status int) {
	if coreErr != nil && coreErr.RequestID == "" {
		coreErr.RequestID = reqID
	}
	mw.WriteJSONError(w, status, coreErr)
}

func requestIDFromContext(r *http.Request) string {
	if id, ok := mw.RequestIDFrom(r.Context()); ok {
		return id
	}
	return ""
}
