package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/avatar-relay/internal"
	"github.com/sessamekesh/avatar-relay/internal/obs"
	"github.com/sessamekesh/avatar-relay/pkg/bridge"
	utils "github.com/sessamekesh/avatar-relay/pkg/util"
	"go.uber.org/zap"
)

type WebsocketBridgeParams struct {
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	// Zero leaves gorilla's default (unlimited)
	MaxReadMessageSize int64

	DefaultTarget string
	DefaultToken  string

	// Zero disables the idle sweep
	IdleTimeout       time.Duration
	IdleSweepInterval time.Duration

	// Optional, defaults to bridge.WebsocketDialer
	Dialer bridge.Dialer
	// Optional, defaults to an unlimited store
	Store *internal.SessionStore

	Logger *zap.Logger
}

type websocketBridgeServer struct {
	upgrader *websocket.Upgrader
	params   WebsocketBridgeParams
	dialer   bridge.Dialer
	store    *internal.SessionStore

	// Parent of every session; replaced by Start
	baseCtx context.Context

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

func checkOrigin(r *http.Request, params WebsocketBridgeParams) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, params.DenylistedHosts) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return utils.Contains(origin, params.AllowlistedHosts)
}

func CreateWebsocketBridgeHandler(params WebsocketBridgeParams) (*websocketBridgeServer, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/"
	}
	if params.IdleSweepInterval <= 0 {
		params.IdleSweepInterval = time.Second
	}

	dialer := params.Dialer
	if dialer == nil {
		dialer = bridge.WebsocketDialer{}
	}
	store := params.Store
	if store == nil {
		store = internal.CreateSessionStore(0)
	}

	return &websocketBridgeServer{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params:  params,
		dialer:  dialer,
		store:   store,
		baseCtx: context.Background(),

		log:       logger.With(zap.String("handler", "WebSocket")),
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (ws *websocketBridgeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws.onWsRequest(ws.baseCtx, w, r)
}

func (ws *websocketBridgeServer) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	sessionId := ws.store.GetNewSessionId()
	log := ws.log.With(
		zap.String("wsConnId", ws.stringGen.GetRandomString(6)),
		zap.Uint32("sessionId", sessionId),
	)

	log.Info("New WebSocket request", zap.String("remoteAddr", r.RemoteAddr))

	// Registered before the upgrade so a full relay can still answer with a
	// plain HTTP status
	var live atomic.Pointer[bridge.Session]
	err := ws.store.CreateSession(sessionId, r.RemoteAddr, time.Now(), func() {
		if s := live.Load(); s != nil {
			s.Abort()
		}
	})
	if err != nil {
		var tooMany *internal.TooManySessionsError
		if errors.As(err, &tooMany) {
			log.Warn("Rejecting WebSocket request, session limit reached", zap.Int("limit", tooMany.Limit))
			obs.BridgeRejectedTotal.Inc()
			http.Error(w, "Too many sessions", http.StatusServiceUnavailable)
			return
		}
		log.Error("Failed to register bridge session", zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	defer func() {
		ws.store.RemoveSession(sessionId)
		log.Debug("Removed session from bridge session store", zap.Int("liveSessions", ws.store.Count()))
	}()

	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	defer c.Close()

	if ws.params.MaxReadMessageSize > 0 {
		c.SetReadLimit(ws.params.MaxReadMessageSize)
	}

	obs.BridgeSessionsTotal.Inc()
	obs.BridgeActiveSessions.Inc()
	defer obs.BridgeActiveSessions.Dec()

	session := bridge.NewSession(c, ws.dialer, bridge.SessionParams{
		DefaultTarget: ws.params.DefaultTarget,
		DefaultToken:  ws.params.DefaultToken,
		Logger:        log,
		OnTargetSelected: func(target string) {
			_ = ws.store.SetTarget(sessionId, target)
		},
		OnClientFrame: func() {
			_ = ws.store.SetClientRecvTime(sessionId, time.Now())
		},
		OnRemoteFrame: func() {
			_ = ws.store.SetRemoteRecvTime(sessionId, time.Now())
		},
	})
	live.Store(session)

	runErr := session.Run(ctx)

	target, _ := ws.store.GetTarget(sessionId)
	if runErr != nil {
		log.Warn("Bridge session ended with error", zap.String("target", target), zap.Error(runErr))
		return
	}
	log.Info("Bridge session ended", zap.String("target", target))
}

// runIdleSweep aborts sessions with no traffic in either direction for
// longer than the idle timeout. Returns when ctx is done.
func (ws *websocketBridgeServer) runIdleSweep(ctx context.Context) {
	if ws.params.IdleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(ws.params.IdleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, sessionId := range ws.store.GetIdleSessionList(now.Add(-ws.params.IdleTimeout)) {
				ws.log.Info("Aborting idle bridge session", zap.Uint32("sessionId", sessionId))
				obs.BridgeIdleKicksTotal.Inc()
				if err := ws.store.Abort(sessionId); err != nil {
					ws.log.Debug("Idle session already gone", zap.Error(err))
				}
			}
		}
	}
}

func (ws *websocketBridgeServer) Start(ctx context.Context) error {
	ws.baseCtx = ctx

	mux := http.NewServeMux()
	mux.Handle(ws.params.ListenEndpoint, ws)

	server := &http.Server{
		Addr:    ws.params.ListenAddress,
		Handler: mux,
	}

	errCh := make(chan error, 1)

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		ws.log.Sugar().Infof("Starting WebSocket bridge at %s", ws.params.ListenAddress)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ws.runIdleSweep(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		ws.log.Info("Attempting to trigger shutdown of WebSocket server")

		// Hijacked connections are not tracked by Shutdown
		ws.store.AbortAll()

		if err := server.Shutdown(shutdownCtx); err != nil {
			ws.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		ws.log.Info("Successfully shutdown WebSocket server")
	}()

	wg.Wait()

	ws.log.Info("All WebSocket server goroutines finished. Exiting gracefully!")
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
