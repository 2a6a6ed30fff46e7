// Package server wires every component package into one http.Handler,
// following the reference controlplane.Server's construction shape:
// NewServer loads each dependency in turn and fails fast on the first
// error, routes() registers the HTTP surface on a plain http.ServeMux,
// and Close() releases the persistence layer.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pylon-project/pylon/internal/config"
	"github.com/pylon-project/pylon/internal/dbx"
	"github.com/pylon-project/pylon/internal/flowstore"
	"github.com/pylon-project/pylon/internal/httpguard"
	"github.com/pylon-project/pylon/internal/idp"
	"github.com/pylon-project/pylon/internal/jwtsign"
	"github.com/pylon-project/pylon/internal/login"
	"github.com/pylon-project/pylon/internal/notify"
	"github.com/pylon-project/pylon/internal/oauthclients"
	"github.com/pylon-project/pylon/internal/oauthserver"
	"github.com/pylon-project/pylon/internal/orgs"
	"github.com/pylon-project/pylon/internal/pats"
	"github.com/pylon-project/pylon/internal/sessionstore"
	"github.com/pylon-project/pylon/internal/teams"
	"github.com/pylon-project/pylon/internal/usagebatch"
	"github.com/pylon-project/pylon/internal/xsts"
)

// Server exposes the identity/session/authorization core's HTTP surface.
type Server struct {
	cfg Config

	store *dbx.Store
	ready *dbx.ReadyPool
	redis *redis.Client

	signer   *jwtsign.Signer
	pats     *pats.Manager
	login    *login.Manager
	sessions *sessionstore.Store
	oauth    *oauthclients.Store
	flows    *flowstore.Store
	teams    *teams.Manager
	orgs     *orgs.Manager
	notify   *notify.Bridge
	batcher  *usagebatch.Batcher
	guard    *httpguard.Guard
	oauthSrv *oauthserver.Server
	minecraft *xsts.Manager

	mux        *http.ServeMux
	cancelLoop context.CancelFunc
}

// Config is the subset of config.Config the server needs, named locally so
// this package's construction signature doesn't change shape every time an
// unrelated config field is added elsewhere.
type Config = config.Config

// NewServer constructs every component in dependency order and registers
// routes. The batcher's periodic flush loop is started in a background
// goroutine tied to an internal context canceled by Close.
func NewServer(cfg Config) (*Server, error) {
	ctx := context.Background()

	store, err := dbx.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("server: failed to open database: %w", err)
	}

	ready, err := dbx.OpenReadyPool(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("server: failed to open readiness pool: %w", err)
	}

	signer, err := jwtsign.NewSignerFromPEM(cfg.SigningKeyPath, cfg.SigningKeyID)
	if err != nil {
		_ = store.Close()
		ready.Close()
		return nil, fmt.Errorf("server: failed to load signing key: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	srv, err := newServerWithComponents(cfg, store, ready, redisClient, signer)
	if err != nil {
		_ = store.Close()
		ready.Close()
		_ = redisClient.Close()
		return nil, err
	}
	return srv, nil
}

func newServerWithComponents(cfg Config, store *dbx.Store, ready *dbx.ReadyPool, redisClient *redis.Client, signer *jwtsign.Signer) (*Server, error) {
	flows := flowstore.New(redisClient, "pylon:flow:")
	patManager := pats.NewManager(store)
	sessions := sessionstore.New(store, cfg.SessionTTL, cfg.RefreshTTL)
	loginManager := login.New(store, sessions)
	oauthStore := oauthclients.New(store, cfg.AccessTokenTTL)
	notifyBridge := notify.New(store)
	teamManager := teams.New(store, notifyBridge)
	orgManager := orgs.New(store, flows, notifyBridge, cfg.SiteURL, cfg.VerifyEmailPath)
	minecraft := xsts.New(store, flows, xsts.NewClient(nil))

	batcher := usagebatch.New(store, sessions, patManager, oauthStore, nil)

	github := idp.NewGitHubClient(cfg.GitHub, nil)
	idpManager := idp.NewManager(store, github, nil, cfg.AdminEmails)

	guard := httpguard.New(userLoader{store}, patManager, sessions, oauthStore, idpManager, batcher, cfg.CloudflareIntegration, cfg.RateLimitIgnoreKey)
	oauthSrv := oauthserver.New(guard, oauthStore, flows)

	srv := &Server{
		cfg:       cfg,
		store:     store,
		ready:     ready,
		redis:     redisClient,
		signer:    signer,
		pats:      patManager,
		login:     loginManager,
		sessions:  sessions,
		oauth:     oauthStore,
		flows:     flows,
		teams:     teamManager,
		orgs:      orgManager,
		notify:    notifyBridge,
		batcher:   batcher,
		guard:     guard,
		oauthSrv:  oauthSrv,
		minecraft: minecraft,
		mux:       http.NewServeMux(),
	}
	srv.routes()

	loopCtx, cancel := context.WithCancel(context.Background())
	srv.cancelLoop = cancel
	go batcher.Run(loopCtx, 30*time.Second)

	return srv, nil
}

// userLoader adapts *dbx.Store to httpguard.UserLoader. Query lookups for
// users have no dedicated package of their own (unlike pats/sessions/
// oauth, a user row has no lifecycle operations this core needs beyond
// "load by id" and the idp package's own "load or link by github_id"), so
// it's kept here rather than spun out as its own internal/ package.
type userLoader struct {
	store *dbx.Store
}

func (u userLoader) LoadUser(ctx context.Context, id int64) (dbx.User, error) {
	var user dbx.User
	err := u.store.DB().GetContext(ctx, &user, `
		SELECT id, username, email, email_verified, role, badges, github_id, password_hash, totp_secret, created
		FROM users WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return dbx.User{}, fmt.Errorf("server: user %d not found", id)
	}
	if err != nil {
		return dbx.User{}, fmt.Errorf("server: failed to load user %d: %w", id, err)
	}
	return user, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/.well-known/jwks.json", s.handleJWKS)

	s.mux.HandleFunc("/oauth/authorize", s.oauthSrv.HandleAuthorize)
	s.mux.HandleFunc("/oauth/accept", s.oauthSrv.HandleAccept)
	s.mux.HandleFunc("/oauth/reject", s.oauthSrv.HandleReject)
	s.mux.HandleFunc("/oauth/token", s.oauthSrv.HandleToken)

	s.mux.HandleFunc("/auth/login", s.handleLogin)

	s.mux.HandleFunc("/session/list", s.handleSessionList)
	s.mux.HandleFunc("/session/refresh", s.handleSessionRefresh)
	s.mux.HandleFunc("/session/delete", s.handleSessionDelete)

	s.mux.HandleFunc("/minecraft/login/begin", s.handleMinecraftLoginBegin)
	s.mux.HandleFunc("/minecraft/login/callback", s.handleMinecraftLoginCallback)
	s.mux.HandleFunc("/minecraft/login/finish", s.handleMinecraftLoginFinish)

	s.mux.HandleFunc("/organization/register/start", s.handleOrgRegisterStart)
	s.mux.HandleFunc("/organization/register/resend", s.handleOrgRegisterResend)
	s.mux.HandleFunc("/organization/register/complete", s.handleOrgRegisterComplete)
	s.mux.HandleFunc("/team/join", s.handleTeamJoin)
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close stops the usage batcher's background loop (which performs one
// final flush on cancellation, per its own Run contract) and releases the
// persistence layer.
func (s *Server) Close() error {
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	if err := s.redis.Close(); err != nil {
		return err
	}
	s.ready.Close()
	return s.store.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.ready.Ping(ctx); err != nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.signer.JWKS()
	if err != nil {
		http.Error(w, "failed to build jwks", http.StatusInternalServerError)
		return
	}
	body, err := jwks.JSON()
	if err != nil {
		http.Error(w, "failed to encode jwks", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
