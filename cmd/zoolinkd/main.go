// Command zoolinkd is a demonstration daemon that embeds Frame: it
// connects to a ZooKeeper ensemble, exposes an HTTP introspection API over
// whatever services and instances this process knows about, and mirrors
// every subscribed service into Envoy as CDS/EDS resources over xDS.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/zoolink/zoolink/internal/entity"
	"github.com/zoolink/zoolink/internal/frame"
	"github.com/zoolink/zoolink/internal/xdsexport"
	"github.com/zoolink/zoolink/internal/zkclient"
	"github.com/zoolink/zoolink/internal/zkconfig"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var subscribeFlag string
	flag.StringVar(&subscribeFlag, "subscribe", "", "comma-separated dept/service pairs to subscribe and export at startup")
	flag.Parse()

	cfg, err := zkconfig.Load()
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log.Info("config loaded",
		"zk_addrs", cfg.ZKAddrs,
		"xds_addr", cfg.XDSAddr,
		"api_addr", cfg.APIAddr,
		"local_idc", cfg.LocalIDC,
	)

	store, err := zkclient.Dial(cfg.ZKAddrs, cfg.SessionTimeout, log)
	if err != nil {
		log.Error("failed to connect to zookeeper", "error", err)
		os.Exit(1)
	}

	fr, err := frame.New(store, cfg.LocalIDC, log)
	if err != nil {
		log.Error("failed to construct frame", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, pair := range splitPairs(subscribeFlag) {
		if _, err := fr.SubscribeService(ctx, pair.dept, pair.srv, entity.StrategyDefault, true); err != nil {
			log.Warn("initial subscribe failed", "department", pair.dept, "service", pair.srv, "error", err)
		}
	}

	xdsServer := xdsexport.NewServer(fr.Subscriber, []string{"zoolinkd"}, log)
	if err := xdsServer.Seed(); err != nil {
		log.Error("failed to seed xDS snapshot", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /services", handleListServices(fr))
	mux.HandleFunc("POST /instances", handleRegisterInstance(fr, log))
	mux.HandleFunc("DELETE /instances/{dept}/{srv}/{node}", handleRevokeInstance(fr, log))
	mux.HandleFunc("GET /pick/{dept}/{srv}", handlePick(fr))

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("received shutdown signal")
		cancel()
	}()

	go func() {
		log.Info("introspection API listening", "addr", cfg.APIAddr)
		handler := otelhttp.NewHandler(mux, "zoolinkd.api")
		if err := http.ListenAndServe(cfg.APIAddr, handler); err != nil {
			log.Error("introspection API failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		if err := fr.Close(context.Background()); err != nil {
			log.Warn("frame close failed", "error", err)
		}
	}()

	if err := xdsServer.Serve(ctx, cfg.XDSAddr, otelgrpc.NewServerHandler()); err != nil {
		log.Error("xDS server failed", "error", err)
		os.Exit(1)
	}
}

type deptSrv struct{ dept, srv string }

func splitPairs(raw string) []deptSrv {
	var out []deptSrv
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		parts := strings.SplitN(tok, "/", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, deptSrv{dept: parts[0], srv: parts[1]})
	}
	return out
}

// --- HTTP handlers ---

type registerRequest struct {
	Department string            `json:"department"`
	Service    string            `json:"service"`
	Node       string            `json:"node"`
	Properties map[string]string `json:"properties"`
	Overwrite  bool              `json:"overwrite"`
}

func handleRegisterInstance(fr *frame.Frame, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		inst, err := entity.NewInstance(req.Department, req.Service, req.Node, req.Properties)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := fr.Register(ctx, inst, req.Overwrite); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		log.Info("instance registered via API", "path", inst.Path())
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, "registered %s\n", inst.Path())
	}
}

func handleRevokeInstance(fr *frame.Frame, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dept, srv, node := r.PathValue("dept"), r.PathValue("srv"), r.PathValue("node")
		path := fmt.Sprintf("/%s/%s/%s", dept, srv, node)
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := fr.Revoke(ctx, path); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Info("instance revoked via API", "path", path)
		fmt.Fprintf(w, "revoked %s\n", path)
	}
}

func handlePick(fr *frame.Frame) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dept, srv := r.PathValue("dept"), r.PathValue("srv")
		inst, err := fr.Pick(dept, srv, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(inst)
	}
}

func handleListServices(fr *frame.Frame) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services := fr.Subscriber.Services()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(services)
	}
}
