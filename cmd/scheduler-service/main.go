// Command scheduler-service wires the Tenant Registry (C1), Admission
// Controller (C2), Progress Bus (C3), Scheduler (C4), and Workflow
// Engine (C5) into one process and exposes the HTTP/WebSocket surface:
// workflow submission and lookup, job lookup/results/cancellation, a
// per-tenant progress WebSocket, and a Prometheus /metrics endpoint.
//
// A flag-configured http.ListenAndServe over a gorilla/mux router, with
// a server struct holding the domain collaborators.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/slidequeue/scheduler/pkg/admission"
	"github.com/slidequeue/scheduler/pkg/common/config"
	"github.com/slidequeue/scheduler/pkg/common/logging"
	"github.com/slidequeue/scheduler/pkg/executorset"
	"github.com/slidequeue/scheduler/pkg/metrics"
	"github.com/slidequeue/scheduler/pkg/model"
	"github.com/slidequeue/scheduler/pkg/progressbus"
	"github.com/slidequeue/scheduler/pkg/registry"
	"github.com/slidequeue/scheduler/pkg/scheduler"
	"github.com/slidequeue/scheduler/pkg/workflow"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "HTTP server address")
		configPath = flag.String("config", "", "path to a JSON config file (optional, see pkg/common/config)")
		logLevel   = flag.String("log-level", "info", "debug, info, warn, or error")
		watchCfg   = flag.Bool("watch-config", false, "hot-reload max_active_users from -config on change")
	)
	flag.Parse()

	level, err := logging.ParseLogLevel(*logLevel)
	if err != nil {
		level = logging.InfoLevel
	}
	logger := logging.NewLogger(&logging.Config{Level: level, Format: logging.TextFormat})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	reg := registry.New()
	adm := admission.New(cfg.MaxActiveUsers)
	bus := progressbus.New()
	met := metrics.New()

	sched := scheduler.New(cfg.MaxWorkers, time.Duration(cfg.DispatchIntervalMS)*time.Millisecond, adm, reg, nil, met, logger)
	engine := workflow.New(sched, adm, reg, bus, met, logger)
	sched.SetNotifier(engine)

	tileCfg := executorset.DefaultConfig()
	engine.RegisterExecutor(model.JobTypeCellSegmentation, executorset.CellSegmentation(tileCfg))
	engine.RegisterExecutor(model.JobTypeTissueMask, executorset.TissueMask(tileCfg))

	sched.Start()
	defer sched.Stop()

	if *watchCfg && *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, cfg, func(updated *config.Config) {
			adm.SetMaxActive(updated.MaxActiveUsers)
			met.SetActiveUsers(adm.ActiveCount())
			logger.Info("config reloaded", map[string]interface{}{"max_active_users": updated.MaxActiveUsers})
		}, logger)
		if err != nil {
			logger.Warn("config watcher disabled", map[string]interface{}{"error": err.Error()})
		} else {
			defer watcher.Close()
		}
	}

	srv := newServer(engine, sched, bus, logger)

	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/workflows", srv.handleCreateWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{workflow_id}", srv.handleGetWorkflow).Methods("GET")
	api.HandleFunc("/jobs/{job_id}", srv.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{job_id}/results", srv.handleGetJobResults).Methods("GET")
	api.HandleFunc("/jobs/{job_id}/cancel", srv.handleCancelJob).Methods("POST")
	router.HandleFunc("/ws", srv.handleWebSocket).Methods("GET")
	router.Handle("/metrics", met.Handler()).Methods("GET")

	fmt.Printf("scheduler-service listening on %s\n", *addr)
	log.Fatal(http.ListenAndServe(*addr, router))
}
