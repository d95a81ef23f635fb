package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/truth-forge/forge-cli/internal/verify"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only query API",
	Long:  "Serves run history, per-run stage details and verification reports over HTTP. The API never writes to the warehouse.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initPipeline(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		verifier := verify.New(cfg, env.Store, env.Pipeline)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedMethods: []string{http.MethodGet},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
			counts, err := env.Store.RunsInTable(req.Context(), warehouse.TableStageRuns)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, counts)
		})

		r.Get("/runs/{runID}", func(w http.ResponseWriter, req *http.Request) {
			runID := chi.URLParam(req, "runID")
			runs, err := env.Store.StageRuns(req.Context(), runID)
			if err != nil {
				writeError(w, err)
				return
			}
			if len(runs) == 0 {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown run " + runID})
				return
			}
			writeJSON(w, http.StatusOK, runs)
		})

		r.Get("/runs/{runID}/verify", func(w http.ResponseWriter, req *http.Request) {
			runID := chi.URLParam(req, "runID")
			report, err := verifier.Run(req.Context(), runID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, report)
		})

		r.Get("/runs/{runID}/verify/{stage}", func(w http.ResponseWriter, req *http.Request) {
			runID := chi.URLParam(req, "runID")
			st, ok := env.Pipeline.StageByName(chi.URLParam(req, "stage"))
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown stage " + chi.URLParam(req, "stage")})
				return
			}
			findings, err := verifier.Stage(req.Context(), st, runID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, verify.Report{RunID: runID, Pipeline: cfg.Pipeline.Name, Findings: findings})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	zap.L().Error("query api error", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
