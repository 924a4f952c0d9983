package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func SetupRoutes(router *mux.Router, handler *Handler) {
	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/health", handler.HealthCheck).Methods(http.MethodGet)

	v1.HandleFunc("/jobs", handler.ListJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs", handler.CreateJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}", handler.GetJob).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", handler.UpdateJob).Methods(http.MethodPut)
	v1.HandleFunc("/jobs/{id}", handler.DeleteJob).Methods(http.MethodDelete)
	v1.HandleFunc("/jobs/{id}/enable", handler.EnableJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}/disable", handler.DisableJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}/executions", handler.JobExecutions).Methods(http.MethodGet)

	v1.HandleFunc("/executions", handler.ListExecutions).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}", handler.GetExecution).Methods(http.MethodGet)
	v1.HandleFunc("/audit", handler.Audit).Methods(http.MethodGet)

	v1.HandleFunc("/scheduler", handler.SchedulerStatus).Methods(http.MethodGet)
	v1.HandleFunc("/scheduler/start", handler.StartScheduler).Methods(http.MethodPost)
	v1.HandleFunc("/scheduler/stop", handler.StopScheduler).Methods(http.MethodPost)
	v1.HandleFunc("/scheduler/trigger", handler.TriggerScheduler).Methods(http.MethodPost)
}
