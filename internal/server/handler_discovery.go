package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Host        string         `json:"host"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "GoWQ API",
		Version:     "v1",
		Description: "GoWQ work queue host: work item and job submission, scheduler control",
		Host:        s.scheduler.Host(),
		Endpoints: []endpointInfo{
			{"/api/v1/health", []string{"GET"}, "Server health, store and scheduler summary"},
			{"/api/v1/ping", []string{"GET"}, "Wait for the next scheduler heartbeat"},
			{"/api/v1/scheduler", []string{"GET"}, "Pool status of this host"},
			{"/api/v1/scheduler/suspend", []string{"POST"}, "Stop admitting new work"},
			{"/api/v1/scheduler/resume", []string{"POST"}, "Resume admission"},
			{"/api/v1/scheduler/wake", []string{"POST"}, "Run a scheduling cycle now"},
			{"/api/v1/scheduler/types/{type}/threads", []string{"PUT"}, "Override the thread limit of a type; null clears"},
			{"/api/v1/workitems", []string{"GET", "POST"}, "List or submit standalone work items"},
			{"/api/v1/workitems/{id}", []string{"GET"}, "Single work item"},
			{"/api/v1/workitems/{id}/terminate", []string{"POST"}, "Terminate a work item on whichever host runs it"},
			{"/api/v1/jobs", []string{"POST"}, "Submit a partitioned job"},
			{"/api/v1/jobs/{id}", []string{"GET"}, "Job with partition results"},
			{"/api/v1/jobs/{id}/terminate", []string{"POST"}, "Terminate every work item of a job"},
			{"/api/v1/jobs/{id}/restart", []string{"POST"}, "Rerun the failed partitions of a restartable job"},
			{"/api/v1/hosts/{host}/orphans/reset", []string{"POST"}, "Recover work items left running by a stopped host"},
			{"/metrics", []string{"GET"}, "Prometheus metrics"},
		},
	})
}
