// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/buildinfo"
)

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Location     string    `json:"location"`
	ActiveJobs   int       `json:"active_jobs"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler responds to health check requests. It reports build info, the
// resolved service location and the number of jobs in flight. The status is
// always "healthy" (200 OK) since this is a liveness check with no external
// dependencies to verify.
func Handler(location string, activeJobs func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  "glsexec",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Location:     location,
			Timestamp:    time.Now().UTC(),
		}
		if activeJobs != nil {
			response.ActiveJobs = activeJobs()
		}

		// Encoding errors are not actionable here; the client sees a
		// truncated body at worst.
		_ = json.NewEncoder(w).Encode(response)
	}
}
