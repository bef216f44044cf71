package handlers

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/3leaps/trainjobs/pkg/jobregistry"
)

// Diagnostics serves GET /api/v1/diagnostics.
type Diagnostics struct {
	Executor     *jobregistry.Executor
	ArtifactSink string
	DevMode      bool
	AuthRequired bool
	Journal      Pinger
}

type diagnosticsPayload struct {
	Status         string                  `json:"status"`
	Service        string                  `json:"service"`
	TS             string                  `json:"ts"`
	ExecutorMode   jobregistry.ModePolicy  `json:"executor_mode"`
	UsesRealRunner bool                    `json:"uses_real_runner"`
	Security       map[string]bool         `json:"security"`
	Store          jobregistry.Diagnostics `json:"store"`
	StoreWritable  bool                    `json:"store_dir_writable"`
	StoreProbeErr  string                  `json:"store_probe_error,omitempty"`
	ArtifactsDir   string                  `json:"artifacts_dir"`
	ArtifactSink   string                  `json:"artifact_sink"`
	Journal        string                  `json:"journal"`
}

func (d Diagnostics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	settings := d.Executor.Settings()
	store := d.Executor.Store().Diagnostics()

	payload := diagnosticsPayload{
		Status:         statusHealthy,
		Service:        "trainjobs",
		TS:             jobregistry.Timestamp(time.Now()),
		ExecutorMode:   settings.Mode,
		UsesRealRunner: settings.UseReal(),
		Security: map[string]bool{
			"dev_mode":      d.DevMode,
			"auth_required": d.AuthRequired,
		},
		Store:        store,
		ArtifactsDir: settings.ArtifactsDir,
		ArtifactSink: d.ArtifactSink,
		Journal:      "disabled",
	}

	if err := ProbeWritable(filepath.Dir(store.Path)); err != nil {
		payload.StoreProbeErr = err.Error()
		payload.Status = statusDegraded
	} else {
		payload.StoreWritable = true
	}
	if store.LastSaveError != "" || store.CorruptedFile != "" {
		payload.Status = statusDegraded
	}
	if d.Journal != nil {
		payload.Journal = statusHealthy
		if err := d.Journal.Ping(r.Context()); err != nil {
			payload.Journal = statusUnhealthy
			payload.Status = statusDegraded
		}
	}
	writeData(w, http.StatusOK, payload)
}
