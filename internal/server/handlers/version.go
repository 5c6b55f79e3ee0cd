package handlers

import (
	"net/http"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"

	apperrors "github.com/3leaps/evalwatch/internal/errors"
)

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Gofulmen  string `json:"gofulmen,omitempty"`
	Crucible  string `json:"crucible,omitempty"`
}

// NewVersionInfo fills in runtime and library versions.
func NewVersionInfo(version, commit, buildDate string) VersionInfo {
	libs := crucible.GetVersion()
	return VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Gofulmen:  libs.Gofulmen,
		Crucible:  libs.Crucible,
	}
}

// VersionHandler serves a fixed VersionInfo.
func VersionHandler(info VersionInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteJSON(w, http.StatusOK, info)
	}
}
