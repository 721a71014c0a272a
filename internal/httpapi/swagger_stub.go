//go:build !swagger

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountSwagger answers /swagger with a JSON 404 that names the build tag
// serving the generated API docs.
func MountSwagger(r chi.Router) {
	notBuilt := func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "API docs not built; rebuild with -tags=swagger")
	}
	r.Get("/swagger", notBuilt)
	r.Get("/swagger/*", notBuilt)
}
