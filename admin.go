package taps

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// AdminRouter builds a read-only chi.Router exposing this Runtime's live
// object counts for operators (SPEC_FULL.md supplemented feature #4): not
// the excluded benchmark harness, just the RuntimeStats an operator needs
// to tell "is this process stuck" from "is this process idle". Mount it
// under whatever path prefix the embedding application uses.
func AdminRouter(rt *Runtime) chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, rt.Metrics().Snapshot())
	})
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}
