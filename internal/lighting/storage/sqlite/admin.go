package sqlite

import (
	"fmt"
	"net/http"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/lightprobe/internal/httputil"
)

// AttachAdminRoutes mounts the tsweb debug index on mux with a live SQL
// console at /debug/tailsql/ and a JSON dump of recent estimates.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.db, &tailsql.DBOptions{
		Label: "Lightprobe history",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("estimates", "Most recent estimates (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recs, err := s.RecentEstimates(r.Context(), r.URL.Query().Get("probe"), 50)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, recs)
	}))
	return nil
}
