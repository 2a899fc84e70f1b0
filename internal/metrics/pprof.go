package metrics

import (
	"net/http"
	pprof "net/http/pprof"
)

// withProfile mounts the standard net/http/pprof handlers under their own
// mux, which Start serves under /debug/pprof/. Importing net/http/pprof
// also registers these handlers on http.DefaultServeMux through that
// package's init; nothing in this module serves http.DefaultServeMux.
func withProfile() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	return mux
}
