package web

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter sets up the routes for the training monitor. If a password is given then all requests require
// basic auth, after which a session cookie is used.
func NewRouter(mon *Monitor, opts Options, confFile string) (*mux.Router, error) {
	t, err := NewTemplates(nil)
	if err != nil {
		return nil, err
	}
	trainPage := NewTrainPage(t.Clone(), mon)
	configPage := NewConfigPage(t.Clone(), mon, confFile)

	r := mux.NewRouter()
	r.Handle("/", http.RedirectHandler("/train", http.StatusFound))
	r.HandleFunc("/train", trainPage.Base()).Methods("GET")
	r.HandleFunc("/train/stop", trainPage.Stop()).Methods("POST")
	r.HandleFunc("/stats", trainPage.Stats()).Methods("GET")
	r.HandleFunc("/plot/{name:(?:loss|accuracy)}.svg", trainPage.Plot()).Methods("GET")
	r.HandleFunc("/ws", trainPage.Websocket())

	r.HandleFunc("/config", configPage.Base()).Methods("GET")
	r.HandleFunc("/config/save", configPage.Save()).Methods("POST")

	if opts.Password != "" {
		r.Use(NewAuthMiddleware(opts.User, opts.Password).Middleware)
	}
	return r, nil
}
