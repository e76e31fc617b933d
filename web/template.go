package web

import (
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

const sessionName = "resnet-session"

// Template and main menu definition
type Templates struct {
	*template.Template
	Menu  []Link
	store sessions.Store
}

type Link struct {
	Url      string
	Name     string
	Selected bool
}

// Parse the page templates and initialise the main menu. If key is nil then a random session key is generated.
func NewTemplates(key []byte) (*Templates, error) {
	if key == nil {
		key = securecookie.GenerateRandomKey(32)
	}
	tmpl, err := template.New("page").Parse(pageTemplates)
	if err != nil {
		return nil, err
	}
	t := &Templates{
		Template: tmpl,
		Menu:     []Link{{Url: "/train", Name: "train"}, {Url: "/config", Name: "config"}},
		store:    sessions.NewCookieStore(key),
	}
	return t, nil
}

func (t *Templates) Clone() *Templates {
	return &Templates{
		Template: t.Template,
		Menu:     append([]Link{}, t.Menu...),
		store:    t.store,
	}
}

func (t *Templates) Select(url string) *Templates {
	for i, key := range t.Menu {
		t.Menu[i].Selected = strings.HasPrefix(key.Url, url)
	}
	return t
}

// Exec executes the named template and logs any error
func (t *Templates) Exec(w http.ResponseWriter, name string, data interface{}) {
	if err := t.ExecuteTemplate(w, name, data); err != nil {
		logError(w, err)
	}
}

// Save a message to be displayed on the next page load
func (t *Templates) AddFlash(w http.ResponseWriter, r *http.Request, msg string) {
	session, err := t.store.Get(r, sessionName)
	if err != nil {
		log.Println("session error:", err)
	}
	session.AddFlash(msg)
	if err = session.Save(r, w); err != nil {
		log.Println("error saving session:", err)
	}
}

// Get and clear pending messages, this must be called before the response body is written
func (t *Templates) Flashes(w http.ResponseWriter, r *http.Request) []string {
	session, err := t.store.Get(r, sessionName)
	if err != nil {
		return nil
	}
	var msgs []string
	for _, f := range session.Flashes() {
		msgs = append(msgs, fmt.Sprint(f))
	}
	if len(msgs) > 0 {
		session.Save(r, w)
	}
	return msgs
}

func logError(w http.ResponseWriter, err error) {
	log.Println(err)
	http.Error(w, fmt.Sprint(err), http.StatusInternalServerError)
}

const pageTemplates = `
{{define "header"}}<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 1em; }
nav a { margin-right: 1em; }
nav a.selected { font-weight: bold; }
table { border-collapse: collapse; }
td, th { padding: 2px 8px; text-align: right; }
.flash { color: #a00; }
</style>
</head>
<body>
<nav>{{range .Menu}}<a href="{{.Url}}"{{if .Selected}} class="selected"{{end}}>{{.Name}}</a>{{end}}</nav>
{{range .Messages}}<p class="flash">{{.}}</p>{{end}}
{{end}}

{{define "footer"}}</body>
</html>
{{end}}

{{define "train"}}{{template "header" .}}
<h2>{{.Heading}}</h2>
<p>{{.Status}} {{.RunTime}} {{if .EpochTime}}epoch time: {{.EpochTime}}s{{end}}</p>
{{if .Running}}<form method="POST" action="/train/stop"><input type="submit" value="stop"></form>{{end}}
<div>
<img src="/plot/loss.svg?epoch={{.Epoch}}" width="{{.PlotWidth}}" height="{{.PlotHeight}}">
<img src="/plot/accuracy.svg?epoch={{.Epoch}}" width="{{.PlotWidth}}" height="{{.PlotHeight}}">
</div>
<table>
<tr><th>epoch</th><th>loss</th><th>accuracy</th><th>best</th><th>non-improving</th><th>decision</th></tr>
{{range .LatestStats 20}}<tr><td>{{.Epoch}}</td><td>{{printf "%.5f" .Loss}}</td><td>{{printf "%.2f" .Accuracy}}</td><td>{{printf "%.2f" .Best}}</td><td>{{.NonImproving}}</td><td>{{.Decision}}</td></tr>
{{end}}</table>
<script>
var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = function(ev) { location.reload(); };
</script>
{{template "footer" .}}{{end}}

{{define "config"}}{{template "header" .}}
<h2>{{.Heading}}</h2>
<form method="POST" action="/config/save">
<table>
{{range .Fields}}<tr><td>{{.Name}}</td><td>{{if .Boolean}}<input type="checkbox" name="{{.Name}}" value="true"{{if .On}} checked{{end}}>{{else}}<input type="text" name="{{.Name}}" value="{{.Value}}">{{end}}</td><td class="flash">{{.Error}}</td></tr>
{{end}}</table>
<input type="submit" value="save">
</form>
{{template "footer" .}}{{end}}
`
