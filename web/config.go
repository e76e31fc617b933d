package web

import (
	"fmt"
	"html/template"
	"log"
	"net/http"
	"sync"

	"github.com/jnb666/resnet/nnet"
)

// Options for the web server
type Options struct {
	Addr     string
	User     string
	Password string
}

// Config page to view and edit the settings saved to the config file for the next training run.
type ConfigPage struct {
	*Templates
	Title    string
	Messages []string
	Fields   []Field
	file     string
	conf     nnet.Config
	running  func() bool
	sync.Mutex
}

type Field struct {
	Name    string
	Value   string
	Error   string
	Boolean bool
	On      bool
}

// Base data for handler functions to view and update the network config
func NewConfigPage(t *Templates, mon *Monitor, file string) *ConfigPage {
	p := &ConfigPage{Title: mon.Model + " config", file: file, conf: mon.Config(), running: mon.Running}
	p.Templates = t.Select("/config")
	p.Fields = getFields(p.conf)
	return p
}

// Handler function for the config template
func (p *ConfigPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs := p.Flashes(w, r)
		p.Lock()
		defer p.Unlock()
		p.Messages = msgs
		p.Exec(w, "config", p)
	}
}

// Handler function for the config form save action
func (p *ConfigPage) Save() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Lock()
		defer p.Unlock()
		if err := r.ParseForm(); err != nil {
			logError(w, err)
			return
		}
		haveErrors := false
		conf := p.conf
		for i, fld := range p.Fields {
			val := r.Form.Get(fld.Name)
			var err error
			if fld.Boolean {
				p.Fields[i].On = (val == "true")
				conf, err = conf.SetBool(fld.Name, p.Fields[i].On)
			} else {
				p.Fields[i].Value = val
				conf, err = conf.SetString(fld.Name, val)
			}
			p.Fields[i].Error = ""
			if err != nil {
				p.Fields[i].Error = "invalid syntax"
				haveErrors = true
			}
		}
		if !haveErrors {
			if err := conf.Validate(); err != nil {
				p.AddFlash(w, r, err.Error())
				http.Redirect(w, r, "/config", http.StatusFound)
				return
			}
			if err := conf.Save(p.file); err != nil {
				logError(w, err)
				return
			}
			log.Println("saved config to", p.file)
			p.conf = conf
			msg := "config saved"
			if p.running() {
				msg += ": changes apply to the next training run"
			}
			p.AddFlash(w, r, msg)
		}
		http.Redirect(w, r, "/config", http.StatusFound)
	}
}

func (p *ConfigPage) Heading() template.HTML {
	return template.HTML(template.HTMLEscapeString(p.file))
}

func getFields(conf nnet.Config) []Field {
	var flds []Field
	for _, key := range conf.Fields() {
		val := conf.Get(key)
		f := Field{Name: key, Value: fmt.Sprint(val)}
		if arr, ok := val.([nnet.NumStages]int); ok {
			f.Value = fmt.Sprintf("%d,%d,%d,%d", arr[0], arr[1], arr[2], arr[3])
		}
		f.On, f.Boolean = val.(bool)
		flds = append(flds, f)
	}
	return flds
}
