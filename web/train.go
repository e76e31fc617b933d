package web

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jnb666/resnet/nnet"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

const (
	plotWidth  = 480
	plotHeight = 320
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type TrainPage struct {
	*Templates
	Title    string
	Messages []string
	mon      *Monitor
}

// Base data for handler functions to monitor network training and display the stats
func NewTrainPage(t *Templates, mon *Monitor) *TrainPage {
	p := &TrainPage{mon: mon, Title: mon.Model}
	p.Templates = t.Select("/train")
	return p
}

// Handler function for the train template
func (p *TrainPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs := p.Flashes(w, r)
		p.mon.Lock()
		defer p.mon.Unlock()
		p.Messages = msgs
		p.Exec(w, "train", p)
	}
}

// Handler function for the stop action
func (p *TrainPage) Stop() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if p.mon.Running() {
			p.mon.Stop()
			p.AddFlash(w, r, "training will stop at the end of the current epoch")
		} else {
			p.AddFlash(w, r, "training is not running")
		}
		http.Redirect(w, r, "/train", http.StatusFound)
	}
}

type statsResponse struct {
	Model    string
	Epoch    int
	MaxEpoch int
	Best     float64
	Running  bool
	Error    string `json:",omitempty"`
	Stats    []nnet.Stats
}

// Handler function returning the epoch stats in JSON format
func (p *TrainPage) Stats() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statsResponse{
			Model:    p.mon.Model,
			Epoch:    p.mon.trainer.Epoch(),
			MaxEpoch: p.mon.Config().MaxEpoch,
			Best:     p.mon.trainer.BestAccuracy(),
			Running:  p.mon.Running(),
			Stats:    p.mon.Snapshot(),
		}
		if err := p.mon.Err(); err != nil {
			resp.Error = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Println("error encoding stats:", err)
		}
	}
}

// Handler function for the loss and accuracy plots in SVG format
func (p *TrainPage) Plot() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		s := p.mon.Snapshot()
		plt := newPlot()
		switch mux.Vars(r)["name"] {
		case "loss":
			line := newLinePlot(s, 0, func(s nnet.Stats) float64 { return s.Loss })
			plt.Add(line)
			plt.Legend.Add("training loss ", line)
		case "accuracy":
			acc := newLinePlot(s, 1, func(s nnet.Stats) float64 { return s.Accuracy })
			best := newLinePlot(s, 2, func(s nnet.Stats) float64 { return s.Best })
			acc.ymax, best.ymax = 100, 100
			plt.Add(acc, best)
			plt.Legend.Add("validation % ", acc)
			plt.Legend.Add("best % ", best)
		default:
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		if err := writePlot(w, plt, plotWidth, plotHeight); err != nil {
			logError(w, err)
		}
	}
}

// Handler function for websocket connection, a text message of the form epoch:accuracy is sent at the end of each epoch.
func (p *TrainPage) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("websocket upgrade:", err)
			return
		}
		p.mon.addConn(conn)
		// read until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		p.mon.removeConn(conn)
	}
}

// Used in template, caller should hold the monitor lock
func (p *TrainPage) Heading() template.HTML {
	epoch := 0
	if n := len(p.mon.Stats); n > 0 {
		epoch = p.mon.Stats[n-1].Epoch
	}
	s := fmt.Sprintf(`%s: epoch <span id="epoch">%d</span> of %d`, p.mon.Model, epoch, p.mon.Config().MaxEpoch)
	return template.HTML(s)
}

func (p *TrainPage) Epoch() int {
	return len(p.mon.Stats)
}

func (p *TrainPage) Running() bool {
	return p.mon.running
}

func (p *TrainPage) Status() string {
	switch {
	case p.mon.running:
		pr := p.mon.Progress
		return fmt.Sprintf("running: batch %d/%d of epoch %d  loss %.4f", pr.Batch, pr.Batches, pr.Epoch, pr.Loss)
	case p.mon.err != nil:
		return "error: " + p.mon.err.Error()
	case len(p.mon.Stats) > 0:
		return "finished"
	}
	return "not started"
}

func (p *TrainPage) LatestStats(n int) []nnet.Stats {
	last := len(p.mon.Stats) - 1
	res := []nnet.Stats{}
	for i := last; i >= 0 && i > last-n; i-- {
		res = append(res, p.mon.Stats[i])
	}
	return res
}

func (p *TrainPage) RunTime() string {
	if len(p.mon.Stats) == 0 {
		return ""
	}
	elapsed := p.mon.Stats[len(p.mon.Stats)-1].Elapsed
	return fmt.Sprintf("run time: %s", elapsed.Round(10*time.Millisecond))
}

func (p *TrainPage) EpochTime() template.HTML {
	if p.mon.EpochTime.Count == 0 {
		return ""
	}
	return p.mon.EpochTime.HTML()
}

func (p *TrainPage) PlotWidth() int  { return plotWidth }
func (p *TrainPage) PlotHeight() int { return plotHeight }

func newPlot() *plot.Plot {
	p := plot.New()
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Label.Text = "epoch"
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = vg.Points(12)
	p.Add(plotter.NewGrid())
	return p
}

func writePlot(w io.Writer, p *plot.Plot, width, height int) error {
	writer, err := p.WriterTo(vg.Points(float64(width)), vg.Points(float64(height)), "svg")
	if err != nil {
		return errors.Wrap(err, "error writing plot")
	}
	_, err = writer.WriteTo(w)
	return err
}

func newLinePlot(stats []nnet.Stats, ix int, value func(nnet.Stats) float64) linePlot {
	pts := plotter.XYs{}
	xmax, ymax := 1.0, 0.0
	for _, s := range stats {
		pt := plotter.XY{X: float64(s.Epoch), Y: value(s)}
		pts = append(pts, pt)
		if pt.X > xmax {
			xmax = pt.X
		}
		if pt.Y > ymax {
			ymax = pt.Y
		}
	}
	l := &plotter.Line{XYs: pts}
	l.Width = 2
	l.Color = plotutil.Color(ix)
	return linePlot{Line: l, xmin: 1, xmax: xmax, ymin: 0, ymax: ymax}
}

// modified plotter.Line with a fixed scale
type linePlot struct {
	*plotter.Line
	xmin, xmax, ymin, ymax float64
}

func (l linePlot) DataRange() (xmin, xmax, ymin, ymax float64) {
	return l.xmin, l.xmax, l.ymin, l.ymax
}
