package web

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jnb666/resnet/nnet"
	"github.com/jnb666/resnet/num"
)

// validator which returns a fixed sequence of accuracies, if reached is set it blocks at the end of the first epoch
type seqValidator struct {
	acc     []float64
	reached chan struct{}
	release chan struct{}
}

func (v *seqValidator) Validate(net *nnet.Network, epoch int) (float64, error) {
	if epoch == 1 && v.reached != nil {
		close(v.reached)
		<-v.release
	}
	if epoch > len(v.acc) {
		return v.acc[len(v.acc)-1], nil
	}
	return v.acc[epoch-1], nil
}

func newTestMonitor(t *testing.T, valid nnet.Validator, epochs int) *Monitor {
	q := num.NewDevice().NewQueue(1)
	rng := rand.New(rand.NewSource(1))
	conf := nnet.DefaultConfig()
	conf.Width = 2
	conf.BlockCounts = [nnet.NumStages]int{1, 1, 1, 1}
	conf.Classes = 4
	conf.MaxEpoch = epochs
	conf.LogEvery = 0
	shape := []int{3, 4, 4}
	labels := make([]int32, 16)
	inputs := make([]float32, 16*num.Prod(shape))
	for i := range labels {
		labels[i] = int32(i % 4)
	}
	for i := range inputs {
		inputs[i] = float32(rng.NormFloat64())
	}
	net := nnet.New(q, conf, shape)
	net.InitWeights(rng)
	train := nnet.NewDataset(q.Dev(), nnet.NewData(4, shape, labels, inputs), 8, 0, false, rng)
	return NewMonitor("test", nnet.NewTrainer(net, train, valid, nnet.NewMemStore()))
}

func newTestServer(t *testing.T, mon *Monitor, opts Options) (*httptest.Server, string) {
	file := filepath.Join(t.TempDir(), "test.json")
	r, err := NewRouter(mon, opts, file)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, file
}

func get(t *testing.T, client *http.Client, url string, status int) string {
	resp, err := client.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != status {
		t.Fatal(url, "status got", resp.StatusCode, "expect", status)
	}
	return string(body)
}

func TestMonitor(t *testing.T) {
	mon := newTestMonitor(t, &seqValidator{acc: []float64{50, 60, 55}}, 3)
	srv, _ := newTestServer(t, mon, Options{})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	for i := 0; i < 100; i++ {
		mon.Lock()
		n := len(mon.conns)
		mon.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	done, err := mon.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err = mon.Start(context.Background()); err != ErrRunning {
		t.Error("got", err, "expect", ErrRunning)
	}
	conn.SetReadDeadline(time.Now().Add(time.Minute))
	for _, expect := range []string{"1:50.00", "2:60.00", "3:55.00", "done"} {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if string(msg) != expect {
			t.Error("message got", string(msg), "expect", expect)
		}
	}
	<-done

	var resp statsResponse
	if err = json.Unmarshal([]byte(get(t, srv.Client(), srv.URL+"/stats", 200)), &resp); err != nil {
		t.Fatal(err)
	}
	t.Logf("%+v", resp)
	if len(resp.Stats) != 3 || resp.Epoch != 3 || resp.Best != 60 || resp.Running || resp.Error != "" {
		t.Error("stats got", resp)
	}
	if resp.Stats[2].Decision != nnet.Regressed || resp.Stats[2].NonImproving != 1 {
		t.Error("last epoch got", resp.Stats[2])
	}
	if mon.EpochTime.Count != 3 {
		t.Error("epoch time count got", mon.EpochTime.Count)
	}

	page := get(t, srv.Client(), srv.URL+"/train", 200)
	if !strings.Contains(page, "finished") || !strings.Contains(page, "60.00") {
		t.Error("train page got", page)
	}
	for _, name := range []string{"loss", "accuracy"} {
		if svg := get(t, srv.Client(), srv.URL+"/plot/"+name+".svg", 200); !strings.Contains(svg, "<svg") {
			t.Error(name, "plot got", svg)
		}
	}
	get(t, srv.Client(), srv.URL+"/plot/other.svg", 404)
}

func TestStop(t *testing.T) {
	valid := &seqValidator{acc: []float64{50}, reached: make(chan struct{}), release: make(chan struct{})}
	mon := newTestMonitor(t, valid, 5)
	srv, _ := newTestServer(t, mon, Options{})
	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}

	done, err := mon.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	<-valid.reached
	resp, err := client.PostForm(srv.URL+"/train/stop", nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "training will stop") {
		t.Error("expect flash message, got", string(body))
	}
	close(valid.release)
	<-done
	if s := mon.Snapshot(); len(s) != 1 {
		t.Error("expect 1 epoch, got", len(s))
	}
	if mon.Running() || mon.Err() != nil {
		t.Error("got", mon.Running(), mon.Err())
	}
	if page := get(t, client, srv.URL+"/train", 200); strings.Contains(page, "training will stop") {
		t.Error("flash message should only be shown once")
	}
}

func TestAuth(t *testing.T) {
	mon := newTestMonitor(t, &seqValidator{acc: []float64{50}}, 1)
	srv, _ := newTestServer(t, mon, Options{User: "admin", Password: "secret"})

	get(t, srv.Client(), srv.URL+"/stats", http.StatusUnauthorized)

	req, _ := http.NewRequest("GET", srv.URL+"/stats", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Error("bad password status got", resp.StatusCode)
	}

	req.SetBasicAuth("admin", "secret")
	if resp, err = srv.Client().Do(req); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatal("status got", resp.StatusCode)
	}
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == cookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("expect auth cookie")
	}
	req, _ = http.NewRequest("GET", srv.URL+"/stats", nil)
	req.AddCookie(cookie)
	if resp, err = srv.Client().Do(req); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Error("with cookie status got", resp.StatusCode)
	}
}

func TestConfigPage(t *testing.T) {
	mon := newTestMonitor(t, &seqValidator{acc: []float64{50}}, 1)
	srv, file := newTestServer(t, mon, Options{})
	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}

	if page := get(t, client, srv.URL+"/config", 200); !strings.Contains(page, `name="BlockCounts" value="1,1,1,1"`) {
		t.Error("config page got", page)
	}
	form := url.Values{}
	for _, f := range getFields(mon.Config()) {
		switch {
		case f.Name == "Eta":
			form.Set(f.Name, "0.05")
		case f.Boolean && f.On:
			form.Set(f.Name, "true")
		case !f.Boolean:
			form.Set(f.Name, f.Value)
		}
	}
	form.Set("Shuffle", "")
	resp, err := client.PostForm(srv.URL+"/config/save", form)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "config saved") {
		t.Error("expect saved message, got", string(body))
	}
	conf, err := nnet.LoadConfig(file)
	if err != nil {
		t.Fatal(err)
	}
	if conf.Eta != 0.05 || conf.Shuffle || conf.Width != 2 || conf.BlockCounts != [nnet.NumStages]int{1, 1, 1, 1} {
		t.Errorf("got %+v", conf)
	}

	form.Set("Patience", "0")
	if resp, err = client.PostForm(srv.URL+"/config/save", form); err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "Patience must be positive") {
		t.Error("expect validation error, got", string(body))
	}
	form.Set("Patience", "x")
	if resp, err = client.PostForm(srv.URL+"/config/save", form); err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "invalid syntax") {
		t.Error("expect syntax error, got", string(body))
	}
}
