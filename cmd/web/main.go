// Train a residual network with a web page to monitor progress.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"

	"github.com/jnb666/resnet/img"
	"github.com/jnb666/resnet/nnet"
	"github.com/jnb666/resnet/num"
	"github.com/jnb666/resnet/web"
)

func main() {
	var opts web.Options
	flag.StringVar(&opts.Addr, "addr", "localhost:8080", "address to listen on")
	flag.StringVar(&opts.User, "user", "admin", "user name for basic auth")
	flag.StringVar(&opts.Password, "password", os.Getenv("RESNET_PASSWORD"), "password for basic auth, no auth if blank")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: web [opts] <config.json>")
		flag.PrintDefaults()
	}
	nnet.AddFlags(flag.CommandLine, nnet.DefaultConfig())
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	confFile := flag.Arg(0)
	conf := nnet.DefaultConfig()
	var err error
	if nnet.FileExists(confFile) {
		conf, err = nnet.LoadConfig(confFile)
		nnet.CheckErr(err)
	}
	conf, err = conf.Override(flag.CommandLine)
	nnet.CheckErr(err)

	dev := num.NewDevice()
	q := dev.NewQueue(conf.Threads)
	rng := nnet.SetSeed(conf.RandSeed)
	sets, err := img.LoadSets(dev, conf, rng)
	nnet.CheckErr(err)
	defer sets.Release()

	net := nnet.New(q, conf, sets.Train.Shape())
	net.InitWeights(rng)
	valid := nnet.Validation{Evaluator: nnet.NewEvaluator(q), Data: sets.Valid}
	trainer := nnet.NewTrainer(net, sets.Train, valid, nnet.FileStore{Dir: conf.DataDir})
	mon := web.NewMonitor(conf.DataSet, trainer)

	r, err := web.NewRouter(mon, opts, confFile)
	nnet.CheckErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done, err := mon.Start(ctx)
	nnet.CheckErr(err)

	srv := &http.Server{Addr: opts.Addr, Handler: r}
	go func() {
		log.Printf("serving web page at http://%s", opts.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	select {
	case <-done:
		if err := mon.Err(); err == nil {
			_, err = trainer.Test(sets.Test)
			if err != nil {
				log.Println(err)
			}
		}
		log.Println("training finished: interrupt to exit")
		<-sig
	case <-sig:
		log.Println("interrupt: stopping")
		trainer.Stop()
		<-done
	}
	srv.Shutdown(context.Background())
}
